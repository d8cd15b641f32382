package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tanq16/partdl/internal/utils"
)

var ErrClosed = errors.New("pool is shut down")

// Pool runs tasks on a fixed set of worker goroutines and never holds more
// than its capacity in live (queued or running) tasks. Submit blocks the
// caller instead of growing a queue.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	live     int
	running  int
	finished uint64 // bumped after every task, success or not
	closed   bool
	queue    chan func()
	wg       sync.WaitGroup
}

func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		capacity: capacity,
		queue:    make(chan func(), capacity),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < capacity; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.live--
		p.finished++
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	defer func() {
		// A panicking task must not take its worker down with it.
		if r := recover(); r != nil {
			log := utils.GetLogger("pool")
			log.Error().Str("panic", fmt.Sprint(r)).Msg("Task panicked")
		}
	}()
	task()
}

// Submit hands task to the pool, blocking while the pool is at capacity.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.live >= p.capacity && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return ErrClosed
	}
	p.live++
	// live <= capacity == cap(queue), so this send never blocks.
	p.queue <- task
	return nil
}

// AwaitSlot blocks until a Submit would not block. With a single submitter
// the slot stays free until that submitter uses it.
func (p *Pool) AwaitSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.live >= p.capacity && !p.closed {
		p.cond.Wait()
	}
}

// Active reports whether any task is queued or running.
func (p *Pool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live > 0
}

// AwaitNext blocks until at least one more task finishes. It returns at once
// when nothing is live, so an idle pool can never park the caller.
func (p *Pool) AwaitNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := p.finished
	for p.finished == seen && p.live > 0 {
		p.cond.Wait()
	}
}

// Shutdown stops accepting work. Tasks already handed over keep running.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
	p.cond.Broadcast()
}

// Wait blocks until every worker has exited. Only valid after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}
