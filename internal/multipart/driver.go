package multipart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/fetch"
	"github.com/tanq16/partdl/internal/parts"
	"github.com/tanq16/partdl/internal/pool"
	"github.com/tanq16/partdl/internal/utils"
)

// PartFetcher downloads one part; the fetch.Fetcher is the production one.
type PartFetcher interface {
	Fetch(ctx context.Context, part *parts.Part) error
}

// Driver downloads every part of info with at most Connections parts in
// flight. A Driver may be run again after an abort; parts resume from what
// they already received.
type Driver struct {
	Info        *parts.Info
	Fetcher     PartFetcher
	Connections int
	Stop        *atomic.Bool

	// OnSubmit, when set, observes each part handed to the pool.
	OnSubmit func(p *parts.Part, inFlight int)

	log      zerolog.Logger
	pool     *pool.Pool
	mu       sync.Mutex
	inFlight map[int]struct{}
	errs     []error
}

func (d *Driver) stopped() bool {
	return d.Stop != nil && d.Stop.Load()
}

// Download runs until every part is done, the stop flag is raised, or a part
// fails. Failures are returned together as an *AbortError once no task is
// left running. A stop returns nil.
func (d *Driver) Download(ctx context.Context) error {
	if d.Connections <= 0 {
		d.Connections = utils.DefaultConnections
	}
	d.log = utils.GetLogger("multipart").With().Str("source", d.Info.Source).Logger()
	d.pool = pool.New(d.Connections)
	d.inFlight = make(map[int]struct{})
	d.errs = nil
	defer d.pool.Shutdown()

	d.log.Debug().Int("parts", len(d.Info.Parts())).Int("connections", d.Connections).Msg("Starting multipart download")
	for !d.done() {
		if p := d.next(); p != nil {
			if err := d.submit(ctx, p); err != nil {
				return err
			}
		} else {
			d.pool.AwaitNext()
		}

		if d.failed() {
			// Stop issuing work and let running parts settle first.
			d.drain()
			errs := d.errors()
			d.log.Warn().Int("failures", len(errs)).Msg("Aborting download")
			return &AbortError{Errors: errs}
		}
	}
	if d.stopped() {
		d.drain()
		d.log.Debug().Int64("downloaded", d.Info.Calculate()).Msg("Download stopped")
	}
	return nil
}

func (d *Driver) done() bool {
	if d.stopped() {
		return true
	}
	if d.pool.Active() {
		return false
	}
	return d.next() == nil
}

// next returns the first part in scan order that is neither done nor in
// flight.
func (d *Driver) next() *parts.Part {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.Info.Parts() {
		if p.Done() {
			continue
		}
		if _, busy := d.inFlight[p.ID]; busy {
			continue
		}
		return p
	}
	return nil
}

func (d *Driver) submit(ctx context.Context, p *parts.Part) error {
	// Register only once a slot is free so the in-flight set never outgrows
	// the pool.
	d.pool.AwaitSlot()
	if d.stopped() || d.failed() {
		return nil
	}
	d.mu.Lock()
	d.inFlight[p.ID] = struct{}{}
	inFlight := len(d.inFlight)
	d.mu.Unlock()

	err := d.pool.Submit(func() {
		err := d.run(ctx, p)
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.inFlight, p.ID)
		if err != nil {
			d.errs = append(d.errs, err)
		}
	})
	if err != nil {
		d.mu.Lock()
		delete(d.inFlight, p.ID)
		d.mu.Unlock()
		return fmt.Errorf("error submitting part %d: %w", p.ID, err)
	}
	if d.OnSubmit != nil {
		d.OnSubmit(p, inFlight)
	}
	return nil
}

// run executes one fetch and turns a panic into a fatal fault so the worker
// always reports back.
func (d *Driver) run(ctx context.Context, p *parts.Part) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &fetch.Fault{Kind: fetch.Fatal, Part: p.ID, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			d.log.Debug().Err(err).Int("part", p.ID).Msg("Part failed")
		}
	}()
	return d.Fetcher.Fetch(ctx, p)
}

func (d *Driver) failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errs) > 0
}

func (d *Driver) errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errs...)
}

func (d *Driver) drain() {
	for d.pool.Active() {
		d.pool.AwaitNext()
	}
}
