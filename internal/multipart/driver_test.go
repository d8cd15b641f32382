package multipart

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/tanq16/partdl/internal/fetch"
	"github.com/tanq16/partdl/internal/parts"
	"github.com/tanq16/partdl/internal/utils"
)

// fakeFetcher completes parts instantly unless told otherwise.
type fakeFetcher struct {
	info   *parts.Info
	fail   map[int]error
	delay  map[int]time.Duration
	mu     sync.Mutex
	calls  []int
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, p *parts.Part) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	f.mu.Unlock()
	time.Sleep(f.delay[p.ID])
	if err, ok := f.fail[p.ID]; ok {
		return fetch.Classify(p.ID, err)
	}
	p.Advance(p.Remaining())
	f.info.Calculate()
	return nil
}

func newInfo(t *testing.T, size int64, count int) *parts.Info {
	t.Helper()
	info, err := parts.NewInfo("test://resource", size, parts.Split(size, count))
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	return info
}

func TestDownloadAllPartsSucceed(t *testing.T) {
	info := newInfo(t, 300, 3)
	d := &Driver{Info: info, Fetcher: &fakeFetcher{info: info}, Connections: 3}
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	for _, p := range info.Parts() {
		if !p.Done() {
			t.Errorf("%s not done", p)
		}
	}
	if info.Downloaded() != 300 {
		t.Errorf("expected 300 bytes, got %d", info.Downloaded())
	}
}

func TestDownloadAbortsWithAggregatedError(t *testing.T) {
	info := newInfo(t, 300, 3)
	f := &fakeFetcher{
		info:  info,
		fail:  map[int]error{1: syscall.ECONNRESET},
		delay: map[int]time.Duration{1: 50 * time.Millisecond},
	}
	d := &Driver{Info: info, Fetcher: f, Connections: 3}
	err := d.Download(context.Background())

	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if len(abort.Errors) != 1 || !fetch.IsRetryable(abort.Errors[0]) {
		t.Fatalf("expected exactly one retryable fault, got %v", abort.Errors)
	}
	if !abort.Retryable() {
		t.Error("abort with only retryable faults should be retryable")
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Error("abort error should expose the underlying cause")
	}
	ps := info.Parts()
	if !ps[0].Done() || ps[1].Done() || !ps[2].Done() {
		t.Errorf("expected parts 0 and 2 done, 1 not: %s %s %s", ps[0], ps[1], ps[2])
	}
}

func TestDownloadFatalAbortIsNotRetryable(t *testing.T) {
	info := newInfo(t, 300, 3)
	f := &fakeFetcher{info: info, fail: map[int]error{0: fetch.ErrNotFound}}
	err := (&Driver{Info: info, Fetcher: f, Connections: 1}).Download(context.Background())
	var abort *AbortError
	if !errors.As(err, &abort) || abort.Retryable() {
		t.Fatalf("expected fatal abort, got %v", err)
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Error("expected ErrNotFound among the causes")
	}
}

func TestDownloadBoundsWorkAfterFailure(t *testing.T) {
	const connections = 2
	info := newInfo(t, 1000, 10)
	f := &fakeFetcher{
		info:  info,
		fail:  map[int]error{0: errors.New("boom")},
		delay: map[int]time.Duration{},
	}
	for i := 1; i < 10; i++ {
		f.delay[i] = 5 * time.Millisecond
	}
	var afterFailure atomic.Int32
	d := &Driver{Info: info, Fetcher: f, Connections: connections}
	d.OnSubmit = func(p *parts.Part, inFlight int) {
		if inFlight > connections {
			t.Errorf("in-flight set grew to %d", inFlight)
		}
		if d.failed() {
			afterFailure.Add(1)
		}
	}
	if err := d.Download(context.Background()); err == nil {
		t.Fatal("expected an abort")
	}
	if got := afterFailure.Load(); got > connections {
		t.Errorf("submitted %d parts after the first failure, limit %d", got, connections)
	}
	if f.peak.Load() > connections {
		t.Errorf("peak concurrency %d exceeds %d", f.peak.Load(), connections)
	}
}

func TestDownloadInFlightNeverExceedsCapacity(t *testing.T) {
	info := newInfo(t, 2000, 20)
	f := &fakeFetcher{info: info, delay: map[int]time.Duration{}}
	for i := 0; i < 20; i++ {
		f.delay[i] = time.Duration(i%3) * time.Millisecond
	}
	d := &Driver{Info: info, Fetcher: f, Connections: 3}
	d.OnSubmit = func(p *parts.Part, inFlight int) {
		if inFlight > 3 {
			t.Errorf("in-flight set grew to %d", inFlight)
		}
	}
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if f.peak.Load() > 3 {
		t.Errorf("peak concurrency %d", f.peak.Load())
	}
	if len(f.calls) != 20 {
		t.Errorf("expected each part fetched once, got %d fetches", len(f.calls))
	}
}

// blockingFetcher receives a few bytes, then waits for the stop flag.
type blockingFetcher struct {
	info    *parts.Info
	stop    *atomic.Bool
	started chan int
}

func (f *blockingFetcher) Fetch(ctx context.Context, p *parts.Part) error {
	if f.stop.Load() {
		return nil
	}
	p.Advance(10)
	f.info.Calculate()
	f.started <- p.ID
	for !f.stop.Load() {
		time.Sleep(time.Millisecond)
	}
	return nil
}

func TestDownloadStopsOnCancellation(t *testing.T) {
	info := newInfo(t, 300, 3)
	stop := &atomic.Bool{}
	f := &blockingFetcher{info: info, stop: stop, started: make(chan int, 3)}
	d := &Driver{Info: info, Fetcher: f, Connections: 2, Stop: stop}

	go func() {
		<-f.started
		<-f.started
		stop.Store(true)
	}()
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("expected no error on cancellation, got %v", err)
	}
	ps := info.Parts()
	if ps[0].Received() != 10 || ps[1].Received() != 10 {
		t.Errorf("expected in-flight parts partially received, got %s %s", ps[0], ps[1])
	}
	if ps[2].Received() != 0 {
		t.Errorf("untouched part should stay at 0, got %s", ps[2])
	}
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(ctx context.Context, p *parts.Part) error {
	panic("unexpected state")
}

func TestDownloadRecoversTaskPanic(t *testing.T) {
	info := newInfo(t, 100, 1)
	err := (&Driver{Info: info, Fetcher: panickingFetcher{}, Connections: 1}).Download(context.Background())
	var abort *AbortError
	if !errors.As(err, &abort) || !fetch.IsFatal(abort.Errors[0]) {
		t.Fatalf("expected fatal abort from panic, got %v", err)
	}
}

func TestDownloadResumesAfterAbort(t *testing.T) {
	info := newInfo(t, 300, 3)
	f := &fakeFetcher{info: info, fail: map[int]error{2: syscall.ECONNRESET}}
	d := &Driver{Info: info, Fetcher: f, Connections: 3}
	if err := d.Download(context.Background()); err == nil {
		t.Fatal("expected first run to abort")
	}
	delete(f.fail, 2)
	f.calls = nil
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != 2 {
		t.Errorf("expected only part 2 to be fetched again, got %v", f.calls)
	}
}

func TestDownloadEndToEnd(t *testing.T) {
	data := make([]byte, 64*1024+123)
	for i := range data {
		data[i] = byte(i % 253)
	}
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		rng := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		bounds := strings.Split(rng, "-")
		start, _ := strconv.ParseInt(bounds[0], 10, 64)
		end, _ := strconv.ParseInt(bounds[1], 10, 64)
		w.Header().Set("Content-Range", "bytes "+bounds[0]+"-"+bounds[1]+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "out.bin")
	info, err := parts.NewInfo(server.URL, int64(len(data)), parts.SplitBySize(int64(len(data)), 10000))
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	stop := &atomic.Bool{}
	var notifications atomic.Int64
	fetcher := &fetch.Fetcher{
		URL:        server.URL,
		Opener:     fetch.NewHTTPSource(utils.NewHTTPClient(utils.HTTPClientConfig{})),
		Target:     fetch.FileTarget{Path: path},
		Info:       info,
		Stop:       stop,
		Notify:     func() { notifications.Add(1) },
		BufferSize: 4096,
	}
	d := &Driver{Info: info, Fetcher: fetcher, Connections: 3, Stop: stop}
	if err := d.Download(context.Background()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded file differs from source")
	}
	if int(requests.Load()) != len(info.Parts()) {
		t.Errorf("expected one request per part, got %d", requests.Load())
	}
	if notifications.Load() == 0 {
		t.Error("no progress notifications")
	}
	if info.Downloaded() != int64(len(data)) {
		t.Errorf("aggregate progress %d, want %d", info.Downloaded(), len(data))
	}
}
