package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/fetch"
	"github.com/tanq16/partdl/internal/multipart"
	"github.com/tanq16/partdl/internal/parts"
	"github.com/tanq16/partdl/internal/utils"
)

// ErrInterrupted is returned when the stop flag ends a job before every
// part is done.
var ErrInterrupted = errors.New("download interrupted")

// Hooks lets the caller follow a job. All callbacks are optional;
// OnProgress is called from fetch goroutines.
type Hooks struct {
	OnStart    func(path string, size int64)
	OnProgress func(downloaded, total int64)
	OnRetry    func(attempt int, err error)
}

// Result summarizes a finished job.
type Result struct {
	Path     string
	Size     int64
	Attempts int
	Elapsed  time.Duration
}

// Downloader runs single jobs against a shared configuration. The source
// factory is swappable for tests.
type Downloader struct {
	Config    config.Config
	Stop      *atomic.Bool
	NewSource func(job utils.Job) (fetch.Source, error)
}

func NewDownloader(cfg config.Config, stop *atomic.Bool) *Downloader {
	d := &Downloader{Config: cfg, Stop: stop}
	httpSource := fetch.NewHTTPSource(utils.NewHTTPClient(cfg.HTTPClientConfig()))
	s3Source := fetch.NewS3Source(cfg.S3Profile, cfg.S3Region)
	d.NewSource = func(job utils.Job) (fetch.Source, error) {
		switch job.JobType {
		case "http":
			return httpSource, nil
		case "s3":
			return s3Source, nil
		}
		return nil, fmt.Errorf("unknown job type: %s", job.JobType)
	}
	return d
}

func (d *Downloader) stopped() bool {
	return d.Stop != nil && d.Stop.Load()
}

func (d *Downloader) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.Config.Retry.Backoff
	b.MaxInterval = d.Config.Retry.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.Config.Retry.Attempts)), ctx)
}

func (d *Downloader) probe(ctx context.Context, log zerolog.Logger, source fetch.Source, url string) (*fetch.Meta, error) {
	var meta *fetch.Meta
	operation := func() error {
		m, err := source.Probe(ctx, url)
		if err != nil {
			if fetch.IsRetryable(fetch.Classify(-1, err)) && !d.stopped() {
				return err
			}
			return backoff.Permanent(err)
		}
		meta = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("Probe failed, retrying")
	}
	if err := backoff.RetryNotify(operation, d.backOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return meta, nil
}

// revalidate probes again before a resubmission. A new version of the same
// size restarts every part; a size change cannot be resumed at all.
func (d *Downloader) revalidate(ctx context.Context, log zerolog.Logger, source fetch.Source, url string, meta *fetch.Meta, info *parts.Info) error {
	current, err := source.Probe(ctx, url)
	if err != nil {
		if fetch.IsRetryable(fetch.Classify(-1, err)) && !d.stopped() {
			return err
		}
		return backoff.Permanent(err)
	}
	if current.Size != meta.Size {
		return backoff.Permanent(fmt.Errorf("%w: size is %d, was %d", fetch.ErrResourceChanged, current.Size, meta.Size))
	}
	if current.ETag != "" && meta.ETag != "" && current.ETag != meta.ETag {
		log.Warn().Str("etag", current.ETag).Str("previous", meta.ETag).Msg("Resource changed, restarting all parts")
		for _, p := range info.Parts() {
			p.SetReceived(0)
		}
		info.Calculate()
		meta.ETag = current.ETag
	}
	return nil
}

// planParts splits the resource. Servers without range support get a single
// part that is always fetched from the start.
func (d *Downloader) planParts(job utils.Job, meta *fetch.Meta) []*parts.Part {
	if !meta.RangeSupported {
		if meta.Size <= 0 {
			return nil
		}
		return []*parts.Part{parts.NewPart(0, 0, meta.Size-1)}
	}
	partSize := job.PartSize
	if partSize == 0 {
		partSize = d.Config.PartSize
	}
	if partSize > 0 {
		return parts.SplitBySize(meta.Size, partSize)
	}
	connections := job.Connections
	if connections <= 0 {
		connections = d.Config.Connections
	}
	return parts.Split(meta.Size, connections)
}

func (d *Downloader) outputPath(job utils.Job, meta *fetch.Meta) string {
	path := job.OutputPath
	if path == "" {
		path = meta.FileName
		if path == "" {
			path = utils.OutputFromURL(job.URL)
		}
	}
	if _, err := os.Stat(path); err == nil {
		path = utils.RenewOutputPath(path)
	}
	return path
}

// Download fetches one job into its output file, resubmitting the remaining
// parts with backoff while every failure of an attempt is retryable.
func (d *Downloader) Download(ctx context.Context, job utils.Job, hooks Hooks) (*Result, error) {
	start := time.Now()
	log := utils.GetLogger("scheduler").With().Str("job", job.ID).Str("url", job.URL).Logger()

	source, err := d.NewSource(job)
	if err != nil {
		return nil, err
	}
	meta, err := d.probe(ctx, log, source, job.URL)
	if err != nil {
		return nil, err
	}
	path := d.outputPath(job, meta)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	log.Debug().Int64("size", meta.Size).Bool("ranges", meta.RangeSupported).Str("output", path).Msg("Resource probed")

	info, err := parts.NewInfo(job.URL, meta.Size, d.planParts(job, meta))
	if err != nil {
		return nil, err
	}
	target := fetch.FileTarget{Path: path}
	if err := target.Preallocate(meta.Size); err != nil {
		return nil, fmt.Errorf("preallocate %s: %w", path, err)
	}
	if hooks.OnStart != nil {
		hooks.OnStart(path, meta.Size)
	}

	stop := d.Stop
	if stop == nil {
		stop = &atomic.Bool{}
	}
	fetcher := &fetch.Fetcher{
		URL:        job.URL,
		Opener:     source,
		Target:     target,
		Info:       info,
		Stop:       stop,
		BufferSize: d.Config.BufferSize,
		Limiter:    fetch.NewLimiter(d.Config.RateLimit, d.Config.BufferSize),
	}
	if hooks.OnProgress != nil {
		fetcher.Notify = func() { hooks.OnProgress(info.Downloaded(), meta.Size) }
	}
	connections := job.Connections
	if connections <= 0 {
		connections = d.Config.Connections
	}
	driver := &multipart.Driver{Info: info, Fetcher: fetcher, Connections: connections, Stop: stop}

	attempts := 0
	operation := func() error {
		attempts++
		if attempts > 1 {
			if err := d.revalidate(ctx, log, source, job.URL, meta, info); err != nil {
				return err
			}
		}
		if !meta.RangeSupported {
			for _, p := range info.Parts() {
				p.SetReceived(0)
			}
			info.Calculate()
		}
		err := driver.Download(ctx)
		if err == nil {
			return nil
		}
		var abort *multipart.AbortError
		if errors.As(err, &abort) && abort.Retryable() && !stop.Load() {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int64("downloaded", info.Downloaded()).Dur("wait", wait).Msg("Download aborted, resubmitting remaining parts")
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempts+1, err)
		}
	}
	if err := backoff.RetryNotify(operation, d.backOff(ctx), notify); err != nil {
		return nil, err
	}
	if !info.Done() {
		return nil, ErrInterrupted
	}
	if hooks.OnProgress != nil {
		hooks.OnProgress(info.Calculate(), meta.Size)
	}
	result := &Result{Path: path, Size: meta.Size, Attempts: attempts, Elapsed: time.Since(start)}
	log.Debug().Str("output", path).Int64("size", meta.Size).Int("attempts", attempts).Dur("elapsed", result.Elapsed).Msg("Download complete")
	return result, nil
}
