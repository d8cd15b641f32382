package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/utils"
)

// Options controls a scheduler run.
type Options struct {
	Workers int
	Stop    *atomic.Bool
	Out     io.Writer
	// Live redraws progress in place; disable when not on a terminal.
	Live bool
}

// NewJobs turns list entries into jobs with fresh IDs.
func NewJobs(entries []utils.DownloadEntry, cfg config.Config) []utils.Job {
	jobs := make([]utils.Job, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, utils.Job{
			ID:          uuid.NewString(),
			URL:         entry.URL,
			OutputPath:  entry.OutputPath,
			JobType:     utils.DetermineDownloadType(entry.URL),
			Connections: cfg.Connections,
			PartSize:    cfg.PartSize,
		})
	}
	return jobs
}

// Run executes jobs with at most opts.Workers of them at once. A single job
// gets its own progress bar; batches report through an output.Manager. The
// returned error joins every failed job.
func Run(ctx context.Context, jobs []utils.Job, cfg config.Config, opts Options) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Stop == nil {
		opts.Stop = &atomic.Bool{}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	log := utils.GetLogger("scheduler")
	downloader := NewDownloader(cfg, opts.Stop)

	if len(jobs) == 1 {
		return runSingle(ctx, downloader, jobs[0], opts)
	}

	outputMgr := output.NewManager(opts.Out, opts.Live)
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	jobCh := make(chan utils.Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	log.Debug().Int("jobs", len(jobs)).Int("workers", opts.Workers).Msg("Starting batch")
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if err := processJob(ctx, downloader, job, outputMgr, opts.Stop); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", job.URL, err))
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func processJob(ctx context.Context, downloader *Downloader, job utils.Job, outputMgr *output.Manager, stop *atomic.Bool) error {
	name := job.OutputPath
	if name == "" {
		name = job.URL
	}
	id := outputMgr.RegisterJob(name)
	if stop.Load() {
		outputMgr.ReportError(id, ErrInterrupted)
		return ErrInterrupted
	}
	outputMgr.SetMessage(id, fmt.Sprintf("Probing %s", name))
	hooks := Hooks{
		OnStart: func(path string, size int64) {
			outputMgr.SetMessage(id, fmt.Sprintf("Downloading %s", path))
			outputMgr.SetProgress(id, 0, size)
		},
		OnProgress: func(downloaded, total int64) {
			outputMgr.SetProgress(id, downloaded, total)
		},
		OnRetry: func(attempt int, err error) {
			outputMgr.SetStatus(id, "warning")
			outputMgr.SetMessage(id, fmt.Sprintf("Retrying %s (attempt %d)", name, attempt))
		},
	}
	result, err := downloader.Download(ctx, job, hooks)
	if err != nil {
		outputMgr.ReportError(id, err)
		return err
	}
	outputMgr.Complete(id, fmt.Sprintf("Completed %s (%s)", result.Path, output.FormatBytes(result.Size)))
	return nil
}

func runSingle(ctx context.Context, downloader *Downloader, job utils.Job, opts Options) error {
	var bar *output.Progress
	hooks := Hooks{
		OnStart: func(path string, size int64) {
			bar = output.NewProgress(opts.Out, size, path, opts.Live)
		},
		OnProgress: func(downloaded, total int64) {
			bar.Update(downloaded)
		},
	}
	result, err := downloader.Download(ctx, job, hooks)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		fmt.Fprintln(opts.Out, output.FError(fmt.Sprintf("%s Failed %s: %v", output.StyleSymbols["fail"], job.URL, err)))
		return err
	}
	fmt.Fprintln(opts.Out, output.FSuccess(fmt.Sprintf("%s Downloaded %s (%s in %s, %s)",
		output.StyleSymbols["pass"],
		result.Path,
		output.FormatBytes(result.Size),
		result.Elapsed.Round(10*time.Millisecond),
		output.FormatSpeed(result.Size, result.Elapsed))))
	return nil
}
