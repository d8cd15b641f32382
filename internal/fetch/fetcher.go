package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/tanq16/partdl/internal/parts"
	"github.com/tanq16/partdl/internal/utils"
)

// Fetcher downloads single parts of one resource into one target.
type Fetcher struct {
	URL        string
	Opener     Opener
	Target     Target
	Info       *parts.Info
	Stop       *atomic.Bool
	Notify     func()
	BufferSize int
	Limiter    *rate.Limiter
}

// NewLimiter returns a byte rate limiter whose burst fits one read buffer,
// or nil when bytesPerSecond is not positive.
func NewLimiter(bytesPerSecond int64, bufferSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = utils.DefaultBufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(bufferSize, int(bytesPerSecond)))
}

func (f *Fetcher) stopped() bool {
	return f.Stop != nil && f.Stop.Load()
}

func (f *Fetcher) bufferSize() int {
	if f.BufferSize > 0 {
		return f.BufferSize
	}
	return utils.DefaultBufferSize
}

// Fetch streams the missing tail of part into the target. Every returned
// error is a *Fault.
func (f *Fetcher) Fetch(ctx context.Context, part *parts.Part) (err error) {
	log := utils.GetLogger("fetch").With().Int("part", part.ID).Logger()
	defer func() {
		if err != nil {
			err = Classify(part.ID, err)
		}
	}()

	w, err := f.Target.OpenWriter()
	if err != nil {
		return fmt.Errorf("error opening target: %w", err)
	}
	defer w.Close()

	start := part.Offset()
	byteRange := part.RangeHeader()
	if _, err := w.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking target: %w", err)
	}
	log.Debug().Str("range", byteRange).Msg("Requesting part")
	body, err := f.Opener.Open(ctx, f.URL, byteRange)
	if err != nil {
		return err
	}
	defer body.Close()

	reader := bufio.NewReaderSize(body, f.bufferSize())
	buf := make([]byte, f.bufferSize())
	var got int64
	localStop := false
	for !f.stopped() && !localStop {
		n, readErr := reader.Read(buf)
		if n > 0 {
			// Never write past the part, whatever the server sends.
			if remaining := part.Remaining(); int64(n) >= remaining {
				if int64(n) > remaining {
					log.Debug().Int("read", n).Int64("remaining", remaining).Msg("Server overran the range, truncating")
				}
				n = int(remaining)
				localStop = true
			}
			if f.Limiter != nil {
				if err := f.Limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("error writing target: %w", err)
			}
			part.Advance(int64(n))
			got += int64(n)
			f.Info.Calculate()
			if f.Notify != nil {
				f.Notify()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if !part.Done() && !f.stopped() && got == 0 {
		return ErrShortBody
	}
	log.Debug().Int64("bytes", got).Bool("done", part.Done()).Msg("Part fetch finished")
	return nil
}
