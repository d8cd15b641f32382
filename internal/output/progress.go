package output

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress draws a byte progress bar for one download. Update may be
// called from any number of fetch goroutines.
type Progress struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func NewProgress(w io.Writer, total int64, description string, visible bool) *Progress {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        StyleSymbols["hline"],
			SaucerPadding: " ",
			BarStart:      StyleSymbols["bullet"],
			BarEnd:        StyleSymbols["bullet"],
		}),
	)
	return &Progress{bar: bar}
}

// Update moves the bar to the absolute byte count.
func (p *Progress) Update(downloaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Set64(downloaded)
}

func (p *Progress) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bar.State().CurrentNum
}

func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Finish()
}
