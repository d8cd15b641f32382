package fetch

import (
	"context"
	"io"
	"os"
)

// Meta describes the remote resource.
type Meta struct {
	Size           int64
	RangeSupported bool
	FileName       string
	ETag           string
}

// Opener returns the byte stream for a Range header value such as
// "bytes=100-199".
type Opener interface {
	Open(ctx context.Context, url, byteRange string) (io.ReadCloser, error)
}

// Source is an Opener that can also describe the resource up front.
type Source interface {
	Opener
	Probe(ctx context.Context, url string) (*Meta, error)
}

// WriteSeekCloser is the target's random-access write handle.
type WriteSeekCloser interface {
	io.WriteSeeker
	io.Closer
}

// Target hands out independent write handles, one per part fetch.
type Target interface {
	OpenWriter() (WriteSeekCloser, error)
}

// FileTarget writes into a local file, creating it if needed.
type FileTarget struct {
	Path string
}

func (t FileTarget) OpenWriter() (WriteSeekCloser, error) {
	return os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE, 0644)
}

// Preallocate sizes the file so parts may land in any order.
func (t FileTarget) Preallocate(size int64) error {
	f, err := os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
