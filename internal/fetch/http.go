package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tanq16/partdl/internal/utils"
)

// HTTPSource fetches ranges with plain GET requests.
type HTTPSource struct {
	client      *utils.HTTPClient
	readTimeout time.Duration
}

func NewHTTPSource(client *utils.HTTPClient) *HTTPSource {
	return &HTTPSource{
		client:      client,
		readTimeout: client.Config().ReadTimeout,
	}
}

func (s *HTTPSource) Probe(ctx context.Context, url string) (*Meta, error) {
	log := utils.GetLogger("probe")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking URL: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}
	if resp.StatusCode >= 400 || resp.ContentLength <= 0 {
		// Some servers refuse HEAD or omit the length; ask for one byte instead.
		log.Debug().Int("status", resp.StatusCode).Msg("HEAD unusable, probing with a one byte range")
		return s.probeRange(ctx, url)
	}
	return &Meta{
		Size:           resp.ContentLength,
		RangeSupported: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:       utils.FilenameFromDisposition(resp.Header.Get("Content-Disposition")),
		ETag:           resp.Header.Get("ETag"),
	}, nil
}

func (s *HTTPSource) probeRange(ctx context.Context, url string) (*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking URL: %w", err)
	}
	defer resp.Body.Close()
	meta := &Meta{
		FileName: utils.FilenameFromDisposition(resp.Header.Get("Content-Disposition")),
		ETag:     resp.Header.Get("ETag"),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := contentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		meta.Size = total
		meta.RangeSupported = true
	case http.StatusOK:
		meta.Size = resp.ContentLength
	case http.StatusRequestedRangeNotSatisfiable:
		// An empty resource has no byte 0: "bytes */0".
		total, err := contentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil || total != 0 {
			return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		meta.Size = 0
	default:
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if meta.Size < 0 {
		return nil, fmt.Errorf("server did not report the resource size")
	}
	return meta, nil
}

// contentRangeTotal reads the complete length from "bytes 0-0/1234".
func contentRangeTotal(header string) (int64, error) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	return size, nil
}

func (s *HTTPSource) Open(ctx context.Context, url, byteRange string) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Range", byteRange)
	req.Header.Set("Connection", "keep-alive")
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && strings.HasPrefix(byteRange, "bytes=0-"):
		// Whole body from offset zero; the fetcher truncates at the part end.
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, ErrRangeNotSupported
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrNotFound, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	default:
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return newIdleReader(resp.Body, s.readTimeout, cancel), nil
}

// idleReader fails a Read that sees no data for timeout by cancelling the
// request underneath it.
type idleReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleReader(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	r := &idleReader{body: body, timeout: timeout, cancel: cancel}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	r.timer.Stop()
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		r.timer.Reset(r.timeout)
		defer r.timer.Stop()
	}
	n, err := r.body.Read(p)
	if err != nil && err != io.EOF && r.expired.Load() {
		err = fmt.Errorf("no data for %s: %w", r.timeout, os.ErrDeadlineExceeded)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.body.Close()
	r.cancel()
	return err
}
