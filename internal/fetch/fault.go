package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

type FaultKind int

const (
	// Retryable faults may be re-attempted on the same part; the part's
	// received count already reflects every byte written.
	Retryable FaultKind = iota
	// Fatal faults must not be retried.
	Fatal
)

func (k FaultKind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "fatal"
}

var (
	ErrRangeNotSupported = errors.New("server ignored the range request")
	ErrNotFound          = errors.New("resource not found")
	ErrShortBody         = errors.New("stream ended before the part was complete")
	ErrResourceChanged   = errors.New("resource changed since the download started")
)

// Fault is the outcome of a failed part fetch.
type Fault struct {
	Kind FaultKind
	Part int
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("part %d: %s: %v", f.Part, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// StatusError carries a non-success response status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.Code
}

func IsRetryable(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == Retryable
}

func IsFatal(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == Fatal
}

// Classify wraps err as a Fault for part. An existing Fault is returned as is.
func Classify(part int, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: kindOf(err), Part: part, Err: err}
}

func kindOf(err error) FaultKind {
	// Status codes first: S3 and HTTP response errors wrap transport types.
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		return statusKind(status.HTTPStatusCode())
	}
	switch {
	case errors.Is(err, ErrShortBody),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return Retryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return Fatal
}

func statusKind(code int) FaultKind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Retryable
	}
	return Fatal
}
