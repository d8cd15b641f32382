package multipart

import (
	"fmt"
	"strings"

	"github.com/tanq16/partdl/internal/fetch"
)

// AbortError is raised once a run has stopped on part failures. Errors keeps
// every failure in the order workers reported them.
type AbortError struct {
	Errors []error
}

func (e *AbortError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("download aborted with %d failed part(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AbortError) Unwrap() []error {
	return e.Errors
}

// Retryable reports whether every collected failure was transient.
func (e *AbortError) Retryable() bool {
	if len(e.Errors) == 0 {
		return false
	}
	for _, err := range e.Errors {
		if !fetch.IsRetryable(err) {
			return false
		}
	}
	return true
}
