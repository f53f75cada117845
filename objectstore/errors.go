package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NetworkError is a transport level failure: the request never produced a
// response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// TimeoutError means a single attempt ran past its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// DeleteError collects the paths a DeleteObjects batch could not remove.
type DeleteError struct {
	Failed map[string]error
}

func (e *DeleteError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for path, err := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", path, err))
	}
	return fmt.Sprintf("failed to delete %d object(s): %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *DeleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// IsTransferError reports whether err is one of the attempt-level kinds.
func IsTransferError(err error) bool {
	var netErr *NetworkError
	var httpErr *HTTPError
	var timeoutErr *TimeoutError
	return errors.As(err, &netErr) || errors.As(err, &httpErr) || errors.As(err, &timeoutErr)
}
