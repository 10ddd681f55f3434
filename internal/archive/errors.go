package archive

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// AuthError means there is no valid credential or the provider rejected a
// refresh. It aborts the whole run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "not authenticated"
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError signals provider throttling. RetryAfter is the provider's
// hint; zero means the caller picks its own backoff.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// MalformedMessageError marks a message missing an expected header or part
// structure. Isolated to that message.
type MalformedMessageError struct {
	MessageID string
	Reason    string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %s: %s", e.MessageID, e.Reason)
}

// StorageError wraps a content store write failure for one attachment.
type StorageError struct {
	Filename string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storing %q: %v", e.Filename, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError marks a provider or store call that exceeded its deadline.
// Retryable at the call site.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// retryable reports whether a call may be attempted again, and the minimum
// delay to wait before doing so.
func retryable(err error) (bool, time.Duration) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true, rle.RetryAfter
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true, 0
	}
	return false, 0
}
