package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrEmptyInput is returned for blank texts; it is never worth retrying.
var ErrEmptyInput = errors.New("empty input")

// Error is a failed provider call. Transient errors may succeed when retried.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}

	msg := fmt.Sprintf("%s %s: %s error", e.Provider, e.Op, kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable provider error.
func Transient(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable provider error.
func Permanent(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Err: err}
}

// FromStatus classifies an HTTP failure: 408, 429 and 5xx are transient.
func FromStatus(provider, op string, status int, err error) *Error {
	return &Error{
		Provider:   provider,
		Op:         op,
		StatusCode: status,
		Transient:  RetryableStatus(status),
		Err:        err,
	}
}

// FromTransport classifies a failure that happened before a response was
// received. Cancellation by the caller is permanent, everything else
// (timeouts, resets, refused connections) is transient.
func FromTransport(provider, op string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return Permanent(provider, op, err)
	}
	return Transient(provider, op, err)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

// IsProviderError reports whether err comes from a provider call.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// IsPermanent reports whether err is a provider error that must not be retried.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && !pe.Transient
}
