// Package errors defines the error taxonomy of the delivery layer.
// Recoverable conditions (transport drop, backend outage) are absorbed
// by the layer that can retry them; only exhausted failures surface.
package errors

import "errors"

// Transport and connection errors.
var (
	ErrNotConnected = errors.New("connection not established")
	ErrAuthFailed   = errors.New("connection authentication failed")
)

// Backend availability errors.
var (
	ErrBackendUnavailable = errors.New("backend data store unavailable")
)

// Edit synchronization errors.
var (
	ErrEditSuperseded   = errors.New("edit superseded by a newer edit")
	ErrRetriesExhausted = errors.New("retry attempts exhausted")
	ErrEditNotFound     = errors.New("no pending edit for message")
)

// TransientError wraps an error that is likely temporary and safe to
// retry after a backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
