package service

import "errors"

var (
	// ErrAlreadyDispatched is returned when the job left Queued before or
	// during a dispatch attempt.
	ErrAlreadyDispatched = errors.New("job already dispatched")
	// ErrBackendUnavailable marks a strategy error that lets the
	// dispatcher try the next strategy.
	ErrBackendUnavailable = errors.New("processing backend unavailable")
	ErrInvalidToken       = errors.New("invalid callback token")
)

// ValidationError wraps request validation failures.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }
