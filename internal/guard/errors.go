package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen reports a submission refused while the circuit
	// breaker is open. Non-retriable; the caller may try again after
	// the cooldown.
	ErrCircuitOpen = errors.New("guard: circuit open")

	// ErrRateLimited reports a request the token bucket could not
	// admit within its deadline.
	ErrRateLimited = errors.New("guard: rate limited")

	// ErrQueueStopped reports a submission to a stopped queue, or an
	// item cancelled during shutdown.
	ErrQueueStopped = errors.New("guard: queue stopped")

	// ErrTimeout reports an item whose submit deadline elapsed before
	// a result arrived.
	ErrTimeout = errors.New("guard: request timed out")

	// ErrUnknownOperation reports a submit for an operation nobody
	// registered.
	ErrUnknownOperation = errors.New("guard: unknown operation")
)

// retriableError marks a downstream failure worth re-enqueueing.
type retriableError struct {
	err error
}

func (e *retriableError) Error() string { return fmt.Sprintf("retriable: %v", e.err) }
func (e *retriableError) Unwrap() error { return e.err }

// Retriable wraps a downstream error so the queue re-enqueues the item
// with backoff. Transport faults and 5xx responses belong here.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &retriableError{err: err}
}

// IsRetriable reports whether err was wrapped by Retriable. Unwrapped
// errors are treated as fatal.
func IsRetriable(err error) bool {
	var re *retriableError
	return errors.As(err, &re)
}
