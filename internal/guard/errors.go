package guard

import "errors"

var (
	// ErrCircuitOpen is returned without calling the guarded function while
	// the circuit is open, or while a half-open trial is already in flight.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRetriesExhausted wraps the last error once a RetryPolicy gives up.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrConnection marks a transient infrastructure failure (cache or bus)
	// that is worth retrying.
	ErrConnection = errors.New("connection error")
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that DefaultRetryable rejects it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
