package taskengine

import "errors"

// PermanentError marks a business failure that must not be redelivered:
// the ledger row is completed as Failed and the message acknowledged.
// Any other handler error is treated as transient and the message is
// requeued for the broker's redelivery mechanism to retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
