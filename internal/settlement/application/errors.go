package application

import "errors"

var ErrNotFound = errors.New("payment record not found")

// RetryableError marks an infrastructure failure (gateway timeout, broker
// unreachable) that the broker should redeliver, as opposed to a business
// decline which is terminal.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
