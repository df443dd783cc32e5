package bus

import (
	"errors"
	"fmt"
)

// ConnectivityError marks a failure to reach the broker (or any other remote
// dependency). It is retryable from the caller's point of view: the local
// request was well formed, the transport was not available.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("connectivity: %v", e.Err)
	}
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable is always true for connectivity failures.
func (e *ConnectivityError) Retryable() bool { return e != nil }

// Unreachable wraps err as a ConnectivityError for op.
func Unreachable(op string, err error) error {
	if err == nil {
		err = errors.New("unreachable")
	}
	return &ConnectivityError{Op: op, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) declares itself
// retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		Retryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
