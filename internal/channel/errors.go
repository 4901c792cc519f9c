package channel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the scheduling layer: transient
// failures retry on the next cycle, auth failures need a human, malformed
// items are skipped.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindMalformed ErrorKind = "malformed"
)

// AdapterError wraps a provider failure with its retry classification.
type AdapterError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable on the next scheduled cycle.
func Transient(op string, err error) error {
	return &AdapterError{Kind: ErrorKindTransient, Op: op, Err: err}
}

// Auth wraps err as an authentication failure requiring operator action.
func Auth(op string, err error) error {
	return &AdapterError{Kind: ErrorKindAuth, Op: op, Err: err}
}

// Malformed wraps err as a bad single item to skip and log.
func Malformed(op string, err error) error {
	return &AdapterError{Kind: ErrorKindMalformed, Op: op, Err: err}
}

// KindOf returns the classification of err, defaulting to transient so
// unknown failures are retried rather than dropped.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrorKindTransient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == ErrorKindAuth
}
