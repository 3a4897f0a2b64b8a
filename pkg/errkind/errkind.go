// Package errkind tags errors with the failure class the scheduler branches on.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	Unknown          Kind = "UNKNOWN"
	Graph            Kind = "GRAPH"
	Compile          Kind = "COMPILE"
	ProviderNotFound Kind = "PROVIDER_NOT_FOUND"
	Transfer         Kind = "TRANSFER"
	Execution        Kind = "EXECUTION"
	Timeout          Kind = "TIMEOUT"
	Credential       Kind = "CREDENTIAL"
	Unsupported      Kind = "UNSUPPORTED"
	Canceled         Kind = "CANCELED"
)

// Kinded is implemented by typed errors that carry their own kind.
type Kinded interface {
	error
	ErrorKind() Kind
}

// Error attaches a kind to an arbitrary error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// Of returns the outermost kind found in the error chain.
func Of(err error) Kind {
	if err == nil {
		return ""
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	}

	return Unknown
}

// Retryable reports whether another attempt may succeed.
// Credential errors are not retried since the next attempt would reuse the same stale secret.
func Retryable(err error) bool {
	switch Of(err) {
	case Transfer, Execution, Timeout, Unknown:
		return true
	default:
		return false
	}
}
