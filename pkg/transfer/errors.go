package transfer

import (
	"errors"
	"fmt"

	"github.com/scigateway/orchestrator/pkg/errkind"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrNotExist             = errors.New("path does not exist")
)

// UnsupportedOperationError is returned by adapters for operations their protocol cannot perform.
type UnsupportedOperationError struct {
	Protocol string
	Op       string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Protocol, e.Op)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

func (e *UnsupportedOperationError) ErrorKind() errkind.Kind {
	return errkind.Unsupported
}

func Unsupported(protocol, op string) error {
	return &UnsupportedOperationError{Protocol: protocol, Op: op}
}

// TransferError wraps a failed remote operation. Transfer errors are retried by the scheduler.
type TransferError struct {
	Protocol string
	Op       string
	Path     string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) ErrorKind() errkind.Kind {
	return errkind.Transfer
}

func Wrap(protocol, op, p string, err error) error {
	if err == nil {
		return nil
	}

	return &TransferError{Protocol: protocol, Op: op, Path: p, Err: err}
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}

func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
