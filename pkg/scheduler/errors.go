package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/scigateway/orchestrator/pkg/errkind"
)

var (
	// ErrUnknownWorkflow indicates no workflow is registered under the given handle.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrAlreadySubmitted indicates a task graph with the same id is already running.
	ErrAlreadySubmitted = errors.New("workflow already submitted")
)

// TimeoutError reports an attempt that outlived the task's per-attempt timeout.
// It counts as one failed attempt.
type TimeoutError struct {
	TaskID  string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s attempt %d timed out after %s", e.TaskID, e.Attempt, e.Timeout)
}

func (e *TimeoutError) ErrorKind() errkind.Kind {
	return errkind.Timeout
}

// PanicError reports a runner that panicked during an attempt.
type PanicError struct {
	TaskID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

func (e *PanicError) ErrorKind() errkind.Kind {
	return errkind.Execution
}
