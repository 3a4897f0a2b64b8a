package orchestrator

import (
	"errors"
	"fmt"

	"github.com/scigateway/orchestrator/pkg/errkind"
)

var (
	// ErrNotLaunched indicates an experiment without any recorded launch.
	ErrNotLaunched = errors.New("experiment has not been launched")

	// ErrUnknownLaunch indicates a task dispatched for a workflow this process did not launch.
	ErrUnknownLaunch = errors.New("workflow not launched by this orchestrator")
)

// LaunchError wraps a failure of one launch step with the experiment involved.
type LaunchError struct {
	ExperimentID string
	Step         string
	Err          error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch of experiment %s failed at %s: %v", e.ExperimentID, e.Step, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func (e *LaunchError) ErrorKind() errkind.Kind {
	return errkind.Of(e.Err)
}

// OutputError reports a task whose outputs could not be recorded or published.
type OutputError struct {
	TaskID string
	Err    error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("outputs of task %s: %v", e.TaskID, e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}

func (e *OutputError) ErrorKind() errkind.Kind {
	if kind := errkind.Of(e.Err); kind != errkind.Unknown {
		return kind
	}

	return errkind.Execution
}
