package persistence

import (
	"errors"
	"fmt"

	"github.com/scigateway/orchestrator/pkg/events"
)

var (
	// ErrTaskGraphNotFound indicates no task graph is stored under the given workflow ID.
	ErrTaskGraphNotFound = errors.New("task graph not found")

	// ErrInvalidEvent indicates an event without the identifiers needed to store it.
	ErrInvalidEvent = errors.New("invalid status event")
)

// TaskGraphError wraps task graph errors with the operation and workflow involved.
type TaskGraphError struct {
	Op         string // Operation being performed (e.g. "Save", "Get")
	WorkflowID string
	Err        error
}

func (e *TaskGraphError) Error() string {
	return fmt.Sprintf("%s operation failed for task graph %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *TaskGraphError) Unwrap() error {
	return e.Err
}

func (e *TaskGraphError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewTaskGraphError(op, workflowID string, err error) *TaskGraphError {
	return &TaskGraphError{Op: op, WorkflowID: workflowID, Err: err}
}

// EventError wraps event log errors.
type EventError struct {
	Op         string
	WorkflowID string
	EventID    string
	Err        error
}

func (e *EventError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("%s operation failed for events of workflow %s: %v", e.Op, e.WorkflowID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for event %s of workflow %s: %v", e.Op, e.EventID, e.WorkflowID, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func (e *EventError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// ValidateEvent rejects events that cannot be keyed in the log.
func ValidateEvent(event events.StatusChanged) error {
	if event.ID == "" || event.WorkflowID == "" {
		return &EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: ErrInvalidEvent}
	}

	return nil
}

// IsTaskGraphNotFound checks if an error indicates a task graph was not found.
func IsTaskGraphNotFound(err error) bool {
	return errors.Is(err, ErrTaskGraphNotFound)
}
