// Package events defines the status change events published on the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/scigateway/orchestrator/pkg/models"
)

type EventType string

const Topic = "orchestrator.status"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

// Metadata keys locating the captured output streams of a finished task.
const (
	StdoutMetadataKey = "stdout"
	StderrMetadataKey = "stderr"
)

const (
	NodeStatusChangedEvent     EventType = "node.status.changed"
	TaskStatusChangedEvent     EventType = "task.status.changed"
	WorkflowStatusChangedEvent EventType = "workflow.status.changed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

// StatusChanged is an immutable record of one state transition.
// The current state of an entity is the fold of all its StatusChanged events.
type StatusChanged struct {
	BaseEvent

	ExperimentID string            `json:"experiment_id,omitempty"`
	EntityKind   models.EntityKind `json:"entity_kind"`
	EntityID     string            `json:"entity_id"`
	Previous     models.State      `json:"previous,omitempty"`
	New          models.State      `json:"new"`
	Reason       string            `json:"reason,omitempty"`
	CauseTaskID  string            `json:"cause_task_id,omitempty"`
}

func (e StatusChanged) GetType() EventType {
	return e.Type
}

// TypeFor returns the event type used for status changes of the given entity kind.
func TypeFor(kind models.EntityKind) EventType {
	switch kind {
	case models.EntityNode:
		return NodeStatusChangedEvent
	case models.EntityWorkflow:
		return WorkflowStatusChangedEvent
	default:
		return TaskStatusChangedEvent
	}
}

// NewStatusChanged builds a status change event for an entity of a workflow.
func NewStatusChanged(kind models.EntityKind, workflowID, experimentID, entityID string, previous, next models.State) StatusChanged {
	return StatusChanged{
		BaseEvent:    NewBaseEvent(TypeFor(kind), workflowID),
		ExperimentID: experimentID,
		EntityKind:   kind,
		EntityID:     entityID,
		Previous:     previous,
		New:          next,
	}
}

// SetStreams records where a task's stdout and stderr were captured. Empty paths are not recorded.
func (e *StatusChanged) SetStreams(stdout, stderr string) {
	for key, value := range map[string]string{StdoutMetadataKey: stdout, StderrMetadataKey: stderr} {
		if value == "" {
			continue
		}

		if e.Metadata == nil {
			e.Metadata = make(map[string]any, 2)
		}

		e.Metadata[key] = value
	}
}

// Streams returns the stream locations recorded by SetStreams.
func (e StatusChanged) Streams() (stdout, stderr string) {
	stdout, _ = e.Metadata[StdoutMetadataKey].(string)
	stderr, _ = e.Metadata[StderrMetadataKey].(string)

	return stdout, stderr
}
