// Package statemachine guards lifecycle transitions and folds the resulting event stream.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// CanTransition reports whether an entity of the given kind may move from one state to another.
// An empty from state denotes creation.
func CanTransition(kind models.EntityKind, from, to models.State) bool {
	if from == "" {
		return to == models.StateWaiting || (kind == models.EntityNode && to == models.StateReady)
	}

	if from.IsTerminal() {
		return false
	}

	switch kind {
	case models.EntityNode:
		return to.Rank() <= models.StateComplete.Rank() && to.Rank() > from.Rank()

	case models.EntityTask:
		switch to {
		case models.StateFailed:
			return from == models.StateExecuting
		case models.StateSkipped:
			return from == models.StateWaiting || from == models.StateReady
		case models.StateCanceled:
			return from.Rank() <= models.StateExecuting.Rank()
		default:
			return to.Rank() > from.Rank()
		}

	case models.EntityWorkflow:
		switch to {
		case models.StateExecuting:
			return from == models.StateWaiting
		case models.StateComplete, models.StateFailed, models.StateCanceled:
			return from == models.StateExecuting || from == models.StateWaiting
		default:
			return false
		}
	}

	return false
}

// Change describes one transition to emit.
type Change struct {
	Kind         models.EntityKind
	WorkflowID   string
	ExperimentID string
	EntityID     string
	From         models.State
	To           models.State
	Reason       string
	CauseTaskID  string

	// Stdout and Stderr locate the captured streams of a finished task.
	Stdout string
	Stderr string
}

// Machine validates transitions and publishes exactly one event per accepted transition.
// It holds no state: owners keep their own entity state and ask the machine to record changes.
type Machine struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	workerID  string
}

func NewMachine(logger *slog.Logger, publisher eventbus.EventPublisher, workerID string) *Machine {
	return &Machine{
		logger:    logger.With("module", "statemachine"),
		publisher: publisher,
		workerID:  workerID,
	}
}

// Emit publishes the event for change. Invalid transitions are rejected before publishing.
func (m *Machine) Emit(ctx context.Context, change Change) (events.StatusChanged, error) {
	if !CanTransition(change.Kind, change.From, change.To) {
		return events.StatusChanged{}, fmt.Errorf("%s %s %q -> %q: %w", change.Kind, change.EntityID, change.From, change.To, ErrInvalidTransition)
	}

	event := events.NewStatusChanged(change.Kind, change.WorkflowID, change.ExperimentID, change.EntityID, change.From, change.To)
	event.WorkerID = m.workerID
	event.Reason = change.Reason
	event.CauseTaskID = change.CauseTaskID
	event.SetStreams(change.Stdout, change.Stderr)

	err := m.publisher.Publish(ctx, change.WorkflowID, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish status change",
			"workflow_id", change.WorkflowID,
			"entity", change.EntityID,
			"to", change.To,
			"error", err,
		)

		return event, fmt.Errorf("failed to publish status change: %w", err)
	}

	m.logger.DebugContext(ctx, "Status changed",
		"workflow_id", change.WorkflowID,
		"kind", change.Kind,
		"entity", change.EntityID,
		"from", change.From,
		"to", change.To,
	)

	return event, nil
}
