package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/persistence"
	"github.com/scigateway/orchestrator/pkg/statemachine"
)

// Journal records every accepted transition: the state machine publishes it, the
// tracker folds it and the persisted event log keeps it. A failed publish does not
// stop the local record, so status queries stay consistent with what the scheduler did.
type Journal struct {
	logger  *slog.Logger
	machine *statemachine.Machine
	tracker *statemachine.Tracker
	store   persistence.Persistence
}

func NewJournal(logger *slog.Logger, machine *statemachine.Machine, tracker *statemachine.Tracker, store persistence.Persistence) *Journal {
	return &Journal{
		logger:  logger.With("module", "journal"),
		machine: machine,
		tracker: tracker,
		store:   store,
	}
}

func (j *Journal) Emit(ctx context.Context, change statemachine.Change) (events.StatusChanged, error) {
	event, err := j.machine.Emit(ctx, change)
	if event.ID == "" {
		return event, err
	}

	j.tracker.Apply(event)

	if j.store != nil {
		_, storeErr := j.store.AppendEvent(ctx, event)
		if storeErr != nil {
			j.logger.ErrorContext(ctx, "Failed to persist status change", "workflow_id", event.WorkflowID, "event_id", event.ID, "error", storeErr)

			if err == nil {
				err = storeErr
			}
		}
	}

	return event, err
}

// Sink appends status events received from the bus to the persisted log. Redelivered
// events are ignored by ID.
type Sink struct {
	logger *slog.Logger
	store  persistence.Persistence
}

func NewSink(logger *slog.Logger, store persistence.Persistence) *Sink {
	return &Sink{logger: logger.With("module", "event_sink"), store: store}
}

func (s *Sink) Handle(ctx context.Context, event interface{}) error {
	change, ok := event.(*events.StatusChanged)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	stored, err := s.store.AppendEvent(ctx, *change)
	if err != nil {
		return err
	}

	if stored {
		s.logger.DebugContext(ctx, "Status event recorded", "workflow_id", change.WorkflowID, "entity", change.EntityID, "state", change.New)
	}

	return nil
}

// Register subscribes the sink to every status event type.
func (s *Sink) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.NodeStatusChangedEvent,
		events.TaskStatusChangedEvent,
		events.WorkflowStatusChangedEvent,
	} {
		err := bus.Handle(eventType, s.Handle)
		if err != nil {
			return err
		}
	}

	return nil
}
