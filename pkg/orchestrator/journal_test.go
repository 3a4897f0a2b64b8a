package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/mocks"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	"github.com/scigateway/orchestrator/pkg/persistence/file"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordsDespitePublishFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	tracker := statemachine.NewTracker()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "wf-1", mock.Anything).Return(errors.New("broker down"))

	journal := orchestrator.NewJournal(slog.Default(), statemachine.NewMachine(slog.Default(), bus, "worker-1"), tracker, store)

	event, err := journal.Emit(ctx, statemachine.Change{
		Kind:         models.EntityTask,
		WorkflowID:   "wf-1",
		ExperimentID: "exp-1",
		EntityID:     "App1",
		To:           models.StateWaiting,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	require.NotEmpty(t, event.ID)
	assert.Equal(t, "worker-1", event.WorkerID)

	statuses, ok := tracker.TaskStatuses("wf-1")
	require.True(t, ok)
	assert.Equal(t, models.StateWaiting, statuses["App1"].State)

	stored, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, event.ID, stored[0].ID)

	bus.AssertExpectations(t)
}

func TestJournal_RejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	bus := &mocks.MockEventBus{}

	journal := orchestrator.NewJournal(slog.Default(), statemachine.NewMachine(slog.Default(), bus, ""), statemachine.NewTracker(), store)

	event, err := journal.Emit(ctx, statemachine.Change{
		Kind:       models.EntityTask,
		WorkflowID: "wf-1",
		EntityID:   "App1",
		From:       models.StateComplete,
		To:         models.StateExecuting,
	})
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
	assert.Empty(t, event.ID)

	stored, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, stored)

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())
	sink := orchestrator.NewSink(slog.Default(), store)

	bus := &mocks.MockEventBus{}
	bus.On("Handle", mock.AnythingOfType("events.EventType"), mock.Anything).Return(nil).Times(3)
	require.NoError(t, sink.Register(bus))
	bus.AssertExpectations(t)

	event := events.NewStatusChanged(models.EntityWorkflow, "wf-1", "exp-1", "wf-1", models.StateExecuting, models.StateComplete)

	require.NoError(t, sink.Handle(ctx, &event))
	require.NoError(t, sink.Handle(ctx, &event), "redelivery is ignored")

	stored, err := store.Events(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StateComplete, stored[0].New)

	require.Error(t, sink.Handle(ctx, "not an event"))

	invalid := events.StatusChanged{}
	require.Error(t, sink.Handle(ctx, &invalid))
}
