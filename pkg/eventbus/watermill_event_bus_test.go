package eventbus_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/scigateway/orchestrator/pkg/channels/gochannel"
	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() {
		assert.NoError(t, bus.Close())
	})

	return bus
}

func TestWatermillEventBus_DeliversToAllHandlers(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []string
	)

	record := func(name string) eventbus.EventHandler {
		return func(_ context.Context, event interface{}) error {
			change, ok := event.(*events.StatusChanged)
			if !assert.True(t, ok) {
				return nil
			}

			mu.Lock()
			received = append(received, name+":"+change.EntityID+":"+string(change.New))
			mu.Unlock()

			return nil
		}
	}

	require.NoError(t, bus.Handle(events.TaskStatusChangedEvent, record("tracker")))
	require.NoError(t, bus.Handle(events.TaskStatusChangedEvent, record("sync")))
	require.NoError(t, bus.Subscribe(context.Background()))

	event := events.NewStatusChanged(models.EntityTask, "wf-1", "exp-1", "App1", models.StateReady, models.StateExecuting)
	require.NoError(t, bus.Publish(context.Background(), "wf-1", event))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 2
	}, defaultWait, defaultTick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tracker:App1:EXECUTING", "sync:App1:EXECUTING"}, received)
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var calls int

	var mu sync.Mutex

	require.NoError(t, bus.Handle(events.WorkflowStatusChangedEvent, func(context.Context, interface{}) error {
		mu.Lock()
		calls++
		mu.Unlock()

		return nil
	}))
	require.NoError(t, bus.Subscribe(context.Background()))

	node := events.NewStatusChanged(models.EntityNode, "wf-1", "exp-1", "In1", "", models.StateReady)
	require.NoError(t, bus.Publish(context.Background(), "wf-1", node))

	workflow := events.NewStatusChanged(models.EntityWorkflow, "wf-1", "exp-1", "wf-1", models.StateWaiting, models.StateExecuting)
	require.NoError(t, bus.Publish(context.Background(), "wf-1", workflow))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return calls == 1
	}, defaultWait, defaultTick)
}

func TestWatermillEventBus_RedeliversOnHandlerError(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		attempts int
	)

	require.NoError(t, bus.Handle(events.TaskStatusChangedEvent, func(context.Context, interface{}) error {
		mu.Lock()
		defer mu.Unlock()

		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(context.Background()))

	event := events.NewStatusChanged(models.EntityTask, "wf-1", "exp-1", "App1", models.StateWaiting, models.StateReady)
	require.NoError(t, bus.Publish(context.Background(), "wf-1", event))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return attempts == 2
	}, defaultWait, defaultTick)
}
