// Package persistencetest holds behaviour checks shared by every persistence backend.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Graph returns a two task graph for experimentID.
func Graph(id, experimentID string, createdAt time.Time) *models.TaskGraph {
	return &models.TaskGraph{
		ID:           id,
		WorkflowName: "echo-twice",
		ExperimentID: experimentID,
		Policy:       models.GraphPolicy{FailureThreshold: 1, JobExpiry: time.Hour},
		Tasks: map[string]*models.TaskSpec{
			"App1": {
				TaskID:             "App1",
				NodeID:             "App1",
				Command:            "/bin/echo",
				Parameters:         map[string]string{"message": "hello"},
				MaxAttemptsPerTask: 2,
				TimeoutPerTask:     time.Minute,
				Children:           []string{"App2"},
			},
			"App2": {TaskID: "App2", NodeID: "App2", Command: "/bin/cat", MaxAttemptsPerTask: 1},
		},
		CreatedAt: createdAt,
	}
}

// Run exercises the task graph store and the event log of p.
func Run(t *testing.T, ctx context.Context, p persistence.Persistence) {
	t.Helper()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, p.HealthCheck(ctx))
	})

	t.Run("task graph round trip", func(t *testing.T) {
		graph := Graph("wf-roundtrip", "exp-roundtrip", time.Now().UTC().Truncate(time.Millisecond))
		require.NoError(t, p.SaveTaskGraph(ctx, graph))

		loaded, err := p.TaskGraph(ctx, "wf-roundtrip")
		require.NoError(t, err)
		assert.Equal(t, graph.WorkflowName, loaded.WorkflowName)
		assert.Equal(t, graph.Policy, loaded.Policy)
		assert.Equal(t, []string{"App2"}, loaded.Tasks["App1"].Children)
		assert.Equal(t, time.Minute, loaded.Tasks["App1"].TimeoutPerTask)
		assert.Equal(t, "hello", loaded.Tasks["App1"].Parameters["message"])
		assert.True(t, graph.CreatedAt.Equal(loaded.CreatedAt))
	})

	t.Run("missing task graph", func(t *testing.T) {
		_, err := p.TaskGraph(ctx, "wf-missing")
		require.Error(t, err)
		assert.True(t, persistence.IsTaskGraphNotFound(err))
	})

	t.Run("graphs by experiment oldest first", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, p.SaveTaskGraph(ctx, Graph("wf-late", "exp-list", base.Add(time.Minute))))
		require.NoError(t, p.SaveTaskGraph(ctx, Graph("wf-early", "exp-list", base)))
		require.NoError(t, p.SaveTaskGraph(ctx, Graph("wf-other", "exp-other", base)))

		graphs, err := p.TaskGraphsByExperiment(ctx, "exp-list")
		require.NoError(t, err)
		require.Len(t, graphs, 2)
		assert.Equal(t, "wf-early", graphs[0].ID)
		assert.Equal(t, "wf-late", graphs[1].ID)

		none, err := p.TaskGraphsByExperiment(ctx, "exp-none")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("event log is append only and idempotent", func(t *testing.T) {
		first := events.NewStatusChanged(models.EntityTask, "wf-events", "exp-1", "App1", "", models.StateWaiting)
		second := events.NewStatusChanged(models.EntityTask, "wf-events", "exp-1", "App1", models.StateWaiting, models.StateFailed)
		second.Reason = "exit status 1"
		second.Metadata = map[string]any{"attempt": "1"}
		third := events.NewStatusChanged(models.EntityTask, "wf-events", "exp-1", "App2", models.StateWaiting, models.StateSkipped)
		third.CauseTaskID = "App1"

		for _, e := range []events.StatusChanged{first, second, third} {
			stored, err := p.AppendEvent(ctx, e)
			require.NoError(t, err)
			assert.True(t, stored)
		}

		stored, err := p.AppendEvent(ctx, second)
		require.NoError(t, err)
		assert.False(t, stored, "duplicate event IDs are ignored")

		log, err := p.Events(ctx, "wf-events")
		require.NoError(t, err)
		require.Len(t, log, 3)
		assert.Equal(t, first.ID, log[0].ID)
		assert.Equal(t, second.ID, log[1].ID)
		assert.Equal(t, third.ID, log[2].ID)
		assert.Equal(t, "exit status 1", log[1].Reason)
		assert.Equal(t, "1", log[1].Metadata["attempt"])
		assert.Equal(t, models.StateFailed, log[1].New)
		assert.Equal(t, "App1", log[2].CauseTaskID)
		assert.Equal(t, events.TaskStatusChangedEvent, log[2].Type)

		empty, err := p.Events(ctx, "wf-unknown")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("invalid event", func(t *testing.T) {
		_, err := p.AppendEvent(ctx, events.StatusChanged{})
		assert.ErrorIs(t, err, persistence.ErrInvalidEvent)
	})
}
