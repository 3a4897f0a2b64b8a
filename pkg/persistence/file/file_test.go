package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	fp := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)

	fp = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence(t *testing.T) {
	persistencetest.Run(t, t.Context(), NewPersistence(t.TempDir()))
}

func TestPersistence_HealthCheckMissingRoot(t *testing.T) {
	fp := NewPersistence(filepath.Join(t.TempDir(), "missing"))

	assert.ErrorIs(t, fp.HealthCheck(t.Context()), os.ErrNotExist)
}

func TestPersistence_TaskGraphFile(t *testing.T) {
	root := t.TempDir()
	fp := NewPersistence(root)

	require.NoError(t, fp.SaveTaskGraph(t.Context(), persistencetest.Graph("wf-1", "exp-1", time.Time{})))

	_, err := os.Stat(filepath.Join(root, "taskgraphs", "wf-1.json"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "taskgraphs", "wf-1.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	loaded, err := fp.TaskGraph(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.False(t, loaded.CreatedAt.IsZero(), "creation time is stamped on save")

	_, err = fp.TaskGraph(t.Context(), "../wf-1")
	assert.Error(t, err)
}

func TestEventLog_DedupeSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	event := events.NewStatusChanged(models.EntityWorkflow, "wf-1", "exp-1", "wf-1", "", models.StateExecuting)

	stored, err := NewPersistence(root).AppendEvent(t.Context(), event)
	require.NoError(t, err)
	assert.True(t, stored)

	reopened := NewPersistence(root)

	stored, err = reopened.AppendEvent(t.Context(), event)
	require.NoError(t, err)
	assert.False(t, stored)

	log, err := reopened.Events(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestEventLog_CorruptLine(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "events"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "events", "wf-1.jsonl"), []byte("{not json\n"), 0o600))

	_, err := NewPersistence(root).Events(t.Context(), "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
