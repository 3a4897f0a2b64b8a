package redis_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/scigateway/orchestrator/pkg/persistence/persistencetest"
	"github.com/scigateway/orchestrator/pkg/persistence/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPersistence(t *testing.T) {
	server := miniredis.RunT(t)

	p, err := redis.NewPersistence(t.Context(), newLogger(), "redis://"+server.Addr()+"/0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close(t.Context()) })

	persistencetest.Run(t, t.Context(), p)
}

func TestPersistence_Keys(t *testing.T) {
	server := miniredis.RunT(t)
	p := redis.NewPersistenceFromClient(newLogger(), goredis.NewClient(&goredis.Options{Addr: server.Addr()}))

	require.NoError(t, p.SaveTaskGraph(t.Context(), persistencetest.Graph("wf-1", "exp-1", time.Now().UTC())))

	assert.True(t, server.Exists("orchestrator:taskgraph:wf-1"))

	members, err := server.ZMembers("orchestrator:experiment:exp-1:taskgraphs")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, members)
}

func TestPersistence_DanglingIndexEntry(t *testing.T) {
	server := miniredis.RunT(t)
	p := redis.NewPersistenceFromClient(newLogger(), goredis.NewClient(&goredis.Options{Addr: server.Addr()}))

	_, err := server.ZAdd("orchestrator:experiment:exp-1:taskgraphs", 1, "wf-gone")
	require.NoError(t, err)

	graphs, err := p.TaskGraphsByExperiment(t.Context(), "exp-1")
	require.NoError(t, err)
	assert.Empty(t, graphs)
}

func TestNewPersistence_Unreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	_, err := redis.NewPersistence(t.Context(), newLogger(), "redis://"+addr)
	require.Error(t, err)

	_, err = redis.NewPersistence(t.Context(), newLogger(), "://bad")
	require.Error(t, err)
}
