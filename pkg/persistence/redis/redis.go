// Package redis provides Redis persistence for task graphs and status events.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence"
)

const defaultPrefix = "orchestrator:"

// appendScript pushes an event only when its ID is new to the workflow's ID set.
var appendScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// Persistence keeps task graphs as JSON strings indexed per experiment by a sorted set,
// and each workflow's events as a list guarded by a set of stored IDs.
type Persistence struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewPersistence connects to the server named by a redis:// URL.
func NewPersistence(ctx context.Context, logger *slog.Logger, url string) (*Persistence, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewPersistenceFromClient(logger, client), nil
}

func NewPersistenceFromClient(logger *slog.Logger, client *redis.Client) *Persistence {
	return &Persistence{
		client: client,
		logger: logger.With("module", "redis_persistence"),
		prefix: defaultPrefix,
	}
}

func (p *Persistence) graphKey(id string) string {
	return p.prefix + "taskgraph:" + id
}

func (p *Persistence) experimentKey(experimentID string) string {
	return p.prefix + "experiment:" + experimentID + ":taskgraphs"
}

func (p *Persistence) eventsKey(workflowID string) string {
	return p.prefix + "events:" + workflowID
}

func (p *Persistence) eventIDsKey(workflowID string) string {
	return p.prefix + "events:" + workflowID + ":ids"
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) SaveTaskGraph(ctx context.Context, graph *models.TaskGraph) error {
	if graph == nil || graph.ID == "" {
		return persistence.NewTaskGraphError("Save", "", errors.New("task graph without ID"))
	}

	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(graph)
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, fmt.Errorf("failed to marshal: %w", err))
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.graphKey(graph.ID), data, 0)
		pipe.ZAdd(ctx, p.experimentKey(graph.ExperimentID), redis.Z{
			Score:  float64(graph.CreatedAt.UnixMilli()),
			Member: graph.ID,
		})

		return nil
	})
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, err)
	}

	return nil
}

func (p *Persistence) TaskGraph(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	data, err := p.client.Get(ctx, p.graphKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewTaskGraphError("Get", workflowID, persistence.ErrTaskGraphNotFound)
		}

		return nil, persistence.NewTaskGraphError("Get", workflowID, err)
	}

	var graph models.TaskGraph

	err = json.Unmarshal(data, &graph)
	if err != nil {
		return nil, persistence.NewTaskGraphError("Get", workflowID, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &graph, nil
}

func (p *Persistence) TaskGraphsByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error) {
	ids, err := p.client.ZRange(ctx, p.experimentKey(experimentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task graphs of experiment %s: %w", experimentID, err)
	}

	graphs := make([]*models.TaskGraph, 0, len(ids))

	for _, id := range ids {
		graph, err := p.TaskGraph(ctx, id)
		if err != nil {
			if persistence.IsTaskGraphNotFound(err) {
				p.logger.WarnContext(ctx, "Experiment index references a missing task graph", "experiment_id", experimentID, "workflow_id", id)

				continue
			}

			return nil, err
		}

		graphs = append(graphs, graph)
	}

	return graphs, nil
}

func (p *Persistence) AppendEvent(ctx context.Context, event events.StatusChanged) (bool, error) {
	err := persistence.ValidateEvent(event)
	if err != nil {
		return false, err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	added, err := appendScript.Run(ctx, p.client,
		[]string{p.eventsKey(event.WorkflowID), p.eventIDsKey(event.WorkflowID)},
		event.ID, data,
	).Int()
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	return added == 1, nil
}

func (p *Persistence) Events(ctx context.Context, workflowID string) ([]events.StatusChanged, error) {
	raw, err := p.client.LRange(ctx, p.eventsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
	}

	out := make([]events.StatusChanged, 0, len(raw))

	for i, item := range raw {
		var event events.StatusChanged

		err := json.Unmarshal([]byte(item), &event)
		if err != nil {
			return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: fmt.Errorf("entry %d: %w", i, err)}
		}

		out = append(out, event)
	}

	return out, nil
}
