// Package persistence stores compiled task graphs and the append-only status event log.
package persistence

import (
	"context"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
)

type Persistence interface {
	SaveTaskGraph(ctx context.Context, graph *models.TaskGraph) error
	TaskGraph(ctx context.Context, workflowID string) (*models.TaskGraph, error)
	// TaskGraphsByExperiment returns the graphs launched for an experiment, oldest first.
	TaskGraphsByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error)

	// AppendEvent stores an event once. It reports false when the event ID was already stored.
	AppendEvent(ctx context.Context, event events.StatusChanged) (bool, error)
	// Events returns the events of a workflow in append order.
	Events(ctx context.Context, workflowID string) ([]events.StatusChanged, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
