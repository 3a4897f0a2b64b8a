// Package file provides file-based persistence for task graphs and status events.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
)

// Persistence stores task graphs as JSON documents and events as JSON lines under a root directory.
type Persistence struct {
	root       string
	taskGraphs *TaskGraphRepository
	events     *EventLog
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:       cleanRoot,
		taskGraphs: NewTaskGraphRepository(cleanRoot),
		events:     NewEventLog(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) SaveTaskGraph(ctx context.Context, graph *models.TaskGraph) error {
	return fp.taskGraphs.Save(ctx, graph)
}

func (fp *Persistence) TaskGraph(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	return fp.taskGraphs.GetByID(ctx, workflowID)
}

func (fp *Persistence) TaskGraphsByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error) {
	return fp.taskGraphs.ByExperiment(ctx, experimentID)
}

func (fp *Persistence) AppendEvent(ctx context.Context, event events.StatusChanged) (bool, error) {
	return fp.events.Append(ctx, event)
}

func (fp *Persistence) Events(ctx context.Context, workflowID string) ([]events.StatusChanged, error) {
	return fp.events.List(ctx, workflowID)
}
