package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence"
)

// TaskGraphRepository keeps one JSON document per workflow under root/taskgraphs.
type TaskGraphRepository struct {
	root string
}

func NewTaskGraphRepository(root string) *TaskGraphRepository {
	return &TaskGraphRepository{root: root}
}

func (r *TaskGraphRepository) dir() string {
	return filepath.Join(r.root, "taskgraphs")
}

// Save writes the graph through a temporary file so readers never observe a partial document.
func (r *TaskGraphRepository) Save(_ context.Context, graph *models.TaskGraph) error {
	if graph == nil || graph.ID == "" {
		return persistence.NewTaskGraphError("Save", "", fmt.Errorf("task graph without ID"))
	}

	err := os.MkdirAll(r.dir(), 0o750)
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, fmt.Errorf("failed to create taskgraphs directory: %w", err))
	}

	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, fmt.Errorf("failed to marshal: %w", err))
	}

	target := filepath.Join(r.dir(), graph.ID+".json")
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, err)
	}

	return nil
}

// GetByID loads a graph. A missing file yields persistence.ErrTaskGraphNotFound.
func (r *TaskGraphRepository) GetByID(_ context.Context, workflowID string) (*models.TaskGraph, error) {
	if workflowID == "" || strings.ContainsAny(workflowID, `/\`) {
		return nil, persistence.NewTaskGraphError("Get", workflowID, persistence.ErrTaskGraphNotFound)
	}

	body, err := os.ReadFile(filepath.Join(r.dir(), workflowID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewTaskGraphError("Get", workflowID, persistence.ErrTaskGraphNotFound)
		}

		return nil, persistence.NewTaskGraphError("Get", workflowID, err)
	}

	var graph models.TaskGraph

	err = json.Unmarshal(body, &graph)
	if err != nil {
		return nil, persistence.NewTaskGraphError("Get", workflowID, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &graph, nil
}

func (r *TaskGraphRepository) ByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error) {
	entries, err := os.ReadDir(r.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read taskgraphs directory: %w", err)
	}

	var graphs []*models.TaskGraph

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		graph, err := r.GetByID(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		if graph.ExperimentID == experimentID {
			graphs = append(graphs, graph)
		}
	}

	sort.SliceStable(graphs, func(i, j int) bool {
		if graphs[i].CreatedAt.Equal(graphs[j].CreatedAt) {
			return graphs[i].ID < graphs[j].ID
		}

		return graphs[i].CreatedAt.Before(graphs[j].CreatedAt)
	})

	return graphs, nil
}
