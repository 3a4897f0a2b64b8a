package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence"
)

// TaskGraphRepository stores compiled graphs as JSONB documents.
type TaskGraphRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTaskGraphRepository(db *sql.DB, logger *slog.Logger) *TaskGraphRepository {
	return &TaskGraphRepository{db: db, logger: logger}
}

func (r *TaskGraphRepository) Save(ctx context.Context, graph *models.TaskGraph) error {
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

	query := `
		INSERT INTO task_graphs (id, experiment_id, workflow_name, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			experiment_id = EXCLUDED.experiment_id
		  , workflow_name = EXCLUDED.workflow_name
		  , data = EXCLUDED.data
	`

	_, err = r.db.ExecContext(ctx, query, graph.ID, graph.ExperimentID, graph.WorkflowName, data, graph.CreatedAt)
	if err != nil {
		return persistence.NewTaskGraphError("Save", graph.ID, err)
	}

	return nil
}

func (r *TaskGraphRepository) GetByID(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM task_graphs WHERE id = $1`, workflowID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskGraphError("Get", workflowID, persistence.ErrTaskGraphNotFound)
		}

		return nil, persistence.NewTaskGraphError("Get", workflowID, err)
	}

	return decodeTaskGraph(workflowID, data)
}

func (r *TaskGraphRepository) ByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error) {
	query := `
		SELECT id, data
		FROM task_graphs
		WHERE experiment_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task graphs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var graphs []*models.TaskGraph

	for rows.Next() {
		var (
			id   string
			data []byte
		)

		err := rows.Scan(&id, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task graph: %w", err)
		}

		graph, err := decodeTaskGraph(id, data)
		if err != nil {
			return nil, err
		}

		graphs = append(graphs, graph)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating task graphs: %w", err)
	}

	return graphs, nil
}

func decodeTaskGraph(id string, data []byte) (*models.TaskGraph, error) {
	var graph models.TaskGraph

	err := json.Unmarshal(data, &graph)
	if err != nil {
		return nil, persistence.NewTaskGraphError("Get", id, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &graph, nil
}
