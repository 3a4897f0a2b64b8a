package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence"
)

// EventRepository appends status events. Duplicate IDs are ignored by the primary key.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

func (r *EventRepository) Append(ctx context.Context, event events.StatusChanged) (bool, error) {
	err := persistence.ValidateEvent(event)
	if err != nil {
		return false, err
	}

	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
		}
	}

	query := `
		INSERT INTO status_events (
			id, event_type, workflow_id, experiment_id, worker_id, entity_kind, entity_id
		  , previous, new, reason, cause_task_id, metadata, ts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		event.ID, string(event.Type), event.WorkflowID, event.ExperimentID, event.WorkerID,
		string(event.EntityKind), event.EntityID, string(event.Previous), string(event.New),
		event.Reason, event.CauseTaskID, metadata, event.Timestamp,
	)
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	return affected == 1, nil
}

func (r *EventRepository) List(ctx context.Context, workflowID string) ([]events.StatusChanged, error) {
	query := `
		SELECT
			id
		  , event_type
		  , workflow_id
		  , experiment_id
		  , worker_id
		  , entity_kind
		  , entity_id
		  , previous
		  , new
		  , reason
		  , cause_task_id
		  , metadata
		  , ts
		FROM status_events
		WHERE workflow_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var out []events.StatusChanged

	for rows.Next() {
		var (
			event                       events.StatusChanged
			eventType, kind, prev, next string
			metadata                    []byte
		)

		err := rows.Scan(
			&event.ID, &eventType, &event.WorkflowID, &event.ExperimentID, &event.WorkerID,
			&kind, &event.EntityID, &prev, &next, &event.Reason, &event.CauseTaskID,
			&metadata, &event.Timestamp,
		)
		if err != nil {
			return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
		}

		event.Type = events.EventType(eventType)
		event.EntityKind = models.EntityKind(kind)
		event.Previous = models.State(prev)
		event.New = models.State(next)
		event.Timestamp = event.Timestamp.UTC()

		if len(metadata) > 0 {
			err = json.Unmarshal(metadata, &event.Metadata)
			if err != nil {
				return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, EventID: event.ID, Err: err}
			}
		}

		out = append(out, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
	}

	return out, nil
}
