// Package postgresql provides PostgreSQL persistence for task graphs and status events.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db         *sql.DB
	logger     *slog.Logger
	taskGraphs *TaskGraphRepository
	events     *EventRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:         database,
		logger:     logger,
		taskGraphs: NewTaskGraphRepository(database, logger),
		events:     NewEventRepository(database, logger),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) SaveTaskGraph(ctx context.Context, graph *models.TaskGraph) error {
	return p.taskGraphs.Save(ctx, graph)
}

func (p *Persistence) TaskGraph(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	return p.taskGraphs.GetByID(ctx, workflowID)
}

func (p *Persistence) TaskGraphsByExperiment(ctx context.Context, experimentID string) ([]*models.TaskGraph, error) {
	return p.taskGraphs.ByExperiment(ctx, experimentID)
}

func (p *Persistence) AppendEvent(ctx context.Context, event events.StatusChanged) (bool, error) {
	return p.events.Append(ctx, event)
}

func (p *Persistence) Events(ctx context.Context, workflowID string) ([]events.StatusChanged, error) {
	return p.events.List(ctx, workflowID)
}
