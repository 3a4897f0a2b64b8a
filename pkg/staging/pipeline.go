// Package staging prepares a compute host before a task runs and collects its results afterwards.
package staging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Decision tells the pipeline whether to keep going after a pre-execution handler.
type Decision int

const (
	Continue Decision = iota
	// Halt skips the remaining pre-execution handlers and the execution itself.
	Halt
)

func (d Decision) String() string {
	if d == Halt {
		return "halt"
	}

	return "continue"
}

type Handler interface {
	Name() string
	PreExecute(ctx context.Context, ectx *models.ExecutionContext) (Decision, error)
	PostExecute(ctx context.Context, ectx *models.ExecutionContext) error
}

// Cleaner is implemented by handlers that must release resources when an attempt fails.
type Cleaner interface {
	Cleanup(ctx context.Context, ectx *models.ExecutionContext) error
}

// Pipeline runs handlers in registration order, before and after execution.
type Pipeline struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	handlers []Handler
}

func NewPipeline(logger *slog.Logger, tracer trace.Tracer, handlers ...Handler) *Pipeline {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("staging")
	}

	return &Pipeline{
		logger:   logger.With("module", "staging"),
		tracer:   tracer,
		handlers: handlers,
	}
}

func (p *Pipeline) Handlers() []Handler {
	return p.handlers
}

// Pre runs every PreExecute in order. The first Halt or error stops the chain.
func (p *Pipeline) Pre(ctx context.Context, ectx *models.ExecutionContext) (Decision, error) {
	for _, h := range p.handlers {
		decision, err := p.run(ctx, ectx, h, "pre", func(ctx context.Context) (Decision, error) {
			return h.PreExecute(ctx, ectx)
		})
		if err != nil {
			return Halt, err
		}

		if decision == Halt {
			p.logger.InfoContext(ctx, "Pipeline halted", "task_id", ectx.TaskID, "handler", h.Name())

			return Halt, nil
		}
	}

	return Continue, nil
}

// Post runs every PostExecute in order and stops at the first error.
func (p *Pipeline) Post(ctx context.Context, ectx *models.ExecutionContext) error {
	for _, h := range p.handlers {
		_, err := p.run(ctx, ectx, h, "post", func(ctx context.Context) (Decision, error) {
			return Continue, h.PostExecute(ctx, ectx)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Cleanup gives every Cleaner a chance to release resources after a failed attempt. Errors are logged.
func (p *Pipeline) Cleanup(ctx context.Context, ectx *models.ExecutionContext) {
	for _, h := range p.handlers {
		cleaner, ok := h.(Cleaner)
		if !ok {
			continue
		}

		err := cleaner.Cleanup(ctx, ectx)
		if err != nil {
			p.logger.WarnContext(ctx, "Cleanup failed", "task_id", ectx.TaskID, "handler", h.Name(), "error", err)
		}
	}
}

func (p *Pipeline) run(
	ctx context.Context,
	ectx *models.ExecutionContext,
	h Handler,
	phase string,
	fn func(context.Context) (Decision, error),
) (Decision, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "staging."+phase,
		attribute.String(otelhelper.HandlerKey, h.Name()),
		attribute.String(otelhelper.TaskIDKey, ectx.TaskID),
		attribute.String(otelhelper.WorkflowIDKey, ectx.WorkflowID),
	)
	defer span.End()

	decision, err := fn(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		p.logger.ErrorContext(ctx, "Staging handler failed", "task_id", ectx.TaskID, "handler", h.Name(), "phase", phase, "error", err)

		return Halt, fmt.Errorf("%s %s: %w", h.Name(), phase, err)
	}

	return decision, nil
}
