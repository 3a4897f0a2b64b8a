package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/otelhelper"
	"github.com/scigateway/orchestrator/pkg/provider"
	"github.com/scigateway/orchestrator/pkg/staging"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProviderResolver picks the execution backend of a task.
type ProviderResolver interface {
	Resolve(ctx context.Context, app models.ApplicationDescriptor, host models.HostDescriptor) (provider.Provider, error)
}

type activeKey struct {
	workflowID string
	taskID     string
}

// taskRunner executes one attempt of a task: it resolves descriptors and the provider,
// stages data around the execution and publishes the outputs to the workflow graph.
type taskRunner struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	catalog     catalog.Catalog
	credentials credential.Context
	resolver    ProviderResolver
	pipeline    *staging.Pipeline
	emitter     *Journal
	launches    *launches

	mu     sync.Mutex
	active map[activeKey]provider.Provider
}

func (r *taskRunner) Run(ctx context.Context, tg *models.TaskGraph, task *models.TaskSpec, attempt int) (err error) {
	l, ok := r.launches.get(tg.ID)
	if !ok {
		return errkind.Wrap(errkind.Graph, "run", fmt.Errorf("%w: %s", ErrUnknownLaunch, tg.ID))
	}

	logger := r.logger.With("workflow_id", tg.ID, "task_id", task.TaskID, "attempt", attempt)

	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "orchestrator.run_task",
		attribute.String(otelhelper.WorkflowIDKey, tg.ID),
		attribute.String(otelhelper.ExperimentIDKey, l.experiment.ID),
		attribute.String(otelhelper.TaskIDKey, task.TaskID),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}
	}()

	r.advanceNode(ctx, l, task.NodeID, models.StateReady, "")
	r.advanceNode(ctx, l, task.NodeID, models.StateExecuting, "")

	ectx, err := r.prepare(ctx, l, task, attempt)
	if err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String(otelhelper.ApplicationKey, ectx.Application.ID),
		attribute.String(otelhelper.HostIDKey, ectx.Host.ID),
		attribute.String(otelhelper.HostTypeKey, string(ectx.Host.Type)),
	)

	p, err := r.resolver.Resolve(ctx, ectx.Application, ectx.Host)
	if err != nil {
		logger.ErrorContext(ctx, "No provider for task", "error", err)

		return err
	}

	r.track(tg.ID, task.TaskID, p)
	defer r.untrack(tg.ID, task.TaskID)

	succeeded := false

	defer func() {
		if !succeeded {
			r.pipeline.Cleanup(context.WithoutCancel(ctx), ectx)
		}
	}()

	err = p.Initialize(ctx, ectx)
	if err != nil {
		return err
	}

	decision, err := r.pipeline.Pre(ctx, ectx)
	if err != nil {
		return err
	}

	if decision == staging.Continue {
		err = r.execute(ctx, p, ectx)
		l.recordStreams(task.TaskID, ectx.Result)

		if err != nil {
			return err
		}
	}

	err = r.pipeline.Post(ctx, ectx)
	if err != nil {
		return err
	}

	err = r.publish(ctx, l, task, ectx)
	if err != nil {
		return err
	}

	succeeded = true

	logger.InfoContext(ctx, "Task attempt succeeded", "outputs", len(ectx.Outputs))

	return nil
}

func (r *taskRunner) prepare(ctx context.Context, l *launch, task *models.TaskSpec, attempt int) (*models.ExecutionContext, error) {
	node, ok := l.graph.Node(task.NodeID)
	if !ok {
		return nil, errkind.Wrap(errkind.Graph, "prepare", fmt.Errorf("task %s has no node %s", task.TaskID, task.NodeID))
	}

	app, err := r.catalog.GetApplicationDescriptor(ctx, node.ApplicationID)
	if err != nil {
		return nil, catalogError("application", err)
	}

	host, err := r.catalog.GetHostDescriptor(ctx, node.HostID)
	if err != nil {
		return nil, catalogError("host", err)
	}

	storage, err := r.catalog.GetStorageDescriptor(ctx, l.experiment.StorageID)
	if err != nil {
		return nil, catalogError("storage", err)
	}

	var cred models.Credential

	if r.credentials != nil {
		cred, err = r.credentials.GetCredential(ctx, l.gatewayID, l.userToken, host.ID)
		if err != nil && !credential.IsNotFound(err) {
			return nil, err
		}
	}

	values, err := l.graph.InputValues(task.NodeID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Graph, "prepare", err)
	}

	return newExecutionContext(contextSpec{
		launch:      l,
		task:        task,
		attempt:     attempt,
		application: app,
		host:        host,
		storage:     storage,
		credential:  cred,
		values:      values,
	})
}

// catalogError marks a missing descriptor as permanent. Anything else may clear up on retry.
func catalogError(kind string, err error) error {
	if catalog.IsNotFound(err) || errors.Is(err, catalog.ErrInvalid) {
		return errkind.Wrap(errkind.Graph, "lookup "+kind, err)
	}

	return errkind.Wrap(errkind.Transfer, "lookup "+kind, err)
}

// execute runs the provider and disposes of it. A non-zero exit status is not a failure
// here: the output handler decides from the declared outputs.
func (r *taskRunner) execute(ctx context.Context, p provider.Provider, ectx *models.ExecutionContext) error {
	result, err := p.Execute(ctx, ectx)
	ectx.Result = result

	disposeErr := p.Dispose(context.WithoutCancel(ctx), ectx)
	if disposeErr != nil {
		r.logger.WarnContext(ctx, "Provider dispose failed", "task_id", ectx.TaskID, "error", disposeErr)
	}

	return err
}

// publish records the outputs in the catalog, hands them to downstream nodes and
// completes the node together with any workflow output it feeds.
func (r *taskRunner) publish(ctx context.Context, l *launch, task *models.TaskSpec, ectx *models.ExecutionContext) error {
	outputs := ectx.OutputValues()

	err := r.catalog.RecordTaskOutputs(ctx, l.experiment.ID, task.TaskID, outputs)
	if err != nil {
		return &OutputError{TaskID: task.TaskID, Err: err}
	}

	for name, value := range outputs {
		err = l.graph.SetOutput(task.NodeID, name, value)
		if err != nil {
			return &OutputError{TaskID: task.TaskID, Err: errkind.Wrap(errkind.Graph, "set output", err)}
		}
	}

	r.advanceNode(ctx, l, task.NodeID, models.StateExecuted, "")
	r.advanceNode(ctx, l, task.NodeID, models.StateComplete, "")

	for _, successor := range l.graph.Successors(task.NodeID) {
		node, _ := l.graph.Node(successor)
		if node.Kind != models.NodeKindOutput || !l.graph.IsSatisfied(successor) {
			continue
		}

		r.advanceNode(ctx, l, successor, models.StateReady, "")
		r.advanceNode(ctx, l, successor, models.StateComplete, "")
	}

	return nil
}

// advanceNode moves a graph node forward and records the change. A node already at or
// past the target state is left alone, which makes retried attempts harmless.
func (r *taskRunner) advanceNode(ctx context.Context, l *launch, nodeID string, to models.State, reason string) {
	previous, err := l.graph.Transition(nodeID, to)
	if err != nil {
		if !errors.Is(err, graph.ErrStateRegression) {
			r.logger.WarnContext(ctx, "Node transition refused", "workflow_id", l.workflowID, "node_id", nodeID, "to", to, "error", err)
		}

		return
	}

	_, err = r.emitter.Emit(ctx, statemachine.Change{
		Kind:         models.EntityNode,
		WorkflowID:   l.workflowID,
		ExperimentID: l.experiment.ID,
		EntityID:     nodeID,
		From:         previous,
		To:           to,
		Reason:       reason,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "Node status change not recorded", "workflow_id", l.workflowID, "node_id", nodeID, "error", err)
	}
}

// Streams returns where the latest attempt of a task captured its stdout and stderr.
func (r *taskRunner) Streams(workflowID, taskID string) (stdout, stderr string) {
	l, ok := r.launches.get(workflowID)
	if !ok {
		return "", ""
	}

	s := l.taskStreams(taskID)

	return s.stdout, s.stderr
}

// Cancel stops the remote side of a running attempt. A task that is not running is left alone.
func (r *taskRunner) Cancel(ctx context.Context, workflowID, taskID string) error {
	r.mu.Lock()
	p, ok := r.active[activeKey{workflowID, taskID}]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.InfoContext(ctx, "Canceling running task", "workflow_id", workflowID, "task_id", taskID)

	return p.Cancel(ctx, taskID)
}

func (r *taskRunner) track(workflowID, taskID string, p provider.Provider) {
	r.mu.Lock()
	r.active[activeKey{workflowID, taskID}] = p
	r.mu.Unlock()
}

func (r *taskRunner) untrack(workflowID, taskID string) {
	r.mu.Lock()
	delete(r.active, activeKey{workflowID, taskID})
	r.mu.Unlock()
}
