// Package orchestrator wires the workflow graph, compiler, scheduler and staging
// pipeline behind the inbound operations of the gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/scigateway/orchestrator/pkg/authz"
	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/compiler"
	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/otelhelper"
	"github.com/scigateway/orchestrator/pkg/persistence"
	"github.com/scigateway/orchestrator/pkg/provider"
	"github.com/scigateway/orchestrator/pkg/scheduler"
	"github.com/scigateway/orchestrator/pkg/staging"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dependencies are the collaborators an Orchestrator is assembled from.
type Dependencies struct {
	Catalog     catalog.Catalog
	Authorizer  authz.Authorizer
	Credentials credential.Context
	Resolver    ProviderResolver
	Pipeline    *staging.Pipeline
	Persistence persistence.Persistence
	Publisher   eventbus.EventPublisher
}

func (d Dependencies) validate() error {
	var missing []string

	if d.Catalog == nil {
		missing = append(missing, "catalog")
	}

	if d.Resolver == nil {
		missing = append(missing, "resolver")
	}

	if d.Pipeline == nil {
		missing = append(missing, "pipeline")
	}

	if d.Persistence == nil {
		missing = append(missing, "persistence")
	}

	if d.Publisher == nil {
		missing = append(missing, "publisher")
	}

	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing dependencies %v", missing)
	}

	return nil
}

type options struct {
	policy        compiler.Policy
	retryInterval time.Duration
	tracer        trace.Tracer
	workerID      string
}

type Option func(*options)

func WithPolicy(policy compiler.Policy) Option {
	return func(o *options) { o.policy = policy }
}

func WithRetryInterval(interval time.Duration) Option {
	return func(o *options) { o.retryInterval = interval }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func WithWorkerID(id string) Option {
	return func(o *options) { o.workerID = id }
}

// Orchestrator is the explicit execution context of the gateway: every collaborator is
// passed in, nothing is looked up globally.
type Orchestrator struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	catalog    catalog.Catalog
	authorizer authz.Authorizer
	compiler   *compiler.Compiler
	store      persistence.Persistence
	scheduler  *scheduler.Scheduler
	tracker    *statemachine.Tracker
	journal    *Journal
	launches   *launches
}

func New(logger *slog.Logger, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	err := deps.validate()
	if err != nil {
		return nil, err
	}

	o := options{
		policy:        compiler.DefaultPolicy(),
		retryInterval: scheduler.DefaultRetryInterval,
		tracer:        noop.NewTracerProvider().Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}

	logger = logger.With("module", "orchestrator")
	tracker := statemachine.NewTracker()
	journal := NewJournal(logger, statemachine.NewMachine(logger, deps.Publisher, o.workerID), tracker, deps.Persistence)
	registry := newLaunches()

	runner := &taskRunner{
		logger:      logger.With("component", "runner"),
		tracer:      o.tracer,
		catalog:     deps.Catalog,
		credentials: deps.Credentials,
		resolver:    deps.Resolver,
		pipeline:    deps.Pipeline,
		emitter:     journal,
		launches:    registry,
		active:      make(map[activeKey]provider.Provider),
	}

	orch := &Orchestrator{
		logger:     logger,
		tracer:     o.tracer,
		catalog:    deps.Catalog,
		authorizer: authorizer,
		store:      deps.Persistence,
		tracker:    tracker,
		journal:    journal,
		launches:   registry,
	}

	orch.compiler = compiler.New(logger,
		compiler.WithPolicy(o.policy),
		compiler.WithCommandFunc(orch.command),
	)

	orch.scheduler = scheduler.New(logger, runner, journal,
		scheduler.WithRetryInterval(o.retryInterval),
		scheduler.WithTracer(o.tracer),
		scheduler.WithExpiryHook(registry.forget),
	)

	return orch, nil
}

// command resolves the executable of an application node. An unknown application fails compilation.
func (o *Orchestrator) command(ctx context.Context, node models.Node) (string, error) {
	app, err := o.catalog.GetApplicationDescriptor(ctx, node.ApplicationID)
	if err != nil {
		return "", errkind.Wrap(errkind.Compile, "resolve command", err)
	}

	return app.Executable, nil
}

// Start schedules the expiry sweep of finished workflows.
func (o *Orchestrator) Start(sweepSchedule string) error {
	return o.scheduler.Start(sweepSchedule)
}

// Shutdown cancels every running workflow and waits for dispatch to stop.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.scheduler.Stop(ctx)
}

// Tracker exposes the folded status view, for instance to register it on a bus.
func (o *Orchestrator) Tracker() *statemachine.Tracker {
	return o.tracker
}

// LaunchRequest identifies who launches which experiment.
type LaunchRequest struct {
	GatewayID    string
	UserToken    string
	ExperimentID string
}

// Compile builds the experiment's workflow graph and compiles it without submitting it.
func (o *Orchestrator) Compile(ctx context.Context, experimentID string) (*models.TaskGraph, error) {
	exp, err := o.catalog.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, &LaunchError{ExperimentID: experimentID, Step: "catalog", Err: err}
	}

	_, tg, err := o.compile(ctx, exp)

	return tg, err
}

func (o *Orchestrator) compile(ctx context.Context, exp models.Experiment) (*graph.Graph, *models.TaskGraph, error) {
	g, err := graph.Build(exp.Workflow)
	if err != nil {
		return nil, nil, &LaunchError{ExperimentID: exp.ID, Step: "graph", Err: err}
	}

	tg, err := o.compiler.Compile(ctx, g, exp.Workflow.Name, g.StartNodes())
	if err != nil {
		return nil, nil, &LaunchError{ExperimentID: exp.ID, Step: "compile", Err: err}
	}

	tg.ID = uuid.New().String()
	tg.ExperimentID = exp.ID

	return g, tg, nil
}

// LaunchExperiment authorizes the request, compiles the experiment's workflow, persists the
// task graph and submits it. The returned handle is the workflow ID.
func (o *Orchestrator) LaunchExperiment(ctx context.Context, req LaunchRequest) (string, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.launch",
		attribute.String(otelhelper.ExperimentIDKey, req.ExperimentID),
	)
	defer span.End()

	handle, err := o.launch(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)
		o.logger.ErrorContext(ctx, "Launch failed", "experiment_id", req.ExperimentID, "error", err)

		return "", err
	}

	span.SetAttributes(attribute.String(otelhelper.WorkflowIDKey, handle))

	return handle, nil
}

func (o *Orchestrator) launch(ctx context.Context, req LaunchRequest) (string, error) {
	exp, err := o.catalog.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return "", &LaunchError{ExperimentID: req.ExperimentID, Step: "catalog", Err: err}
	}

	gatewayID := req.GatewayID
	if gatewayID == "" {
		gatewayID = exp.GatewayID
	}

	err = o.authorize(ctx, gatewayID, req.UserToken, exp, authz.ActionLaunch)
	if err != nil {
		return "", err
	}

	g, tg, err := o.compile(ctx, exp)
	if err != nil {
		return "", err
	}

	userToken := req.UserToken
	if userToken == "" {
		userToken = exp.CredentialToken
	}

	err = o.store.SaveTaskGraph(ctx, tg)
	if err != nil {
		return "", &LaunchError{ExperimentID: exp.ID, Step: "persist", Err: err}
	}

	l := &launch{
		workflowID: tg.ID,
		experiment: exp,
		gatewayID:  gatewayID,
		userToken:  userToken,
		graph:      g,
	}

	o.recordNodes(ctx, l)
	o.launches.put(l)

	handle, err := o.scheduler.Submit(ctx, tg)
	if err != nil {
		o.launches.forget(tg.ID)

		return "", &LaunchError{ExperimentID: exp.ID, Step: "submit", Err: err}
	}

	o.logger.InfoContext(ctx, "Experiment launched",
		"experiment_id", exp.ID,
		"workflow_id", handle,
		"workflow", tg.WorkflowName,
		"tasks", len(tg.Tasks),
	)

	return handle, nil
}

// recordNodes emits the creation of every node. A workflow input that carries a value
// starts READY and stays there: READY is its terminal state.
func (o *Orchestrator) recordNodes(ctx context.Context, l *launch) {
	for _, id := range l.graph.NodeIDs() {
		state, _ := l.graph.State(id)
		o.emitNode(ctx, l, id, "", state)
	}
}

func (o *Orchestrator) emitNode(ctx context.Context, l *launch, nodeID string, from, to models.State) {
	_, err := o.journal.Emit(ctx, statemachine.Change{
		Kind:         models.EntityNode,
		WorkflowID:   l.workflowID,
		ExperimentID: l.experiment.ID,
		EntityID:     nodeID,
		From:         from,
		To:           to,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "Node status change not recorded", "workflow_id", l.workflowID, "node_id", nodeID, "error", err)
	}
}

func (o *Orchestrator) authorize(ctx context.Context, gatewayID, userToken string, exp models.Experiment, action string) error {
	err := o.authorizer.Authorize(ctx, authz.Request{
		GatewayID:    gatewayID,
		UserToken:    userToken,
		Owner:        exp.Owner,
		ExperimentID: exp.ID,
		Action:       action,
	})
	if err != nil {
		return fmt.Errorf("%s experiment %s: %w", action, exp.ID, err)
	}

	return nil
}

// CancelRequest identifies who cancels which workflow.
type CancelRequest struct {
	GatewayID string
	UserToken string
	Handle    string
}

// CancelExperiment stops dispatch of a launched workflow and cancels its running tasks.
// Canceling a finished workflow is a no-op.
func (o *Orchestrator) CancelExperiment(ctx context.Context, req CancelRequest) error {
	tg, err := o.store.TaskGraph(ctx, req.Handle)
	if err != nil {
		return err
	}

	exp := models.Experiment{ID: tg.ExperimentID}
	if l, ok := o.launches.get(req.Handle); ok {
		exp = l.experiment
	}

	err = o.authorize(ctx, req.GatewayID, req.UserToken, exp, authz.ActionCancel)
	if err != nil {
		return err
	}

	err = o.scheduler.Cancel(ctx, req.Handle)
	if errors.Is(err, scheduler.ErrUnknownWorkflow) {
		o.logger.InfoContext(ctx, "Cancel of a workflow no longer running", "workflow_id", req.Handle)

		return nil
	}

	return err
}

// Wait blocks until a launched workflow finishes and returns its final state.
func (o *Orchestrator) Wait(ctx context.Context, handle string) (models.State, error) {
	return o.scheduler.Wait(ctx, handle)
}

// GetJobStatuses returns the task states of the most recent launch of an experiment.
// Launches made by another process, or forgotten after expiry, are rebuilt from the
// persisted event log.
func (o *Orchestrator) GetJobStatuses(ctx context.Context, experimentID string) (map[string]statemachine.Status, error) {
	if workflowID, ok := o.tracker.LatestWorkflow(experimentID); ok {
		statuses, _ := o.tracker.TaskStatuses(workflowID)
		if len(statuses) > 0 {
			return statuses, nil
		}

		// Submitted, but the scheduler has not recorded its tasks yet.
		tg, err := o.store.TaskGraph(ctx, workflowID)
		if err == nil {
			return withWaiting(statuses, tg), nil
		}

		if !persistence.IsTaskGraphNotFound(err) {
			return nil, err
		}
	}

	graphs, err := o.store.TaskGraphsByExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if len(graphs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotLaunched, experimentID)
	}

	latest := graphs[len(graphs)-1]

	log, err := o.store.Events(ctx, latest.ID)
	if err != nil {
		return nil, err
	}

	statuses, _ := statemachine.Fold(log).TaskStatuses(latest.ID)

	return withWaiting(statuses, latest), nil
}

// withWaiting reports every task of the graph that has no recorded status yet as WAITING.
func withWaiting(statuses map[string]statemachine.Status, tg *models.TaskGraph) map[string]statemachine.Status {
	if statuses == nil {
		statuses = make(map[string]statemachine.Status, len(tg.Tasks))
	}

	for _, id := range tg.TaskIDs() {
		if _, ok := statuses[id]; !ok {
			statuses[id] = statemachine.Status{State: models.StateWaiting}
		}
	}

	return statuses
}

// Report is the full status of one launched workflow.
type Report struct {
	WorkflowID   string                         `json:"workflow_id"`
	ExperimentID string                         `json:"experiment_id"`
	State        models.State                   `json:"state"`
	Tasks        map[string]statemachine.Status `json:"tasks"`
	Nodes        map[string]statemachine.Status `json:"nodes,omitempty"`
	Outputs      map[string]string              `json:"outputs,omitempty"`
}

// GetWorkflowReport folds the workflow's events and, while the launch is held in memory,
// adds the values delivered to its workflow outputs.
func (o *Orchestrator) GetWorkflowReport(ctx context.Context, handle string) (Report, error) {
	tg, err := o.store.TaskGraph(ctx, handle)
	if err != nil {
		return Report{}, err
	}

	tracker := o.tracker
	if _, ok := tracker.WorkflowStatus(handle); !ok {
		log, err := o.store.Events(ctx, handle)
		if err != nil {
			return Report{}, err
		}

		tracker = statemachine.Fold(log)
	}

	workflow, _ := tracker.WorkflowStatus(handle)
	tasks, _ := tracker.TaskStatuses(handle)
	nodes, _ := tracker.NodeStatuses(handle)

	report := Report{
		WorkflowID:   handle,
		ExperimentID: tg.ExperimentID,
		State:        workflow.State,
		Tasks:        tasks,
		Nodes:        nodes,
	}

	if report.State == "" {
		report.State = models.StateWaiting
	}

	if l, ok := o.launches.get(handle); ok {
		report.Outputs = make(map[string]string)

		for _, id := range l.graph.NodeIDs() {
			node, _ := l.graph.Node(id)
			if node.Kind != models.NodeKindOutput {
				continue
			}

			if value, err := l.graph.Value(id); err == nil && value != "" {
				report.Outputs[id] = value
			}
		}
	}

	return report, nil
}
