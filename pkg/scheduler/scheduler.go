// Package scheduler dispatches compiled task graphs in dependency order with
// per-task retries, timeouts, failure cascades and cancellation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultRetryInterval = time.Second
	DefaultSweepSchedule = "@every 1m"
	defaultExpiry        = 10 * time.Minute
)

// Runner executes one attempt of a task. It is the contract the execution substrate must satisfy.
type Runner interface {
	Run(ctx context.Context, graph *models.TaskGraph, task *models.TaskSpec, attempt int) error
	// Cancel forcibly stops a running attempt. It must be a no-op for finished tasks.
	Cancel(ctx context.Context, workflowID, taskID string) error
}

// StreamLocator is implemented by runners that capture the output streams of a task.
// The locations are attached to the task's COMPLETE or FAILED event.
type StreamLocator interface {
	Streams(workflowID, taskID string) (stdout, stderr string)
}

// Emitter records state transitions.
type Emitter interface {
	Emit(ctx context.Context, change statemachine.Change) (events.StatusChanged, error)
}

// Snapshot is a point-in-time view of a submitted workflow.
type Snapshot struct {
	WorkflowID string                  `json:"workflow_id"`
	State      models.State            `json:"state"`
	Tasks      map[string]models.State `json:"tasks"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
}

type Scheduler struct {
	logger        *slog.Logger
	runner        Runner
	emitter       Emitter
	tracer        trace.Tracer
	retryInterval time.Duration
	now           func() time.Time
	onExpire      func(workflowID string)

	runs sync.Map
	wg   sync.WaitGroup

	cronMu sync.Mutex
	cron   *cron.Cron
}

type Option func(*Scheduler)

func WithRetryInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.retryInterval = interval }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithExpiryHook registers a callback run for every workflow the sweep forgets.
func WithExpiryHook(hook func(workflowID string)) Option {
	return func(s *Scheduler) { s.onExpire = hook }
}

func New(logger *slog.Logger, runner Runner, emitter Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:        logger.With("module", "scheduler"),
		runner:        runner,
		emitter:       emitter,
		tracer:        noop.NewTracerProvider().Tracer("scheduler"),
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Submit registers the task graph and starts dispatching it. The returned handle is
// the graph id; a graph without an id gets one. Dispatch outlives ctx: use Cancel to stop it.
func (s *Scheduler) Submit(ctx context.Context, tg *models.TaskGraph) (string, error) {
	err := validate(tg)
	if err != nil {
		return "", err
	}

	if tg.ID == "" {
		tg.ID = uuid.New().String()
	}

	r := newRun(s, tg, context.WithoutCancel(ctx))

	if _, loaded := s.runs.LoadOrStore(tg.ID, r); loaded {
		r.cancel()

		return "", fmt.Errorf("%w: %s", ErrAlreadySubmitted, tg.ID)
	}

	s.logger.InfoContext(ctx, "Workflow submitted", "workflow_id", tg.ID, "workflow", tg.WorkflowName, "tasks", len(tg.Tasks))

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		r.loop()
	}()

	return tg.ID, nil
}

// Cancel stops dispatch of a workflow. Calling it again, or after completion, is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, workflowID string) error {
	r, err := s.lookup(workflowID)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Cancel requested", "workflow_id", workflowID)
	r.cancel()

	return nil
}

// Wait blocks until the workflow finishes or ctx is done and returns its final state.
func (s *Scheduler) Wait(ctx context.Context, workflowID string) (models.State, error) {
	r, err := s.lookup(workflowID)
	if err != nil {
		return "", err
	}

	select {
	case <-r.done:
		return r.snapshot().State, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status returns the scheduler's own view of a workflow.
func (s *Scheduler) Status(workflowID string) (Snapshot, error) {
	r, err := s.lookup(workflowID)
	if err != nil {
		return Snapshot{}, err
	}

	return r.snapshot(), nil
}

func (s *Scheduler) lookup(workflowID string) (*run, error) {
	value, ok := s.runs.Load(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	return value.(*run), nil
}

// Start schedules the expiry sweep which forgets finished workflows older than their job expiry.
func (s *Scheduler) Start(schedule string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New()

	_, err := c.AddFunc(schedule, s.Sweep)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c

	return nil
}

// Sweep forgets finished workflows whose job expiry has elapsed.
func (s *Scheduler) Sweep() {
	now := s.now()

	s.runs.Range(func(key, value any) bool {
		r := value.(*run)

		snap := r.snapshot()
		if snap.FinishedAt.IsZero() {
			return true
		}

		expiry := r.graph.Policy.JobExpiry
		if expiry <= 0 {
			expiry = defaultExpiry
		}

		if now.Sub(snap.FinishedAt) >= expiry {
			s.runs.Delete(key)
			s.logger.Debug("Expired workflow forgotten", "workflow_id", key)

			if s.onExpire != nil {
				s.onExpire(key.(string))
			}
		}

		return true
	})
}

// Stop halts the sweeper, cancels every running workflow and waits for their dispatch loops.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cronMu.Lock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.cronMu.Unlock()

	s.runs.Range(func(_, value any) bool {
		value.(*run).cancel()

		return true
	})

	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validate rejects graphs whose edges reference unknown tasks or form a cycle.
func validate(tg *models.TaskGraph) error {
	indegree := make(map[string]int, len(tg.Tasks))
	for id := range tg.Tasks {
		indegree[id] += 0
	}

	for id, task := range tg.Tasks {
		for _, child := range task.Children {
			if _, ok := tg.Tasks[child]; !ok {
				return &graph.GraphError{Kind: graph.KindDanglingReference, NodeID: id, Msg: "child task " + child + " is not defined"}
			}

			indegree[child]++
		}
	}

	var queue []string

	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, child := range tg.Tasks[id].Children {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(tg.Tasks) {
		return &graph.GraphError{Kind: graph.KindCycle, Msg: "task graph " + tg.WorkflowName + " contains a cycle"}
	}

	return nil
}
