package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/otelhelper"
	"github.com/scigateway/orchestrator/pkg/statemachine"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// run is the dispatch state of one submitted task graph.
type run struct {
	s       *Scheduler
	graph   *models.TaskGraph
	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan string
	settled chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	states     map[string]models.State
	pending    map[string]int
	remaining  int
	failures   int
	aborted    bool
	result     models.State
	finishedAt time.Time
}

func newRun(s *Scheduler, tg *models.TaskGraph, parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)

	r := &run{
		s:         s,
		graph:     tg,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan string, len(tg.Tasks)),
		settled:   make(chan struct{}),
		done:      make(chan struct{}),
		states:    make(map[string]models.State, len(tg.Tasks)),
		pending:   make(map[string]int, len(tg.Tasks)),
		remaining: len(tg.Tasks),
		result:    models.StateWaiting,
	}

	for id, parents := range tg.Parents() {
		r.pending[id] = len(parents)
	}

	if r.remaining == 0 {
		close(r.settled)
	}

	return r
}

func (r *run) poolSize() int {
	limit := 0

	for _, task := range r.graph.Tasks {
		if task.NumConcurrentTasksPerInstance > 0 && (limit == 0 || task.NumConcurrentTasksPerInstance < limit) {
			limit = task.NumConcurrentTasksPerInstance
		}
	}

	if limit == 0 {
		limit = 1
	}

	return limit
}

func (r *run) loop() {
	defer close(r.done)
	defer r.cancel()

	ctx := r.ctx
	logger := r.s.logger.With("workflow_id", r.graph.ID)

	var changes []statemachine.Change

	r.mu.Lock()
	changes = append(changes, r.workflowChange("", models.StateWaiting, ""))

	for _, id := range r.graph.TaskIDs() {
		r.states[id] = models.StateWaiting
		changes = append(changes, r.taskChange(id, "", models.StateWaiting, "", ""))
	}

	changes = append(changes, r.workflowChange(models.StateWaiting, models.StateExecuting, ""))
	r.result = models.StateExecuting

	for _, id := range r.graph.TaskIDs() {
		if r.pending[id] == 0 {
			changes = append(changes, r.promote(id)...)
		}
	}
	r.mu.Unlock()

	r.emit(changes)

	var g errgroup.Group
	g.SetLimit(r.poolSize())

	canceled := ctx.Done()

dispatch:
	for {
		select {
		case id := <-r.ready:
			g.Go(func() error {
				r.execute(id)

				return nil
			})
		case <-canceled:
			canceled = nil

			logger.Info("Canceling workflow")
			r.cancelPending()
		case <-r.settled:
			break dispatch
		}
	}

	_ = g.Wait()

	r.mu.Lock()
	final := models.StateComplete

	for _, state := range r.states {
		if state == models.StateCanceled {
			final = models.StateCanceled

			break
		}

		if state == models.StateFailed || state == models.StateSkipped {
			final = models.StateFailed
		}
	}

	change := r.workflowChange(models.StateExecuting, final, "")
	r.result = final
	r.finishedAt = r.s.now()
	r.mu.Unlock()

	r.emit([]statemachine.Change{change})

	logger.Info("Workflow finished", "state", final)
}

// execute runs every attempt of one task and records the outcome.
func (r *run) execute(id string) {
	task := r.graph.Tasks[id]
	logger := r.s.logger.With("workflow_id", r.graph.ID, "task_id", id)

	r.mu.Lock()
	if r.states[id] != models.StateReady {
		r.mu.Unlock()

		return
	}

	var changes []statemachine.Change
	if r.ctx.Err() != nil {
		changes = r.set(id, models.StateCanceled, "workflow canceled", "")
		r.mu.Unlock()
		r.emit(changes)

		return
	}

	changes = r.set(id, models.StateExecuting, "", "")
	r.mu.Unlock()
	r.emit(changes)

	maxAttempts := task.MaxAttemptsPerTask
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = r.s.retryInterval
	delay.MaxElapsedTime = 0
	delay.Reset()

	var err error

attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = r.attempt(task, attempt)
		if err == nil || r.ctx.Err() != nil {
			break
		}

		if !errkind.Retryable(err) || attempt == maxAttempts {
			logger.Error("Task attempt failed", "attempt", attempt, "kind", errkind.Of(err), "error", err)

			break
		}

		wait := delay.NextBackOff()
		logger.Warn("Task attempt failed, retrying", "attempt", attempt, "retry_in", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-r.ctx.Done():
			break attempts
		}
	}

	stdout, stderr := r.streams(id)

	r.mu.Lock()

	switch {
	case err == nil:
		changes = r.set(id, models.StateExecuted, "", "")
		changes = append(changes, r.set(id, models.StateComplete, "", "")...)
		changes = append(changes, r.release(id)...)
	case r.ctx.Err() != nil:
		changes = r.set(id, models.StateCanceled, "workflow canceled", "")
	default:
		changes = r.set(id, models.StateFailed, err.Error(), "")
		changes = append(changes, r.cascade(id)...)
	}
	r.mu.Unlock()

	for i := range changes {
		change := &changes[i]
		if change.Kind == models.EntityTask && change.EntityID == id && (change.To == models.StateComplete || change.To == models.StateFailed) {
			change.Stdout, change.Stderr = stdout, stderr
		}
	}

	r.emit(changes)
}

func (r *run) streams(taskID string) (stdout, stderr string) {
	locator, ok := r.s.runner.(StreamLocator)
	if !ok {
		return "", ""
	}

	return locator.Streams(r.graph.ID, taskID)
}

func (r *run) attempt(task *models.TaskSpec, attempt int) (err error) {
	ctx := r.ctx

	if task.TimeoutPerTask > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, task.TimeoutPerTask)
		defer cancel()
	}

	ctx, span := otelhelper.StartSpan(ctx, r.s.tracer, "scheduler.attempt",
		attribute.String(otelhelper.WorkflowIDKey, r.graph.ID),
		attribute.String(otelhelper.TaskIDKey, task.TaskID),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{TaskID: task.TaskID, Value: recovered}
		}

		if err != nil {
			otelhelper.SetError(span, err)
		}
	}()

	err = r.s.runner.Run(ctx, r.graph, task, attempt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil {
		cancelErr := r.s.runner.Cancel(context.WithoutCancel(ctx), r.graph.ID, task.TaskID)
		if cancelErr != nil {
			r.s.logger.Warn("Failed to cancel timed out attempt", "task_id", task.TaskID, "error", cancelErr)
		}

		return &TimeoutError{TaskID: task.TaskID, Attempt: attempt, Timeout: task.TimeoutPerTask}
	}

	return err
}

// cancelPending marks every task that has not started as canceled and asks the
// runner to stop the ones that have.
func (r *run) cancelPending() {
	var (
		changes []statemachine.Change
		running []string
	)

	r.mu.Lock()
	for _, id := range r.graph.TaskIDs() {
		switch r.states[id] {
		case models.StateWaiting, models.StateReady:
			changes = append(changes, r.set(id, models.StateCanceled, "workflow canceled", "")...)
		case models.StateExecuting:
			running = append(running, id)
		}
	}
	r.mu.Unlock()

	r.emit(changes)

	ctx := context.WithoutCancel(r.ctx)
	for _, id := range running {
		err := r.s.runner.Cancel(ctx, r.graph.ID, id)
		if err != nil {
			r.s.logger.Warn("Failed to cancel running task", "workflow_id", r.graph.ID, "task_id", id, "error", err)
		}
	}
}

// release decrements the pending parent count of each child and promotes the ones now unblocked.
// Callers hold r.mu.
func (r *run) release(id string) []statemachine.Change {
	var changes []statemachine.Change

	for _, child := range r.graph.Tasks[id].Children {
		r.pending[child]--
		if r.pending[child] > 0 || r.states[child] != models.StateWaiting {
			continue
		}

		if r.ctx.Err() != nil {
			changes = append(changes, r.set(child, models.StateCanceled, "workflow canceled", "")...)

			continue
		}

		changes = append(changes, r.promote(child)...)
	}

	return changes
}

// promote moves a task to READY and queues it for dispatch. Callers hold r.mu.
func (r *run) promote(id string) []statemachine.Change {
	changes := r.set(id, models.StateReady, "", "")
	if len(changes) > 0 {
		r.ready <- id
	}

	return changes
}

// cascade skips every not yet started descendant of a failed task and aborts the
// workflow once the policy says so. Callers hold r.mu.
func (r *run) cascade(failed string) []statemachine.Change {
	r.failures++

	reason := fmt.Sprintf("upstream task %s failed", failed)

	descendants := r.graph.Descendants(failed)
	ids := make([]string, 0, len(descendants))

	for id := range descendants {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	var changes []statemachine.Change
	for _, id := range ids {
		changes = append(changes, r.set(id, models.StateSkipped, reason, failed)...)
	}

	if r.graph.Policy.Aborts(r.failures) && !r.aborted {
		r.aborted = true

		reason = fmt.Sprintf("failure threshold %d exceeded after task %s failed", r.graph.Policy.FailureThreshold, failed)
		for _, id := range r.graph.TaskIDs() {
			changes = append(changes, r.set(id, models.StateSkipped, reason, failed)...)
		}
	}

	return changes
}

// set applies a task transition if the state machine allows it. Callers hold r.mu.
func (r *run) set(id string, to models.State, reason, cause string) []statemachine.Change {
	from := r.states[id]
	if !statemachine.CanTransition(models.EntityTask, from, to) {
		return nil
	}

	r.states[id] = to

	if to.IsTerminal() {
		r.remaining--
		if r.remaining == 0 {
			close(r.settled)
		}
	}

	return []statemachine.Change{r.taskChange(id, from, to, reason, cause)}
}

func (r *run) taskChange(id string, from, to models.State, reason, cause string) statemachine.Change {
	return statemachine.Change{
		Kind:         models.EntityTask,
		WorkflowID:   r.graph.ID,
		ExperimentID: r.graph.ExperimentID,
		EntityID:     id,
		From:         from,
		To:           to,
		Reason:       reason,
		CauseTaskID:  cause,
	}
}

func (r *run) workflowChange(from, to models.State, reason string) statemachine.Change {
	return statemachine.Change{
		Kind:         models.EntityWorkflow,
		WorkflowID:   r.graph.ID,
		ExperimentID: r.graph.ExperimentID,
		EntityID:     r.graph.ID,
		From:         from,
		To:           to,
		Reason:       reason,
	}
}

// emit publishes changes outside the run lock. Publish failures are logged: the
// scheduler's own state has already moved on.
func (r *run) emit(changes []statemachine.Change) {
	ctx := context.WithoutCancel(r.ctx)

	for _, change := range changes {
		_, err := r.s.emitter.Emit(ctx, change)
		if err != nil {
			r.s.logger.Warn("Status change not recorded", "workflow_id", change.WorkflowID, "entity", change.EntityID, "to", change.To, "error", err)
		}
	}
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		WorkflowID: r.graph.ID,
		State:      r.result,
		Tasks:      maps.Clone(r.states),
		FinishedAt: r.finishedAt,
	}
}
