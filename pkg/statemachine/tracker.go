package statemachine

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
)

// Status is the folded view of one entity.
type Status struct {
	State       models.State `json:"state"`
	Reason      string       `json:"reason,omitempty"`
	CauseTaskID string       `json:"cause_task_id,omitempty"`
	Stdout      string       `json:"stdout,omitempty"`
	Stderr      string       `json:"stderr,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type workflowView struct {
	experimentID string
	firstSeen    time.Time
	workflow     Status
	tasks        map[string]Status
	nodes        map[string]Status
}

// Tracker folds status events into current state. Folding is idempotent:
// a redelivered event is recognised by id and ignored, and an event that would move
// an entity backwards (late delivery) is dropped.
type Tracker struct {
	mu          sync.RWMutex
	seen        map[string]struct{}
	workflows   map[string]*workflowView
	experiments map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{
		seen:        make(map[string]struct{}),
		workflows:   make(map[string]*workflowView),
		experiments: make(map[string]string),
	}
}

// Fold builds a tracker from a recorded event log.
func Fold(log []events.StatusChanged) *Tracker {
	t := NewTracker()
	for _, event := range log {
		t.Apply(event)
	}

	return t
}

// Apply folds one event and reports whether it changed the view.
func (t *Tracker) Apply(event events.StatusChanged) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[event.ID]; dup {
		return false
	}

	t.seen[event.ID] = struct{}{}

	view, ok := t.workflows[event.WorkflowID]
	if !ok {
		view = &workflowView{
			experimentID: event.ExperimentID,
			firstSeen:    event.Timestamp,
			tasks:        make(map[string]Status),
			nodes:        make(map[string]Status),
		}
		t.workflows[event.WorkflowID] = view
	}

	if event.Timestamp.Before(view.firstSeen) {
		view.firstSeen = event.Timestamp
	}

	if event.ExperimentID != "" {
		view.experimentID = event.ExperimentID

		latest, known := t.experiments[event.ExperimentID]
		if !known || latest == event.WorkflowID || t.workflows[latest].firstSeen.Before(view.firstSeen) {
			t.experiments[event.ExperimentID] = event.WorkflowID
		}
	}

	status := Status{
		State:       event.New,
		Reason:      event.Reason,
		CauseTaskID: event.CauseTaskID,
		UpdatedAt:   event.Timestamp,
	}
	status.Stdout, status.Stderr = event.Streams()

	switch event.EntityKind {
	case models.EntityWorkflow:
		if event.New.Rank() <= view.workflow.State.Rank() {
			return false
		}

		view.workflow = status
	case models.EntityNode:
		return advance(view.nodes, event.EntityID, status)
	default:
		return advance(view.tasks, event.EntityID, status)
	}

	return true
}

func advance(states map[string]Status, id string, status Status) bool {
	if current, ok := states[id]; ok && status.State.Rank() <= current.State.Rank() {
		return false
	}

	states[id] = status

	return true
}

// Handler adapts Apply to the event bus.
func (t *Tracker) Handler() eventbus.EventHandler {
	return func(_ context.Context, event interface{}) error {
		change, ok := event.(*events.StatusChanged)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		t.Apply(*change)

		return nil
	}
}

// Register subscribes the tracker to every status event type.
func (t *Tracker) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.NodeStatusChangedEvent,
		events.TaskStatusChangedEvent,
		events.WorkflowStatusChangedEvent,
	} {
		err := bus.Handle(eventType, t.Handler())
		if err != nil {
			return err
		}
	}

	return nil
}

// TaskStatuses returns a snapshot of the task states of a workflow.
func (t *Tracker) TaskStatuses(workflowID string) (map[string]Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	view, ok := t.workflows[workflowID]
	if !ok {
		return nil, false
	}

	return maps.Clone(view.tasks), true
}

// NodeStatuses returns a snapshot of the node states of a workflow.
func (t *Tracker) NodeStatuses(workflowID string) (map[string]Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	view, ok := t.workflows[workflowID]
	if !ok {
		return nil, false
	}

	return maps.Clone(view.nodes), true
}

// WorkflowStatus returns the folded state of the workflow itself.
func (t *Tracker) WorkflowStatus(workflowID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	view, ok := t.workflows[workflowID]
	if !ok {
		return Status{}, false
	}

	return view.workflow, true
}

// LatestWorkflow returns the most recently started workflow of an experiment.
func (t *Tracker) LatestWorkflow(experimentID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.experiments[experimentID]

	return id, ok
}

// JobStatuses returns the task states of the latest workflow launched for an experiment.
func (t *Tracker) JobStatuses(experimentID string) (map[string]Status, bool) {
	workflowID, ok := t.LatestWorkflow(experimentID)
	if !ok {
		return nil, false
	}

	return t.TaskStatuses(workflowID)
}
