package testutil

import (
	"context"
	"sync"

	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/models"
)

// Recorder is an in-memory event publisher that keeps every status change.
type Recorder struct {
	mu     sync.Mutex
	events []events.StatusChanged
	sinks  []func(events.StatusChanged)
}

func NewRecorder(sinks ...func(events.StatusChanged)) *Recorder {
	return &Recorder{sinks: sinks}
}

func (r *Recorder) Publish(_ context.Context, _ string, event eventbus.Event) error {
	change, ok := event.(events.StatusChanged)
	if !ok {
		return nil
	}

	r.mu.Lock()
	r.events = append(r.events, change)
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(change)
	}

	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []events.StatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.StatusChanged(nil), r.events...)
}

// States returns the sequence of states published for one entity.
func (r *Recorder) States(kind models.EntityKind, entityID string) []models.State {
	var states []models.State

	for _, event := range r.Events() {
		if event.EntityKind == kind && event.EntityID == entityID {
			states = append(states, event.New)
		}
	}

	return states
}

// Last returns the latest event published for one entity.
func (r *Recorder) Last(kind models.EntityKind, entityID string) (events.StatusChanged, bool) {
	all := r.Events()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].EntityKind == kind && all[i].EntityID == entityID {
			return all[i], true
		}
	}

	return events.StatusChanged{}, false
}
