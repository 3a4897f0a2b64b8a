// Package eventbus carries status change events from the scheduler to trackers,
// the registry sync consumer and any other observer of experiment progress.
package eventbus

import (
	"context"

	"github.com/scigateway/orchestrator/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// EventPublisher sends an event. The key is the id of the workflow the event
// belongs to and travels in the message metadata.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches incoming events to the handler registered for their
// type. Delivery is at least once, so handlers must tolerate redelivery.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event interface{}) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
