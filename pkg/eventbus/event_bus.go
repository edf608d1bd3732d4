// Package eventbus carries enrollment lifecycle events to the surrounding
// application.
package eventbus

import (
	"context"

	"github.com/dripmail/dripmail/pkg/events"
)

// Event is any lifecycle event from pkg/events.
type Event interface {
	GetType() events.EventType
}

// EventPublisher is the engine-facing side of the bus. The key is the
// enrollment ID, which keeps one enrollment's events ordered on partitioned
// channels.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber is the consumer-facing side: register handlers per event
// type, then Subscribe to start delivery.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
