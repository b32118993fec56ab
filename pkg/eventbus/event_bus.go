// Package eventbus provides event-driven communication between the chat-flow services.
package eventbus

import (
	"context"

	"github.com/dukex/chatflow/pkg/events"
)

type Event = events.Event

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

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

// NewEvent returns an empty value of the given event type, ready for decoding.
func NewEvent(eventType events.EventType) (Event, bool) {
	switch eventType {
	case events.MessageReceivedEvent:
		return &events.MessageReceived{}, true
	case events.InstanceTimeoutEvent:
		return &events.InstanceTimeout{}, true
	case events.InstanceStartedEvent:
		return &events.InstanceStarted{}, true
	case events.InstanceWaitingEvent:
		return &events.InstanceWaiting{}, true
	case events.InstanceCompletedEvent:
		return &events.InstanceCompleted{}, true
	case events.InstanceFailedEvent:
		return &events.InstanceFailed{}, true
	case events.OutboundMessageRequestedEvent:
		return &events.OutboundMessageRequested{}, true
	default:
		return nil, false
	}
}
