// Package events defines the messages exchanged between the chat-flow services.
package events

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Event is implemented by every message published on the bus.
type Event interface {
	GetType() EventType
}

// Topics.
const (
	// Topic carries instance lifecycle events.
	Topic = "chatflow.events"
	// InboundTopic carries message.received and instance.timeout, the events
	// that drive execution.
	InboundTopic = "chatflow.inbound"
	// OutboundTopic carries outbound.message.requested for external senders.
	OutboundTopic = "chatflow.outbound"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	MessageReceivedEvent          EventType = "message.received"
	InstanceTimeoutEvent          EventType = "instance.timeout"
	InstanceStartedEvent          EventType = "instance.started"
	InstanceWaitingEvent          EventType = "instance.waiting"
	InstanceCompletedEvent        EventType = "instance.completed"
	InstanceFailedEvent           EventType = "instance.failed"
	OutboundMessageRequestedEvent EventType = "outbound.message.requested"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case MessageReceivedEvent, InstanceTimeoutEvent:
		return InboundTopic
	case OutboundMessageRequestedEvent:
		return OutboundTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
	}
}

// MessageReceived is an inbound WhatsApp message with its resolved contact.
type MessageReceived struct {
	BaseEvent

	Message models.InboundEvent `json:"message"`
}

func (e MessageReceived) GetType() EventType {
	return MessageReceivedEvent
}

// InstanceTimeout asks a worker to resume a waiting instance along its timeout edge.
type InstanceTimeout struct {
	BaseEvent

	InstanceID string    `json:"instance_id"`
	FlowID     string    `json:"flow_id"`
	ContactID  string    `json:"contact_id"`
	TimeoutAt  time.Time `json:"timeout_at"`
}

func (e InstanceTimeout) GetType() EventType {
	return InstanceTimeoutEvent
}

// InstanceLifecycle is shared by the instance.* notifications.
type InstanceLifecycle struct {
	InstanceID    string                `json:"instance_id"`
	FlowID        string                `json:"flow_id"`
	FlowVersion   int                   `json:"flow_version"`
	ContactID     string                `json:"contact_id"`
	Status        models.InstanceStatus `json:"status"`
	CurrentNodeID string                `json:"current_node_id"`
}

type InstanceStarted struct {
	BaseEvent
	InstanceLifecycle
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceWaiting struct {
	BaseEvent
	InstanceLifecycle

	TimeoutAt time.Time `json:"timeout_at"`
}

func (e InstanceWaiting) GetType() EventType {
	return InstanceWaitingEvent
}

type InstanceCompleted struct {
	BaseEvent
	InstanceLifecycle

	Duration time.Duration `json:"duration"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent
	InstanceLifecycle

	Reason models.FailureReason `json:"reason"`
	Error  string               `json:"error"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

// OutboundMessageRequested hands an action to an external delivery service.
type OutboundMessageRequested struct {
	BaseEvent

	Action models.Action `json:"action"`
}

func (e OutboundMessageRequested) GetType() EventType {
	return OutboundMessageRequestedEvent
}

// Lifecycle returns the notification matching the instance's state after an
// execution step, or nil when there is nothing to report. started is set for
// the call that created the instance.
func Lifecycle(instance *models.Instance, started bool) []Event {
	if instance == nil {
		return nil
	}

	info := InstanceLifecycle{
		InstanceID:    instance.ID,
		FlowID:        instance.FlowID,
		FlowVersion:   instance.FlowVersion,
		ContactID:     instance.ContactID,
		Status:        instance.Status,
		CurrentNodeID: instance.CurrentNodeID,
	}

	var out []Event

	if started {
		out = append(out, InstanceStarted{BaseEvent: NewBaseEvent(InstanceStartedEvent, instance.TenantID), InstanceLifecycle: info})
	}

	switch instance.Status {
	case models.InstanceStatusWaitingForReply:
		event := InstanceWaiting{BaseEvent: NewBaseEvent(InstanceWaitingEvent, instance.TenantID), InstanceLifecycle: info}
		if instance.TimeoutAt != nil {
			event.TimeoutAt = *instance.TimeoutAt
		}

		out = append(out, event)
	case models.InstanceStatusCompleted:
		event := InstanceCompleted{BaseEvent: NewBaseEvent(InstanceCompletedEvent, instance.TenantID), InstanceLifecycle: info}
		if instance.CompletedAt != nil {
			event.Duration = instance.CompletedAt.Sub(instance.CreatedAt)
		}

		out = append(out, event)
	case models.InstanceStatusFailed:
		out = append(out, InstanceFailed{
			BaseEvent:         NewBaseEvent(InstanceFailedEvent, instance.TenantID),
			InstanceLifecycle: info,
			Reason:            instance.FailureReason,
			Error:             instance.Error,
		})
	}

	return out
}
