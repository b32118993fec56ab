// Package bus hands actions to an external sender through the event bus.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/dispatcher"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
)

// Dispatcher publishes outbound.message.requested. A sent result means the
// event was accepted by the bus; the provider message id is the event id.
type Dispatcher struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
}

func NewDispatcher(logger *slog.Logger, publisher eventbus.EventPublisher) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With("module", "bus_dispatcher"),
		publisher: publisher,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	event := events.OutboundMessageRequested{
		BaseEvent: events.NewBaseEvent(events.OutboundMessageRequestedEvent, action.TenantID),
		Action:    action,
	}

	key := action.TenantID + "/" + action.ContactID

	if err := d.publisher.Publish(ctx, key, event); err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish outbound message", "action_id", action.ID, "error", err)

		return dispatcher.Failed(action, fmt.Errorf("failed to publish outbound message: %w", err))
	}

	return dispatcher.Sent(action, event.ID)
}
