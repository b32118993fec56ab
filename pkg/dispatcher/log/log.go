// Package log_dispatcher writes actions to the log instead of sending them.
package log_dispatcher

import (
	"context"
	"log/slog"

	"github.com/dukex/chatflow/pkg/dispatcher"
	"github.com/dukex/chatflow/pkg/models"
)

type Dispatcher struct {
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With("module", "log_dispatcher")}
}

func (d *Dispatcher) Dispatch(ctx context.Context, action models.Action) models.DeliveryResult {
	d.logger.InfoContext(ctx, "Outbound message",
		"action_id", action.ID,
		"tenant_id", action.TenantID,
		"flow_id", action.FlowID,
		"node_id", action.NodeID,
		"to", action.To,
		"message_type", action.MessageType,
		"content", action.Content)

	return dispatcher.Sent(action, "log-"+action.ID)
}
