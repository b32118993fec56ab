package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/conditional"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// TriggerMatcher finds the flows an inbound message should start.
type TriggerMatcher struct {
	logger    *slog.Logger
	flows     persistence.FlowRepository
	instances persistence.InstanceRepository
}

// NewTriggerMatcher creates a new trigger matcher.
func NewTriggerMatcher(logger *slog.Logger, flows persistence.FlowRepository, instances persistence.InstanceRepository) *TriggerMatcher {
	return &TriggerMatcher{
		logger:    logger.With("module", "trigger_matcher"),
		flows:     flows,
		instances: instances,
	}
}

// FindMatchingFlows returns every active flow of the tenant whose trigger
// holds for event, in definition order. Flows the contact is already running
// are skipped. Choosing among several matches is left to the caller.
func (tm *TriggerMatcher) FindMatchingFlows(ctx context.Context, tenantID string, event *models.InboundEvent) ([]models.Match, error) {
	if event == nil {
		return nil, nil
	}

	flows, err := tm.flows.ActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active flows for tenant %s: %w", tenantID, err)
	}

	models.SortFlows(flows)

	evalCtx := conditional.Context{Message: event, Contact: event.Contact}

	var matches []models.Match

	for _, flow := range flows {
		if flow == nil || !flow.Active || flow.TenantID != tenantID {
			continue
		}

		if !conditional.EvaluateAll(flow.Trigger, evalCtx) {
			continue
		}

		active, err := tm.instances.FindActive(ctx, tenantID, event.ContactID, flow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up active instance of flow %s: %w", flow.ID, err)
		}

		if active != nil {
			tm.logger.DebugContext(ctx, "Skipping flow already running for contact",
				"flow_id", flow.ID,
				"contact_id", event.ContactID,
				"instance_id", active.ID)

			continue
		}

		matches = append(matches, models.Match{Flow: flow, EntryNodeID: flow.EntryNodeID})
	}

	tm.logger.DebugContext(ctx, "Completed trigger matching",
		"tenant_id", tenantID,
		"contact_id", event.ContactID,
		"flows_count", len(flows),
		"matches_found", len(matches))

	return matches, nil
}
