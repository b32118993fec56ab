package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/dispatcher"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/flow"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MatchPolicy decides how many of the matching flows an inbound message starts.
type MatchPolicy string

const (
	// MatchPolicyFirst starts only the earliest defined matching flow.
	MatchPolicyFirst MatchPolicy = "first"
	// MatchPolicyAll starts every matching flow.
	MatchPolicyAll MatchPolicy = "all"
)

func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchPolicyFirst:
		return MatchPolicyFirst, nil
	case MatchPolicyAll:
		return MatchPolicyAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMatchPolicy, s)
	}
}

// errDiscarded marks an engine result that lost a store race and must not be dispatched.
var errDiscarded = errors.New("execution result discarded")

var startNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dukex/chatflow/instances"))

// startID derives the id of the instance a message starts for a flow. A
// redelivered or duplicated message maps onto the instance it already created,
// which the store rejects, so its actions are sent once.
func startID(event *models.InboundEvent, flowID string) string {
	if event.ID == "" {
		return ""
	}

	return uuid.NewSHA1(startNamespace, []byte(event.TenantID+"\x00"+flowID+"\x00"+event.ID)).String()
}

func adoptID(result *models.ExecutionResult, id string) {
	result.Instance.ID = id

	for i := range result.Actions {
		result.Actions[i].InstanceID = id
	}
}

// consumed reports whether instance already moved on this message, either by
// starting on it or by resuming with it.
func consumed(instance *models.Instance, event *models.InboundEvent) bool {
	return event.ID != "" && instance.LastInbound != nil && instance.LastInbound.ID == event.ID
}

type AutomationOption func(*Automation)

// WithPublisher publishes lifecycle events after each committed step.
func WithPublisher(publisher eventbus.EventPublisher) AutomationOption {
	return func(a *Automation) {
		a.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) AutomationOption {
	return func(a *Automation) {
		a.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) AutomationOption {
	return func(a *Automation) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

func WithMatchPolicy(policy MatchPolicy) AutomationOption {
	return func(a *Automation) {
		if policy != "" {
			a.policy = policy
		}
	}
}

// WithTriggerWhileWaiting lets a reply consumed by a waiting instance also start new flows.
func WithTriggerWhileWaiting(enabled bool) AutomationOption {
	return func(a *Automation) {
		a.triggerWhileWaiting = enabled
	}
}

func WithClock(now func() time.Time) AutomationOption {
	return func(a *Automation) {
		if now != nil {
			a.now = now
		}
	}
}

// Automation connects inbound messages and timeouts to the engine. Every
// engine result is persisted before its actions are dispatched, so a result
// that loses a race against a concurrent delivery is dropped without sending
// anything.
type Automation struct {
	logger     *slog.Logger
	flows      persistence.FlowRepository
	instances  persistence.InstanceRepository
	engine     *flow.Engine
	matcher    *flow.TriggerMatcher
	dispatcher dispatcher.Dispatcher

	publisher           eventbus.EventPublisher
	metrics             *metrics.Metrics
	tracer              trace.Tracer
	policy              MatchPolicy
	triggerWhileWaiting bool
	now                 func() time.Time
}

func NewAutomation(
	logger *slog.Logger,
	p persistence.Persistence,
	engine *flow.Engine,
	d dispatcher.Dispatcher,
	opts ...AutomationOption,
) *Automation {
	a := &Automation{
		logger:     logger.With("module", "automation"),
		flows:      p.FlowRepository(),
		instances:  p.InstanceRepository(),
		engine:     engine,
		matcher:    flow.NewTriggerMatcher(logger, p.FlowRepository(), p.InstanceRepository()),
		dispatcher: d,
		tracer:     otelhelper.NoopTracer(),
		policy:     MatchPolicyFirst,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// HandleInbound routes a message to the contact's waiting instances and, when
// none consumed it, starts the matching flows. Only committed results are
// returned.
func (a *Automation) HandleInbound(ctx context.Context, event *models.InboundEvent) ([]*models.ExecutionResult, error) {
	if event == nil || event.TenantID == "" || event.ContactID == "" {
		return nil, NewValidationError("HandleInbound", "INVALID_MESSAGE", "tenant_id and contact_id are required", ErrInvalidRequest)
	}

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "automation.handle_inbound",
		attribute.String(otelhelper.TenantIDKey, event.TenantID),
		attribute.String(otelhelper.ContactIDKey, event.ContactID),
		attribute.String(otelhelper.MessageIDKey, event.ID))
	defer span.End()

	logger := a.logger.With("tenant_id", event.TenantID, "contact_id", event.ContactID, "message_id", event.ID)

	active, err := a.instances.ActiveByContact(ctx, event.TenantID, event.ContactID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load active instances: %w", err)
	}

	var results []*models.ExecutionResult

	for _, instance := range active {
		if !instance.IsWaiting() || consumed(instance, event) {
			continue
		}

		result, err := a.resume(ctx, instance, event.Contact, event)
		if errors.Is(err, errDiscarded) {
			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			return results, err
		}

		if !result.Noop {
			results = append(results, result)
		}
	}

	if len(results) > 0 && !a.triggerWhileWaiting {
		a.metrics.Inbound(metrics.OutcomeResumed)
		logger.DebugContext(ctx, "Reply consumed by waiting instances", "instances", len(results))

		return results, nil
	}

	resumed := len(results)

	matches, err := a.matcher.FindMatchingFlows(ctx, event.TenantID, event)
	if err != nil {
		otelhelper.SetError(span, err)

		return results, err
	}

	if a.policy == MatchPolicyFirst && len(matches) > 1 {
		matches = matches[:1]
	}

	span.SetAttributes(attribute.Int(otelhelper.MatchesCountKey, len(matches)))

	for _, match := range matches {
		started := a.now()
		result := a.engine.Start(match.Flow, match.EntryNodeID, event.Contact, event)
		if id := startID(event, match.Flow.ID); id != "" {
			adoptID(result, id)
		}

		err := a.commit(ctx, result, true)
		a.metrics.Execution("start", result, err == nil, time.Since(started))

		if errors.Is(err, errDiscarded) {
			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			return results, err
		}

		results = append(results, result)
	}

	switch {
	case len(results) > resumed:
		a.metrics.Inbound(metrics.OutcomeTriggered)
	case resumed > 0:
		a.metrics.Inbound(metrics.OutcomeResumed)
	default:
		a.metrics.Inbound(metrics.OutcomeIgnored)
		logger.DebugContext(ctx, "Message matched no flow")
	}

	return results, nil
}

// HandleTimeout resumes a waiting instance down its timeout edge. Instances
// that are no longer waiting, or whose timeout is not yet due, are left
// untouched and a no-op result is returned.
func (a *Automation) HandleTimeout(ctx context.Context, instanceID string) (*models.ExecutionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "automation.handle_timeout",
		attribute.String(otelhelper.InstanceIDKey, instanceID))
	defer span.End()

	instance, err := a.instances.InstanceByID(ctx, instanceID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !instance.IsWaiting() || instance.TimeoutAt == nil || instance.TimeoutAt.After(a.now()) {
		return &models.ExecutionResult{Instance: instance, Noop: true}, nil
	}

	result, err := a.resume(ctx, instance, nil, nil)
	if errors.Is(err, errDiscarded) {
		return &models.ExecutionResult{Instance: instance, Noop: true}, nil
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return result, nil
}

// HandleTimeoutInstance adapts HandleTimeout to the sweeper callback.
func (a *Automation) HandleTimeoutInstance(ctx context.Context, instance *models.Instance) error {
	_, err := a.HandleTimeout(ctx, instance.ID)

	return err
}

// CancelInstance fails an active instance with reason cancelled.
func (a *Automation) CancelInstance(ctx context.Context, tenantID, instanceID string) (*models.Instance, error) {
	instance, err := a.instances.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.TenantID != tenantID {
		return nil, persistence.NewInstanceError("CancelInstance", instanceID, ErrInstanceNotFound)
	}

	if !instance.IsActive() {
		return nil, persistence.NewInstanceError("CancelInstance", instanceID, ErrInstanceNotActive)
	}

	now := a.now()
	cancelled := instance.Clone()
	cancelled.Status = models.InstanceStatusFailed
	cancelled.FailureReason = models.FailureReasonCancelled
	cancelled.Error = "cancelled"
	cancelled.WaitingSince = nil
	cancelled.TimeoutAt = nil
	cancelled.UpdatedAt = now
	cancelled.CompletedAt = &now

	if err := a.instances.Save(ctx, cancelled); err != nil {
		if persistence.IsVersionConflict(err) {
			a.metrics.Conflict("version")

			return nil, persistence.NewInstanceError("CancelInstance", instanceID, ErrConcurrentUpdate)
		}

		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	a.logger.InfoContext(ctx, "Instance cancelled", "instance_id", instanceID, "flow_id", cancelled.FlowID)
	a.publish(ctx, cancelled, false)

	return cancelled, nil
}

// ActiveInstances lists the contact's running and waiting instances.
func (a *Automation) ActiveInstances(ctx context.Context, tenantID, contactID string) ([]*models.Instance, error) {
	return a.instances.ActiveByContact(ctx, tenantID, contactID)
}

func (a *Automation) resume(ctx context.Context, instance *models.Instance, contact *models.Contact, reply *models.InboundEvent) (*models.ExecutionResult, error) {
	started := a.now()

	f, err := a.flows.FlowByID(ctx, instance.FlowID)
	if err != nil && !persistence.IsFlowNotFound(err) {
		return nil, fmt.Errorf("failed to load flow %s: %w", instance.FlowID, err)
	}

	if f != nil && f.TenantID != instance.TenantID {
		f = nil
	}

	result := a.engine.Resume(f, instance, contact, reply)
	if result.Noop {
		return result, nil
	}

	err = a.commit(ctx, result, false)
	a.metrics.Execution("resume", result, false, time.Since(started))

	return result, err
}

// commit persists the result, then dispatches its actions and publishes the
// lifecycle events. A lost race returns errDiscarded and sends nothing.
func (a *Automation) commit(ctx context.Context, result *models.ExecutionResult, created bool) error {
	instance := result.Instance

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "automation.commit", otelhelper.InstanceAttributes(instance)...)
	defer span.End()

	logger := a.logger.With("instance_id", instance.ID, "flow_id", instance.FlowID, "contact_id", instance.ContactID)

	if created {
		if _, err := a.instances.CreateIfAbsent(ctx, instance); err != nil {
			if persistence.IsInstanceAlreadyExists(err) {
				a.metrics.Conflict("already_exists")
				logger.InfoContext(ctx, "Contact already runs this flow, discarding start")

				return errDiscarded
			}

			otelhelper.SetError(span, err)

			return fmt.Errorf("failed to create instance: %w", err)
		}
	} else if err := a.instances.Save(ctx, instance); err != nil {
		if persistence.IsVersionConflict(err) {
			a.metrics.Conflict("version")
			logger.InfoContext(ctx, "Instance changed concurrently, discarding step")

			return errDiscarded
		}

		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to save instance: %w", err)
	}

	span.SetAttributes(attribute.Int(otelhelper.ActionsCountKey, len(result.Actions)))

	if len(result.Actions) > 0 {
		result.Deliveries = dispatcher.DispatchAll(ctx, a.dispatcher, result.Actions)

		for _, delivery := range result.Deliveries {
			if delivery.Status == models.DeliveryStatusFailed {
				logger.WarnContext(ctx, "Action delivery failed", "action_id", delivery.ActionID, "error", delivery.Error)
			}
		}
	}

	if result.Failed() {
		logger.WarnContext(ctx, "Instance failed",
			"reason", instance.FailureReason,
			"node_id", instance.CurrentNodeID,
			"error", instance.Error)
	} else {
		logger.DebugContext(ctx, "Instance step committed", "status", instance.Status, "actions", len(result.Actions))
	}

	a.publish(ctx, instance, created)

	return nil
}

func (a *Automation) publish(ctx context.Context, instance *models.Instance, started bool) {
	if a.publisher == nil {
		return
	}

	key := instance.TenantID + "/" + instance.ContactID

	for _, event := range events.Lifecycle(instance, started) {
		if err := a.publisher.Publish(ctx, key, event); err != nil {
			a.logger.ErrorContext(ctx, "Failed to publish lifecycle event",
				"instance_id", instance.ID,
				"event_type", event.GetType(),
				"error", err)
		}
	}
}
