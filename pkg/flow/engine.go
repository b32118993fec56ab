// Package flow implements trigger matching, validation and execution of chat flows.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dukex/chatflow/pkg/conditional"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/google/uuid"
)

// DefaultMaxSteps bounds the nodes visited by a single Start or Resume call.
const DefaultMaxSteps = 100

// MaxTimeoutSeconds is the largest wait_for_reply timeout a time.Duration can hold.
const MaxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

var (
	ErrInvalidFlow        = errors.New("invalid flow definition")
	ErrMissingEntryNode   = errors.New("entry node does not exist")
	ErrDanglingReference  = errors.New("dangling node reference")
	ErrCycleDetected      = errors.New("cycle detected: step limit exceeded")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrFlowInactive       = errors.New("flow is not active")
	ErrInstanceNotWaiting = errors.New("instance is not waiting for a reply")
	ErrNotWaitNode        = errors.New("current node is not a wait_for_reply node")
)

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps sets the step bound. Values below 1 keep the default.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator used for instances and actions.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// Engine walks flow graphs. It performs no I/O and holds no per-instance state,
// so one Engine may serve concurrent calls.
type Engine struct {
	logger   *slog.Logger
	maxSteps int
	now      func() time.Time
	newID    func() string
}

func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.With("module", "flow_engine"),
		maxSteps: DefaultMaxSteps,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// MaxSteps returns the configured step bound.
func (e *Engine) MaxSteps() int {
	return e.maxSteps
}

// Start creates a running instance for contact and walks the flow from
// entryNodeID (the flow's entry node when empty) until it completes, fails or
// suspends. The flow is validated first and a definition error fails the
// instance before any action is emitted.
func (e *Engine) Start(flow *models.Flow, entryNodeID string, contact *models.Contact, message *models.InboundEvent) *models.ExecutionResult {
	now := e.now()

	if contact == nil && message != nil {
		contact = message.Contact
	}

	instance := &models.Instance{
		ID:          e.newID(),
		Status:      models.InstanceStatusRunning,
		Variables:   map[string]any{},
		LastInbound: message,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch {
	case contact != nil:
		instance.ContactID = contact.ID
	case message != nil:
		instance.ContactID = message.ContactID
	}

	result := &models.ExecutionResult{Instance: instance}

	if flow == nil {
		e.fail(instance, models.FailureReasonInvalidDefinition, fmt.Errorf("%w: flow is nil", ErrInvalidFlow), result)

		return result
	}

	instance.TenantID = flow.TenantID
	instance.FlowID = flow.ID
	instance.FlowVersion = flow.Version

	if entryNodeID == "" {
		entryNodeID = flow.EntryNodeID
	}

	instance.CurrentNodeID = entryNodeID

	logger := e.logger.With("flow_id", flow.ID, "instance_id", instance.ID, "contact_id", instance.ContactID)

	if _, ok := flow.Node(entryNodeID); !ok {
		e.fail(instance, models.FailureReasonMissingEntryNode,
			fmt.Errorf("%w: %q", ErrMissingEntryNode, entryNodeID), result)
		logger.Warn("Flow failed to start", "error", result.Err)

		return result
	}

	definition := *flow
	definition.EntryNodeID = entryNodeID

	report := Validate(&definition)
	if !report.Valid() {
		e.fail(instance, failureReasonFor(report.Err()), report.Err(), result)
		logger.Warn("Flow definition rejected at start", "error", result.Err)

		return result
	}

	logger.Debug("Starting flow instance", "entry_node_id", entryNodeID)

	e.run(flow, instance, entryNodeID, contact, result)

	return result
}

// Resume continues a waiting instance. A non-nil reply follows the wait's
// OnReplyNext edge and a nil reply, meaning the timeout fired, follows
// OnTimeoutNext. The clock is not consulted: the caller decides that the
// timeout fired.
//
// Resuming a completed or failed instance is a no-op, which makes repeated
// timeout deliveries harmless. The given instance is never mutated; the
// result carries an updated copy.
func (e *Engine) Resume(flow *models.Flow, instance *models.Instance, contact *models.Contact, reply *models.InboundEvent) *models.ExecutionResult {
	if instance == nil {
		return &models.ExecutionResult{Noop: true, Err: fmt.Errorf("%w: instance is nil", ErrInstanceNotWaiting)}
	}

	inst := instance.Clone()
	result := &models.ExecutionResult{Instance: inst}

	if inst.IsTerminal() {
		result.Noop = true

		return result
	}

	if !inst.IsWaiting() {
		result.Noop = true
		result.Err = fmt.Errorf("%w: status %s", ErrInstanceNotWaiting, inst.Status)

		return result
	}

	logger := e.logger.With("flow_id", inst.FlowID, "instance_id", inst.ID, "contact_id", inst.ContactID)

	if flow == nil || !flow.Active {
		e.fail(inst, models.FailureReasonCancelled, ErrFlowInactive, result)
		logger.Info("Instance cancelled, flow is no longer active")

		return result
	}

	if contact == nil && reply != nil {
		contact = reply.Contact
	}

	if contact == nil && inst.LastInbound != nil {
		contact = inst.LastInbound.Contact
	}

	node, ok := flow.Node(inst.CurrentNodeID)
	if !ok {
		e.fail(inst, models.FailureReasonDanglingReference,
			fmt.Errorf("%w: waiting node %q no longer exists", ErrDanglingReference, inst.CurrentNodeID), result)
		logger.Warn("Instance failed on resume", "error", result.Err)

		return result
	}

	wait, ok := node.(*models.WaitForReplyNode)
	if !ok || wait == nil {
		e.fail(inst, models.FailureReasonInvalidDefinition,
			fmt.Errorf("%w: %q", ErrNotWaitNode, inst.CurrentNodeID), result)
		logger.Warn("Instance failed on resume", "error", result.Err)

		return result
	}

	inst.Status = models.InstanceStatusRunning
	inst.WaitingSince = nil
	inst.TimeoutAt = nil
	inst.UpdatedAt = e.now()

	next := wait.OnTimeoutNext
	if reply != nil {
		inst.LastInbound = reply
		next = wait.OnReplyNext
	}

	logger.Debug("Resuming flow instance", "reply", reply != nil, "next_node_id", next)

	e.run(flow, inst, next, contact, result)

	return result
}

// run is the step loop shared by Start and Resume.
func (e *Engine) run(flow *models.Flow, inst *models.Instance, nodeID string, contact *models.Contact, result *models.ExecutionResult) {
	evalCtx := conditional.Context{Message: inst.LastInbound, Contact: contact}
	from := inst.CurrentNodeID

	for steps := 0; ; steps++ {
		if nodeID == "" {
			e.complete(inst)

			return
		}

		if steps >= e.maxSteps {
			e.fail(inst, models.FailureReasonCycleDetected,
				fmt.Errorf("%w: %d nodes visited without suspending", ErrCycleDetected, steps), result)

			return
		}

		node, ok := flow.Node(nodeID)
		if !ok {
			e.fail(inst, models.FailureReasonDanglingReference,
				fmt.Errorf("%w: node %q referenced from %q", ErrDanglingReference, nodeID, from), result)

			return
		}

		if models.IsNil(node) {
			e.fail(inst, models.FailureReasonUnknownNodeType,
				fmt.Errorf("%w: node %q is nil", ErrUnknownNodeType, nodeID), result)

			return
		}

		inst.CurrentNodeID = nodeID
		from = nodeID

		switch n := node.(type) {
		case *models.SendMessageNode:
			result.Actions = append(result.Actions, e.action(flow, inst, n, contact))
			nodeID = n.Next
		case *models.ConditionNode:
			if conditional.EvaluateAll(n.Clauses, evalCtx) {
				nodeID = n.TrueNext
			} else {
				nodeID = n.FalseNext
			}
		case *models.WaitForReplyNode:
			e.suspend(inst, n)
			result.Suspended = true

			return
		default:
			e.fail(inst, models.FailureReasonUnknownNodeType,
				fmt.Errorf("%w: node %q", ErrUnknownNodeType, nodeID), result)

			return
		}
	}
}

func (e *Engine) action(flow *models.Flow, inst *models.Instance, node *models.SendMessageNode, contact *models.Contact) models.Action {
	messageType := node.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	action := models.Action{
		ID:          e.newID(),
		InstanceID:  inst.ID,
		TenantID:    inst.TenantID,
		FlowID:      flow.ID,
		NodeID:      node.ID,
		ContactID:   inst.ContactID,
		MessageType: messageType,
		Content:     template.RenderContent(node.Content, personalization(inst, contact)),
	}

	if contact != nil {
		action.To = contact.PhoneNumber
	}

	if action.NodeID == "" {
		action.NodeID = inst.CurrentNodeID
	}

	return action
}

func personalization(inst *models.Instance, contact *models.Contact) map[string]any {
	return map[string]any{
		"contact":   conditional.ContactDocument(contact),
		"message":   conditional.Document(conditional.Context{Message: inst.LastInbound}),
		"variables": inst.Variables,
	}
}

func (e *Engine) suspend(inst *models.Instance, node *models.WaitForReplyNode) {
	now := e.now()
	timeoutAt := now.Add(timeoutDuration(node.TimeoutSeconds))

	inst.Status = models.InstanceStatusWaitingForReply
	inst.WaitingSince = &now
	inst.TimeoutAt = &timeoutAt
	inst.UpdatedAt = now
}

// timeoutDuration saturates at MaxTimeoutSeconds so an oversized timeout never
// wraps into the past.
func timeoutDuration(seconds int) time.Duration {
	if int64(seconds) > MaxTimeoutSeconds {
		return time.Duration(MaxTimeoutSeconds) * time.Second
	}

	return time.Duration(seconds) * time.Second
}

func (e *Engine) complete(inst *models.Instance) {
	now := e.now()

	inst.Status = models.InstanceStatusCompleted
	inst.WaitingSince = nil
	inst.TimeoutAt = nil
	inst.UpdatedAt = now
	inst.CompletedAt = &now
}

func (e *Engine) fail(inst *models.Instance, reason models.FailureReason, err error, result *models.ExecutionResult) {
	now := e.now()

	inst.Status = models.InstanceStatusFailed
	inst.FailureReason = reason
	inst.Error = err.Error()
	inst.WaitingSince = nil
	inst.TimeoutAt = nil
	inst.UpdatedAt = now
	inst.CompletedAt = &now

	result.Err = err
}

func failureReasonFor(err error) models.FailureReason {
	switch {
	case errors.Is(err, ErrMissingEntryNode):
		return models.FailureReasonMissingEntryNode
	case errors.Is(err, ErrDanglingReference):
		return models.FailureReasonDanglingReference
	case errors.Is(err, ErrUnknownNodeType):
		return models.FailureReasonUnknownNodeType
	default:
		return models.FailureReasonInvalidDefinition
	}
}
