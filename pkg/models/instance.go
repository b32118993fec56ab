package models

import (
	"sort"
	"time"
)

// InstanceStatus is the lifecycle state of an execution instance.
type InstanceStatus string

const (
	InstanceStatusRunning         InstanceStatus = "running"
	InstanceStatusWaitingForReply InstanceStatus = "waiting_for_reply"
	InstanceStatusCompleted       InstanceStatus = "completed"
	InstanceStatusFailed          InstanceStatus = "failed"
)

// Active reports whether the status holds the (tenant, contact, flow) slot.
func (s InstanceStatus) Active() bool {
	return s == InstanceStatusRunning || s == InstanceStatusWaitingForReply
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// FailureReason classifies why an instance failed.
type FailureReason string

const (
	FailureReasonDanglingReference FailureReason = "dangling_reference"
	FailureReasonMissingEntryNode  FailureReason = "missing_entry_node"
	FailureReasonCycleDetected     FailureReason = "cycle_detected"
	FailureReasonCancelled         FailureReason = "cancelled"
	FailureReasonUnknownNodeType   FailureReason = "unknown_node_type"
	FailureReasonInvalidDefinition FailureReason = "invalid_definition"
)

// Instance is one contact's progress through one flow.
type Instance struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	ContactID     string         `json:"contact_id"`
	FlowID        string         `json:"flow_id"`
	FlowVersion   int            `json:"flow_version"`
	Status        InstanceStatus `json:"status"`
	CurrentNodeID string         `json:"current_node_id"`
	WaitingSince  *time.Time     `json:"waiting_since,omitempty"`
	TimeoutAt     *time.Time     `json:"timeout_at,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	LastInbound   *InboundEvent  `json:"last_inbound,omitempty"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// IsActive reports whether the instance is running or waiting for a reply.
func (i *Instance) IsActive() bool {
	return i != nil && i.Status.Active()
}

// IsTerminal reports whether the instance has completed or failed.
func (i *Instance) IsTerminal() bool {
	return i != nil && i.Status.Terminal()
}

// IsWaiting reports whether the instance is suspended on a WaitForReply node.
func (i *Instance) IsWaiting() bool {
	return i != nil && i.Status == InstanceStatusWaitingForReply
}

// Clone returns a copy that can be mutated without affecting i. Variables and
// LastInbound are shared since the engine treats them as read-only.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}

	c := *i
	c.WaitingSince = cloneTime(i.WaitingSince)
	c.TimeoutAt = cloneTime(i.TimeoutAt)
	c.CompletedAt = cloneTime(i.CompletedAt)

	if i.Variables != nil {
		c.Variables = make(map[string]any, len(i.Variables))
		for k, v := range i.Variables {
			c.Variables[k] = v
		}
	}

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

// SortInstances orders instances by CreatedAt, then ID.
func SortInstances(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].CreatedAt.Before(instances[j].CreatedAt)
		}

		return instances[i].ID < instances[j].ID
	})
}
