package models

// Action is an outbound message request produced by a SendMessage node.
type Action struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	TenantID    string         `json:"tenant_id"`
	FlowID      string         `json:"flow_id"`
	NodeID      string         `json:"node_id"`
	ContactID   string         `json:"contact_id"`
	To          string         `json:"to"`
	MessageType MessageType    `json:"message_type"`
	Content     map[string]any `json:"content"`
}

// Text returns content.text when present.
func (a Action) Text() string {
	text, _ := a.Content["text"].(string)

	return text
}

// DeliveryStatus is the outcome of dispatching an action.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// DeliveryResult reports what happened to one dispatched action.
type DeliveryResult struct {
	ActionID          string         `json:"action_id"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// ExecutionResult is the outcome of one Start or Resume call.
type ExecutionResult struct {
	Instance   *Instance        `json:"instance"`
	Actions    []Action         `json:"actions"`
	Deliveries []DeliveryResult `json:"deliveries,omitempty"`
	// Suspended is true when the walk stopped on a WaitForReply node.
	Suspended bool `json:"suspended"`
	// Noop is true when the call changed nothing, e.g. a timeout for an
	// instance that already moved on.
	Noop bool  `json:"noop"`
	Err  error `json:"-"`
}

// Failed reports whether the instance ended in the failed state.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Instance != nil && r.Instance.Status == InstanceStatusFailed
}
