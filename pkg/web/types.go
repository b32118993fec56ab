package web

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
)

// FlowRequest is the body of flow create and update requests.
type FlowRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name"          validate:"required,min=3"`
	Description string          `json:"description,omitempty"`
	Active      *bool           `json:"active,omitempty"`
	Trigger     []models.Clause `json:"trigger"       validate:"dive"`
	Nodes       models.NodeSet  `json:"nodes"         validate:"required"`
	EntryNodeID string          `json:"entry_node_id" validate:"required"`
}

// Flow builds the flow model. Flows are created active unless stated otherwise.
func (r FlowRequest) Flow(tenantID string) *models.Flow {
	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return &models.Flow{
		ID:          r.ID,
		TenantID:    tenantID,
		Name:        r.Name,
		Description: r.Description,
		Active:      active,
		Trigger:     r.Trigger,
		Nodes:       r.Nodes,
		EntryNodeID: r.EntryNodeID,
	}
}

// FlowResponse wraps a saved flow with the validator's warnings.
type FlowResponse struct {
	Flow     *models.Flow `json:"flow"`
	Warnings []string     `json:"warnings"`
}

// ValidationResponse reports the outcome of a dry-run validation.
type ValidationResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// InboundMessageRequest is a WhatsApp message already resolved to a CRM contact.
type InboundMessageRequest struct {
	ID          string             `json:"id"`
	ContactID   string             `json:"contact_id"   validate:"required"`
	MessageType models.MessageType `json:"message_type"`
	Content     map[string]any     `json:"content"`
	ReceivedAt  time.Time          `json:"received_at"`
	Contact     *models.Contact    `json:"contact"      validate:"required"`
}

// Event builds the inbound event. Missing type defaults to text and a missing
// timestamp to now.
func (r InboundMessageRequest) Event(tenantID, id string, now time.Time) *models.InboundEvent {
	if r.ID != "" {
		id = r.ID
	}

	messageType := r.MessageType
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	contact := *r.Contact
	contact.TenantID = tenantID

	return &models.InboundEvent{
		ID:          id,
		TenantID:    tenantID,
		ContactID:   r.ContactID,
		MessageType: messageType,
		Content:     r.Content,
		ReceivedAt:  receivedAt,
		Contact:     &contact,
	}
}

// MessageResponse lists the executions a message caused when it is processed
// in-process, or the published event id when it is queued.
type MessageResponse struct {
	MessageID  string                    `json:"message_id"`
	Queued     bool                      `json:"queued"`
	Executions []*models.ExecutionResult `json:"executions,omitempty"`
}
