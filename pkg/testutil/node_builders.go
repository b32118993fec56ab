// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

// SendText creates a text SendMessage node.
func SendText(id, text, next string) *models.SendMessageNode {
	return &models.SendMessageNode{
		ID:          id,
		MessageType: models.MessageTypeText,
		Content:     map[string]any{"text": text},
		Next:        next,
	}
}

// Condition creates a Condition node.
func Condition(id, trueNext, falseNext string, clauses ...models.Clause) *models.ConditionNode {
	return &models.ConditionNode{
		ID:        id,
		Clauses:   clauses,
		TrueNext:  trueNext,
		FalseNext: falseNext,
	}
}

// WaitForReply creates a WaitForReply node.
func WaitForReply(id string, timeoutSeconds int, onReply, onTimeout string) *models.WaitForReplyNode {
	return &models.WaitForReplyNode{
		ID:             id,
		TimeoutSeconds: timeoutSeconds,
		OnReplyNext:    onReply,
		OnTimeoutNext:  onTimeout,
	}
}

// Contains is shorthand for a case-insensitive contains clause.
func Contains(field, value string) models.Clause {
	return models.Clause{Field: field, Operator: models.OperatorContains, Value: value}
}

// CreateTestFlow creates an active flow with default values that can be
// overridden. The first node passed becomes the entry node.
func CreateTestFlow(nodes []models.Node, overrides ...func(*models.Flow)) *models.Flow {
	flow := &models.Flow{
		ID:        uuid.New().String(),
		TenantID:  "tenant-1",
		Name:      "Test Flow",
		Version:   1,
		Active:    true,
		Nodes:     models.NodeSet{},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	for i, node := range nodes {
		if i == 0 {
			flow.EntryNodeID = node.NodeID()
		}

		flow.Nodes[node.NodeID()] = node
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithTrigger sets the flow trigger clauses.
func WithTrigger(clauses ...models.Clause) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Trigger = clauses
	}
}

// WithFlowID sets the flow id.
func WithFlowID(id string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.ID = id
	}
}

// WithTenant sets the flow tenant.
func WithTenant(tenantID string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.TenantID = tenantID
	}
}

// Inactive marks the flow inactive.
func Inactive() func(*models.Flow) {
	return func(f *models.Flow) {
		f.Active = false
	}
}

// CreatedAt sets the flow creation time.
func CreatedAt(t time.Time) func(*models.Flow) {
	return func(f *models.Flow) {
		f.CreatedAt = t
	}
}

// CreateTestContact creates a contact of tenant-1.
func CreateTestContact() *models.Contact {
	return &models.Contact{
		ID:                 "contact-1",
		TenantID:           "tenant-1",
		PhoneNumber:        "+5511999990000",
		Name:               "Maria",
		VariantFieldValues: map[string]string{"plan": "gold"},
	}
}

// TextMessage creates an inbound text message from contact.
func TextMessage(contact *models.Contact, text string) *models.InboundEvent {
	return &models.InboundEvent{
		ID:          uuid.New().String(),
		TenantID:    contact.TenantID,
		ContactID:   contact.ID,
		MessageType: models.MessageTypeText,
		Content:     map[string]any{"text": text},
		ReceivedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Contact:     contact,
	}
}
