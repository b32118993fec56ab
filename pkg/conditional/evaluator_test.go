package conditional

import (
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func textMessage(text string) *models.InboundEvent {
	return &models.InboundEvent{
		ID:          "msg-1",
		TenantID:    "tenant-1",
		ContactID:   "contact-1",
		MessageType: models.MessageTypeText,
		Content:     map[string]any{"text": text},
		ReceivedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testContact() *models.Contact {
	return &models.Contact{
		ID:          "contact-1",
		TenantID:    "tenant-1",
		PhoneNumber: "+5511999990000",
		Name:        "Maria",
		Labels:      []string{"vip", "lead"},
		CustomFields: map[string]string{
			"city": "Recife",
		},
		VariantFieldValues: map[string]string{
			"plan": "Gold",
			"age":  "42",
		},
	}
}

func TestEvaluate_ContainsIsCaseInsensitive(t *testing.T) {
	clause := models.Clause{Field: "content.text", Operator: models.OperatorContains, Value: "hello"}

	assert.True(t, Evaluate(clause, Context{Message: textMessage("Hello there")}))
	assert.False(t, Evaluate(clause, Context{Message: textMessage("goodbye")}))
}

func TestEvaluate_Operators(t *testing.T) {
	ctx := Context{Message: textMessage("Order 1234 please"), Contact: testContact()}

	tests := []struct {
		name   string
		clause models.Clause
		want   bool
	}{
		{"equals ignores case", models.Clause{Field: "contact.name", Operator: models.OperatorEquals, Value: "MARIA"}, true},
		{"equals mismatch", models.Clause{Field: "contact.name", Operator: models.OperatorEquals, Value: "Joana"}, false},
		{"starts with", models.Clause{Field: "content.text", Operator: models.OperatorStartsWith, Value: "order"}, true},
		{"ends with", models.Clause{Field: "content.text", Operator: models.OperatorEndsWith, Value: "PLEASE"}, true},
		{"ends with mismatch", models.Clause{Field: "content.text", Operator: models.OperatorEndsWith, Value: "order"}, false},
		{"greater than", models.Clause{Field: "variant_age", Operator: models.OperatorGreaterThan, Value: "18"}, true},
		{"greater than equal values", models.Clause{Field: "variant_age", Operator: models.OperatorGreaterThan, Value: "42"}, false},
		{"less than", models.Clause{Field: "variant_age", Operator: models.OperatorLessThan, Value: "50.5"}, true},
		{"variant field", models.Clause{Field: "variant_plan", Operator: models.OperatorEquals, Value: "gold"}, true},
		{"custom field", models.Clause{Field: "contact.custom_fields.city", Operator: models.OperatorEquals, Value: "recife"}, true},
		{"labels", models.Clause{Field: "contact.labels", Operator: models.OperatorContains, Value: "vip"}, true},
		{"message type", models.Clause{Field: "message_type", Operator: models.OperatorEquals, Value: "text"}, true},
		{"legacy message alias", models.Clause{Field: "message", Operator: models.OperatorContains, Value: "1234"}, true},
		{"snake case alias", models.Clause{Field: "content.text", Operator: "starts_with", Value: "ORDER"}, true},
		{"unknown operator", models.Clause{Field: "content.text", Operator: "matches", Value: "order"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.clause, ctx))
		})
	}
}

func TestEvaluate_UnresolvableFieldIsFalse(t *testing.T) {
	ctx := Context{Message: textMessage("hi"), Contact: testContact()}
	operators := []models.Operator{
		models.OperatorEquals,
		models.OperatorContains,
		models.OperatorStartsWith,
		models.OperatorEndsWith,
		models.OperatorGreaterThan,
		models.OperatorLessThan,
	}
	fields := []string{"content.missing", "contact.custom_fields.unknown", "variant_missing", "content.text.deeper", ""}

	for _, field := range fields {
		for _, op := range operators {
			clause := models.Clause{Field: field, Operator: op, Value: "x"}
			assert.False(t, Evaluate(clause, ctx), "field %q operator %s", field, op)

			clause.Value = ""
			assert.Equal(t, op == models.OperatorEquals, Evaluate(clause, ctx), "field %q operator %s with empty value", field, op)
		}
	}
}

func TestEvaluate_NilContext(t *testing.T) {
	clause := models.Clause{Field: "contact.name", Operator: models.OperatorContains, Value: "a"}

	assert.NotPanics(t, func() {
		assert.False(t, Evaluate(clause, Context{}))
		assert.False(t, Evaluate(models.Clause{Field: "variant_plan", Operator: models.OperatorEquals, Value: "gold"}, Context{}))
	})
}

func TestEvaluate_NumericOperatorsOnNonNumbers(t *testing.T) {
	ctx := Context{Message: textMessage("ten"), Contact: testContact()}

	for _, op := range []models.Operator{models.OperatorGreaterThan, models.OperatorLessThan} {
		assert.False(t, Evaluate(models.Clause{Field: "content.text", Operator: op, Value: "5"}, ctx))
		assert.False(t, Evaluate(models.Clause{Field: "variant_age", Operator: op, Value: "abc"}, ctx))
	}
}

func TestEvaluate_NumericContent(t *testing.T) {
	msg := &models.InboundEvent{Content: map[string]any{"amount": 150.0, "nested": map[string]any{"qty": 3}}}
	ctx := Context{Message: msg}

	assert.True(t, Evaluate(models.Clause{Field: "content.amount", Operator: models.OperatorGreaterThan, Value: "100"}, ctx))
	assert.True(t, Evaluate(models.Clause{Field: "content.amount", Operator: models.OperatorEquals, Value: "150"}, ctx))
	assert.True(t, Evaluate(models.Clause{Field: "content.nested.qty", Operator: models.OperatorLessThan, Value: "4"}, ctx))
}

func TestEvaluateAll(t *testing.T) {
	ctx := Context{Message: textMessage("hello world"), Contact: testContact()}

	assert.True(t, EvaluateAll(nil, ctx))
	assert.True(t, EvaluateAll([]models.Clause{}, Context{}))

	assert.True(t, EvaluateAll([]models.Clause{
		{Field: "content.text", Operator: models.OperatorContains, Value: "hello"},
		{Field: "variant_plan", Operator: models.OperatorEquals, Value: "gold"},
	}, ctx))

	assert.False(t, EvaluateAll([]models.Clause{
		{Field: "content.text", Operator: models.OperatorContains, Value: "hello"},
		{Field: "variant_plan", Operator: models.OperatorEquals, Value: "silver"},
	}, ctx))
}

func TestResolve(t *testing.T) {
	ctx := Context{Message: textMessage("hi"), Contact: testContact()}

	assert.Equal(t, "hi", Resolve("content.text", ctx))
	assert.Equal(t, "hi", Resolve("message", ctx))
	assert.Equal(t, "tenant-1", Resolve("tenant_id", ctx))
	assert.Equal(t, "2024-05-01T10:00:00Z", Resolve("received_at", ctx))
	assert.Equal(t, "+5511999990000", Resolve("contact.phone_number", ctx))
	assert.Equal(t, "vip,lead", Resolve("contact.labels", ctx))
	assert.Equal(t, "Gold", Resolve("contact.variant_fields.plan", ctx))
	assert.Empty(t, Resolve("content.nope", ctx))
}

func TestEvaluate_HiddenVariantFieldsAreUnavailable(t *testing.T) {
	contact := testContact()
	contact.HiddenVariantFields = []string{"plan"}
	ctx := Context{Message: textMessage("hi"), Contact: contact}

	assert.False(t, Evaluate(models.Clause{Field: "variant_plan", Operator: models.OperatorEquals, Value: "Gold"}, ctx))
	assert.True(t, Evaluate(models.Clause{Field: "variant_plan", Operator: models.OperatorEquals, Value: ""}, ctx))
	assert.Empty(t, Resolve("contact.variant_fields.plan", ctx))
	assert.True(t, Evaluate(models.Clause{Field: "variant_age", Operator: models.OperatorEquals, Value: "42"}, ctx))

	doc := ContactDocument(contact)
	assert.Equal(t, map[string]any{"age": "42"}, doc["variant_fields"])
	assert.Equal(t, "Gold", contact.VariantFieldValues["plan"], "hidden values stay on the contact")
}
