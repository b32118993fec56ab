// Package conditional evaluates flow clauses against an inbound message and its contact.
package conditional

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/dukex/chatflow/pkg/models"
)

const (
	variantPrefix = "variant_"
	messageAlias  = "message"
	messageField  = "content.text"
)

// Context is what a clause is evaluated against. Message may be nil, for
// example when a condition runs after a wait timed out with no prior inbound.
type Context struct {
	Message *models.InboundEvent
	Contact *models.Contact
}

// Evaluate reports whether a single clause holds. It never panics and never
// returns an error: anything it cannot resolve or compare is false.
func Evaluate(clause models.Clause, ctx Context) bool {
	actual := Resolve(clause.Field, ctx)

	op := clause.Operator
	if canonical, ok := models.ParseOperator(string(op)); ok {
		op = canonical
	}

	return compare(op, actual, clause.Value)
}

// EvaluateAll is the conjunction of all clauses, short-circuiting on the first
// false one. An empty list is true.
func EvaluateAll(clauses []models.Clause, ctx Context) bool {
	for _, clause := range clauses {
		if !Evaluate(clause, ctx) {
			return false
		}
	}

	return true
}

// Resolve returns the string value addressed by field, or "" when it does not resolve.
func Resolve(field string, ctx Context) string {
	if field == "" {
		return ""
	}

	if key, ok := strings.CutPrefix(field, variantPrefix); ok {
		value, _ := ctx.Contact.VariantValue(key)

		return value
	}

	if field == messageAlias {
		field = messageField
	}

	value := gabs.Wrap(Document(ctx)).Search(strings.Split(field, ".")...).Data()

	return stringify(value)
}

// Document builds the evaluation document fields are resolved in.
func Document(ctx Context) map[string]any {
	doc := map[string]any{}

	if msg := ctx.Message; msg != nil {
		doc["id"] = msg.ID
		doc["tenant_id"] = msg.TenantID
		doc["contact_id"] = msg.ContactID
		doc["message_type"] = string(msg.MessageType)
		doc["content"] = msg.Content

		if !msg.ReceivedAt.IsZero() {
			doc["received_at"] = msg.ReceivedAt.UTC().Format(time.RFC3339)
		}
	}

	if c := ctx.Contact; c != nil {
		doc["contact"] = ContactDocument(c)
	}

	return doc
}

// ContactDocument is the map form of a contact used for field lookup and templating.
func ContactDocument(c *models.Contact) map[string]any {
	if c == nil {
		return map[string]any{}
	}

	customFields := make(map[string]any, len(c.CustomFields))
	for k, v := range c.CustomFields {
		customFields[k] = v
	}

	variants := make(map[string]any, len(c.VariantFieldValues))
	for k, v := range c.VariantFieldValues {
		if c.VariantAvailable(k) {
			variants[k] = v
		}
	}

	labels := make([]any, 0, len(c.Labels))
	for _, l := range c.Labels {
		labels = append(labels, l)
	}

	return map[string]any{
		"id":             c.ID,
		"tenant_id":      c.TenantID,
		"phone_number":   c.PhoneNumber,
		"name":           c.Name,
		"profile_name":   c.ProfileName,
		"labels":         labels,
		"custom_fields":  customFields,
		"variant_fields": variants,
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, stringify(item))
		}

		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func compare(op models.Operator, actual, expected string) bool {
	switch op {
	case models.OperatorEquals:
		return strings.EqualFold(actual, expected)
	case models.OperatorContains:
		return actual != "" && strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case models.OperatorStartsWith:
		return actual != "" && strings.HasPrefix(strings.ToLower(actual), strings.ToLower(expected))
	case models.OperatorEndsWith:
		return actual != "" && strings.HasSuffix(strings.ToLower(actual), strings.ToLower(expected))
	case models.OperatorGreaterThan:
		a, b, ok := parseNumbers(actual, expected)

		return ok && a > b
	case models.OperatorLessThan:
		a, b, ok := parseNumbers(actual, expected)

		return ok && a < b
	default:
		return false
	}
}

func parseNumbers(actual, expected string) (float64, float64, bool) {
	a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	if err != nil {
		return 0, 0, false
	}

	b, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return 0, 0, false
	}

	return a, b, true
}
