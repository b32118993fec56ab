package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Operator is a clause comparison operator.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
)

var operatorAliases = map[string]Operator{
	"equals":       OperatorEquals,
	"contains":     OperatorContains,
	"startsWith":   OperatorStartsWith,
	"starts_with":  OperatorStartsWith,
	"endsWith":     OperatorEndsWith,
	"ends_with":    OperatorEndsWith,
	"greaterThan":  OperatorGreaterThan,
	"greater_than": OperatorGreaterThan,
	"lessThan":     OperatorLessThan,
	"less_than":    OperatorLessThan,
}

// ParseOperator normalizes an operator name. Snake case spellings used by the
// flow designer are accepted.
func ParseOperator(name string) (Operator, bool) {
	op, ok := operatorAliases[name]

	return op, ok
}

// Valid reports whether the operator is one of the canonical operators.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorContains, OperatorStartsWith, OperatorEndsWith, OperatorGreaterThan, OperatorLessThan:
		return true
	default:
		return false
	}
}

// Clause is a single condition: field operator value.
//
// Field addresses the inbound message ("content.text"), a contact attribute
// ("contact.name") or a tenant variant field ("variant_<fieldKey>").
type Clause struct {
	Field    string   `json:"field"    yaml:"field"    validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required"`
	Value    string   `json:"value"    yaml:"value"`
}

func (c Clause) String() string {
	return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value)
}

type clauseDocument struct {
	Field    string `json:"field"    yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value"    yaml:"value"`
}

func (c *Clause) fromDocument(doc clauseDocument) {
	c.Field = doc.Field

	if op, ok := ParseOperator(doc.Operator); ok {
		c.Operator = op
	} else {
		c.Operator = Operator(doc.Operator)
	}

	switch v := doc.Value.(type) {
	case nil:
		c.Value = ""
	case string:
		c.Value = v
	default:
		c.Value = fmt.Sprint(v)
	}
}

// UnmarshalJSON accepts operator aliases and non-string values, which the
// designer emits for numeric comparisons.
func (c *Clause) UnmarshalJSON(data []byte) error {
	var doc clauseDocument

	err := json.Unmarshal(data, &doc)
	if err != nil {
		return err
	}

	c.fromDocument(doc)

	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler with the same rules as UnmarshalJSON.
func (c *Clause) UnmarshalYAML(value *yaml.Node) error {
	var doc clauseDocument

	err := value.Decode(&doc)
	if err != nil {
		return err
	}

	c.fromDocument(doc)

	return nil
}
