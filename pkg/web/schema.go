package web

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const flowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "entry_node_id", "nodes"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 3},
    "description": {"type": "string"},
    "active": {"type": "boolean"},
    "entry_node_id": {"type": "string", "minLength": 1},
    "trigger": {"type": ["array", "null"], "items": {"$ref": "#/definitions/clause"}},
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"$ref": "#/definitions/node"}
    }
  },
  "definitions": {
    "clause": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {"type": "string", "minLength": 1},
        "value": {"type": ["string", "number", "boolean"]}
      }
    },
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": {"type": "string"},
        "type": {"enum": ["send_message", "condition", "wait_for_reply"]},
        "message_type": {"type": "string"},
        "content": {"type": "object"},
        "next": {"type": "string"},
        "clauses": {"type": "array", "items": {"$ref": "#/definitions/clause"}},
        "true_next": {"type": "string"},
        "false_next": {"type": "string"},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "on_reply_next": {"type": "string"},
        "on_timeout_next": {"type": "string"}
      }
    }
  }
}`

var flowSchemaLoader = gojsonschema.NewStringLoader(flowSchema)

// validateFlowDocument checks a raw flow body before it is decoded.
func validateFlowDocument(body []byte) error {
	result, err := gojsonschema.Validate(flowSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
