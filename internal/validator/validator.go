// Package validator provides JSON schema validation for execution plans.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates execution plans against the embedded schema. Schema
// validation covers shape only; graph-level rules (cycles, endpoint
// resolution, command resolution) belong to the scheduler.
type Validator struct {
	planSchema *jsonschema.Schema
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a validator with the embedded plan schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}

	planSchema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Validator{planSchema: planSchema}, nil
}

// ValidatePlan validates a decoded execution plan.
func (v *Validator) ValidatePlan(plan map[string]interface{}) *ValidationResult {
	err := v.planSchema.Validate(plan)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// ValidatePlanJSON validates a JSON-encoded plan.
func (v *Validator) ValidatePlanJSON(data []byte) *ValidationResult {
	var plan map[string]interface{}
	if err := json.Unmarshal(data, &plan); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidatePlan(plan)
}

// extractErrors recursively flattens validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "plan.json",
  "title": "Execution Plan",
  "description": "Schema for conductor execution plans",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {
            "type": "string",
            "minLength": 1,
            "description": "Node identifier, unique within the plan"
          },
          "agent": {
            "type": "string",
            "description": "Agent name used by the command resolver"
          },
          "params": {
            "type": "object",
            "description": "Opaque agent parameters"
          },
          "max_retries": {
            "type": "integer",
            "minimum": 0,
            "description": "Additional attempts after the first failure"
          },
          "backoff_seconds": {
            "type": "number",
            "minimum": 0,
            "description": "Base for exponential retry backoff"
          },
          "timeout_ms": {
            "type": "integer",
            "exclusiveMinimum": 0,
            "description": "Per-attempt timeout in milliseconds"
          },
          "env": {
            "type": "object",
            "additionalProperties": {"type": "string"},
            "description": "Extra environment variables for the node"
          }
        }
      },
      "description": "Nodes in the execution graph"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from_node", "to_node"],
        "properties": {
          "from_node": {
            "type": "string",
            "minLength": 1,
            "description": "Source endpoint, node id or node_id.pin"
          },
          "to_node": {
            "type": "string",
            "minLength": 1,
            "description": "Destination endpoint, node id or node_id.pin"
          }
        }
      },
      "description": "Directed dependency edges"
    },
    "metadata": {
      "type": "object",
      "description": "Plan metadata, ignored by the core"
    }
  }
}`
