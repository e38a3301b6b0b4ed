// Package validator provides JSON schema validation for pipeline
// definitions and operator parameters.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/taskflow/pkg/types"
)

// Validator validates pipeline definitions.
type Validator struct {
	pipelineSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result and otherwise an error listing every
// failure.
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", pathOrRoot(e.Path), e.Message))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

func pathOrRoot(p string) string {
	if p == "" {
		return "$"
	}
	return p
}

// New creates a new validator with the embedded pipeline schema.
func New() (*Validator, error) {
	schema, err := compile("pipeline.json", []byte(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &Validator{pipelineSchema: schema}, nil
}

// ValidatePipeline validates a decoded pipeline document.
func (v *Validator) ValidatePipeline(doc interface{}) *ValidationResult {
	return validate(v.pipelineSchema, doc)
}

// ValidatePipelineJSON validates a JSON-encoded pipeline.
func (v *Validator) ValidatePipelineJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidatePipeline(doc)
}

// ValidateSpec validates an already decoded pipeline spec.
func (v *Validator) ValidateSpec(spec *types.PipelineSpec) *ValidationResult {
	if spec == nil {
		return &ValidationResult{Errors: []ValidationError{{Path: "$", Message: "pipeline is required"}}}
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return &ValidationResult{Errors: []ValidationError{{Path: "$", Message: err.Error()}}}
	}
	return v.ValidatePipelineJSON(data)
}

// Schema is a compiled standalone schema, used for operator parameters.
type Schema struct {
	schema *jsonschema.Schema
}

// Compile compiles a JSON schema document registered under name.
func Compile(name string, schema []byte) (*Schema, error) {
	s, err := compile(name, schema)
	if err != nil {
		return nil, err
	}
	return &Schema{schema: s}, nil
}

// Validate validates any JSON-compatible value against the schema.
func (s *Schema) Validate(v interface{}) *ValidationResult {
	return validate(s.schema, v)
}

func compile(name string, schema []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	return compiler.Compile(name)
}

// validate runs schema validation and converts errors. Values are first
// normalized through JSON so YAML-decoded documents validate the same way.
func validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	doc, err := normalize(data)
	if err != nil {
		return &ValidationResult{Errors: []ValidationError{{Path: "$", Message: err.Error()}}}
	}

	err = schema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// extractErrors flattens the leaf causes of a validation error.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}

	var errs []ValidationError
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^([a-zA-Z][a-zA-Z0-9_.-]*)?$"
    },
    "name": {"type": "string"},
    "description": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "labels": {"type": "object", "additionalProperties": {"type": "string"}},
    "chain": {"type": "boolean"},
    "schedule": {"type": "string"},
    "defaults": {
      "type": "object",
      "properties": {
        "retry": {"$ref": "#/$defs/retry"},
        "timeout_seconds": {"type": "number", "minimum": 0},
        "isolation": {"$ref": "#/$defs/isolation"},
        "env": {"$ref": "#/$defs/env"}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "$defs": {
    "isolation": {
      "type": "string",
      "enum": ["in_process", "process", "kubernetes"]
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 0, "maximum": 20},
        "backoff_seconds": {"type": "number", "minimum": 0},
        "factor": {"type": "number", "minimum": 0},
        "max_backoff_seconds": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$"},
        "kind": {"type": "string", "enum": ["operator", "task_group", "external_check"]},
        "upstream": {"type": "array", "items": {"type": "string"}},
        "operator": {"type": "string"},
        "params": {"type": "object"},
        "group": {
          "type": "object",
          "properties": {
            "resolver": {"type": "string"},
            "selector": {"type": "string"},
            "render_mode": {"type": "string", "enum": ["dbt_ls", "after_each", "after_all", "none", "build"]},
            "steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
          },
          "additionalProperties": false
        },
        "check": {
          "type": "object",
          "required": ["scan_name", "checks_subpath"],
          "properties": {
            "scan_name": {"type": "string", "minLength": 1},
            "checks_subpath": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        },
        "isolation": {"$ref": "#/$defs/isolation"},
        "command": {"type": "array", "items": {"type": "string"}},
        "image": {"type": "string"},
        "env": {"$ref": "#/$defs/env"},
        "context_keys": {"type": "array", "items": {"type": "string"}},
        "retry": {"$ref": "#/$defs/retry"},
        "timeout_seconds": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": {"required": ["kind"], "properties": {"kind": {"const": "task_group"}}},
          "then": {"required": ["group"]}
        },
        {
          "if": {"required": ["kind"], "properties": {"kind": {"const": "external_check"}}},
          "then": {"required": ["check"]}
        }
      ]
    }
  }
}`
