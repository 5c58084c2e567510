package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/ragmetrics/internal/metrics"
)

const calculateRequestSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "fileName": { "type": "string", "maxLength": 255 },
    "data": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": { "type": ["string", "number", "boolean", "null"] }
      }
    },
    "columnMappings": {
      "type": "object",
      "required": ["query", "response", "groundTruth"],
      "properties": {
        "query": { "type": "string", "minLength": 1 },
        "response": { "type": "string", "minLength": 1 },
        "groundTruth": { "type": "string", "minLength": 1 },
        "retrievedContexts": { "type": "string" },
        "relevantContexts": { "type": "string" },
        "metadata": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "metricTypes": {
      "type": "array",
      "uniqueItems": true,
      "items": { "enum": %s }
    }
  },
  "additionalProperties": false
}`

// requestSchema validates JSON API request bodies before decoding.
type requestSchema struct {
	calculate *jsonschema.Schema
}

func compileRequestSchema() (*requestSchema, error) {
	names, err := json.Marshal(metrics.AllMetricTypes)
	if err != nil {
		return nil, err
	}
	calculate, err := jsonschema.CompileString("calculate_request.json", fmt.Sprintf(calculateRequestSchema, names))
	if err != nil {
		return nil, fmt.Errorf("compile calculate request schema: %w", err)
	}
	return &requestSchema{calculate: calculate}, nil
}

// validateCalculate checks raw against the calculate request schema.
func (s *requestSchema) validateCalculate(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return s.calculate.Validate(payload)
}

// SchemaIssue is one failed schema constraint.
type SchemaIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// schemaIssues flattens a schema validation error to its leaf causes.
func schemaIssues(err error) []SchemaIssue {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []SchemaIssue{{Field: "", Message: err.Error()}}
	}
	var issues []SchemaIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, SchemaIssue{
				Field:   strings.TrimPrefix(e.InstanceLocation, "/"),
				Message: e.Message,
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return issues
}
