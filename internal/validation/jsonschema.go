package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tessen/flowcore/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for Workflow definitions.
// Embedded as a constant to avoid filesystem dependencies. Step config
// blocks are left open here; the semantic stage decodes them per kind.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcore.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string", "minLength": 1 },
    "status": {
      "type": "string",
      "enum": ["", "draft", "active", "paused", "archived"]
    },
    "trigger": {
      "type": "string",
      "enum": ["", "manual", "schedule", "webhook", "event"]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": { "type": "object" },
    "settings": {
      "type": "object",
      "properties": {
        "max_iterations": { "type": "integer", "minimum": 1 },
        "max_execution_time_ms": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": [
            "trigger", "action", "condition", "script", "dataTransform",
            "apiCall", "loop", "switch", "wait", "parallel",
            "subworkflow", "approval", "notification",
            "crud.query", "crud.create", "crud.update", "crud.delete"
          ]
        },
        "name": { "type": "string" },
        "disabled": { "type": "boolean" },
        "config": {},
        "next": { "$ref": "#/$defs/next" },
        "on_error": { "$ref": "#/$defs/error_handler" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "next": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        {
          "type": "object",
          "properties": {
            "cases": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["when", "to"],
                "properties": {
                  "when": { "type": "string", "minLength": 1 },
                  "to": { "type": "string", "minLength": 1 }
                },
                "additionalProperties": false
              }
            },
            "default": { "type": "string" }
          },
          "additionalProperties": false
        }
      ]
    },
    "error_handler": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["retry", "skip", "fail", "fallback"]
        },
        "fallback_step_id": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff_ms": { "type": "integer", "minimum": 0 },
        "multiplier": { "type": "number", "minimum": 0 },
        "max_backoff_ms": { "type": "integer", "minimum": 0 },
        "jitter": { "type": "boolean" },
        "retry_on": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// StructuralValidator checks a Workflow against the embedded JSON
// Schema (Draft 2020-12). Safe for concurrent use.
type StructuralValidator struct {
	compiled *jsonschema.Schema
}

// NewStructuralValidator compiles the workflow schema.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowcore.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowcore.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &StructuralValidator{compiled: compiled}, nil
}

// Validate checks wf's shape, plus the duplicate-step-ID rule JSON
// Schema cannot express.
func (v *StructuralValidator) Validate(wf *schema.Workflow) *Result {
	result := &Result{}
	if wf == nil {
		result.AddError("/", "workflow is nil")
		return result
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		result.AddError("/", "workflow does not serialize: %v", err)
		return result
	}
	if err := v.compiled.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			result.AddError(violation.path, "%s", violation.message)
		}
		return result
	}

	checkDuplicateIDs(wf.Steps, "steps", result)
	return result
}

// checkDuplicateIDs rejects repeated step IDs, descending into loop
// bodies and parallel branches.
func checkDuplicateIDs(steps []schema.Step, path string, result *Result) {
	seen := make(map[string]struct{}, len(steps))
	for i := range steps {
		step := &steps[i]
		if _, dup := seen[step.ID]; dup {
			result.AddError(fmt.Sprintf("%s[%d]", path, i), "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		switch step.Kind {
		case schema.StepLoop:
			var cfg schema.LoopConfig
			if json.Unmarshal(step.Config, &cfg) == nil {
				checkDuplicateIDs(cfg.Body, fmt.Sprintf("%s[%d].config.body", path, i), result)
			}
		case schema.StepParallel:
			var cfg schema.ParallelConfig
			if json.Unmarshal(step.Config, &cfg) == nil {
				for bi, branch := range cfg.Branches {
					checkDuplicateIDs(branch, fmt.Sprintf("%s[%d].config.branches[%d]", path, i, bi), result)
				}
			}
		}
	}
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
