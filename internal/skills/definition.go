// ABOUTME: Skill definition model and structural validation
// ABOUTME: Validates with JSON Schema per step, then checks step names are unique

package skills

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/2389/tool-gateway/internal/gwerr"
)

// Step is one tool call in a skill. Arguments may contain "{{path}}" templates.
type Step struct {
	Name        string         `json:"name"`
	ServerName  string         `json:"serverName"`
	ToolName    string         `json:"toolName"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description,omitempty"`
}

// Definition is an ordered list of steps.
type Definition struct {
	Steps []Step `json:"steps"`
}

const stepSchema = `{
	"type": "object",
	"required": ["name", "serverName", "toolName", "arguments"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"serverName": {"type": "string", "minLength": 1},
		"toolName": {"type": "string", "minLength": 1},
		"arguments": {"type": "object"},
		"description": {"type": "string"}
	}
}`

const definitionSchema = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {"type": "array", "minItems": 1}
	}
}`

var compiledSchemas = sync.OnceValues(func() (*schemas, error) {
	def, err := compileSchema([]byte(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("definition schema: %w", err)
	}
	step, err := compileSchema([]byte(stepSchema))
	if err != nil {
		return nil, fmt.Errorf("step schema: %w", err)
	}
	return &schemas{definition: def, step: step}, nil
})

// compileSchema resolves a JSON Schema document into a validator.
func compileSchema(raw []byte) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

type schemas struct {
	definition *jsonschema.Resolved
	step       *jsonschema.Resolved
}

// ParseDefinition validates raw and decodes it into a Definition.
func ParseDefinition(raw json.RawMessage) (*Definition, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, gwerr.Wrap(gwerr.ErrValidation, err, "decode skill definition")
	}
	return &def, nil
}

// Validate checks that def is a well-formed skill definition. def may be raw
// JSON, a *Definition, or any JSON-encodable value. Servers, tools, and
// template references are not resolved.
func Validate(def any) error {
	generic, err := toGeneric(def)
	if err != nil {
		return gwerr.Wrap(gwerr.ErrValidation, err, "skill definition is not valid JSON")
	}

	s, err := compiledSchemas()
	if err != nil {
		return err
	}
	if err := s.definition.Validate(generic); err != nil {
		return gwerr.Wrap(gwerr.ErrValidation, err, "invalid skill definition")
	}

	steps, _ := generic.(map[string]any)["steps"].([]any)
	seen := make(map[string]int, len(steps))
	for i, raw := range steps {
		if err := s.step.Validate(raw); err != nil {
			return gwerr.Wrap(gwerr.ErrValidation, err, "invalid step %d", i)
		}
		name, _ := raw.(map[string]any)["name"].(string)
		if first, dup := seen[name]; dup {
			return gwerr.New(gwerr.ErrValidation, "invalid step %d: name %q already used by step %d", i, name, first)
		}
		seen[name] = i
	}
	return nil
}

// toGeneric converts v into the map/slice form produced by encoding/json.
func toGeneric(v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
