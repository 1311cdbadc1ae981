package skills

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-gateway/internal/gwerr"
)

func TestParseDefinition_Valid(t *testing.T) {
	raw := json.RawMessage(`{
		"steps": [
			{"name": "fetch", "serverName": "web", "toolName": "get", "arguments": {"url": "{{input.url}}"}},
			{"name": "publish", "serverName": "blog", "toolName": "post", "arguments": {"text": "{{fetch.content}}"}, "description": "post it"}
		]
	}`)

	def, err := ParseDefinition(raw)
	require.NoError(t, err)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "fetch", def.Steps[0].Name)
	assert.Equal(t, "web", def.Steps[0].ServerName)
	assert.Equal(t, "get", def.Steps[0].ToolName)
	assert.Equal(t, "{{input.url}}", def.Steps[0].Arguments["url"])
	assert.Equal(t, "post it", def.Steps[1].Description)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		mention string
	}{
		{"not json", `{steps`, "not valid JSON"},
		{"not an object", `[]`, "invalid skill definition"},
		{"missing steps", `{}`, "invalid skill definition"},
		{"empty steps", `{"steps": []}`, "invalid skill definition"},
		{"empty name", `{"steps": [{"name": "", "serverName": "s", "toolName": "t", "arguments": {}}]}`, "step 0"},
		{"missing server", `{"steps": [{"name": "a", "toolName": "t", "arguments": {}}]}`, "step 0"},
		{"missing tool", `{"steps": [{"name": "a", "serverName": "s", "toolName": "t", "arguments": {}}, {"name": "b", "serverName": "s", "arguments": {}}]}`, "step 1"},
		{"arguments not object", `{"steps": [{"name": "a", "serverName": "s", "toolName": "t", "arguments": [1]}]}`, "step 0"},
		{"missing arguments", `{"steps": [{"name": "a", "serverName": "s", "toolName": "t"}]}`, "step 0"},
		{"description not string", `{"steps": [{"name": "a", "serverName": "s", "toolName": "t", "arguments": {}, "description": 4}]}`, "step 0"},
		{
			"duplicate names",
			`{"steps": [
				{"name": "a", "serverName": "s", "toolName": "t", "arguments": {}},
				{"name": "b", "serverName": "s", "toolName": "t", "arguments": {}},
				{"name": "a", "serverName": "s", "toolName": "t", "arguments": {}}
			]}`,
			"step 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, gwerr.ErrValidation)
			assert.Contains(t, err.Error(), tt.mention)
		})
	}
}

func TestValidate_AcceptsStructs(t *testing.T) {
	def := &Definition{Steps: []Step{{Name: "a", ServerName: "s", ToolName: "t", Arguments: map[string]any{}}}}
	assert.NoError(t, Validate(def))
}

func TestValidate_DoesNotResolveReferences(t *testing.T) {
	raw := `{"steps": [{"name": "a", "serverName": "nowhere", "toolName": "nothing", "arguments": {"x": "{{ghost.field}}"}}]}`
	assert.NoError(t, Validate(raw))
}

func TestValidateInput(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["topic"], "properties": {"topic": {"type": "string"}}}`)

	assert.NoError(t, ValidateInput(schema, map[string]any{"topic": "cats"}))
	assert.ErrorIs(t, ValidateInput(schema, map[string]any{}), gwerr.ErrValidation)
	assert.ErrorIs(t, ValidateInput(schema, map[string]any{"topic": float64(3)}), gwerr.ErrValidation)

	assert.NoError(t, ValidateInput(nil, map[string]any{"anything": true}))
	assert.NoError(t, ValidateInput(json.RawMessage(`{}`), "whatever"))
}
