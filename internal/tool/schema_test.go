package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var setNameSchema = Schema{
	Name:        "set_name",
	Description: "Sets the name.",
	Params: []Param{
		{Name: "name", Type: TypeString, Description: "The name", Required: true},
		{Name: "priority", Type: TypeInteger},
		{Name: "loud", Type: TypeBoolean},
	},
}

func TestSchema_Definition(t *testing.T) {
	def := setNameSchema.Definition()
	assert.Equal(t, "set_name", def.Name)
	assert.Equal(t, "Sets the name.", def.Description)

	raw, err := json.Marshal(def.Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The name"},
			"priority": {"type": "integer"},
			"loud": {"type": "boolean"}
		},
		"required": ["name"]
	}`, string(raw))
}

func TestSchema_DefinitionWithoutParams(t *testing.T) {
	raw, err := json.Marshal(Schema{Name: "time"}.Definition().Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "object", "properties": {}, "required": []}`, string(raw))
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		input string
		err   string
	}{
		{input: `{"name":"Jimmy"}`},
		{input: `{"name":"Jimmy","priority":2,"loud":true,"extra":1}`},
		{input: `{"name":"Jimmy","priority":null}`},
		{input: ``, err: "missing required field: name"},
		{input: `{}`, err: "missing required field: name"},
		{input: `{"name":3}`, err: "field 'name' expected string"},
		{input: `{"name":"J","priority":1.5}`, err: "field 'priority' expected integer"},
		{input: `{"name":"J","loud":"yes"}`, err: "field 'loud' expected boolean"},
		{input: `[1,2]`, err: "invalid JSON input"},
		{input: `null`, err: "input must be a JSON object"},
	}
	for _, tt := range tests {
		err := setNameSchema.Validate(json.RawMessage(tt.input))
		if tt.err == "" {
			assert.NoError(t, err, tt.input)
			continue
		}
		require.Error(t, err, tt.input)
		assert.Contains(t, err.Error(), tt.err, tt.input)
	}
}
