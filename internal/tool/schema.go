package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/harunnryd/mnemo/internal/model/contract"
)

// ParamType is the JSON schema type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Schema is the statically declared signature of a tool.
type Schema struct {
	Name        string
	Description string
	Params      []Param
}

// Definition renders the schema as a JSON schema object with a required list.
func (s Schema) Definition() contract.ToolDef {
	properties := make(map[string]interface{}, len(s.Params))
	required := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return contract.ToolDef{
		Name:        s.Name,
		Description: s.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

// Validate checks input against the declared parameters. Empty input is an empty object.
// Unknown fields are ignored.
func (s Schema) Validate(input json.RawMessage) error {
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}

	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	if args == nil {
		return fmt.Errorf("input must be a JSON object")
	}

	for _, p := range s.Params {
		value, ok := args[p.Name]
		if !ok || value == nil {
			if p.Required {
				return fmt.Errorf("missing required field: %s", p.Name)
			}
			continue
		}
		if err := validateType(p, value); err != nil {
			return err
		}
	}
	return nil
}

func validateType(p Param, value interface{}) error {
	switch p.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field '%s' expected string, got %T", p.Name, value)
		}
	case TypeNumber:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field '%s' expected number, got %T", p.Name, value)
		}
	case TypeInteger:
		// JSON unmarshals numbers to float64
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("field '%s' expected integer, got %v", p.Name, value)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field '%s' expected boolean, got %T", p.Name, value)
		}
	}
	return nil
}
