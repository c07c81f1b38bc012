package tools

import (
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bytedance/sonic"
)

// Parameter types understood by argument validation.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// ToolSchema is advertised to the model and used to validate the arguments of
// incoming calls.
type ToolSchema struct {
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

type Parameters struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func (s ToolSchema) check() error {
	if s.Name == "" {
		return fmt.Errorf("tool without a name")
	}
	if s.Parameters.Type != "" && s.Parameters.Type != TypeObject {
		return fmt.Errorf("tool %s: parameters must be an object, got %q", s.Name, s.Parameters.Type)
	}
	for _, name := range s.Parameters.Required {
		if _, ok := s.Parameters.Properties[name]; !ok {
			return fmt.Errorf("tool %s: required parameter %q is not declared", s.Name, name)
		}
	}
	return nil
}

// Args holds call arguments that passed validation, converted to the declared
// parameter types. Undeclared arguments are dropped.
type Args struct {
	values map[string]any
}

func NewArgs(values map[string]any) Args {
	return Args{values: values}
}

func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Args) String(name string) string {
	switch v := a.values[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Int(name string) int64 {
	switch v := a.values[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func (a Args) Float(name string) float64 {
	switch v := a.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func (a Args) Bool(name string) bool {
	v, _ := a.values[name].(bool)
	return v
}

// Validate decodes the raw JSON arguments of a call and checks them against
// the schema. Failures wrap shared.ErrInvalidArguments.
func (s ToolSchema) Validate(raw string) (Args, error) {
	in := map[string]any{}
	if raw != "" {
		if err := sonic.UnmarshalString(raw, &in); err != nil {
			return Args{}, fmt.Errorf("%w: %s: arguments are not a JSON object: %v", shared.ErrInvalidArguments, s.Name, err)
		}
	}

	for _, name := range s.Parameters.Required {
		if v, ok := in[name]; !ok || v == nil {
			return Args{}, fmt.Errorf("%w: %s: missing required parameter %q", shared.ErrInvalidArguments, s.Name, name)
		}
	}

	out := make(map[string]any, len(in))
	for name, prop := range s.Parameters.Properties {
		v, ok := in[name]
		if !ok || v == nil {
			continue
		}
		cv, err := convert(prop, v)
		if err != nil {
			return Args{}, fmt.Errorf("%w: %s: parameter %q: %v", shared.ErrInvalidArguments, s.Name, name, err)
		}
		out[name] = cv
	}
	return Args{values: out}, nil
}

func convert(prop Property, v any) (any, error) {
	switch prop.Type {
	case TypeString, "":
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if len(prop.Enum) > 0 && !slices.Contains(prop.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %v", s, prop.Enum)
		}
		return s, nil
	case TypeInteger:
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected object, got %T", v)
	case TypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
		return nil, fmt.Errorf("expected array, got %T", v)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", prop.Type)
	}
}
