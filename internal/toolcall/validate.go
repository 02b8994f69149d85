package toolcall

import (
	"fmt"
	"log/slog"

	"github.com/quince/parley/internal/mcp"
)

// MissingParameterError indicates a required argument was absent or null.
type MissingParameterError struct {
	Tool string
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("tool %s: missing required parameter %q", e.Tool, e.Name)
}

// TypeMismatchError indicates an argument's JSON type contradicts the
// declared property type.
type TypeMismatchError struct {
	Tool     string
	Name     string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tool %s: parameter %q expects %s, got %s",
		e.Tool, e.Name, e.Expected, e.Actual)
}

// Validate checks a parsed request against a tool's declared input
// schema before execution. Every required name must be present with a
// non-null value, and every present argument matching a declared
// property must carry the declared primitive type. Arguments the schema
// does not declare are tolerated with a warning. Upstream servers add
// undocumented optional parameters, so schemas are treated as advisory
// supersets rather than closed contracts.
func Validate(req Request, def mcp.ToolDefinition, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	schema := def.InputSchema
	if schema == nil {
		return nil
	}

	for _, name := range schema.Required {
		v, ok := req.Arguments[name]
		if !ok || v == nil {
			return &MissingParameterError{Tool: def.Name, Name: name}
		}
	}

	for name, value := range req.Arguments {
		prop, declared := schema.Properties[name]
		if !declared {
			logger.Warn("tool call carries undeclared argument",
				"tool", def.Name, "argument", name)
			continue
		}
		if err := checkType(def.Name, name, prop.Type, value); err != nil {
			return err
		}
	}

	return nil
}

// checkType enforces the primitive type tags MCP schemas use. Types the
// validator does not know (object, array, absent) pass through.
func checkType(tool, name, declared string, value any) error {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return &TypeMismatchError{Tool: tool, Name: name, Expected: "string", Actual: jsonTypeName(value)}
		}
	case "number", "integer":
		if _, ok := value.(float64); !ok {
			return &TypeMismatchError{Tool: tool, Name: name, Expected: declared, Actual: jsonTypeName(value)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &TypeMismatchError{Tool: tool, Name: name, Expected: "boolean", Actual: jsonTypeName(value)}
		}
	}
	return nil
}

// jsonTypeName names a decoded JSON value's type for error messages.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
