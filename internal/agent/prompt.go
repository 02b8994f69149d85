package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quince/parley/internal/registry"
)

// ToolInstructions renders the tool-use section of the system prompt:
// the selected tools with their parameters, the TOOL_CALL micro-grammar
// the loop parses, and one worked example. Callers own the rest of the
// system prompt's wording.
func ToolInstructions(tools []registry.ToolWithServer) string {
	var b strings.Builder

	b.WriteString("You have access to the following tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteString("\n")
		writeParameters(&b, t)
	}

	b.WriteString("\nTo call a tool, include a block in exactly this form in your reply:\n\n")
	b.WriteString("TOOL_CALL\n")
	b.WriteString(`{"tool": "<tool name>", "arguments": {<arguments>}}` + "\n")
	b.WriteString("END_TOOL_CALL\n\n")
	b.WriteString("For example:\n\n")
	b.WriteString("TOOL_CALL\n")
	b.WriteString(exampleCall(tools) + "\n")
	b.WriteString("END_TOOL_CALL\n\n")
	b.WriteString("Each tool call is answered with a TOOL_RESULT or TOOL_ERROR message. ")
	b.WriteString("Use the results to compose your answer. ")
	b.WriteString("When you have everything you need, reply without any TOOL_CALL block.")

	return b.String()
}

// writeParameters lists a tool's declared parameters with type tags and
// required markers, in stable order.
func writeParameters(b *strings.Builder, t registry.ToolWithServer) {
	schema := t.InputSchema
	if schema == nil || len(schema.Properties) == 0 {
		return
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := schema.Properties[name]
		fmt.Fprintf(b, "    %s (%s", name, propType(prop.Type))
		if required[name] {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if prop.Description != "" {
			fmt.Fprintf(b, ": %s", prop.Description)
		}
		b.WriteString("\n")
	}
}

func propType(t string) string {
	if t == "" {
		return "any"
	}
	return t
}

// exampleCall builds the few-shot example from the first selected tool,
// filling its first required parameter with a placeholder.
func exampleCall(tools []registry.ToolWithServer) string {
	if len(tools) == 0 {
		return `{"tool": "example", "arguments": {}}`
	}

	t := tools[0]
	arg := ""
	if t.InputSchema != nil && len(t.InputSchema.Required) > 0 {
		arg = t.InputSchema.Required[0]
	}

	if arg == "" {
		return fmt.Sprintf(`{"tool": %q, "arguments": {}}`, t.Name)
	}
	return fmt.Sprintf(`{"tool": %q, "arguments": {%q: "..."}}`, t.Name, arg)
}
