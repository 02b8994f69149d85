package mcp

// ToolDefinition is an MCP tool as returned by tools/list. Definitions
// are immutable once fetched; a fresh tools/list is the only way to
// refresh them.
type ToolDefinition struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	InputSchema  *ToolSchema      `json:"inputSchema,omitempty"`
	OutputSchema *ToolSchema      `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolSchema is the object-shaped JSON schema subset MCP tools declare:
// named properties with primitive type tags plus a required-name set.
type ToolSchema struct {
	Type       string                    `json:"type,omitempty"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema describes a single declared tool parameter.
type PropertySchema struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolAnnotations are optional display and behavior hints attached to a
// tool definition. Hints are advisory; a server is free to lie.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
