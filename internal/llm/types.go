// Package llm provides LLM backend client implementations.
package llm

import "time"

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatOptions carry the per-call knobs every backend honors.
type ChatOptions struct {
	// System overrides the system prompt for this call. Backends that
	// take the system prompt out-of-band (Anthropic) send it there;
	// others prepend a system message.
	System string

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, anthropic.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}
