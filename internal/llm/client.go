package llm

import "context"

// Client is the interface that all LLM providers must implement. The
// conversation loop is agnostic to which concrete backend is plugged in
// as long as this shape is honored.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
