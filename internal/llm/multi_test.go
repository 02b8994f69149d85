package llm

import (
	"context"
	"testing"
)

// namedClient records which client served a Chat call.
type namedClient struct {
	name   string
	served *string
}

func (c *namedClient) Chat(_ context.Context, model string, _ []Message, _ ChatOptions) (*ChatResponse, error) {
	*c.served = c.name
	return &ChatResponse{Model: model}, nil
}

func (c *namedClient) Ping(_ context.Context) error { return nil }

func TestMultiClient_RoutesByModel(t *testing.T) {
	var served string
	ollama := &namedClient{name: "ollama", served: &served}
	anthropic := &namedClient{name: "anthropic", served: &served}

	multi := NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)
	multi.AddProvider("anthropic", anthropic)
	multi.AddModel("qwen3:4b", "ollama")
	multi.AddModel("claude-sonnet-4-20250514", "anthropic")

	if _, err := multi.Chat(context.Background(), "claude-sonnet-4-20250514", nil, ChatOptions{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if served != "anthropic" {
		t.Errorf("served by %q, want anthropic", served)
	}

	if _, err := multi.Chat(context.Background(), "qwen3:4b", nil, ChatOptions{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if served != "ollama" {
		t.Errorf("served by %q, want ollama", served)
	}

	// Unknown models fall back.
	if _, err := multi.Chat(context.Background(), "mystery-model", nil, ChatOptions{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if served != "ollama" {
		t.Errorf("served by %q, want fallback ollama", served)
	}
}

func TestMultiClient_UnmappedProviderFallsBack(t *testing.T) {
	var served string
	fallback := &namedClient{name: "fallback", served: &served}

	multi := NewMultiClient(fallback)
	multi.AddModel("some-model", "provider-that-was-never-added")

	if _, err := multi.Chat(context.Background(), "some-model", nil, ChatOptions{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if served != "fallback" {
		t.Errorf("served by %q, want fallback", served)
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	multi := NewMultiClient(nil)

	_, err := multi.Chat(context.Background(), "anything", nil, ChatOptions{})
	if err == nil {
		t.Fatal("Chat = nil error, want no-provider failure")
	}
	if err := multi.Ping(context.Background()); err == nil {
		t.Fatal("Ping = nil error, want no-fallback failure")
	}
}
