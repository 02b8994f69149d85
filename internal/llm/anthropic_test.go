package llm

import (
	"testing"
	"time"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "user", Content: "What now?"},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a helpful assistant." {
		t.Errorf("system = %q, want extracted system prompt", system)
	}
	if len(result) != 3 {
		t.Fatalf("got %d messages, want 3 (system removed)", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("first role = %s, want user", result[0].Role)
	}
}

func TestConvertToAnthropic_MultipleSystemJoined(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "Rule one."},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "Rule two."},
	}

	_, system := convertToAnthropic(messages)
	if system != "Rule one.\n\nRule two." {
		t.Errorf("system = %q, want both rules joined", system)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4-20250514",
		Content: []anthropicContent{
			{Type: "text", Text: "Part one. "},
			{Type: "text", Text: "Part two."},
		},
		Usage: anthropicUsage{InputTokens: 100, OutputTokens: 25},
	}

	got := convertFromAnthropic(resp)

	if got.Message.Content != "Part one. Part two." {
		t.Errorf("content = %q, want text blocks concatenated", got.Message.Content)
	}
	if got.Message.Role != "assistant" {
		t.Errorf("role = %q, want assistant", got.Message.Role)
	}
	if got.InputTokens != 100 || got.OutputTokens != 25 {
		t.Errorf("tokens = %d/%d, want 100/25", got.InputTokens, got.OutputTokens)
	}
	if time.Since(got.CreatedAt) > time.Minute {
		t.Errorf("CreatedAt = %v, want approximately now", got.CreatedAt)
	}
}
