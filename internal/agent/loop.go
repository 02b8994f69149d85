// Package agent implements the conversation loop: it drives repeated
// LLM-call / tool-execution cycles within one conversational turn until
// the model stops requesting tools or the iteration ceiling is hit.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/quince/parley/internal/llm"
	"github.com/quince/parley/internal/registry"
	"github.com/quince/parley/internal/toolcall"
)

// maxToolIterations bounds LLM calls per turn. When a model keeps
// emitting tool-call blocks past the ceiling, the last response is
// surfaced as-is, unresolved syntax and all. Failing open beats hanging
// the conversation on a misbehaving model.
const maxToolIterations = 10

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is one conversational turn to run.
type Request struct {
	// Messages is the transcript so far, ending with the user's text.
	Messages []Message

	// Model selects the LLM backend model.
	Model string

	// Tools is the subset of discovered tools the model may use this
	// turn. Only explicitly selected tools are described to the model
	// or resolvable by it, not the full catalog.
	Tools []registry.ToolWithServer

	// SystemPrompt is prepended to the generated tool instructions.
	SystemPrompt string

	// Temperature is passed through to the backend.
	Temperature float64
}

// Response is the loop's outcome for one turn.
type Response struct {
	Content    string
	Model      string
	Iterations int

	// Transcript is the full turn history, including the synthetic
	// TOOL_RESULT / TOOL_ERROR messages. Message order is the sole
	// source of conversational context; entries are only ever appended,
	// never reordered.
	Transcript []Message

	InputTokens  int
	OutputTokens int
}

// ToolExecutor is the slice of the registry the loop needs.
// *registry.Registry satisfies it.
type ToolExecutor interface {
	CallTool(ctx context.Context, name string, args map[string]any, serverName string) (json.RawMessage, error)
}

// Loop is the conversation orchestrator.
type Loop struct {
	llm    llm.Client
	tools  ToolExecutor
	logger *slog.Logger
}

// NewLoop creates a conversation loop over the given LLM client and
// tool executor.
func NewLoop(client llm.Client, tools ToolExecutor, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		llm:    client,
		tools:  tools,
		logger: logger,
	}
}

// Run executes one conversational turn. Tool calls the model embeds in
// its responses are parsed, validated, executed sequentially, and fed
// back as synthetic assistant messages until the model answers without
// requesting tools.
//
// A failed LLM call is fatal to the turn and propagates; tool failures
// never are, they become TOOL_ERROR messages the model can react to.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	requestID := uuid.New().String()
	logger := l.logger.With("request_id", requestID)

	system := req.SystemPrompt
	if len(req.Tools) > 0 {
		system = joinSections(system, ToolInstructions(req.Tools))
	}

	transcript := make([]Message, len(req.Messages))
	copy(transcript, req.Messages)

	resp := &Response{Model: req.Model}

	logger.Info("turn started",
		"messages", len(transcript),
		"model", req.Model,
		"tools", len(req.Tools),
	)

	for iteration := 1; iteration <= maxToolIterations; iteration++ {
		resp.Iterations = iteration

		chatResp, err := l.llm.Chat(ctx, req.Model, toLLM(transcript), llm.ChatOptions{
			System:      system,
			Temperature: req.Temperature,
		})
		if err != nil {
			// Turn-level failure: return the error, not a partial
			// transcript, so the caller can roll back cleanly.
			logger.Error("LLM call failed", "iteration", iteration, "error", err)
			return nil, fmt.Errorf("llm call: %w", err)
		}

		if chatResp.Model != "" {
			resp.Model = chatResp.Model
		}
		resp.InputTokens += chatResp.InputTokens
		resp.OutputTokens += chatResp.OutputTokens

		content := chatResp.Message.Content
		transcript = append(transcript, Message{Role: "assistant", Content: content})

		calls := toolcall.Parse(content, logger)
		if len(calls) == 0 || iteration == maxToolIterations {
			if len(calls) > 0 {
				logger.Warn("iteration ceiling reached, surfacing last response as-is",
					"pending_tool_calls", len(calls))
			} else {
				logger.Info("turn complete",
					"iterations", iteration,
					"input_tokens", resp.InputTokens,
					"output_tokens", resp.OutputTokens,
				)
			}
			resp.Content = content
			resp.Transcript = transcript
			return resp, nil
		}

		// Sequential execution: tools may have ordering-sensitive side
		// effects, so call N completes before N+1 is dispatched.
		for _, call := range calls {
			outcome := l.executeCall(ctx, call, req.Tools, logger)
			transcript = append(transcript, Message{Role: "assistant", Content: outcome})
		}
	}

	// Unreachable: the ceiling branch above always returns.
	resp.Transcript = transcript
	return resp, nil
}

// executeCall resolves, validates, and runs one tool call, returning
// the synthetic transcript message recording its outcome. Failures stay
// in-band as TOOL_ERROR so the model can self-correct next iteration
// and the transcript preserves full execution history.
func (l *Loop) executeCall(ctx context.Context, call toolcall.Request, selected []registry.ToolWithServer, logger *slog.Logger) string {
	tool, ok := findTool(call.Tool, selected)
	if !ok {
		logger.Warn("model requested unavailable tool", "tool", call.Tool)
		return fmt.Sprintf("TOOL_ERROR: tool %q is not available. Available tools: %s",
			call.Tool, strings.Join(toolNames(selected), ", "))
	}

	if err := toolcall.Validate(call, tool.ToolDefinition, logger); err != nil {
		logger.Warn("tool call failed validation", "tool", call.Tool, "error", err)
		return fmt.Sprintf("TOOL_ERROR: %v", err)
	}

	logger.Info("executing tool", "tool", call.Tool, "server", tool.ServerName)

	result, err := l.tools.CallTool(ctx, call.Tool, call.Arguments, tool.ServerName)
	if err != nil {
		logger.Warn("tool execution failed", "tool", call.Tool, "error", err)
		return fmt.Sprintf("TOOL_ERROR: %s failed: %v", call.Tool, err)
	}

	return toolResultMessage(call, result)
}

// toolResultMessage formats a successful execution: the tool name, the
// echoed arguments, and the pretty-printed JSON result.
func toolResultMessage(call toolcall.Request, result json.RawMessage) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(result)
	}

	return fmt.Sprintf("TOOL_RESULT: %s %s\n%s", call.Tool, args, pretty.String())
}

func findTool(name string, selected []registry.ToolWithServer) (registry.ToolWithServer, bool) {
	for _, t := range selected {
		if t.Name == name {
			return t, true
		}
	}
	return registry.ToolWithServer{}, false
}

func toolNames(selected []registry.ToolWithServer) []string {
	names := make([]string, 0, len(selected))
	for _, t := range selected {
		names = append(names, t.Name)
	}
	return names
}

func toLLM(messages []Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func joinSections(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
