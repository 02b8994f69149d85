package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quince/parley/internal/buildinfo"
	"github.com/quince/parley/internal/config"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Client speaks the MCP protocol to a single server over a Transport.
// It correlates JSON-RPC ids against the transport's inbound channel,
// so it works identically whether the server answers in POST bodies,
// on an SSE stream, or over a pipe.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	// done is closed when the transport's inbound channel closes;
	// outstanding calls fail rather than hang.
	done      chan struct{}
	drainOnce sync.Once

	mu           sync.RWMutex
	initialized  bool
	serverName   string
	serverVer    string
	tools        []ToolDefinition
	toolsFetched bool
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Connect starts the transport, begins draining inbound messages, and
// performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	c.drainOnce.Do(func() { go c.drain() })
	return c.Initialize(ctx)
}

// drain routes inbound messages: responses to their pending calls,
// server-initiated notifications to the log. Unparseable payloads are
// diagnostic noise, not errors.
func (c *Client) drain() {
	defer close(c.done)

	for raw := range c.transport.Messages() {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("ignoring unparseable inbound message", "error", err)
			continue
		}

		switch {
		case env.ID != nil && env.Method == "":
			c.dispatch(&Response{
				JSONRPC: env.JSONRPC,
				ID:      *env.ID,
				Result:  env.Result,
				Error:   env.Error,
			})
		case env.Method != "":
			c.logger.Debug("server notification", "method", env.Method)
		default:
			c.logger.Debug("ignoring inbound message with no id or method")
		}
	}
}

func (c *Client) dispatch(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request id", "id", resp.ID)
		return
	}
	ch <- resp
}

// call issues a JSON-RPC request and waits for the correlated response.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "outbound request", "json", string(data))

	if err := c.transport.Send(ctx, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-c.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a JSON-RPC notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.transport.Send(ctx, data)
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools calls tools/list, following nextCursor pagination, and
// returns the available tool definitions. Results are cached;
// subsequent calls return the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.toolsFetched {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	var all []ToolDefinition
	cursor := ""

	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}

		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.toolsFetched = true
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// CallTool invokes a tool by name with the given arguments and returns
// the raw result payload unmodified. A result flagged isError by the
// server is surfaced as an error carrying the extracted text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.IsError {
		return nil, fmt.Errorf("MCP tool %s returned error: %s", name, ExtractText(resp.Result))
	}

	return resp.Result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// ExtractText joins the text content blocks of a raw tools/call result
// into a single string. Non-text blocks are represented as inline
// markers. Results without content blocks render as their raw JSON.
func ExtractText(raw json.RawMessage) string {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw)
	}

	var parts []string
	for _, b := range result.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
