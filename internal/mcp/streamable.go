package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/quince/parley/internal/httpkit"
)

// sessionHeader carries session identity in the streamable HTTP variant.
const sessionHeader = "Mcp-Session-Id"

// StreamableConfig configures a streamable HTTP MCP transport.
type StreamableConfig struct {
	// URL is the single MCP endpoint serving both the GET event stream
	// and POSTed JSON-RPC messages.
	URL string

	// APIKey, when set, is forwarded as a bearer Authorization header.
	APIKey string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// OnError receives stream errors on the optional GET stream.
	OnError func(error)

	// OnClose fires exactly once when the transport shuts down.
	OnClose func()

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StreamableTransport implements the newer single-endpoint MCP wire
// variant: the same URL serves the optional SSE GET stream and the POST
// request channel, and session identity travels in the Mcp-Session-Id
// header rather than an inbound event.
//
// POST responses are interpreted by content type, because server
// implementations diverge: some answer synchronously with
// application/json, others stream the answer back as text/event-stream
// frames in the POST response body, and some defer entirely to the GET
// stream.
type StreamableTransport struct {
	url     string
	apiKey  string
	headers map[string]string
	onError func(error)
	onClose func()
	logger  *slog.Logger

	streamClient *http.Client
	postClient   *http.Client

	msgs   chan []byte
	cancel context.CancelFunc

	mu        sync.RWMutex
	sessionID string // learned from the initialize POST response header

	closeOnce sync.Once
	closed    chan struct{}
	sendMu    sync.RWMutex // serializes deliver against msgs close
}

// NewStreamableTransport creates a streamable HTTP transport for the
// given config. No connection is made until Start.
func NewStreamableTransport(cfg StreamableConfig) *StreamableTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamableTransport{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		onError: cfg.OnError,
		onClose: cfg.OnClose,
		logger:  logger,
		streamClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(httpkit.NewStreamTransport()),
		),
		postClient: httpkit.NewClient(),
		msgs:       make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

// Start opens the optional GET event stream for server-initiated
// messages. There is no handshake event to wait for, so readiness is
// immediate. Servers that answer only via POST responses may reject the
// GET (405); that is tolerated, not an error.
func (t *StreamableTransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	go func() {
		resp, err := t.streamClient.Do(req)
		if err != nil {
			if !t.isClosed() {
				t.logger.Debug("GET event stream unavailable", "error", err)
			}
			return
		}
		if resp.StatusCode != http.StatusOK {
			httpkit.DrainAndClose(resp.Body, 4096)
			t.logger.Debug("server declined GET event stream", "status", resp.StatusCode)
			return
		}

		defer resp.Body.Close()
		if err := t.consumeSSE(resp.Body); err != nil && !t.isClosed() {
			t.logger.Warn("event stream error", "error", err)
			if t.onError != nil {
				t.onError(err)
			}
		}
	}()

	return nil
}

// Send POSTs one JSON-RPC message and routes whatever the server
// answers with into the inbound channel. When the outbound message is
// an initialize request, the session id is captured from the response
// header and attached to every later request.
func (t *StreamableTransport) Send(ctx context.Context, msg []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	resp, err := t.postClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", t.url, err)
	}

	if isInitialize(msg) {
		if sid := resp.Header.Get(sessionHeader); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
			t.logger.Debug("captured MCP session", "session_id", sid)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, body)
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		// Synchronous answer in the POST response.
		defer resp.Body.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if buf.Len() > 0 {
			t.deliver(buf.Bytes())
		}
		return nil

	case "text/event-stream":
		// The answer streams back as SSE frames in the response body.
		defer resp.Body.Close()
		if err := t.consumeSSE(resp.Body); err != nil {
			return fmt.Errorf("read response stream: %w", err)
		}
		return nil

	default:
		// 202 Accepted with no payload: the response, if any, arrives
		// on the GET stream.
		httpkit.DrainAndClose(resp.Body, 1<<20)
		return nil
	}
}

// consumeSSE feeds each data frame from r into the inbound channel.
func (t *StreamableTransport) consumeSSE(r io.Reader) error {
	return scanSSE(r, func(ev sseEvent) {
		if !json.Valid([]byte(ev.data)) {
			t.logger.Debug("ignoring non-JSON SSE frame", "data", ev.data)
			return
		}
		t.deliver([]byte(ev.data))
	})
}

func (t *StreamableTransport) deliver(msg []byte) {
	out := make([]byte, len(msg))
	copy(out, msg)

	// Hold the read side of sendMu so Close cannot close the channel
	// mid-send; a blocked send is released by the closed signal.
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.isClosed() {
		return
	}
	select {
	case t.msgs <- out:
	case <-t.closed:
	}
}

// Messages returns the inbound message channel.
func (t *StreamableTransport) Messages() <-chan []byte {
	return t.msgs
}

// SessionID returns the server-assigned session id, if one was learned.
func (t *StreamableTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Close terminates the session server-side with a best-effort DELETE
// when a session id was established, then tears down the local stream.
// Idempotent; the close callback fires exactly once.
func (t *StreamableTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.RLock()
		sid := t.sessionID
		t.mu.RUnlock()

		if sid != "" {
			req, err := http.NewRequest(http.MethodDelete, t.url, nil)
			if err == nil {
				t.applyHeaders(req)
				if resp, err := t.postClient.Do(req); err != nil {
					t.logger.Debug("session DELETE failed", "error", err)
				} else {
					httpkit.DrainAndClose(resp.Body, 4096)
				}
			}
		}

		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
		t.sendMu.Lock()
		close(t.msgs)
		t.sendMu.Unlock()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

func (t *StreamableTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// applyHeaders sets the configured headers, bearer auth, and session id.
func (t *StreamableTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()
}

// isInitialize reports whether msg is a JSON-RPC initialize request.
// The transport peeks at the method so it knows when to harvest the
// session header from the response.
func isInitialize(msg []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return false
	}
	return probe.Method == "initialize"
}
