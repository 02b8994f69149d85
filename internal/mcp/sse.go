package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quince/parley/internal/httpkit"
)

// DefaultHandshakeTimeout bounds how long the dual-channel transport
// waits for the server to announce its POST endpoint.
const DefaultHandshakeTimeout = 10 * time.Second

// SSEConfig configures a dual-channel SSE MCP transport.
type SSEConfig struct {
	// BaseURL is the SSE stream URL. The POST endpoint is learned from
	// the server's "endpoint" event and resolved against this URL.
	BaseURL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// HandshakeTimeout overrides DefaultHandshakeTimeout when positive.
	HandshakeTimeout time.Duration

	// OnError receives stream errors that occur after a successful
	// handshake. Errors before the handshake surface from Start instead.
	OnError func(error)

	// OnClose fires exactly once when the transport shuts down, whether
	// via Close or a server-side stream termination.
	OnClose func()

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport implements the older dual-channel MCP wire variant: an
// inbound SSE stream carries every JSON-RPC response and notification,
// and outbound messages are POSTed to an endpoint the server announces
// via a distinguished "endpoint" event during the handshake. The POST
// response body carries no protocol content.
type SSETransport struct {
	baseURL          string
	headers          map[string]string
	handshakeTimeout time.Duration
	onError          func(error)
	onClose          func()
	logger           *slog.Logger

	streamClient *http.Client
	postClient   *http.Client

	msgs   chan []byte
	cancel context.CancelFunc

	mu        sync.RWMutex
	endpoint  string // learned POST target, empty until handshake completes
	sessionID string // informational, from the endpoint's sessionId query param

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSSETransport creates a dual-channel SSE transport for the given
// config. No connection is made until Start.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return &SSETransport{
		baseURL:          cfg.BaseURL,
		headers:          cfg.Headers,
		handshakeTimeout: timeout,
		onError:          cfg.OnError,
		onClose:          cfg.OnClose,
		logger:           logger,
		streamClient: httpkit.NewClient(
			// The stream stays open for the connection lifetime.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(httpkit.NewStreamTransport()),
		),
		postClient: httpkit.NewClient(),
		msgs:       make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

// Start opens the SSE stream and blocks until the server's "endpoint"
// event arrives. It fails with ErrHandshakeTimeout when no endpoint
// event arrives in time, and ErrHandshakeFailed when the stream ends
// first. The stream itself outlives ctx, which only bounds the
// handshake.
func (t *SSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: open stream: %v", ErrHandshakeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		cancel()
		return fmt.Errorf("%w: stream returned %d: %s", ErrHandshakeFailed, resp.StatusCode, body)
	}

	endpointCh := make(chan string, 1)
	streamDone := make(chan error, 1)

	go t.readStream(resp, endpointCh, streamDone)

	timer := time.NewTimer(t.handshakeTimeout)
	defer timer.Stop()

	select {
	case raw := <-endpointCh:
		endpoint, sessionID, err := resolveEndpoint(base, raw)
		if err != nil {
			t.Close()
			return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		t.mu.Lock()
		t.endpoint = endpoint
		t.sessionID = sessionID
		t.mu.Unlock()

		t.logger.Debug("SSE handshake complete",
			"endpoint", endpoint,
			"session_id", sessionID,
		)
		return nil

	case err := <-streamDone:
		t.Close()
		if err != nil {
			return fmt.Errorf("%w: stream error: %v", ErrHandshakeFailed, err)
		}
		return fmt.Errorf("%w: stream closed before endpoint event", ErrHandshakeFailed)

	case <-timer.C:
		t.Close()
		return ErrHandshakeTimeout

	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// readStream consumes the SSE stream for the connection lifetime. The
// first "endpoint" event completes the handshake; everything else,
// typed "message" events and untyped default events alike, is treated
// as a candidate JSON-RPC payload. Non-JSON frames (heartbeats) are
// dropped with a debug log, never surfaced as errors.
func (t *SSETransport) readStream(resp *http.Response, endpointCh chan<- string, streamDone chan<- error) {
	defer resp.Body.Close()
	defer close(t.msgs)

	sentEndpoint := false
	err := scanSSE(resp.Body, func(ev sseEvent) {
		if ev.name == "endpoint" && !sentEndpoint {
			sentEndpoint = true
			endpointCh <- ev.data
			return
		}

		if !json.Valid([]byte(ev.data)) {
			t.logger.Debug("ignoring non-JSON SSE frame", "data", ev.data)
			return
		}

		select {
		case t.msgs <- []byte(ev.data):
		case <-t.closed:
		}
	})

	streamDone <- err

	// Report post-handshake stream errors through the callback; the
	// transport does not reconnect on its own.
	if err != nil && sentEndpoint && !t.isClosed() {
		t.logger.Warn("SSE stream error", "error", err)
		if t.onError != nil {
			t.onError(err)
		}
	}

	t.Close()
}

// Send POSTs one JSON-RPC message to the learned endpoint. All protocol
// responses arrive via the SSE stream; the POST response body is
// intentionally not interpreted.
func (t *SSETransport) Send(ctx context.Context, msg []byte) error {
	t.mu.RLock()
	endpoint := t.endpoint
	t.mu.RUnlock()

	if endpoint == "" {
		return ErrNotStarted
	}
	if t.isClosed() {
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.postClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", endpoint, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, body)
	}

	return nil
}

// Messages returns the inbound message channel. It is closed when the
// stream ends or the transport is closed.
func (t *SSETransport) Messages() <-chan []byte {
	return t.msgs
}

// SessionID returns the session id extracted from the endpoint event,
// if any. Informational only; the dual-channel variant carries session
// identity inside the endpoint URL itself.
func (t *SSETransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Close shuts down the stream. Idempotent: the close callback fires
// exactly once no matter how many times Close is called or whether the
// server ended the stream first.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

func (t *SSETransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// resolveEndpoint interprets the payload of an "endpoint" event. Servers
// send either a bare (possibly relative) URL string or a small JSON
// envelope {"endpoint": "..."}. The result is resolved against the
// stream's base URL, and any sessionId query parameter is extracted for
// diagnostics.
func resolveEndpoint(base *url.URL, raw string) (endpoint, sessionID string, err error) {
	target := raw

	var envelope struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil && envelope.Endpoint != "" {
		target = envelope.Endpoint
	}

	ref, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint %q: %w", target, err)
	}

	resolved := base.ResolveReference(ref)
	return resolved.String(), resolved.Query().Get("sessionId"), nil
}
