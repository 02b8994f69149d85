package mcp

import (
	"context"
	"errors"
)

// Transport moves JSON-RPC messages between the client and one MCP
// server. Outbound messages go through Send; inbound messages (responses
// and server-initiated notifications alike) are delivered on the
// Messages channel, which is closed when the transport shuts down.
//
// Implementations do not reconnect on their own; reconnection policy
// belongs to the registry that owns the connection.
type Transport interface {
	// Start establishes the connection. For the dual-channel SSE
	// transport this blocks until the endpoint handshake completes;
	// other transports are ready immediately.
	Start(ctx context.Context) error

	// Send transmits one serialized JSON-RPC message.
	Send(ctx context.Context, msg []byte) error

	// Messages returns the inbound message channel. Each element is one
	// complete JSON-RPC payload as received from the server.
	Messages() <-chan []byte

	// Close shuts down the transport and releases resources. It is
	// idempotent; the configured close callback fires exactly once.
	Close() error
}

// Transport-level sentinel errors.
var (
	// ErrNotStarted is returned by Send when the transport has not
	// completed Start (the dual-channel variant does not know its POST
	// endpoint until the handshake finishes).
	ErrNotStarted = errors.New("mcp: transport not started")

	// ErrHandshakeTimeout is returned by Start when the server never
	// delivers the endpoint event within the handshake window.
	ErrHandshakeTimeout = errors.New("mcp: handshake timed out waiting for endpoint event")

	// ErrHandshakeFailed is returned by Start when the event stream
	// errors out before the endpoint event arrives.
	ErrHandshakeFailed = errors.New("mcp: handshake failed")

	// ErrTransportClosed is returned for operations on a closed transport.
	ErrTransportClosed = errors.New("mcp: transport closed")
)
