// Package mcp implements MCP (Model Context Protocol) client support,
// allowing Parley to connect to external MCP servers and expose their
// tools to the conversation loop.
//
// MCP uses JSON-RPC 2.0 over three transports: dual-channel SSE (the
// server pushes an "endpoint" event naming the POST target, and all
// responses arrive on the event stream), streamable HTTP (one URL for
// both the GET stream and POSTs, session identity in the Mcp-Session-Id
// header), and stdio (subprocess). The client discovers tools via
// tools/list and invokes them via tools/call.
//
// Transports deliver inbound messages through an explicit channel rather
// than ad hoc callbacks, so the protocol client can correlate responses
// deterministically. This implementation covers the client/host side
// only; Parley does not act as an MCP server.
package mcp
