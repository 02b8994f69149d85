package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// streamableTestServer records every request and answers POSTs in a
// configurable response mode.
type streamableTestServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	mode     string // "json", "sse", or "accepted"
	session  string // assigned on initialize when non-empty
}

type recordedRequest struct {
	method  string
	body    string
	session string
	accept  string
	auth    string
}

func newStreamableTestServer(t *testing.T, mode, session string) *streamableTestServer {
	t.Helper()
	s := &streamableTestServer{mode: mode, session: session}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			method:  r.Method,
			body:    string(body),
			session: r.Header.Get(sessionHeader),
			accept:  r.Header.Get("Accept"),
			auth:    r.Header.Get("Authorization"),
		})
		s.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if s.session != "" && isInitialize(body) {
			w.Header().Set(sessionHeader, s.session)
		}

		switch s.mode {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
		case "sse":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamableTestServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func TestStreamableTransport_JSONResponseMode(t *testing.T) {
	srv := newStreamableTestServer(t, "json", "")

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL})
	defer tr.Close()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-tr.Messages():
		want := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`
		if string(got) != want {
			t.Errorf("message = %q, want %q", string(got), want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronous JSON response")
	}
}

func TestStreamableTransport_SSEResponseMode(t *testing.T) {
	srv := newStreamableTestServer(t, "sse", "")

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL})
	defer tr.Close()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Both frames in the POST response body are delivered, in order.
	wants := []string{
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/progress"}`,
	}
	for _, want := range wants {
		select {
		case got := <-tr.Messages():
			if string(got) != want {
				t.Errorf("message = %q, want %q", string(got), want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

func TestStreamableTransport_AcceptedMode(t *testing.T) {
	srv := newStreamableTestServer(t, "accepted", "")

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL})
	defer tr.Close()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-tr.Messages():
		t.Errorf("unexpected message %q after 202 response", string(got))
	case <-time.After(100 * time.Millisecond):
		// Nothing delivered: correct for a drained 202.
	}
}

func TestStreamableTransport_SessionLifecycle(t *testing.T) {
	srv := newStreamableTestServer(t, "json", "sess-42")

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL, APIKey: "key-1"})

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The session id is harvested from the initialize response header.
	init := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if err := tr.Send(context.Background(), init); err != nil {
		t.Fatalf("Send initialize: %v", err)
	}
	if got := tr.SessionID(); got != "sess-42" {
		t.Errorf("SessionID = %q, want %q", got, "sess-42")
	}

	// Later requests carry the session header.
	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); err != nil {
		t.Fatalf("Send ping: %v", err)
	}

	// Close issues a best-effort DELETE with the session header.
	tr.Close()

	var initReq, pingReq, deleteReq *recordedRequest
	for _, r := range srv.recorded() {
		r := r
		switch {
		case r.method == http.MethodPost && isInitialize([]byte(r.body)):
			initReq = &r
		case r.method == http.MethodPost:
			pingReq = &r
		case r.method == http.MethodDelete:
			deleteReq = &r
		}
	}

	if initReq == nil {
		t.Fatal("initialize POST not recorded")
	}
	if initReq.session != "" {
		t.Errorf("initialize carried session %q, want none", initReq.session)
	}
	if initReq.accept != "application/json, text/event-stream" {
		t.Errorf("Accept = %q, want both media types", initReq.accept)
	}
	if initReq.auth != "Bearer key-1" {
		t.Errorf("Authorization = %q, want %q", initReq.auth, "Bearer key-1")
	}

	if pingReq == nil {
		t.Fatal("follow-up POST not recorded")
	}
	if pingReq.session != "sess-42" {
		t.Errorf("follow-up session = %q, want %q", pingReq.session, "sess-42")
	}

	if deleteReq == nil {
		t.Fatal("no DELETE on close")
	}
	if deleteReq.session != "sess-42" {
		t.Errorf("DELETE session = %q, want %q", deleteReq.session, "sess-42")
	}
}

func TestStreamableTransport_DeclinedGETStreamTolerated(t *testing.T) {
	srv := newStreamableTestServer(t, "json", "")

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL})
	defer tr.Close()

	// The server 405s the GET; Start must still succeed.
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send after declined stream: %v", err)
	}
}

func TestStreamableTransport_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewStreamableTransport(StreamableConfig{URL: srv.URL})
	defer tr.Close()

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err == nil {
		t.Fatal("Send = nil, want error for 500 response")
	}
}

func TestStreamableTransport_CloseIdempotent(t *testing.T) {
	srv := newStreamableTestServer(t, "accepted", "")

	var closes atomic.Int32
	tr := NewStreamableTransport(StreamableConfig{
		URL:     srv.URL,
		OnClose: func() { closes.Add(1) },
	})

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tr.Close()
	tr.Close()

	if got := closes.Load(); got != 1 {
		t.Errorf("OnClose fired %d times, want 1", got)
	}

	if _, ok := <-tr.Messages(); ok {
		t.Error("Messages channel still open after Close")
	}

	if err := tr.Send(context.Background(), []byte(`{}`)); err != ErrTransportClosed {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}
