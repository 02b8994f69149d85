package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quince/parley/internal/mcp"
)

// fakeClient is a toolClient double owned by one fake server.
type fakeClient struct {
	mu       sync.Mutex
	tools    []mcp.ToolDefinition
	listErr  error
	callErr  error
	closed   bool
	called   []string // tool names passed to CallTool
}

func (f *fakeClient) ListTools(_ context.Context) ([]mcp.ToolDefinition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.called = append(f.called, name)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return json.RawMessage(fmt.Sprintf(`{"content":[{"type":"text","text":"result of %s"}]}`, name)), nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeDial wires a registry to a map of per-server fakes. Servers not
// in the map fail to connect.
func fakeDial(clients map[string]*fakeClient) dialFunc {
	return func(_ context.Context, cfg ServerConfig) (toolClient, error) {
		c, ok := clients[cfg.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return c, nil
	}
}

func enabledServer(name string) ServerConfig {
	return ServerConfig{Name: name, URL: "http://" + name + ".test", Enabled: true}
}

func tool(name string) mcp.ToolDefinition {
	return mcp.ToolDefinition{Name: name}
}

func TestConnectAll_NoServers(t *testing.T) {
	r := New(nil, nil)
	_, err := r.ConnectAll(context.Background())
	if !errors.Is(err, ErrNoServersConfigured) {
		t.Errorf("ConnectAll = %v, want ErrNoServersConfigured", err)
	}
}

func TestConnectAll_PartialFailure(t *testing.T) {
	clients := map[string]*fakeClient{
		"alpha": {tools: []mcp.ToolDefinition{tool("a1")}},
		"gamma": {tools: []mcp.ToolDefinition{tool("g1")}},
	}

	r := New([]ServerConfig{
		enabledServer("alpha"),
		enabledServer("beta"), // no fake: connection fails
		enabledServer("gamma"),
	}, nil)
	r.dial = fakeDial(clients)

	report, err := r.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	if len(report.Connected) != 2 || report.Connected[0] != "alpha" || report.Connected[1] != "gamma" {
		t.Errorf("Connected = %v, want [alpha gamma]", report.Connected)
	}
	if len(report.Failed) != 1 || report.Failed[0].Name != "beta" {
		t.Errorf("Failed = %v, want beta only", report.Failed)
	}
}

func TestConnectAll_DisabledServersSkipped(t *testing.T) {
	clients := map[string]*fakeClient{"alpha": {}, "beta": {}}

	cfgs := []ServerConfig{enabledServer("alpha"), enabledServer("beta")}
	cfgs[1].Enabled = false

	r := New(cfgs, nil)
	r.dial = fakeDial(clients)

	report, err := r.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	if len(report.Connected) != 1 || report.Connected[0] != "alpha" {
		t.Errorf("Connected = %v, want [alpha]", report.Connected)
	}
}

func TestConnectAll_Idempotent(t *testing.T) {
	dials := 0
	r := New([]ServerConfig{enabledServer("alpha")}, nil)
	r.dial = func(_ context.Context, cfg ServerConfig) (toolClient, error) {
		dials++
		return &fakeClient{}, nil
	}

	if _, err := r.ConnectAll(context.Background()); err != nil {
		t.Fatalf("first ConnectAll: %v", err)
	}
	report, err := r.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("second ConnectAll: %v", err)
	}

	if dials != 1 {
		t.Errorf("dialed %d times, want 1 (already connected counts as connected)", dials)
	}
	if len(report.Connected) != 1 {
		t.Errorf("Connected = %v, want [alpha]", report.Connected)
	}
}

func TestConnectAll_InflightRejected(t *testing.T) {
	release := make(chan struct{})
	r := New([]ServerConfig{enabledServer("alpha")}, nil)
	r.dial = func(_ context.Context, cfg ServerConfig) (toolClient, error) {
		<-release
		return &fakeClient{}, nil
	}

	firstDone := make(chan *ConnectReport, 1)
	go func() {
		report, _ := r.ConnectAll(context.Background())
		firstDone <- report
	}()

	// Wait until the first attempt is registered as in flight.
	for {
		r.mu.Lock()
		inflight := r.inflight["alpha"]
		r.mu.Unlock()
		if inflight {
			break
		}
		time.Sleep(time.Millisecond)
	}

	report, err := r.ConnectAll(context.Background())
	if err != nil {
		t.Fatalf("second ConnectAll: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Err != ErrConnectionInProgress.Error() {
		t.Errorf("Failed = %v, want in-progress rejection", report.Failed)
	}

	close(release)
	first := <-firstDone
	if len(first.Connected) != 1 {
		t.Errorf("first attempt Connected = %v, want [alpha]", first.Connected)
	}
}

func TestListTools_MergeAndDegrade(t *testing.T) {
	clients := map[string]*fakeClient{
		"alpha": {tools: []mcp.ToolDefinition{tool("read_file"), tool("write_file")}},
		"beta":  {listErr: errors.New("server crashed")},
		"gamma": {tools: []mcp.ToolDefinition{tool("search")}},
	}

	r := New([]ServerConfig{
		enabledServer("alpha"), enabledServer("beta"), enabledServer("gamma"),
	}, nil)
	r.dial = fakeDial(clients)

	tools, statuses, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	// Merged catalog carries only the healthy servers' tools, tagged
	// with their owners, in stable server order.
	wantNames := []string{"read_file", "write_file", "search"}
	if len(tools) != len(wantNames) {
		t.Fatalf("got %d tools, want %d", len(tools), len(wantNames))
	}
	for i, want := range wantNames {
		if tools[i].Name != want {
			t.Errorf("tools[%d] = %q, want %q", i, tools[i].Name, want)
		}
	}
	if tools[0].ServerName != "alpha" || tools[2].ServerName != "gamma" {
		t.Errorf("owners = %s/%s, want alpha/gamma", tools[0].ServerName, tools[2].ServerName)
	}

	if st := statuses["beta"]; st.Connected || st.Err == "" {
		t.Errorf("beta status = %+v, want degraded with error", st)
	}
	if st := statuses["alpha"]; !st.Connected || st.ToolCount != 2 {
		t.Errorf("alpha status = %+v, want connected with 2 tools", st)
	}
}

func TestListTools_AllFailedIsDataNotError(t *testing.T) {
	clients := map[string]*fakeClient{
		"alpha": {listErr: errors.New("down")},
	}

	r := New([]ServerConfig{enabledServer("alpha")}, nil)
	r.dial = fakeDial(clients)

	tools, statuses, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("got %d tools, want 0", len(tools))
	}
	if st := statuses["alpha"]; st.Connected {
		t.Errorf("alpha status = %+v, want degraded", st)
	}
}

func TestListTools_ConnectFailureInStatusMap(t *testing.T) {
	// No fakes at all: every dial is refused. The status map must still
	// name each enabled server, or a total outage looks like success.
	r := New([]ServerConfig{enabledServer("alpha"), enabledServer("beta")}, nil)
	r.dial = fakeDial(nil)

	tools, statuses, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("got %d tools, want 0", len(tools))
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %v, want entries for both servers", statuses)
	}
	for _, name := range []string{"alpha", "beta"} {
		st, ok := statuses[name]
		if !ok {
			t.Fatalf("statuses has no entry for %s", name)
		}
		if st.Connected || st.Err != "connection refused" {
			t.Errorf("%s status = %+v, want degraded with connect error", name, st)
		}
	}
}

func TestListTools_MixedConnectAndFetchFailures(t *testing.T) {
	clients := map[string]*fakeClient{
		"alpha": {tools: []mcp.ToolDefinition{tool("read_file")}},
		"beta":  {listErr: errors.New("server crashed")},
		// gamma has no fake: connection fails.
	}

	r := New([]ServerConfig{
		enabledServer("alpha"), enabledServer("beta"), enabledServer("gamma"),
	}, nil)
	r.dial = fakeDial(clients)

	tools, statuses, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Errorf("tools = %v, want alpha's catalog only", tools)
	}
	if st := statuses["alpha"]; !st.Connected || st.ToolCount != 1 {
		t.Errorf("alpha status = %+v, want connected", st)
	}
	if st := statuses["beta"]; st.Connected || st.Err != "server crashed" {
		t.Errorf("beta status = %+v, want fetch failure", st)
	}
	if st := statuses["gamma"]; st.Connected || st.Err != "connection refused" {
		t.Errorf("gamma status = %+v, want connect failure", st)
	}
}

func TestCallTool_RoutesByOwnership(t *testing.T) {
	clients := map[string]*fakeClient{
		"files":  {tools: []mcp.ToolDefinition{tool("read_file")}},
		"search": {tools: []mcp.ToolDefinition{tool("tavily_search")}},
	}

	r := New([]ServerConfig{enabledServer("files"), enabledServer("search")}, nil)
	r.dial = fakeDial(clients)

	if _, err := r.CallTool(context.Background(), "tavily_search", map[string]any{"q": "go"}, ""); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	if len(clients["search"].called) != 1 || clients["search"].called[0] != "tavily_search" {
		t.Errorf("search server calls = %v, want [tavily_search]", clients["search"].called)
	}
	if len(clients["files"].called) != 0 {
		t.Errorf("files server calls = %v, want none", clients["files"].called)
	}
}

func TestCallTool_ExplicitServer(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {tools: []mcp.ToolDefinition{tool("read_file")}},
	}

	r := New([]ServerConfig{enabledServer("files")}, nil)
	r.dial = fakeDial(clients)
	if _, err := r.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	if _, err := r.CallTool(context.Background(), "read_file", nil, "files"); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	var notConnected *ServerNotConnectedError
	_, err := r.CallTool(context.Background(), "read_file", nil, "nonesuch")
	if !errors.As(err, &notConnected) {
		t.Errorf("CallTool to unknown server = %v, want ServerNotConnectedError", err)
	}
}

func TestCallTool_UnknownToolListsAlternatives(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {tools: []mcp.ToolDefinition{tool("read_file"), tool("write_file")}},
	}

	r := New([]ServerConfig{enabledServer("files")}, nil)
	r.dial = fakeDial(clients)

	var notFound *ToolNotFoundError
	_, err := r.CallTool(context.Background(), "delete_file", nil, "")
	if !errors.As(err, &notFound) {
		t.Fatalf("CallTool = %v, want ToolNotFoundError", err)
	}
	if len(notFound.Available) != 2 {
		t.Errorf("Available = %v, want the advertised tools", notFound.Available)
	}
}

func TestCloseAll(t *testing.T) {
	clients := map[string]*fakeClient{
		"alpha": {},
		"beta":  {},
	}

	r := New([]ServerConfig{enabledServer("alpha"), enabledServer("beta")}, nil)
	r.dial = fakeDial(clients)
	if _, err := r.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	r.CloseAll()

	for name, c := range clients {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			t.Errorf("client %s not closed", name)
		}
	}
	if got := r.ConnectedServers(); len(got) != 0 {
		t.Errorf("ConnectedServers after CloseAll = %v, want empty", got)
	}
}
