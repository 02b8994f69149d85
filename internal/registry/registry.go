// Package registry owns the set of configured MCP tool servers. It
// connects to all of them with graceful degradation, merges their tool
// catalogs into one view, and routes tool invocations to the server
// that owns the tool.
//
// The registry is an explicitly constructed object with no
// package-level connection state, so lifetime and test isolation are
// explicit. At most one live connection exists per server name.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/quince/parley/internal/mcp"
)

// Registry-level sentinel errors.
var (
	// ErrNoServersConfigured is returned when connect is attempted with
	// an empty server list.
	ErrNoServersConfigured = errors.New("registry: no MCP servers configured")

	// ErrConnectionInProgress is recorded for a server whose connect
	// attempt is still in flight; a second attempt is rejected rather
	// than queued so two handshakes never race for the same slot.
	ErrConnectionInProgress = errors.New("registry: connection already in progress")
)

// ServerNotConnectedError indicates a tool call was routed to a server
// with no live connection.
type ServerNotConnectedError struct {
	Server string
}

func (e *ServerNotConnectedError) Error() string {
	return fmt.Sprintf("registry: server %q is not connected", e.Server)
}

// ToolNotFoundError indicates no connected server advertises the
// requested tool. Available lists the names that are advertised, so
// callers can surface alternatives.
type ToolNotFoundError struct {
	Tool      string
	Available []string
}

func (e *ToolNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("registry: tool %q not found (no tools available)", e.Tool)
	}
	return fmt.Sprintf("registry: tool %q not found (available: %s)", e.Tool, strings.Join(e.Available, ", "))
}

// ServerConfig describes one configured MCP server.
type ServerConfig struct {
	Name        string
	URL         string
	DisplayName string
	Transport   string // "sse", "streamable" (default), or "stdio"
	Enabled     bool
	APIKey      string

	// Command and Args apply to the stdio transport only.
	Command string
	Args    []string
}

// ToolWithServer is a tool definition tagged with the server that owns
// it. Produced fresh by each ListTools call, never cached here.
type ToolWithServer struct {
	mcp.ToolDefinition
	ServerName string
	ServerURL  string
}

// ServerStatus reports one server's health after a discovery pass.
type ServerStatus struct {
	Connected bool
	Err       string
	ToolCount int
}

// ConnectFailure pairs a server name with the error that kept it from
// connecting.
type ConnectFailure struct {
	Name string
	Err  string
}

// ConnectReport partitions a ConnectAll outcome.
type ConnectReport struct {
	Connected []string
	Failed    []ConnectFailure
}

// toolClient is the protocol surface the registry needs from a
// connected server. *mcp.Client satisfies it; tests substitute fakes.
type toolClient interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Close() error
}

// dialFunc establishes a ready-to-use connection to one server.
type dialFunc func(ctx context.Context, cfg ServerConfig) (toolClient, error)

type connection struct {
	cfg    ServerConfig
	client toolClient
}

// Registry owns the server-name → connection map.
type Registry struct {
	configs []ServerConfig
	logger  *slog.Logger
	dial    dialFunc

	mu       sync.Mutex
	conns    map[string]*connection
	inflight map[string]bool
}

// New creates a registry for the given server configurations. No
// connections are made until ConnectAll or the first discovery call.
func New(configs []ServerConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		configs:  configs,
		logger:   logger,
		conns:    make(map[string]*connection),
		inflight: make(map[string]bool),
	}
	r.dial = r.dialServer
	return r
}

// dialServer builds the transport variant the config names, then runs
// the MCP handshake over it.
func (r *Registry) dialServer(ctx context.Context, cfg ServerConfig) (toolClient, error) {
	logger := r.logger.With("server", cfg.Name)

	var transport mcp.Transport
	switch cfg.Transport {
	case "sse":
		headers := map[string]string{}
		if cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}
		transport = mcp.NewSSETransport(mcp.SSEConfig{
			BaseURL: cfg.URL,
			Headers: headers,
			Logger:  logger,
			OnError: func(err error) {
				logger.Warn("MCP stream error", "error", err)
			},
		})
	case "stdio":
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Logger:  logger,
		})
	case "", "streamable":
		transport = mcp.NewStreamableTransport(mcp.StreamableConfig{
			URL:    cfg.URL,
			APIKey: cfg.APIKey,
			Logger: logger,
			OnError: func(err error) {
				logger.Warn("MCP stream error", "error", err)
			},
		})
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", cfg.Transport, cfg.Name)
	}

	client := mcp.NewClient(cfg.Name, transport, logger)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// ConnectAll attempts to connect every enabled server concurrently and
// reports the partition into connected and failed. The operation is
// additive and idempotent per server: already-connected servers are
// left untouched and counted as connected, and an attempt already in
// flight for a name is rejected with ErrConnectionInProgress rather
// than queued.
func (r *Registry) ConnectAll(ctx context.Context) (*ConnectReport, error) {
	if len(r.configs) == 0 {
		return nil, ErrNoServersConfigured
	}

	report := &ConnectReport{}
	var reportMu sync.Mutex
	var wg sync.WaitGroup

	for _, cfg := range r.configs {
		if !cfg.Enabled {
			continue
		}

		r.mu.Lock()
		if _, ok := r.conns[cfg.Name]; ok {
			r.mu.Unlock()
			reportMu.Lock()
			report.Connected = append(report.Connected, cfg.Name)
			reportMu.Unlock()
			continue
		}
		if r.inflight[cfg.Name] {
			r.mu.Unlock()
			reportMu.Lock()
			report.Failed = append(report.Failed, ConnectFailure{
				Name: cfg.Name,
				Err:  ErrConnectionInProgress.Error(),
			})
			reportMu.Unlock()
			continue
		}
		r.inflight[cfg.Name] = true
		r.mu.Unlock()

		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()

			client, err := r.dial(ctx, cfg)

			r.mu.Lock()
			delete(r.inflight, cfg.Name)
			if err == nil {
				r.conns[cfg.Name] = &connection{cfg: cfg, client: client}
			}
			r.mu.Unlock()

			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				r.logger.Warn("MCP server connection failed",
					"server", cfg.Name, "error", err)
				report.Failed = append(report.Failed, ConnectFailure{
					Name: cfg.Name,
					Err:  err.Error(),
				})
				return
			}
			r.logger.Info("MCP server connected", "server", cfg.Name)
			report.Connected = append(report.Connected, cfg.Name)
		}(cfg)
	}

	// Wait for all and collect each outcome, never first-success or
	// first-failure.
	wg.Wait()

	sort.Strings(report.Connected)
	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].Name < report.Failed[j].Name
	})
	return report, nil
}

// ListTools fetches every connected server's tool list concurrently and
// returns the merged catalog plus a per-server status map. The map
// covers every enabled server: a fetch failure degrades that server's
// status without aborting the others, and a server that never connected
// appears degraded with its connect error. All servers failing is
// reported via the status map, not an error. Connects implicitly when
// nothing is connected yet.
func (r *Registry) ListTools(ctx context.Context) ([]ToolWithServer, map[string]ServerStatus, error) {
	r.mu.Lock()
	empty := len(r.conns) == 0
	r.mu.Unlock()

	connectErrs := make(map[string]string)
	if empty {
		report, err := r.ConnectAll(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, f := range report.Failed {
			connectErrs[f.Name] = f.Err
		}
	}

	r.mu.Lock()
	snapshot := make(map[string]*connection, len(r.conns))
	for name, conn := range r.conns {
		snapshot[name] = conn
	}
	r.mu.Unlock()

	type result struct {
		name  string
		url   string
		tools []mcp.ToolDefinition
		err   error
	}

	results := make(chan result, len(snapshot))
	var wg sync.WaitGroup
	for name, conn := range snapshot {
		wg.Add(1)
		go func(name string, conn *connection) {
			defer wg.Done()
			tools, err := conn.client.ListTools(ctx)
			results <- result{name: name, url: conn.cfg.URL, tools: tools, err: err}
		}(name, conn)
	}
	wg.Wait()
	close(results)

	statuses := make(map[string]ServerStatus, len(snapshot))
	byServer := make(map[string][]ToolWithServer, len(snapshot))
	for res := range results {
		if res.err != nil {
			r.logger.Warn("tool discovery failed",
				"server", res.name, "error", res.err)
			statuses[res.name] = ServerStatus{Connected: false, Err: res.err.Error()}
			continue
		}
		statuses[res.name] = ServerStatus{Connected: true, ToolCount: len(res.tools)}
		for _, td := range res.tools {
			byServer[res.name] = append(byServer[res.name], ToolWithServer{
				ToolDefinition: td,
				ServerName:     res.name,
				ServerURL:      res.url,
			})
		}
	}

	// Enabled servers with no live connection still get a status entry,
	// so a total outage is visible in the map rather than an empty map.
	for _, cfg := range r.configs {
		if !cfg.Enabled {
			continue
		}
		if _, ok := snapshot[cfg.Name]; ok {
			continue
		}
		errText := connectErrs[cfg.Name]
		if errText == "" {
			errText = "not connected"
		}
		statuses[cfg.Name] = ServerStatus{Connected: false, Err: errText}
	}

	// Stable merge order for deterministic catalogs.
	names := make([]string, 0, len(byServer))
	for name := range byServer {
		names = append(names, name)
	}
	sort.Strings(names)

	var merged []ToolWithServer
	for _, name := range names {
		merged = append(merged, byServer[name]...)
	}

	return merged, statuses, nil
}

// CallTool routes a tool invocation. With an explicit serverName it
// goes straight to that connection; otherwise ownership is resolved via
// discovery. The raw tool result is returned unmodified. Argument
// validation is the caller's responsibility, not the registry's.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any, serverName string) (json.RawMessage, error) {
	if serverName != "" {
		conn := r.lookup(serverName)
		if conn == nil {
			return nil, &ServerNotConnectedError{Server: serverName}
		}
		return conn.client.CallTool(ctx, name, args)
	}

	tools, _, err := r.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	owner := ""
	available := make([]string, 0, len(tools))
	for _, t := range tools {
		available = append(available, t.Name)
		if t.Name == name && owner == "" {
			owner = t.ServerName
		}
	}
	if owner == "" {
		return nil, &ToolNotFoundError{Tool: name, Available: available}
	}

	conn := r.lookup(owner)
	if conn == nil {
		return nil, &ServerNotConnectedError{Server: owner}
	}
	return conn.client.CallTool(ctx, name, args)
}

func (r *Registry) lookup(name string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[name]
}

// ConnectedServers returns the names of servers with live connections.
func (r *Registry) ConnectedServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every live connection concurrently, best-effort, and
// resets the registry to empty.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*connection)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *connection) {
			defer wg.Done()
			if err := conn.client.Close(); err != nil {
				r.logger.Debug("connection close failed", "server", name, "error", err)
			}
		}(name, conn)
	}
	wg.Wait()
}
