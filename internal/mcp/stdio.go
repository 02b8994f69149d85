package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current process environment.
	Env []string

	// OnClose fires exactly once when the transport shuts down.
	OnClose func()

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a local
// subprocess. Outbound messages are written to stdin one per line;
// every stdout line is delivered on the inbound channel.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	msgs chan []byte

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is launched by Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

// Start launches the subprocess and begins draining its stdout into the
// inbound channel. The subprocess lifecycle is independent of ctx; it
// survives individual request timeouts and is only terminated by Close.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging, not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readStdout(stdout)
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readStdout delivers each stdout line as one inbound message. Non-JSON
// lines are dropped with a debug log. The channel is closed when the
// subprocess exits or the transport closes; this goroutine is the only
// sender, so the close is race-free.
func (t *StdioTransport) readStdout(r io.Reader) {
	defer close(t.msgs)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
			continue
		}

		out := make([]byte, len(line))
		copy(out, line)
		select {
		case t.msgs <- out:
		case <-t.closed:
			return
		}
	}

	t.Close()
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes one message followed by the newline delimiter.
func (t *StdioTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return ErrNotStarted
	}
	if t.isClosed() {
		return ErrTransportClosed
	}

	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Messages returns the inbound message channel.
func (t *StdioTransport) Messages() <-chan []byte {
	return t.msgs
}

// Close terminates the subprocess. Idempotent; the close callback fires
// exactly once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		cmd := t.cmd
		stdin := t.stdin
		t.mu.Unlock()

		if stdin != nil {
			stdin.Close()
		}

		if cmd != nil && cmd.Process != nil {
			t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

			// Wait briefly for graceful exit, then force kill.
			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.logger.Warn("MCP subprocess did not exit gracefully, killing",
					"pid", cmd.Process.Pid,
				)
				_ = cmd.Process.Kill()
				<-done
			}
		}

		if t.config.OnClose != nil {
			t.config.OnClose()
		}
	})
	return nil
}

func (t *StdioTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
