// Parley is a conversational agent for MCP tool servers.
//
// It connects to configured MCP servers over SSE, streamable HTTP, or
// stdio, merges their tool catalogs, and drives an LLM conversation
// loop that can call those tools. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley chat              Start an interactive chat session
//	parley ask <question>    Ask a single question
//	parley tools             List tools advertised by configured servers
//	parley version           Print version and build information
//	parley -o json version   Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/quince/parley/internal/agent"
	"github.com/quince/parley/internal/buildinfo"
	"github.com/quince/parley/internal/config"
	"github.com/quince/parley/internal/llm"
	"github.com/quince/parley/internal/registry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by hand
// rather than with the flag package: flag relies on package-level
// globals (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var modelOverride string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-model" && i+1 < len(args):
			modelOverride = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			modelOverride = strings.TrimPrefix(args[i], "-model=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath, modelOverride)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, modelOverride, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Conversational agent for MCP tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive chat session")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  tools        List tools from configured MCP servers")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Override the default model")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// runAsk handles "parley ask <question>": connect, run one turn, print
// the answer, disconnect.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, modelOverride string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	question := strings.Join(args, " ")
	model := cfg.Models.Default
	if modelOverride != "" {
		model = modelOverride
	}

	reg := registry.New(serverConfigs(cfg), logger)
	defer reg.CloseAll()

	tools, statuses, err := reg.ListTools(ctx)
	if err != nil && !errors.Is(err, registry.ErrNoServersConfigured) {
		return fmt.Errorf("tool discovery: %w", err)
	}
	reportDegraded(stderr, statuses)

	loop := agent.NewLoop(buildLLMClient(cfg, logger), reg, logger)
	resp, err := loop.Run(ctx, &agent.Request{
		Messages: []agent.Message{{Role: "user", Content: question}},
		Model:    model,
		Tools:    tools,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runChat handles "parley chat": an interactive REPL over a persistent
// transcript. Ctrl-C or "exit" ends the session; connections are closed
// on the way out.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, modelOverride string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)
	logger.Info("config loaded", "path", cfgPath)

	model := cfg.Models.Default
	if modelOverride != "" {
		model = modelOverride
	}

	reg := registry.New(serverConfigs(cfg), logger)
	defer reg.CloseAll()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	tools, statuses, err := reg.ListTools(ctx)
	if err != nil && !errors.Is(err, registry.ErrNoServersConfigured) {
		return fmt.Errorf("tool discovery: %w", err)
	}
	reportDegraded(stderr, statuses)

	cyan.Fprintf(stdout, "parley %s", buildinfo.Version)
	gray.Fprintf(stdout, "  model=%s tools=%d servers=%d\n", model, len(tools), len(reg.ConnectedServers()))
	gray.Fprintln(stdout, `Type "exit" or Ctrl-C to quit.`)

	loop := agent.NewLoop(buildLLMClient(cfg, logger), reg, logger)

	var transcript []agent.Message
	scanner := bufio.NewScanner(stdin)
	for {
		green.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		transcript = append(transcript, agent.Message{Role: "user", Content: line})
		resp, err := loop.Run(ctx, &agent.Request{
			Messages: transcript,
			Model:    model,
			Tools:    tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			color.New(color.FgRed).Fprintf(stdout, "error: %v\n", err)
			// Drop the failed user message so the transcript stays
			// consistent with what the model actually saw.
			transcript = transcript[:len(transcript)-1]
			continue
		}

		transcript = resp.Transcript
		fmt.Fprintln(stdout, resp.Content)
		gray.Fprintf(stdout, "[%s, %d iteration(s), %d in / %d out tokens]\n",
			resp.Model, resp.Iterations, resp.InputTokens, resp.OutputTokens)
	}
}

// runTools handles "parley tools": connect to every configured server
// and print the merged catalog grouped by server.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	reg := registry.New(serverConfigs(cfg), logger)
	defer reg.CloseAll()

	tools, statuses, err := reg.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("tool discovery: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tools":   tools,
			"servers": statuses,
		})
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	current := ""
	for _, t := range tools {
		if t.ServerName != current {
			current = t.ServerName
			cyan.Fprintf(stdout, "%s (%d tools)\n", current, statuses[current].ToolCount)
		}
		fmt.Fprintf(stdout, "  %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(stdout, " - %s", firstLine(t.Description))
		}
		fmt.Fprintln(stdout)
	}
	for name, st := range statuses {
		if !st.Connected {
			yellow.Fprintf(stdout, "%s: unavailable (%s)\n", name, st.Err)
		}
	}
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools available")
	}
	return nil
}

// buildLLMClient wires the multi-provider client from config: Ollama as
// the fallback, Anthropic when an API key is present, and per-model
// routing from models.available.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL)

	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)
	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

// serverConfigs maps the YAML server entries onto registry configs.
func serverConfigs(cfg *config.Config) []registry.ServerConfig {
	out := make([]registry.ServerConfig, 0, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		out = append(out, registry.ServerConfig{
			Name:        s.Name,
			URL:         s.URL,
			DisplayName: s.DisplayName,
			Transport:   s.Transport,
			Enabled:     s.Enabled,
			APIKey:      s.APIKey,
			Command:     s.Command,
			Args:        s.Args,
		})
	}
	return out
}

// reportDegraded warns about servers that did not produce a tool list.
// Partial availability is normal operation, not a startup failure.
func reportDegraded(w io.Writer, statuses map[string]registry.ServerStatus) {
	yellow := color.New(color.FgYellow)
	for name, st := range statuses {
		if !st.Connected {
			yellow.Fprintf(w, "warning: server %s unavailable: %s\n", name, st.Err)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// newLogger builds the process logger. Logs go to stderr so command
// output on stdout stays pipeable.
func newLogger(w io.Writer, levelName string) *slog.Logger {
	level := slog.LevelInfo
	if levelName != "" {
		if parsed, err := config.ParseLogLevel(levelName); err == nil {
			level = parsed
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. A missing config
// is not fatal: defaults let ask/chat run against a local Ollama with
// no tool servers.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
