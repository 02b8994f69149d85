// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Models     ModelsConfig    `yaml:"models"`
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	MCPServers []MCPServer     `yaml:"mcp_servers"`
	LogLevel   string          `yaml:"log_level"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// MCPServer defines one MCP tool server.
//
// Transport selects the wire variant:
//   - "sse": dual-channel SSE (server pushes the POST endpoint via an
//     "endpoint" event, responses arrive on the stream)
//   - "streamable" (default): streamable HTTP (single URL for GET stream
//     and POSTs, session via Mcp-Session-Id header)
//   - "stdio": local subprocess speaking newline-delimited JSON-RPC
type MCPServer struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	DisplayName string `yaml:"display_name"`
	Transport   string `yaml:"transport"`
	Enabled     bool   `yaml:"enabled"`
	APIKey      string `yaml:"api_key"`

	// Command and Args are used by the stdio transport only.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so API keys can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
				{Name: "claude-sonnet-4-20250514", Provider: "anthropic"},
			},
		},
		LogLevel: "info",
	}
}
