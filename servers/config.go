package servers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const (
	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCacheTTL = 10 * time.Minute
)

// ServerConfig describes one remote tool server
type ServerConfig struct {
	ID string `json:"-" yaml:"-"`

	// Local/stdio transport fields
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Remote transport fields
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"` // "stdio" | "sse" | "streamable"
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`   // e.g. "30s"
	CacheTTL string `json:"cacheTTL,omitempty" yaml:"cacheTTL,omitempty"` // discovery cache lifetime
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the server should be started; default true
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TimeoutDuration returns the per-call timeout
func (c ServerConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, DefaultTimeout)
}

// TTL returns how long discovered tools stay fresh
func (c ServerConfig) TTL() time.Duration {
	return parseDuration(c.CacheTTL, DefaultCacheTTL)
}

// Display returns a short human readable form of the server's endpoint
func (c ServerConfig) Display() string {
	switch c.Transport {
	case TransportSSE, TransportStreamable:
		return fmt.Sprintf("%s (%s)", c.URL, c.Transport)
	default:
		parts := append([]string{c.Command}, c.Args...)
		return strings.Join(parts, " ")
	}
}

func (c ServerConfig) validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", c.ID)
		}
	case TransportSSE, TransportStreamable:
		if c.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a URL", c.ID, c.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport type: %s (supported: stdio, sse, streamable)", c.ID, c.Transport)
	}
	for name, v := range map[string]string{"timeout": c.Timeout, "cacheTTL": c.CacheTTL} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("server %s: invalid %s %q: %w", c.ID, name, v, err)
		}
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Config is the server configuration document, in the Claude Desktop
// format: {"mcpServers": {"name": {...}}}. Defaults are merged into every
// server that leaves a field unset.
type Config struct {
	Servers  map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
	Defaults ServerConfig            `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// IDs returns the configured server ids in sorted order
func (c *Config) IDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// normalize fills ids and infers missing transports
func (c *Config) normalize() {
	for id, srv := range c.Servers {
		c.Servers[id] = srv.normalized(id)
	}
}

func (c ServerConfig) normalized(id string) ServerConfig {
	c.ID = id
	if c.Transport == "" {
		if c.URL != "" {
			c.Transport = TransportStreamable
		} else {
			c.Transport = TransportStdio
		}
	}
	return c
}

// Validate checks every server entry
func (c *Config) Validate() error {
	c.normalize()
	for _, id := range c.IDs() {
		if err := c.Servers[id].validate(); err != nil {
			return err
		}
	}
	return nil
}

// Select narrows the config to a single server
func (c *Config) Select(id string) (*Config, error) {
	srv, ok := c.Servers[id]
	if !ok {
		return nil, fmt.Errorf("server %q not found in config (available: %v)", id, c.IDs())
	}
	return &Config{Servers: map[string]ServerConfig{id: srv}, Defaults: c.Defaults}, nil
}

// ParseServerSpec splits a server spec into file path and server name
// Format: "path/to/config.json" or "path/to/config.json#servername"
func ParseServerSpec(spec string) (file string, serverName string) {
	if idx := strings.LastIndex(spec, "#"); idx != -1 {
		switch filepath.Ext(spec[:idx]) {
		case ".json", ".yaml", ".yml":
			return spec[:idx], spec[idx+1:]
		}
	}
	return spec, ""
}

// LoadConfig reads a server config file. A "#name" suffix selects one server.
func LoadConfig(spec string) (*Config, error) {
	path, name := ParseServerSpec(spec)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config file %s: %w", path, err)
	}

	format := "json"
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, err
	}
	if name != "" {
		return cfg.Select(name)
	}
	return cfg, nil
}

// ParseConfig decodes a config document ("json" or "yaml"), applies
// defaults and validates it.
func ParseConfig(data []byte, format string) (*Config, error) {
	var cfg Config
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no servers defined in mcpServers (use format: {\"mcpServers\": {\"name\": {...}}})")
	}

	for id, srv := range cfg.Servers {
		if err := mergo.Merge(&srv, cfg.Defaults); err != nil {
			return nil, fmt.Errorf("failed to apply defaults to %s: %w", id, err)
		}
		cfg.Servers[id] = srv
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
