// Package config provides configuration management for the agent runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete runtime configuration.
type Config struct {
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Permission PermissionConfig `yaml:"permission"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// WorkspaceConfig locates the project the agent operates on.
type WorkspaceConfig struct {
	Root     string `yaml:"root"`
	StateDir string `yaml:"state_dir"`
}

// SandboxConfig holds sandbox provider configuration.
type SandboxConfig struct {
	// Provider is the preferred provider name: auto, bwrap, docker,
	// local, or mock. "auto" probes in preference order.
	Provider       string   `yaml:"provider"`
	Mode           string   `yaml:"mode"`
	BwrapPath      string   `yaml:"bwrap_path"`
	DockerImage    string   `yaml:"docker_image"`
	DefaultTimeout string   `yaml:"default_timeout"`
	MaxTimeout     string   `yaml:"max_timeout"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	WritableRoots  []string `yaml:"writable_roots"`
}

// PermissionConfig holds permission engine configuration.
type PermissionConfig struct {
	Mode            string           `yaml:"mode"`
	ApprovalTimeout string           `yaml:"approval_timeout"`
	StorePath       string           `yaml:"store_path"`
	CacheMaxCost    int64            `yaml:"cache_max_cost"`
	CacheTTL        string           `yaml:"cache_ttl"`
	Rules           []PermissionRule `yaml:"rules"`
}

// PermissionRule is one static rule evaluated before mode fallback.
// Exactly one matcher field should be set.
type PermissionRule struct {
	Action  string `yaml:"action"`  // allow, deny, ask
	Tool    string `yaml:"tool"`    // exact tool name
	Path    string `yaml:"path"`    // path glob
	Access  string `yaml:"access"`  // read, write, execute; empty = any
	Command string `yaml:"command"` // argv prefix, space separated
	Reason  string `yaml:"reason"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root:     ".",
			StateDir: ".odyssey",
		},
		Sandbox: SandboxConfig{
			Provider:       "auto",
			Mode:           "workspace-write",
			BwrapPath:      "bwrap",
			DockerImage:    "ubuntu:24.04",
			DefaultTimeout: "30s",
			MaxTimeout:     "10m",
			MaxOutputBytes: 1 << 20,
		},
		Permission: PermissionConfig{
			Mode:            "default",
			ApprovalTimeout: "5m",
			StorePath:       "permissions.jsonl",
			CacheMaxCost:    1 << 20,
			CacheTTL:        "1h",
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns defaults if
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks fields that have a closed set of valid values.
func (c *Config) Validate() error {
	switch c.Sandbox.Provider {
	case "", "auto", "bwrap", "docker", "local", "mock":
	default:
		return fmt.Errorf("unknown sandbox provider %q", c.Sandbox.Provider)
	}
	switch c.Sandbox.Mode {
	case "", "read-only", "workspace-write", "danger-full-access":
	default:
		return fmt.Errorf("unknown sandbox mode %q", c.Sandbox.Mode)
	}
	switch c.Permission.Mode {
	case "", "default", "accept-edits", "plan", "bypass":
	default:
		return fmt.Errorf("unknown permission mode %q", c.Permission.Mode)
	}
	for i, r := range c.Permission.Rules {
		switch r.Action {
		case "allow", "deny", "ask":
		default:
			return fmt.Errorf("rule %d: unknown action %q", i, r.Action)
		}
	}
	durations := []struct {
		name  string
		value string
	}{
		{"sandbox.default_timeout", c.Sandbox.DefaultTimeout},
		{"sandbox.max_timeout", c.Sandbox.MaxTimeout},
		{"permission.approval_timeout", c.Permission.ApprovalTimeout},
		{"permission.cache_ttl", c.Permission.CacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	return nil
}

// GetDefaultTimeout returns the default execution timeout.
func (c *SandboxConfig) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMaxTimeout returns the maximum execution timeout.
func (c *SandboxConfig) GetMaxTimeout() time.Duration {
	d, err := time.ParseDuration(c.MaxTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetApprovalTimeout returns the approval escalation timeout.
func (c *PermissionConfig) GetApprovalTimeout() time.Duration {
	d, err := time.ParseDuration(c.ApprovalTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetCacheTTL returns the decision cache TTL.
func (c *PermissionConfig) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return time.Hour
	}
	return d
}
