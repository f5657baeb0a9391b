// Package config loads and validates the relay configuration.
//
// Files are YAML or JSON5, support `$include` composition and environment
// variable expansion, and are decoded strictly (unknown keys are errors).
// A loaded Config is immutable; live reload goes through Snapshot.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Version int `yaml:"version"`

	Server        ServerConfig              `yaml:"server"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Router        RouterConfig              `yaml:"router"`
	ToolServer    ToolServerConfig          `yaml:"tool_server"`
	Profiles      ProfilesConfig            `yaml:"profiles"`
	Session       SessionConfig             `yaml:"session"`
	Logging       LoggingConfig             `yaml:"logging"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// Load reads, merges, decodes, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8084
	}

	if c.Router.MaxIterations == 0 {
		c.Router.MaxIterations = 8
	}
	if c.Router.TotalDeadline == 0 {
		c.Router.TotalDeadline = 5 * time.Minute
	}
	if c.Router.StepDeadline == 0 {
		c.Router.StepDeadline = 90 * time.Second
	}
	if c.Router.ToolCallDeadline == 0 {
		c.Router.ToolCallDeadline = 30 * time.Second
	}
	if c.Router.ParallelToolCap == 0 {
		c.Router.ParallelToolCap = 4
	}

	if c.ToolServer.HealthTimeout == 0 {
		c.ToolServer.HealthTimeout = 2 * time.Second
	}
	if c.ToolServer.ListToolsTTL == 0 {
		c.ToolServer.ListToolsTTL = 30 * time.Second
	}
	if c.ToolServer.Reconnect.Initial == 0 {
		c.ToolServer.Reconnect.Initial = 500 * time.Millisecond
	}
	if c.ToolServer.Reconnect.Max == 0 {
		c.ToolServer.Reconnect.Max = 30 * time.Second
	}
	if c.ToolServer.Reconnect.Multiplier == 0 {
		c.ToolServer.Reconnect.Multiplier = 2.0
	}

	if c.Session.Store == "" {
		c.Session.Store = "file"
	}
	if c.Session.Dir == "" {
		c.Session.Dir = "turns"
	}
	if c.Session.Retention.Schedule == "" {
		c.Session.Retention.Schedule = "17 3 * * *"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	if c.Router.MainModel == "" {
		return fmt.Errorf("router.main_model is required")
	}
	if c.Router.MaxIterations < 0 {
		return fmt.Errorf("router.max_iterations must not be negative")
	}
	for id, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", id, err)
		}
	}
	if c.ToolServer.RemoteURL == "" && c.ToolServer.Command == "" {
		return fmt.Errorf("tool_server requires a remote url or a subprocess command")
	}
	switch c.Session.Store {
	case "file":
		// Dir always has a default.
	case "postgres":
		if c.Session.DatabaseURL == "" {
			return fmt.Errorf("session.database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("session.store must be file or postgres, got %q", c.Session.Store)
	}
	return nil
}
