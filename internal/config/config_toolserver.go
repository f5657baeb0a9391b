package config

import "time"

// ToolServerConfig configures the tool-server supervisor. When RemoteURL is
// set and healthy it wins; otherwise the subprocess command is spawned.
type ToolServerConfig struct {
	// RemoteURL is the HTTP base URL of a remote tool server.
	RemoteURL string `yaml:"remote_url"`

	// HealthTimeout bounds the remote health probe.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// Subprocess transport
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`

	// ListToolsTTL caches the tool advertisement between refreshes.
	ListToolsTTL time.Duration `yaml:"list_tools_ttl"`

	// Reconnect controls the backoff schedule after transport failure.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is a capped exponential backoff schedule.
type ReconnectConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// ProfilesConfig locates the capability profile store.
type ProfilesConfig struct {
	// Path is the JSON profile store file. Empty disables persisted
	// profiles; the registry then synthesises defaults for every model.
	Path string `yaml:"path"`
}

// SessionConfig configures turn-record persistence.
type SessionConfig struct {
	// Store selects the backend: "file" or "postgres".
	Store string `yaml:"store"`

	// Dir is the directory for the file store (one JSON file per turn).
	Dir string `yaml:"dir"`

	// DatabaseURL is the connection string for the postgres store.
	DatabaseURL string `yaml:"database_url"`

	// Retention prunes old turn records.
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls periodic turn-record pruning.
type RetentionConfig struct {
	// MaxAge deletes records older than this. Zero disables pruning.
	MaxAge time.Duration `yaml:"max_age"`

	// Schedule is a cron expression for the sweep.
	Schedule string `yaml:"schedule"`
}
