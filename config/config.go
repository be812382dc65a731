// Package config loads the devflow application configuration from YAML with
// sensible defaults for local development. All fields are optional; an empty
// file (or none at all) yields a runnable in-memory setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	// App is the application name used in logging.
	App string `yaml:"app"`

	Log        LogConfig        `yaml:"log"`
	Host       HostConfig       `yaml:"host"`
	Connection ConnectionConfig `yaml:"connection"`
	Database   DatabaseConfig   `yaml:"database"`

	// Agents are remote agents registered at startup.
	Agents []AgentConfig `yaml:"agents"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// HostConfig configures the orchestrating host agent.
type HostConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	// Instruction is appended to the generated routing instruction.
	Instruction string `yaml:"instruction"`
}

// Duration wraps time.Duration with YAML support for both human-readable
// strings ("5s", "100ms") and raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ConnectionConfig configures remote agent connections.
type ConnectionConfig struct {
	Timeout    Duration `yaml:"timeout"`
	Retries    int      `yaml:"retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// DatabaseConfig selects the persistence backend. An empty path keeps
// everything in memory.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig declares a remote agent to register at startup.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	URL          string   `yaml:"url"`
	Capabilities []string `yaml:"capabilities"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		App: "devflow",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Host: HostConfig{
			Name:        "host",
			Description: "Routes user requests to remote agents",
		},
		Connection: ConnectionConfig{
			Timeout:    Duration(30 * time.Second),
			Retries:    3,
			RetryDelay: Duration(time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Connection.Retries < 0 {
		return fmt.Errorf("connection retries must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent entry without a name")
		}
		if a.URL == "" {
			return fmt.Errorf("agent %s without a url", a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate agent name %s", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}
