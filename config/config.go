// Package config loads the news server configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendSnapshot = "snapshot"
	BackendShelf    = "shelf"
	BackendSQL      = "sql"
)

// Shelf engines.
const (
	EngineBolt   = "bolt"
	EngineBadger = "badger"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Backend  string         `yaml:"backend" toml:"backend"`
	Snapshot SnapshotConfig `yaml:"snapshot" toml:"snapshot"`
	Shelf    ShelfConfig    `yaml:"shelf" toml:"shelf"`
	SQL      SQLConfig      `yaml:"sql" toml:"sql"`
	Mail     MailConfig     `yaml:"mail" toml:"mail"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	// Hostname appears in Xref headers and synthesized Message-IDs. Empty
	// means the local host name.
	Hostname string `yaml:"hostname" toml:"hostname"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	Address string `yaml:"address" toml:"address"`
	// MetricsAddress serves /metrics when set.
	MetricsAddress string `yaml:"metrics_address" toml:"metrics_address"`
}

// SnapshotConfig configures the snapshot backend. Groups and Moderators only
// seed a new file.
type SnapshotConfig struct {
	Path       string              `yaml:"path" toml:"path"`
	Groups     []string            `yaml:"groups" toml:"groups"`
	Moderators map[string][]string `yaml:"moderators" toml:"moderators"`
}

// ShelfConfig configures the keyed-store backend.
type ShelfConfig struct {
	Path       string `yaml:"path" toml:"path"`
	Engine     string `yaml:"engine" toml:"engine"`
	SyncWrites bool   `yaml:"sync_writes" toml:"sync_writes"`
}

// SQLConfig configures the relational backend.
type SQLConfig struct {
	Driver     string              `yaml:"driver" toml:"driver"`
	Path       string              `yaml:"path" toml:"path"`
	Groups     []string            `yaml:"groups" toml:"groups"`
	Moderators map[string][]string `yaml:"moderators" toml:"moderators"`
}

// MailConfig configures moderation mail.
type MailConfig struct {
	Host   string `yaml:"host" toml:"host"`
	Sender string `yaml:"sender" toml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that serves a local snapshot file.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Address: "127.0.0.1:1119"},
		Backend: BackendSnapshot,
		Snapshot: SnapshotConfig{
			Path:   "news.db",
			Groups: []string{"alt.test"},
		},
		Shelf:   ShelfConfig{Path: "news-shelf", Engine: EngineBolt},
		SQL:     SQLConfig{Driver: "sqlite", Path: "news.sqlite", Groups: []string{"alt.test"}},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Default. The format follows the extension: .toml is
// TOML, anything else YAML. ${VAR} references are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envVar.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVar.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	switch c.Backend {
	case BackendSnapshot:
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required")
		}
	case BackendShelf:
		if c.Shelf.Path == "" {
			return fmt.Errorf("shelf.path is required")
		}
		if c.Shelf.Engine != EngineBolt && c.Shelf.Engine != EngineBadger {
			return fmt.Errorf("shelf.engine must be %q or %q, got %q", EngineBolt, EngineBadger, c.Shelf.Engine)
		}
	case BackendSQL:
		if c.SQL.Path == "" {
			return fmt.Errorf("sql.path is required")
		}
		if c.SQL.Driver != "sqlite" && c.SQL.Driver != "sqlite3" {
			return fmt.Errorf("sql.driver must be sqlite or sqlite3, got %q", c.SQL.Driver)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
