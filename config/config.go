// Package config defines the Taskyard daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Taskyard configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	DBPath     string           `json:"db_path,omitempty" yaml:"db_path"` // defaults to <data_dir>/taskyard.db
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"` // "text" or "json"
	Query      QueryConfig      `json:"query" yaml:"query"`
	Recurrence RecurrenceConfig `json:"recurrence" yaml:"recurrence"`
	Events     EventsConfig     `json:"events" yaml:"events"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
	APIKeys   []APIKey      `json:"api_keys,omitempty" yaml:"api_keys"`
}

// APIKey binds a static key to an agent identity and its scope.
type APIKey struct {
	Key            string `json:"key" yaml:"key"`
	AgentID        string `json:"agent_id" yaml:"agent_id"`
	ProjectID      string `json:"project_id,omitempty" yaml:"project_id"`
	OrganizationID string `json:"organization_id,omitempty" yaml:"organization_id"`
	Admin          bool   `json:"admin,omitempty" yaml:"admin"`
}

// QueryConfig bounds task selections.
type QueryConfig struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit"`
}

// RecurrenceConfig controls the recurring-rule sweep.
type RecurrenceConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"` // 0 disables the sweep
}

// EventsConfig controls the lifecycle event bus.
type EventsConfig struct {
	History           int    `json:"history" yaml:"history"`
	NATSURL           string `json:"nats_url,omitempty" yaml:"nats_url"` // empty disables NATS
	NATSSubjectPrefix string `json:"nats_subject_prefix" yaml:"nats_subject_prefix"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
		Recurrence: RecurrenceConfig{
			SweepInterval: time.Minute,
		},
		Events: EventsConfig{
			History:           1000,
			NATSSubjectPrefix: "taskyard",
		},
	}
}

// Load reads a YAML config file over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// DatabasePath returns DBPath, or taskyard.db inside DataDir.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "taskyard.db")
}

// Validate reports every nonsensical setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	if c.Query.MaxLimit < 1 || c.Query.MaxLimit > 1000 {
		errs = append(errs, fmt.Errorf("query.max_limit %d: must be between 1 and 1000", c.Query.MaxLimit))
	}
	if c.Query.DefaultLimit < 1 || c.Query.DefaultLimit > c.Query.MaxLimit {
		errs = append(errs, fmt.Errorf("query.default_limit %d: must be between 1 and max_limit", c.Query.DefaultLimit))
	}
	if c.Recurrence.SweepInterval < 0 {
		errs = append(errs, errors.New("recurrence.sweep_interval must not be negative"))
	}
	if c.Events.History < 0 {
		errs = append(errs, errors.New("events.history must not be negative"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Auth.AdminPass != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.AdminPass)); err != nil {
			errs = append(errs, fmt.Errorf("auth.admin_pass must be a bcrypt hash: %w", err))
		}
	}
	seen := make(map[string]bool, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		switch {
		case k.Key == "":
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
		case seen[k.Key]:
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is duplicated", i))
		}
		seen[k.Key] = true
		if k.AgentID == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].agent_id is required", i))
		}
	}
	return errors.Join(errs...)
}
