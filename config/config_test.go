package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskyard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("./data", "taskyard.db") {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestLoad(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	path := writeConfig(t, `
server:
  addr: ":8088"
auth:
  jwt_secret: s3cret
  admin_pass: "`+string(hash)+`"
  token_ttl: 2h
  api_keys:
    - key: k1
      agent_id: builder
      project_id: p1
log_format: json
db_path: /tmp/x.db
query:
  default_limit: 25
recurrence:
  sweep_interval: 30s
events:
  nats_url: nats://localhost:4222
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8088" {
		t.Errorf("Addr = %q, want :8088", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v, want 2h", cfg.Auth.TokenTTL)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].ProjectID != "p1" {
		t.Errorf("APIKeys = %+v", cfg.Auth.APIKeys)
	}
	if cfg.Query.DefaultLimit != 25 || cfg.Query.MaxLimit != 1000 {
		t.Errorf("Query = %+v, want default 25 max 1000", cfg.Query)
	}
	if cfg.Recurrence.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.Recurrence.SweepInterval)
	}
	if cfg.Auth.AdminUser != "admin" {
		t.Errorf("AdminUser default lost: %q", cfg.Auth.AdminUser)
	}
	if cfg.DatabasePath() != "/tmp/x.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad level", "log_level: loud\n", "log_level"},
		{"bad format", "log_format: xml\n", "log_format"},
		{"limit over max", "query:\n  default_limit: 2000\n", "default_limit"},
		{"plain password", "auth:\n  admin_pass: hunter2\n", "bcrypt"},
		{"duplicate key", "auth:\n  api_keys:\n    - {key: a, agent_id: x}\n    - {key: a, agent_id: y}\n", "duplicated"},
		{"key without agent", "auth:\n  api_keys:\n    - {key: a}\n", "agent_id"},
		{"not yaml", "server: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
