package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/markus-barta/bulkrelay/internal/actor"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BULKRELAY_REMOTE_ENDPOINT", "wss://bridge.example/ws")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":3000" {
		t.Errorf("Expected listen ':3000', got '%s'", cfg.ListenAddr)
	}
	if cfg.Session.Path != filepath.Join("data", "sessions.db") {
		t.Errorf("Expected default session path, got '%s'", cfg.Session.Path)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.Cooldown != 10*time.Second {
		t.Errorf("Unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Dispatch.MinInterval != 3*time.Second || cfg.Dispatch.AddressSuffix != "@c.us" {
		t.Errorf("Unexpected dispatch defaults %+v", cfg.Dispatch)
	}
	if cfg.HasAuth() {
		t.Error("Expected auth disabled by default")
	}

	strategies := cfg.Strategies()
	if len(strategies) != 1 || strategies[0].Kind != actor.KindRemote {
		t.Errorf("Expected single remote strategy, got %v", strategies)
	}
	if strategies[0].ConnectTimeout != 30*time.Second {
		t.Errorf("Expected 30s remote timeout, got %s", strategies[0].ConnectTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("BULKRELAY_REMOTE_ENDPOINT", "wss://bridge.example/ws")
	t.Setenv("BULKRELAY_LOCAL_COMMAND", "node bridge.js")
	t.Setenv("BULKRELAY_MAX_RETRIES", "5")
	t.Setenv("BULKRELAY_COOLDOWN", "30s")
	t.Setenv("BULKRELAY_MIN_INTERVAL", "not-a-duration")
	t.Setenv("BULKRELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("Expected PORT to set listen addr, got '%s'", cfg.ListenAddr)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.Cooldown != 30*time.Second {
		t.Errorf("Unexpected retry %+v", cfg.Retry)
	}
	if cfg.Dispatch.MinInterval != 3*time.Second {
		t.Errorf("Expected invalid duration to keep default, got %s", cfg.Dispatch.MinInterval)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 origins, got %v", cfg.AllowedOrigins)
	}

	strategies := cfg.Strategies()
	if len(strategies) != 2 || strategies[0].Kind != actor.KindRemote || strategies[1].Kind != actor.KindLocal {
		t.Errorf("Expected remote then local, got %v", strategies)
	}
	if p := cfg.RetryPolicy(); p.MaxRetries != 5 {
		t.Errorf("Expected policy to carry max retries, got %d", p.MaxRetries)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkrelay.yaml")
	yaml := `
listen: ":4000"
client_id: shop
session:
  driver: memory
local:
  command: ./bridge
  connect_timeout: 2m
retry:
  backoff: 7s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BULKRELAY_CLIENT_ID", "override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":4000" {
		t.Errorf("Expected listen from file, got '%s'", cfg.ListenAddr)
	}
	if cfg.ClientID != "override" {
		t.Errorf("Expected env to win, got '%s'", cfg.ClientID)
	}
	if cfg.Local.ConnectTimeout != 2*time.Minute || cfg.Retry.Backoff != 7*time.Second {
		t.Errorf("Expected durations from file, got %s / %s", cfg.Local.ConnectTimeout, cfg.Retry.Backoff)
	}
	if cfg.Retry.Cooldown != 10*time.Second {
		t.Errorf("Expected untouched default cooldown, got %s", cfg.Retry.Cooldown)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"no strategy", nil, "BULKRELAY_REMOTE_ENDPOINT or BULKRELAY_LOCAL_COMMAND is required"},
		{"postgres without dsn", map[string]string{
			"BULKRELAY_LOCAL_COMMAND":  "bridge",
			"BULKRELAY_SESSION_DRIVER": "postgres",
		}, "BULKRELAY_POSTGRES_DSN is required"},
		{"unknown driver", map[string]string{
			"BULKRELAY_LOCAL_COMMAND":  "bridge",
			"BULKRELAY_SESSION_DRIVER": "redis",
		}, `unknown session driver "redis"`},
		{"totp without token", map[string]string{
			"BULKRELAY_LOCAL_COMMAND": "bridge",
			"BULKRELAY_TOTP_SECRET":   "JBSWY3DPEHPK3PXP",
		}, "requires BULKRELAY_TOKEN_HASH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
