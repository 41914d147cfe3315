package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Runtimes.Mode != "auto" {
		t.Errorf("expected default mode auto, got %s", cfg.Runtimes.Mode)
	}
	if cfg.Runtimes.RequestTimeout != 30*time.Second {
		t.Errorf("expected request_timeout 30s, got %v", cfg.Runtimes.RequestTimeout)
	}
	if cfg.Monitor.Schedule != "* * * * *" {
		t.Errorf("expected every-minute schedule, got %q", cfg.Monitor.Schedule)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/clawden.db" {
		t.Errorf("expected store path data/clawden.db, got %s", cfg.Store.Path)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("CLAWDEN_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("CLAWDEN_TELEGRAM_TOKEN", "test-token-123")
	t.Setenv("CLAWDEN_WEB_PASSWORD", "secret")
	t.Setenv("CLAWDEN_WEB_PORT", "9090")
	t.Setenv("CLAWDEN_NATS_PORT", "not-a-port")
	t.Setenv("CLAWDEN_MODE", "direct")
	t.Setenv("CLAWDEN_ROOT", "/tmp/clawden-root")
	t.Setenv("CLAWDEN_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "test-token-123" {
		t.Errorf("expected telegram token test-token-123, got %s", cfg.Telegram.Token)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("invalid port override should be ignored, got %d", cfg.NATS.Port)
	}
	if cfg.Runtimes.Mode != "direct" {
		t.Errorf("expected mode direct, got %s", cfg.Runtimes.Mode)
	}
	if cfg.Runtimes.Root != "/tmp/clawden-root" {
		t.Errorf("expected root override, got %s", cfg.Runtimes.Root)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
telegram:
  token: "yaml-token"
  allow_from: [123, 456]
  instance: support-bot
runtimes:
  mode: docker
  request_timeout: 5s
  build_dir: runtimes
  images:
    zeroclaw: "ghcr.io/example/zeroclaw:1.2"
agents:
  scout:
    runtime: zeroclaw
    channels: [support-bot]
  helper:
    capability: tools
channels:
  support-bot:
    type: telegram
    credentials:
      token: "${CLAWDEN_TEST_BOT_TOKEN}"
web:
  port: 3000
  enabled: false
nats:
  host: 127.0.0.1
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CLAWDEN_CONFIG", cfgPath)
	t.Setenv("CLAWDEN_TELEGRAM_TOKEN", "")
	t.Setenv("CLAWDEN_MODE", "")
	t.Setenv("CLAWDEN_TEST_BOT_TOKEN", "expanded-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Telegram.Token != "yaml-token" {
		t.Errorf("expected yaml-token, got %s", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowFrom) != 2 {
		t.Errorf("expected 2 allow_from entries, got %d", len(cfg.Telegram.AllowFrom))
	}
	if cfg.Telegram.Instance != "support-bot" {
		t.Errorf("expected instance support-bot, got %s", cfg.Telegram.Instance)
	}
	if cfg.Runtimes.Mode != "docker" {
		t.Errorf("expected docker mode, got %s", cfg.Runtimes.Mode)
	}
	if cfg.Runtimes.RequestTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Runtimes.RequestTimeout)
	}
	if cfg.Runtimes.BuildDir != "runtimes" {
		t.Errorf("expected build dir runtimes, got %q", cfg.Runtimes.BuildDir)
	}
	if cfg.NATS.Host != "127.0.0.1" || cfg.NATS.Port != 4222 {
		t.Errorf("unexpected nats config: %+v", cfg.NATS)
	}
	if cfg.Runtimes.Images["zeroclaw"] != "ghcr.io/example/zeroclaw:1.2" {
		t.Errorf("unexpected image map: %v", cfg.Runtimes.Images)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents["helper"].Capability != "tools" {
		t.Errorf("expected helper capability tools, got %q", cfg.Agents["helper"].Capability)
	}
	if got := cfg.Channels["support-bot"].Credentials["token"]; got != "expanded-token" {
		t.Errorf("expected expanded credential, got %q", got)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Monitor.Schedule != "* * * * *" {
		t.Errorf("expected default schedule, got %q", cfg.Monitor.Schedule)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "runtimes:\n  mode: podman\n"},
		{"agent without target", "agents:\n  lost: {}\n"},
		{"channel without type", "channels:\n  nameless:\n    credentials: {token: x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			t.Setenv("CLAWDEN_MODE", "")
			if _, err := LoadFile(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
