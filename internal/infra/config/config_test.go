package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want info", cfg.Logger.Level)
	}
	if cfg.Streaming.MinInterval != 2*time.Second {
		t.Errorf("Streaming.MinInterval = %v, want 2s", cfg.Streaming.MinInterval)
	}
	if cfg.Streaming.MaxRetryWait != 8*time.Second {
		t.Errorf("Streaming.MaxRetryWait = %v, want 8s", cfg.Streaming.MaxRetryWait)
	}
	if cfg.Streaming.MaxDocumentLen != 4000 {
		t.Errorf("Streaming.MaxDocumentLen = %d, want 4000", cfg.Streaming.MaxDocumentLen)
	}
	if cfg.Gateway.Enabled {
		t.Error("gateway should be disabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Streaming.MinInterval != 2*time.Second {
		t.Errorf("MinInterval = %v, want default", cfg.Streaming.MinInterval)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: debug
  format: json
telegram:
  token: "123:abc"
streaming:
  min_interval: 3s
  max_document_len: 3500
gateway:
  enabled: true
  addr: ":9000"
  tokens:
    - token: secret
      name: cli
  forward:
    - stream_delta
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("logger = %+v", cfg.Logger)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("telegram token = %q", cfg.Telegram.Token)
	}
	if cfg.Streaming.MinInterval != 3*time.Second {
		t.Errorf("MinInterval = %v, want 3s", cfg.Streaming.MinInterval)
	}
	if cfg.Streaming.MaxDocumentLen != 3500 {
		t.Errorf("MaxDocumentLen = %d, want 3500", cfg.Streaming.MaxDocumentLen)
	}
	if cfg.Streaming.MaxRetryWait != 8*time.Second {
		t.Errorf("MaxRetryWait = %v, unset field should keep default", cfg.Streaming.MaxRetryWait)
	}
	if !cfg.Gateway.Enabled || len(cfg.Gateway.Tokens) != 1 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWBOT_LOGGER_LEVEL", "warn")
	t.Setenv("FLOWBOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("FLOWBOT_STREAMING_MIN_INTERVAL", "500ms")
	t.Setenv("FLOWBOT_STREAMING_MAX_DOCUMENT_LEN", "1234")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("Telegram.Token = %q", cfg.Telegram.Token)
	}
	if cfg.Streaming.MinInterval != 500*time.Millisecond {
		t.Errorf("MinInterval = %v, want 500ms", cfg.Streaming.MinInterval)
	}
	if cfg.Streaming.MaxDocumentLen != 1234 {
		t.Errorf("MaxDocumentLen = %d, want 1234", cfg.Streaming.MaxDocumentLen)
	}
}

func TestEnvOverrideIgnoresBadDuration(t *testing.T) {
	t.Setenv("FLOWBOT_STREAMING_MIN_INTERVAL", "not-a-duration")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Streaming.MinInterval != 2*time.Second {
		t.Errorf("MinInterval = %v, want default kept", cfg.Streaming.MinInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "loud"
	cfg.Streaming.MinInterval = 0
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if len(ve.Errors) < 3 {
		t.Errorf("expected at least 3 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
	if !strings.Contains(err.Error(), "logger.level") {
		t.Errorf("error should mention logger.level: %v", err)
	}
}

func TestValidateRejectsDuplicateTokens(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Tokens = []TokenConfig{
		{Token: "same", Name: "a"},
		{Token: "same", Name: "b"},
	}

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate token") {
		t.Errorf("expected duplicate token error, got %v", err)
	}
}
