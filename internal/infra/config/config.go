package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Streaming StreamingConfig `yaml:"streaming"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// TelegramConfig holds Telegram transport settings.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	MentionOnly bool   `yaml:"mention_only"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Tokens  []TokenConfig `yaml:"tokens,omitempty"`
	Forward []string      `yaml:"forward,omitempty"` // bus channels mirrored to clients
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// StreamingConfig holds update-coordinator and session pacing settings.
type StreamingConfig struct {
	MinInterval       time.Duration `yaml:"min_interval"`
	MaxRetryWait      time.Duration `yaml:"max_retry_wait"`
	MaxDocumentLen    int           `yaml:"max_document_len"`
	TailCarryFraction int           `yaml:"tail_carry_fraction"`
	TailCarryMax      int           `yaml:"tail_carry_max"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8090",
		},
		Streaming: StreamingConfig{
			MinInterval:       2 * time.Second,
			MaxRetryWait:      8 * time.Second,
			MaxDocumentLen:    4000,
			TailCarryFraction: 5,
			TailCarryMax:      2000,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error; defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FLOWBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWBOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FLOWBOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FLOWBOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FLOWBOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FLOWBOT_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FLOWBOT_TELEGRAM_MENTION_ONLY"); v == "true" {
		cfg.Telegram.MentionOnly = true
	}
	if v := os.Getenv("FLOWBOT_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("FLOWBOT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("FLOWBOT_STREAMING_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Streaming.MinInterval = d
		}
	}
	if v := os.Getenv("FLOWBOT_STREAMING_MAX_RETRY_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Streaming.MaxRetryWait = d
		}
	}
	if v := os.Getenv("FLOWBOT_STREAMING_MAX_DOCUMENT_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Streaming.MaxDocumentLen = n
		}
	}
}
