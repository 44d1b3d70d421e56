package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateGateway(cfg, ve)
	validateStreaming(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop or stdout)", cfg.Tracer.Exporter)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty when gateway is enabled")
	}
	if len(cfg.Gateway.Tokens) == 0 {
		ve.Add("gateway.tokens must not be empty when gateway is enabled")
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d].token must not be empty", i)
		}
		if tok.Name == "" {
			ve.Add("gateway.tokens[%d].name must not be empty", i)
		}
		if seen[tok.Token] {
			ve.Add("gateway.tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = true
	}
}

func validateStreaming(cfg *Config, ve *ValidationError) {
	s := cfg.Streaming
	if s.MinInterval <= 0 {
		ve.Add("streaming.min_interval must be > 0")
	}
	if s.MaxRetryWait <= 0 {
		ve.Add("streaming.max_retry_wait must be > 0")
	}
	if s.MaxDocumentLen <= 0 {
		ve.Add("streaming.max_document_len must be > 0")
	}
	if s.TailCarryFraction <= 0 {
		ve.Add("streaming.tail_carry_fraction must be > 0")
	}
	if s.TailCarryMax < 0 {
		ve.Add("streaming.tail_carry_max must be >= 0")
	}
	if s.TailCarryMax > s.MaxDocumentLen {
		ve.Add("streaming.tail_carry_max must not exceed streaming.max_document_len")
	}
}
