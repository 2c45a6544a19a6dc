package config

import (
	"fmt"
	"net/url"
	"strings"

	"llm-playground/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match validation failures with domain.ErrConfigLoad.
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateChat(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviderTypes = map[string]bool{
	string(domain.FamilyOpenAI):           true,
	string(domain.FamilyOpenAICompatible): true,
	string(domain.FamilyAnthropic):        true,
	string(domain.FamilyGemini):           true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must contain at least one provider")
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openai-compatible, anthropic, gemini)", i, p.Type)
		}
		if p.Type == string(domain.FamilyOpenAICompatible) && p.BaseURL == "" {
			ve.Add("llm.providers[%d] (%s): base_url is required for openai-compatible providers", i, p.Name)
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%d] (%s): base_url %q is not an absolute URL", i, p.Name, p.BaseURL)
			}
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d] (%s): model must not be empty", i, p.Name)
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			ve.Add("llm.providers[%d] (%s): temperature must be between 0 and 2", i, p.Name)
		}
		if p.MaxTokens < 0 {
			ve.Add("llm.providers[%d] (%s): max_tokens must be >= 0", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" && len(cfg.LLM.Providers) > 0 {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	if cfg.LLM.RequestTimeout <= 0 {
		ve.Add("llm.request_timeout must be > 0")
	}
	if cfg.LLM.IdleTimeout <= 0 {
		ve.Add("llm.idle_timeout must be > 0")
	}
	if cfg.LLM.MaxEventSize <= 0 {
		ve.Add("llm.max_event_size must be > 0")
	}
	if cfg.LLM.RateLimit.RequestsPerMinute < 0 {
		ve.Add("llm.rate_limit.requests_per_minute must be >= 0")
	}
	if cfg.LLM.RateLimit.RequestsPerMinute > 0 && cfg.LLM.RateLimit.Burst <= 0 {
		ve.Add("llm.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.Timeout < 0 {
		ve.Add("llm.circuit_breaker.timeout must be >= 0")
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		ve.Add("chat.temperature must be between 0 and 2")
	}
	if cfg.Chat.MaxTokens <= 0 {
		ve.Add("chat.max_tokens must be > 0")
	}
	if cfg.Chat.FlushInterval < 0 {
		ve.Add("chat.flush_interval must be >= 0")
	}
	if cfg.Chat.MaxConcurrentStreams <= 0 {
		ve.Add("chat.max_concurrent_streams must be > 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path must not be empty for the sqlite driver")
		}
	case "memory":
	default:
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
