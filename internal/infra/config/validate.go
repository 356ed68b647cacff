package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
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
	validateServer(cfg, ve)
	validateAuth(cfg, ve)
	validateAgent(cfg, ve)
	validateEvents(cfg, ve)
	validateJournal(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if cfg.Server.RateLimit.RequestsPerMin < 0 {
		ve.Add("server.rate_limit.requests_per_min must be >= 0")
	}
	if cfg.Server.RateLimit.RequestsPerMin > 0 && cfg.Server.RateLimit.Burst <= 0 {
		ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	for i, p := range cfg.Server.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("server.rate_limit.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	if len(cfg.Auth.Tokens) == 0 && !cfg.Auth.AllowAnonymous {
		ve.Add("auth.tokens must have at least one entry unless auth.allow_anonymous is true")
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("auth.tokens[%d].token must not be empty", i)
			continue
		}
		if strings.HasPrefix(tok.Token, encPrefix) {
			ve.Add("auth.tokens[%d].token is encrypted but CLAWGATE_CONFIG_KEY is not set", i)
		}
		if seen[tok.Token] {
			ve.Add("auth.tokens[%d]: duplicate token", i)
		}
		seen[tok.Token] = true
	}
}

var validProviders = map[string]bool{
	"openai":  true,
	"bedrock": true,
	"echo":    true,
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if strings.TrimSpace(a.DefaultID) == "" {
		ve.Add("agent.default_id must not be empty")
	}
	if !validProviders[a.Provider] {
		ve.Add("agent.provider %q is invalid (want: openai, bedrock, echo)", a.Provider)
		return
	}
	if a.Provider == "echo" {
		return
	}
	if a.Model == "" {
		ve.Add("agent.model must not be empty for provider %s", a.Provider)
	}
	if a.Provider == "openai" {
		if u, err := url.Parse(a.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("agent.base_url %q is not a valid URL", a.BaseURL)
		}
	}
	if strings.HasPrefix(a.APIKey, encPrefix) {
		ve.Add("agent.api_key is encrypted but CLAWGATE_CONFIG_KEY is not set")
	}
	if a.RespTimeout < 0 || a.ConnTimeout < 0 {
		ve.Add("agent timeouts must be >= 0")
	}
	if a.CircuitBreaker.Enabled && a.CircuitBreaker.MaxFailures == 0 {
		ve.Add("agent.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateEvents(cfg *Config, ve *ValidationError) {
	if cfg.Events.Enabled && cfg.Events.SendBuffer <= 0 {
		ve.Add("events.send_buffer must be > 0 when events are enabled")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if !cfg.Journal.Enabled {
		return
	}
	if cfg.Journal.Path == "" {
		ve.Add("journal.path is required when the journal is enabled")
	}
	if cfg.Journal.Retention < 0 {
		ve.Add("journal.retention must be >= 0")
	}
	if cfg.Journal.Retention > 0 {
		if _, err := cron.ParseStandard(cfg.Journal.SweepSchedule); err != nil {
			ve.Add("journal.sweep_schedule %q is invalid: %v", cfg.Journal.SweepSchedule, err)
		}
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
