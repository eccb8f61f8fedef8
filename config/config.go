// Package config holds the typed configuration record consumed by the
// client, rate-limit profiles, environment and YAML file loading, and an
// optional reload watcher.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthMode selects the authentication strategy.
type AuthMode string

const (
	// AuthAuto picks API key when configured, Vertex otherwise.
	AuthAuto AuthMode = ""
	// AuthAPIKey uses the public Gemini API with an API key header.
	AuthAPIKey AuthMode = "api_key"
	// AuthVertex uses Vertex AI with OAuth2 bearer tokens.
	AuthVertex AuthMode = "vertex_ai"
)

// NormalizeAuthMode accepts the vertex/vertex_ai aliases and rejects
// anything it does not recognize; an explicit selector never falls through
// to a default strategy.
func NormalizeAuthMode(v string) (AuthMode, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "":
		return AuthAuto, nil
	case "api_key", "gemini", "gemini_api":
		return AuthAPIKey, nil
	case "vertex", "vertex_ai", "vertexai":
		return AuthVertex, nil
	default:
		return AuthAuto, fmt.Errorf("unknown auth mode %q", v)
	}
}

// RateLimitConfig is the rate-limit profile consumed by the rate-limit
// manager.
type RateLimitConfig struct {
	MaxConcurrencyPerModel int     `yaml:"max_concurrency_per_model"`
	MaxAttempts            int     `yaml:"max_attempts"`
	BaseBackoffMS          int     `yaml:"base_backoff_ms"`
	MaxBackoffMS           int     `yaml:"max_backoff_ms"`
	JitterFactor           float64 `yaml:"jitter_factor"`
	NonBlocking            bool    `yaml:"non_blocking"`
	DisableRateLimiter     bool    `yaml:"disable_rate_limiter"`
	AdaptiveConcurrency    bool    `yaml:"adaptive_concurrency"`
	AdaptiveCeiling        int     `yaml:"adaptive_ceiling"`
	TokenBudgetPerWindow   int     `yaml:"token_budget_per_window"`
	WindowDurationMS       int     `yaml:"window_duration_ms"`
	// RequestsPerSecond adds optional request smoothing on top of the
	// permit gate. Zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Config is the process-wide configuration record. Every field can be
// overridden per call through CallOptions.
type Config struct {
	// Auth material.
	APIKey             string `yaml:"api_key"`
	ProjectID          string `yaml:"project_id"`
	Location           string `yaml:"location"`
	ServiceAccountPath string `yaml:"service_account_path"`
	AccessToken        string `yaml:"access_token"`
	QuotaProjectID     string `yaml:"quota_project_id"`
	AuthMode           AuthMode `yaml:"auth_mode"`

	// Call defaults.
	DefaultModel      string `yaml:"default_model"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	MaxStreams        int    `yaml:"max_streams"`
	MaxToolTurns      int    `yaml:"max_tool_turns"`

	// Ambient.
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	Debug            bool   `yaml:"debug"`
	LogFile          string `yaml:"log_file"`
	ProxyURL         string `yaml:"proxy_url"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the baseline configuration (paid_tier_1 rate limits).
func Default() Config {
	return Config{
		Location:          "us-central1",
		DefaultModel:      "gemini-2.5-flash",
		RequestTimeoutSec: 180,
		MaxStreams:        64,
		MaxToolTurns:      4,
		TelemetryEnabled:  true,
		RateLimit:         mustProfile("paid_tier_1"),
	}
}

// Profile returns a named canonical rate-limit profile.
func Profile(name string) (RateLimitConfig, error) {
	base := RateLimitConfig{
		MaxBackoffMS:     30000,
		JitterFactor:     0.2,
		WindowDurationMS: 60000,
	}
	switch name {
	case "free_tier":
		base.MaxConcurrencyPerModel = 2
		base.MaxAttempts = 5
		base.BaseBackoffMS = 2000
		base.TokenBudgetPerWindow = 32_000
	case "paid_tier_1":
		base.MaxConcurrencyPerModel = 10
		base.MaxAttempts = 3
		base.BaseBackoffMS = 500
		base.TokenBudgetPerWindow = 1_000_000
	case "paid_tier_2":
		base.MaxConcurrencyPerModel = 20
		base.MaxAttempts = 2
		base.BaseBackoffMS = 250
		base.TokenBudgetPerWindow = 2_000_000
	default:
		return RateLimitConfig{}, fmt.Errorf("unknown rate-limit profile %q", name)
	}
	return base, nil
}

func mustProfile(name string) RateLimitConfig {
	p, err := Profile(name)
	if err != nil {
		panic(err)
	}
	return p
}

// FromEnv overlays recognized environment variables onto cfg.
func FromEnv(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	setString(&cfg.ProjectID, "GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT")
	setString(&cfg.Location, "GOOGLE_CLOUD_LOCATION", "GOOGLE_CLOUD_REGION")
	setString(&cfg.ServiceAccountPath, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.AccessToken, "GEMINI_ACCESS_TOKEN")
	setString(&cfg.QuotaProjectID, "GOOGLE_CLOUD_QUOTA_PROJECT")
	setString(&cfg.DefaultModel, "GEMINI_DEFAULT_MODEL")
	setString(&cfg.ProxyURL, "GEMINI_PROXY_URL")

	if v := strings.TrimSpace(os.Getenv("GEMINI_RATE_LIMIT_PROFILE")); v != "" {
		if p, err := Profile(v); err == nil {
			cfg.RateLimit = p
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_REQUEST_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeoutSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_DEBUG")); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load composes defaults, optional file, then environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Default(), err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}
	FromEnv(&cfg)
	return cfg, nil
}

// Validate checks invariants the core relies on.
func (c *Config) Validate() error {
	if c.RateLimit.MaxConcurrencyPerModel < 0 {
		return fmt.Errorf("max_concurrency_per_model must be >= 0")
	}
	if c.RateLimit.JitterFactor < 0 || c.RateLimit.JitterFactor >= 1 {
		return fmt.Errorf("jitter_factor must be in [0, 1)")
	}
	if c.AuthMode == AuthVertex && c.ProjectID == "" {
		return fmt.Errorf("project_id is required for vertex_ai auth")
	}
	return nil
}
