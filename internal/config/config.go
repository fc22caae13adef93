// Package config loads the runtime configuration: a single JSON file
// under $OSA_HOME plus environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConfigFileName is the file read from the OSA home directory.
const ConfigFileName = "config.json"

// ErrInvalid wraps all validation failures so the CLI can map them to
// its configuration-error exit code.
var ErrInvalid = errors.New("invalid configuration")

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	// Gated hides tool schemas from small local models.
	Gated bool `json:"gated,omitempty"`
}

// StoreConfig selects the durable task store backend.
type StoreConfig struct {
	// Driver is sqlite, postgres, or memory.
	Driver string `json:"driver,omitempty"`
	// Path is the sqlite database file (driver=sqlite).
	Path string `json:"path,omitempty"`
	// DSN is the postgres connection string (driver=postgres).
	DSN string `json:"dsn,omitempty"`
}

// Config is the full runtime configuration.
type Config struct {
	Home string `json:"-"`

	HTTPPort    int    `json:"http_port"`
	RequireAuth bool   `json:"require_auth"`
	AuthSecret  string `json:"auth_secret,omitempty"`

	MaxTokens              int     `json:"max_tokens"`
	MaxIterations          int     `json:"max_iterations"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	NoiseBandLow           float64 `json:"noise_band_low"`
	NoiseBandHigh          float64 `json:"noise_band_high"`

	DefaultProvider string `json:"default_provider,omitempty"`
	// DefaultModel overrides the active provider's model. It is only
	// ever resolved against the provider selected by DefaultProvider,
	// never from an unrelated provider's environment.
	DefaultModel string `json:"default_model,omitempty"`

	SandboxEnabled bool `json:"sandbox_enabled"`

	DailyBudgetUSD   float64 `json:"daily_budget_usd,omitempty"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd,omitempty"`
	PerCallBudgetUSD float64 `json:"per_call_budget_usd,omitempty"`

	// FailureSignature picks how the consecutive-failure cap counts:
	// "tool" (same tool call signature, the default) or "any".
	FailureSignature string `json:"failure_signature,omitempty"`

	// TokenSidecar, when set, is the argv of a JSON-RPC stdio process
	// used for exact token counts.
	TokenSidecar []string `json:"token_sidecar,omitempty"`
	// TiktokenEncoding enables local BPE counting (e.g. "cl100k_base").
	TiktokenEncoding string `json:"tiktoken_encoding,omitempty"`

	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	TaskStore StoreConfig               `json:"task_store"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		HTTPPort:               8600,
		MaxTokens:              128000,
		MaxIterations:          30,
		MaxConsecutiveFailures: 3,
		NoiseBandLow:           0.3,
		NoiseBandHigh:          0.6,
		FailureSignature:       "tool",
		Providers:              map[string]ProviderConfig{},
		TaskStore:              StoreConfig{Driver: "sqlite"},
	}
}

// DefaultHome resolves $OSA_HOME, falling back to ~/.osa.
func DefaultHome() string {
	if home := os.Getenv("OSA_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".osa"
	}
	return filepath.Join(userHome, ".osa")
}

// Load reads <home>/config.json when present, applies environment
// overrides, and validates. A missing file is not an error; defaults
// apply.
func Load(home string) (*Config, error) {
	if home == "" {
		home = DefaultHome()
	}
	cfg := Default()
	cfg.Home = home

	path := filepath.Join(home, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	cfg.Home = home

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("OSA_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.HTTPPort = n
		}
	}
	if v := os.Getenv("OSA_REQUIRE_AUTH"); v != "" {
		c.RequireAuth = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OSA_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}

	// *_API_KEY env vars fill provider credentials without touching
	// any model selection.
	for name, envKey := range map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	} {
		key := os.Getenv(envKey)
		if key == "" {
			continue
		}
		p := c.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
		}
		c.Providers[name] = p
	}
}

// Validate checks value ranges. All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: http_port %d out of range", ErrInvalid, c.HTTPPort)
	}
	if c.NoiseBandLow < 0 || c.NoiseBandHigh > 1 || c.NoiseBandLow > c.NoiseBandHigh {
		return fmt.Errorf("%w: noise band [%.2f, %.2f] must satisfy 0 <= low <= high <= 1",
			ErrInvalid, c.NoiseBandLow, c.NoiseBandHigh)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive", ErrInvalid)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalid)
	}
	if c.RequireAuth && c.AuthSecret == "" {
		return fmt.Errorf("%w: require_auth is set but no auth_secret configured", ErrInvalid)
	}
	switch c.TaskStore.Driver {
	case "", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("%w: unknown task_store.driver %q", ErrInvalid, c.TaskStore.Driver)
	}
	switch c.FailureSignature {
	case "", "tool", "any":
	default:
		return fmt.Errorf("%w: failure_signature must be \"tool\" or \"any\"", ErrInvalid)
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok && c.DefaultProvider != "local" {
			return fmt.Errorf("%w: default_provider %q has no providers entry", ErrInvalid, c.DefaultProvider)
		}
	}
	return nil
}

// ResolveModel returns the model for a named provider: the per-provider
// block first, then the global default_model, but only when that
// provider is the configured default. Another provider's setting never
// leaks in.
func (c *Config) ResolveModel(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.Model != "" {
		return p.Model
	}
	if c.DefaultModel != "" && provider == c.DefaultProvider {
		return c.DefaultModel
	}
	return ""
}

// SQLitePath is the task store location for the sqlite driver.
func (c *Config) SQLitePath() string {
	if c.TaskStore.Path != "" {
		return c.TaskStore.Path
	}
	return filepath.Join(c.Home, "tasks.db")
}

// SessionsDir is the root of per-session history logs.
func (c *Config) SessionsDir() string { return filepath.Join(c.Home, "sessions") }
