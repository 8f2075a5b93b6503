// Package config loads engine configuration from a JSON file with environment
// overrides, and hot-reloads guard pattern files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the deployable knobs of the engine. Durations are milliseconds
// in the JSON form.
type Config struct {
	// Provider selection.
	LLMProvider string `json:"llm_provider,omitempty"` // openai, anthropic, deepseek, ...
	APIKey      string `json:"api_key,omitempty"`
	Model       string `json:"model,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`

	// Fallback models tried in order after a terminal primary failure.
	FallbackModels []string `json:"fallback_models,omitempty"`

	// Run limits.
	MaxConcurrentRuns int `json:"max_concurrent_runs,omitempty"`
	RequestTimeoutMs  int `json:"request_timeout_ms,omitempty"`
	ToolTimeoutMs     int `json:"tool_timeout_ms,omitempty"`
	MaxToolCalls      int `json:"max_tool_calls,omitempty"`
	HistoryWindow     int `json:"history_window,omitempty"`
	TrimBudgetChars   int `json:"trim_budget_chars,omitempty"`

	// Retry.
	RetryMaxAttempts    int     `json:"retry_max_attempts,omitempty"`
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms,omitempty"`
	RetryMaxDelayMs     int     `json:"retry_max_delay_ms,omitempty"`
	RetryMultiplier     float64 `json:"retry_multiplier,omitempty"`

	// Circuit breaker.
	BreakerFailureThreshold int `json:"breaker_failure_threshold,omitempty"`
	BreakerSuccessThreshold int `json:"breaker_success_threshold,omitempty"`
	BreakerResetTimeoutMs   int `json:"breaker_reset_timeout_ms,omitempty"`

	// Response cache.
	CacheEnabled bool `json:"cache_enabled"`
	CacheMaxSize int  `json:"cache_max_size,omitempty"`
	CacheTTLMs   int  `json:"cache_ttl_ms,omitempty"`

	// Prompt cache directive for providers that support one.
	EnablePromptCache bool `json:"enable_prompt_cache"`

	// Persistence.
	SQLitePath string `json:"sqlite_path,omitempty"` // empty = in-memory store

	// Guard tuning.
	GuardPatternFile string `json:"guard_pattern_file,omitempty"`
	MaxInputChars    int    `json:"max_input_chars,omitempty"`
	MinOutputChars   int    `json:"min_output_chars,omitempty"`
	MaxOutputChars   int    `json:"max_output_chars,omitempty"`
	CanaryToken      string `json:"canary_token,omitempty"`
}

// RequestTimeout returns the run deadline as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ToolTimeout returns the default per-tool deadline as a duration.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// Load reads a config file. A missing file yields the zero config, not an
// error, so a plain env-driven deployment needs no file at all.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config json: %w", err)
	}
	return cfg, nil
}

// Save writes the config with owner-only permissions; the file carries the
// API key.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FromEnv overlays environment variables on cfg. Unset variables leave the
// file values untouched.
func FromEnv(cfg Config) Config {
	setStr(&cfg.LLMProvider, "LLM_PROVIDER")
	setStr(&cfg.APIKey, "LLM_API_KEY")
	setStr(&cfg.Model, "LLM_MODEL")
	setStr(&cfg.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.SQLitePath, "ARC_SQLITE_PATH")
	setStr(&cfg.GuardPatternFile, "ARC_GUARD_PATTERN_FILE")
	setStr(&cfg.CanaryToken, "ARC_CANARY_TOKEN")
	setInt(&cfg.MaxConcurrentRuns, "ARC_MAX_CONCURRENT_RUNS")
	setInt(&cfg.RequestTimeoutMs, "ARC_REQUEST_TIMEOUT_MS")
	setInt(&cfg.ToolTimeoutMs, "ARC_TOOL_TIMEOUT_MS")
	setInt(&cfg.MaxToolCalls, "ARC_MAX_TOOL_CALLS")
	setInt(&cfg.HistoryWindow, "ARC_HISTORY_WINDOW")
	setBool(&cfg.CacheEnabled, "ARC_CACHE_ENABLED")
	setBool(&cfg.EnablePromptCache, "ARC_ENABLE_PROMPT_CACHE")
	return cfg
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
