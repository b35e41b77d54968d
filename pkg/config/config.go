package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds global settings for the EcoShield gateway.
// Every setting can be supplied via environment variables; an optional YAML
// file (ECOSHIELD_CONFIG) is applied on top of the built-in defaults before
// the environment is consulted.
type Config struct {
	// === Server ===
	ListenAddr    string  `yaml:"listen_addr"`    // Address for the HTTP surface (default ":8000")
	AdminToken    string  `yaml:"admin_token"`    // Bearer token required for admin endpoints (empty = open, dev only)
	MaxConcurrent int     `yaml:"max_concurrent"` // Cap on concurrently executing pipelines (default 256)
	RateLimitRPS  float64 `yaml:"rate_limit_rps"` // Per-fingerprint request rate (0 = disabled)
	RateBurst     int     `yaml:"rate_burst"`     // Per-fingerprint burst allowance

	// === Upstream LLM backend ===
	LLMBaseURL string `yaml:"llm_base_url"` // OpenAI-compatible base URL
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMModel   string `yaml:"llm_model"`

	// === Compression backend ===
	CompressionURL     string `yaml:"compression_url"`
	CompressionAPIKey  string `yaml:"compression_api_key"`
	CompressionModel   string `yaml:"compression_model"`
	CompressionTimeout time.Duration `yaml:"compression_timeout"`

	// === Judge backend (LLM-as-judge) ===
	JudgeBaseURL string `yaml:"judge_base_url"`
	JudgeAPIKey  string `yaml:"judge_api_key"`
	JudgeModel   string `yaml:"judge_model"`

	// === Entropy thresholds ===
	// H > Weird blocks outright; Suspicious < H <= Weird goes to the judge tie-breaker.
	EntropyWeird      float64 `yaml:"entropy_weird"`
	EntropySuspicious float64 `yaml:"entropy_suspicious"`

	// === Penalty policy ===
	BaseAggressiveness    float64       `yaml:"base_aggressiveness"`    // Compression level for unflagged users (default 0.5)
	PenaltyAggressiveness float64       `yaml:"penalty_aggressiveness"` // Compression level for flagged users (default 0.8)
	PenaltyTTL            time.Duration `yaml:"penalty_ttl"`            // Flag lifetime (default 1h)
	PenaltyCapacity       int           `yaml:"penalty_capacity"`       // Max tracked flags before LRU eviction (default 1000)
	CostWindowSize        int           `yaml:"cost_window_size"`       // Sliding window for the global token-cost average (default 1000)

	// === Signature patterns ===
	PatternsFile  string `yaml:"patterns_file"`  // Optional YAML file with extra signature patterns
	WatchPatterns bool   `yaml:"watch_patterns"` // Hot-reload the patterns file on change

	// === Observability ===
	AuditLogPath string `yaml:"audit_log_path"` // JSONL verdict records (default "audit_events.jsonl")
}

// NewDefaultConfig creates a Config with sensible defaults,
// overridable via environment variables.
func NewDefaultConfig() *Config {
	cfg := &Config{
		ListenAddr:    GetEnv("ECOSHIELD_LISTEN_ADDR", ":8000"),
		AdminToken:    GetEnv("ECOSHIELD_ADMIN_TOKEN", ""),
		MaxConcurrent: GetEnvInt("ECOSHIELD_MAX_CONCURRENT", 256),
		RateLimitRPS:  GetEnvFloat("ECOSHIELD_RATE_LIMIT_RPS", 0),
		RateBurst:     GetEnvInt("ECOSHIELD_RATE_BURST", 10),

		LLMBaseURL: GetEnv("ECOSHIELD_LLM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
		LLMAPIKey:  GetEnv("ECOSHIELD_LLM_API_KEY", os.Getenv("GEMINI_API_KEY")),
		LLMModel:   GetEnv("ECOSHIELD_LLM_MODEL", "gemini-2.5-flash-lite"),

		CompressionURL:     GetEnv("ECOSHIELD_COMPRESSION_URL", "https://api.thetokencompany.com/v1/compress"),
		CompressionAPIKey:  GetEnv("ECOSHIELD_COMPRESSION_API_KEY", os.Getenv("TOKEN_COMPANY_KEY")),
		CompressionModel:   GetEnv("ECOSHIELD_COMPRESSION_MODEL", "bear-1"),
		CompressionTimeout: time.Duration(GetEnvInt("ECOSHIELD_COMPRESSION_TIMEOUT_MS", 10000)) * time.Millisecond,

		JudgeBaseURL: GetEnv("ECOSHIELD_JUDGE_BASE_URL", GetEnv("ECOSHIELD_LLM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai")),
		JudgeAPIKey:  GetEnv("ECOSHIELD_JUDGE_API_KEY", GetEnv("ECOSHIELD_LLM_API_KEY", os.Getenv("GEMINI_API_KEY"))),
		JudgeModel:   GetEnv("ECOSHIELD_JUDGE_MODEL", "gemini-2.5-flash-lite"),

		EntropyWeird:      GetEnvFloat("ECOSHIELD_ENTROPY_WEIRD", 6.5),
		EntropySuspicious: GetEnvFloat("ECOSHIELD_ENTROPY_SUSPICIOUS", 5.5),

		BaseAggressiveness:    GetEnvFloat("ECOSHIELD_BASE_AGGRESSIVENESS", 0.5),
		PenaltyAggressiveness: GetEnvFloat("ECOSHIELD_PENALTY_AGGRESSIVENESS", 0.8),
		PenaltyTTL:            time.Duration(GetEnvInt("ECOSHIELD_PENALTY_TTL_SECONDS", 3600)) * time.Second,
		PenaltyCapacity:       clampInt(GetEnvInt("ECOSHIELD_PENALTY_CAPACITY", 1000), 1, 1_000_000),
		CostWindowSize:        clampInt(GetEnvInt("ECOSHIELD_COST_WINDOW_SIZE", 1000), 1, 1_000_000),

		PatternsFile:  GetEnv("ECOSHIELD_PATTERNS_FILE", ""),
		WatchPatterns: GetEnvBool("ECOSHIELD_WATCH_PATTERNS", true),

		AuditLogPath: GetEnv("ECOSHIELD_AUDIT_LOG", "audit_events.jsonl"),
	}

	return cfg
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment overrides already baked into the
// defaults. An empty path with ECOSHIELD_CONFIG set loads that file instead.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		path = os.Getenv("ECOSHIELD_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior. In production mode missing credentials are fatal;
// in development they only warn.
func (c *Config) Validate() error {
	if c.EntropySuspicious >= c.EntropyWeird {
		return fmt.Errorf("entropy thresholds inverted: suspicious (%.2f) must be below weird (%.2f)",
			c.EntropySuspicious, c.EntropyWeird)
	}
	for name, v := range map[string]float64{
		"base_aggressiveness":    c.BaseAggressiveness,
		"penalty_aggressiveness": c.PenaltyAggressiveness,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %.2f", name, v)
		}
	}
	if c.PenaltyTTL <= 0 {
		return fmt.Errorf("penalty_ttl must be positive, got %s", c.PenaltyTTL)
	}
	if c.PenaltyCapacity <= 0 || c.CostWindowSize <= 0 {
		return fmt.Errorf("penalty_capacity and cost_window_size must be positive")
	}

	isProduction := isProductionEnv()
	if c.LLMAPIKey == "" {
		if isProduction {
			return fmt.Errorf("missing ECOSHIELD_LLM_API_KEY (upstream LLM credential)")
		}
		log.Printf("[STARTUP] Warning: no upstream LLM API key configured")
	}
	if c.AdminToken == "" && isProduction {
		return fmt.Errorf("missing ECOSHIELD_ADMIN_TOKEN (admin endpoints must be protected in production)")
	}

	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before serving traffic.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: Configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

func isProductionEnv() bool {
	env := strings.ToLower(os.Getenv("ECOSHIELD_ENV"))
	return env == "production" || env == "prod"
}

// clampInt ensures a value is within bounds
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Helper functions for environment variable parsing.
// Exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
