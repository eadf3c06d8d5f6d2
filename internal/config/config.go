// Package config loads the service configuration from an optional YAML file
// and applies environment overrides on top. Values not present in either
// source keep their defaults; Validate catches the combinations that cannot
// work before anything is wired.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/veiljournal/veil/pkg/logger"
)

// DefaultPath is where Load looks when no explicit path is given. A missing
// file at the default path is not an error; a missing explicit path is.
const DefaultPath = "config/veil.yaml"

// Config is the root configuration for the veild process.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Cache       CacheConfig          `yaml:"cache"`
	Budget      BudgetConfig         `yaml:"budget"`
	Inference   InferenceConfig      `yaml:"inference"`
	Moderation  ModerationConfig     `yaml:"moderation"`
	Auth        AuthConfig           `yaml:"auth"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Maintenance MaintenanceConfig    `yaml:"maintenance"`
	Audit       AuditConfig          `yaml:"audit"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host                   string `yaml:"host" env:"VEIL_SERVER_HOST"`
	Port                   int    `yaml:"port" env:"VEIL_SERVER_PORT"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds" env:"VEIL_SERVER_READ_TIMEOUT"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds" env:"VEIL_SERVER_WRITE_TIMEOUT"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" env:"VEIL_SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns the host:port the HTTP server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig controls the relational store. An empty DSN selects the
// in-memory store, which is intended for development and tests only.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns           int    `yaml:"max_open_conns" env:"VEIL_DB_MAX_OPEN_CONNS"`
	MaxIdleConns           int    `yaml:"max_idle_conns" env:"VEIL_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds" env:"VEIL_DB_CONN_MAX_LIFETIME"`
}

// CacheConfig controls the response cache. When RedisAddr is set the cache
// lives in Redis; otherwise an in-process LRU is used and Capacity applies.
type CacheConfig struct {
	Capacity      int    `yaml:"capacity" env:"VEIL_CACHE_CAPACITY"`
	TTLSeconds    int    `yaml:"ttl_seconds" env:"VEIL_CACHE_TTL"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
}

// BudgetConfig sets the monthly spending envelope for the inference provider.
type BudgetConfig struct {
	MonthlyCapEUR  float64 `yaml:"monthly_cap_eur" env:"VEIL_BUDGET_CAP_EUR"`
	MonthlyWarnEUR float64 `yaml:"monthly_warn_eur" env:"VEIL_BUDGET_WARN_EUR"`
}

// InferenceConfig points at an OpenAI-compatible chat-completions endpoint.
// An empty APIKey disables the primary path entirely; the governor then
// serves heuristic results only.
type InferenceConfig struct {
	BaseURL           string  `yaml:"base_url" env:"INFERENCE_BASE_URL"`
	APIKey            string  `yaml:"api_key" env:"INFERENCE_API_KEY"`
	Model             string  `yaml:"model" env:"INFERENCE_MODEL"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" env:"VEIL_INFERENCE_TIMEOUT"`
	Temperature       float64 `yaml:"temperature" env:"VEIL_INFERENCE_TEMPERATURE"`
	AnalysisMaxTokens int     `yaml:"analysis_max_tokens" env:"VEIL_INFERENCE_ANALYSIS_MAX_TOKENS"`
	QuickMaxTokens    int     `yaml:"quick_max_tokens" env:"VEIL_INFERENCE_QUICK_MAX_TOKENS"`
}

// ModerationConfig points at the moderation endpoint. When unset the gate is
// permanently fail-open.
type ModerationConfig struct {
	BaseURL        string `yaml:"base_url" env:"MODERATION_BASE_URL"`
	APIKey         string `yaml:"api_key" env:"MODERATION_API_KEY"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"VEIL_MODERATION_TIMEOUT"`
}

// AuthConfig holds the HMAC secret used to verify bearer tokens minted by
// the external identity provider. When empty, the API falls back to trusted
// X-Caller-Id / X-Caller-Role headers (development and tests only).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"VEIL_JWT_SECRET"`
}

// RateLimitConfig bounds per-caller throughput on the analysis endpoints.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" env:"VEIL_RATE_PER_MINUTE"`
	Burst     int `yaml:"burst" env:"VEIL_RATE_BURST"`
}

// MaintenanceConfig holds cron expressions for the background jobs.
type MaintenanceConfig struct {
	SweepSchedule    string `yaml:"sweep_schedule" env:"VEIL_SWEEP_SCHEDULE"`
	SnapshotSchedule string `yaml:"snapshot_schedule" env:"VEIL_SNAPSHOT_SCHEDULE"`
}

// AuditConfig controls the governor decision trail. An empty LogPath keeps
// the trail in memory only.
type AuditConfig struct {
	LogPath string `yaml:"log_path" env:"VEIL_AUDIT_LOG_PATH"`
}

// Default returns a configuration that runs against the in-memory store with
// the primary inference path disabled.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    60,
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 1800,
		},
		Cache: CacheConfig{
			Capacity:   512,
			TTLSeconds: 86400,
		},
		Budget: BudgetConfig{
			MonthlyCapEUR:  20,
			MonthlyWarnEUR: 18,
		},
		Inference: InferenceConfig{
			BaseURL:           "https://api.openai.com",
			Model:             "gpt-4o-mini",
			TimeoutSeconds:    30,
			Temperature:       0.7,
			AnalysisMaxTokens: 400,
			QuickMaxTokens:    150,
		},
		Moderation: ModerationConfig{
			BaseURL:        "https://api.openai.com",
			TimeoutSeconds: 5,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 10,
			Burst:     3,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:    "@hourly",
			SnapshotSchedule: "@daily",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file, then
// environment overrides, then validation. path may be empty, in which case
// DefaultPath is used if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file at the default location; defaults plus env apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// envdecode reports ErrNoTargetFieldsAreSet when nothing in the
	// environment matched, which is fine here.
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency and fills the few derivable
// defaults (warn threshold from cap).
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds <= 0 || c.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server: read/write timeouts must be positive")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}

	if c.Budget.MonthlyCapEUR <= 0 {
		return fmt.Errorf("budget: monthly_cap_eur must be positive, got %v", c.Budget.MonthlyCapEUR)
	}
	if c.Budget.MonthlyWarnEUR <= 0 {
		c.Budget.MonthlyWarnEUR = c.Budget.MonthlyCapEUR * 0.9
	}
	if c.Budget.MonthlyWarnEUR > c.Budget.MonthlyCapEUR {
		return fmt.Errorf("budget: warn threshold %v exceeds cap %v", c.Budget.MonthlyWarnEUR, c.Budget.MonthlyCapEUR)
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache: capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache: ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	}

	if c.Inference.APIKey != "" {
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("inference: base_url is required when api_key is set")
		}
		if c.Inference.Model == "" {
			return fmt.Errorf("inference: model is required when api_key is set")
		}
	}
	if c.Inference.TimeoutSeconds <= 0 {
		return fmt.Errorf("inference: timeout_seconds must be positive, got %d", c.Inference.TimeoutSeconds)
	}
	if c.Inference.Temperature < 0 || c.Inference.Temperature > 2 {
		return fmt.Errorf("inference: temperature %v out of range [0,2]", c.Inference.Temperature)
	}
	if c.Inference.AnalysisMaxTokens <= 0 || c.Inference.QuickMaxTokens <= 0 {
		return fmt.Errorf("inference: max token budgets must be positive")
	}
	if c.Moderation.TimeoutSeconds <= 0 {
		return fmt.Errorf("moderation: timeout_seconds must be positive, got %d", c.Moderation.TimeoutSeconds)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit: per_minute must be positive, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 1
	}

	if c.Maintenance.SweepSchedule == "" {
		c.Maintenance.SweepSchedule = "@hourly"
	}
	if c.Maintenance.SnapshotSchedule == "" {
		c.Maintenance.SnapshotSchedule = "@daily"
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeSeconds <= 0 {
		c.Database.ConnMaxLifetimeSeconds = 1800
	}
	return nil
}
