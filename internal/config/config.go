package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	AI           AIConfig           `yaml:"ai"`
	Quota        QuotaConfig        `yaml:"quota"`
	Provider     ProviderConfig     `yaml:"provider"`
	Regeneration RegenerationConfig `yaml:"regeneration"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Redis        RedisConfig        `yaml:"redis"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Usage        UsageConfig        `yaml:"usage"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// Per-caller HTTP throttle in front of the quota governor.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// AIConfig selects the provider backend and the model rate table.
type AIConfig struct {
	Provider   string `yaml:"provider"` // openai, azure, anthropic, gemini, ollama
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	APIVersion string `yaml:"api_version"` // azure only
	MaxTokens  int    `yaml:"max_tokens"`
	// USD per 1000 tokens, keyed by model name.
	ModelRates  map[string]string `yaml:"model_rates"`
	DefaultRate string            `yaml:"default_rate"`
}

type QuotaConfig struct {
	MaxRequestsPerMinute int    `yaml:"max_requests_per_minute"`
	HourlySpendingLimit  string `yaml:"hourly_spending_limit"`
	MaxContentSize       int    `yaml:"max_content_size"`
	// Seconds the cached hourly spend stays valid before it is recomputed.
	SpendCacheTTLSeconds int `yaml:"spend_cache_ttl_seconds"`
	// Use the Redis sliding window instead of the in-process one.
	Distributed bool `yaml:"distributed"`
	// Percentages at which SpendingLimitWarning fires.
	WarningThresholds []int `yaml:"warning_thresholds"`
}

type ProviderConfig struct {
	MaxRetries            int `yaml:"max_retries"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	BackoffBaseMillis     int `yaml:"backoff_base_millis"`
	BackoffMaxMillis      int `yaml:"backoff_max_millis"`
}

type RegenerationConfig struct {
	MaxRegenerationsPerUnit int `yaml:"max_regenerations_per_unit"`
}

type PipelineConfig struct {
	// Number of ordered signal lanes; a correlation id always maps to the same lane.
	SignalLanes int `yaml:"signal_lanes"`
	WorkerCount int `yaml:"worker_count"`
}

// RedisConfig for the optional async task queue and the distributed quota window.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AlertsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Type       string `yaml:"type"` // slack, generic
	WebhookURL string `yaml:"webhook_url"`
}

type UsageConfig struct {
	RetentionDays int    `yaml:"retention_days"` // 0 keeps records forever
	CleanupCron   string `yaml:"cleanup_cron"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var GlobalConfig *Config

// Load reads configPath on top of DefaultConfig and applies environment overrides.
// A missing file is not an error.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	cfg.overrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			Mode:              "debug",
			RequestsPerSecond: 5,
			Burst:             20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "quizforge.db",
		},
		AI: AIConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			DefaultRate: "0.002",
		},
		Quota: QuotaConfig{
			MaxRequestsPerMinute: 10,
			HourlySpendingLimit:  "5.00",
			MaxContentSize:       50000,
			SpendCacheTTLSeconds: 30,
			WarningThresholds:    []int{90, 95},
		},
		Provider: ProviderConfig{
			MaxRetries:            3,
			RequestTimeoutSeconds: 120,
			BackoffBaseMillis:     1000,
			BackoffMaxMillis:      30000,
		},
		Regeneration: RegenerationConfig{
			MaxRegenerationsPerUnit: 3,
		},
		Pipeline: PipelineConfig{
			SignalLanes: 8,
			WorkerCount: 4,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Alerts: AlertsConfig{
			Type: "generic",
		},
		Usage: UsageConfig{
			RetentionDays: 0,
			CleanupCron:   "0 3 * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects values that would make the governor or the provider client misbehave.
func (c *Config) Validate() error {
	if c.Quota.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("quota.max_requests_per_minute must be positive, got %d", c.Quota.MaxRequestsPerMinute)
	}
	if c.Quota.MaxContentSize <= 0 {
		return fmt.Errorf("quota.max_content_size must be positive, got %d", c.Quota.MaxContentSize)
	}
	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider.max_retries must not be negative, got %d", c.Provider.MaxRetries)
	}
	if c.Provider.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("provider.request_timeout_seconds must be positive, got %d", c.Provider.RequestTimeoutSeconds)
	}
	if c.Regeneration.MaxRegenerationsPerUnit < 0 {
		return fmt.Errorf("regeneration.max_regenerations_per_unit must not be negative, got %d", c.Regeneration.MaxRegenerationsPerUnit)
	}
	if c.Quota.Distributed && !c.Redis.Enabled {
		return fmt.Errorf("quota.distributed requires redis.enabled")
	}
	return nil
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		c.AI.Provider = provider
	}
	if baseURL := os.Getenv("AI_BASE_URL"); baseURL != "" {
		c.AI.BaseURL = baseURL
	}
	if apiKey := os.Getenv("AI_API_KEY"); apiKey != "" {
		c.AI.APIKey = apiKey
	}
	if model := os.Getenv("AI_MODEL"); model != "" {
		c.AI.Model = model
	}
	if v := envInt("MAX_REQUESTS_PER_MINUTE"); v != nil {
		c.Quota.MaxRequestsPerMinute = *v
	}
	if limit := os.Getenv("HOURLY_SPENDING_LIMIT"); limit != "" {
		c.Quota.HourlySpendingLimit = limit
	}
	if v := envInt("MAX_CONTENT_SIZE"); v != nil {
		c.Quota.MaxContentSize = *v
	}
	if v := envInt("MAX_RETRIES"); v != nil {
		c.Provider.MaxRetries = *v
	}
	if v := envInt("REQUEST_TIMEOUT_SECONDS"); v != nil {
		c.Provider.RequestTimeoutSeconds = *v
	}
	if v := envInt("MAX_REGENERATIONS_PER_UNIT"); v != nil {
		c.Regeneration.MaxRegenerationsPerUnit = *v
	}
	if url := os.Getenv("ALERT_WEBHOOK_URL"); url != "" {
		c.Alerts.Enabled = true
		c.Alerts.WebhookURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

func envInt(key string) *int {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}
