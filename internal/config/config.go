// Package config provides centralized configuration management for the market data fetcher.
// Configuration is assembled from defaults, an optional JSON or YAML file, a .env file and
// environment variables, then validated once and passed explicitly to every component.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name" env:"APP_NAME"`
	Version    string `json:"version" yaml:"version" env:"VERSION"`
	ConfigPath string `json:"-" yaml:"-" env:"FETCHER_CONFIG_PATH"`

	API            APIConfig            `json:"api" yaml:"api"`
	Cache          CacheConfig          `json:"cache" yaml:"cache"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Validation     ValidationConfig     `json:"validation" yaml:"validation"`
	Fetch          FetchConfig          `json:"fetch" yaml:"fetch"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Progress       ProgressConfig       `json:"progress" yaml:"progress"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Alerts         AlertsConfig         `json:"alerts" yaml:"alerts"`
}

// APIConfig configures the market data REST API.
// An empty APISecret disables signed endpoints.
type APIConfig struct {
	BaseURL          string `json:"base_url" yaml:"base_url" env:"BINANCE_BASE_URL"`
	APIKey           string `json:"api_key" yaml:"api_key" env:"BINANCE_API_KEY"`
	APISecret        string `json:"api_secret" yaml:"api_secret" env:"BINANCE_API_SECRET"`
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"BINANCE_TIMEOUT_SECONDS"`
	RecvWindowMillis int    `json:"recv_window_millis" yaml:"recv_window_millis" env:"BINANCE_RECV_WINDOW"`
	SignTrades       bool   `json:"sign_trades" yaml:"sign_trades" env:"BINANCE_SIGN_TRADES"` // authenticate trade requests
	ProxyURL         string `json:"proxy_url" yaml:"proxy_url" env:"BINANCE_PROXY_URL"`
}

// CacheConfig configures the local dataset cache
type CacheConfig struct {
	Dir            string `json:"dir" yaml:"dir" env:"FETCHER_CACHE_DIR"`
	Version        string `json:"version" yaml:"version" env:"FETCHER_CACHE_VERSION"`
	MemoryCapacity int    `json:"memory_capacity" yaml:"memory_capacity" env:"FETCHER_CACHE_MEMORY_CAPACITY"`
	MaxAgeDays     int    `json:"max_age_days" yaml:"max_age_days" env:"FETCHER_CACHE_MAX_AGE_DAYS"` // 0 keeps entries forever
}

// RateLimitConfig configures the sliding-window request limiter
type RateLimitConfig struct {
	MaxRequestsPerMinute int     `json:"max_requests_per_minute" yaml:"max_requests_per_minute" env:"FETCHER_MAX_RPM"`
	SafetyMargin         float64 `json:"safety_margin" yaml:"safety_margin" env:"FETCHER_SAFETY_MARGIN"`
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds" env:"FETCHER_RATE_WINDOW_SECONDS"`
	BurstPerSecond       int     `json:"burst_per_second" yaml:"burst_per_second" env:"FETCHER_BURST_PER_SECOND"` // 0 disables smoothing
}

// MaxRequests returns floor(MaxRequestsPerMinute * SafetyMargin).
func (c RateLimitConfig) MaxRequests() int {
	return int(math.Floor(float64(c.MaxRequestsPerMinute)*c.SafetyMargin + 1e-9))
}

// RetryConfig configures retry behavior for network calls
type RetryConfig struct {
	Attempts        int     `json:"attempts" yaml:"attempts" env:"FETCHER_RETRY_ATTEMPTS"`
	DelaySeconds    float64 `json:"delay_seconds" yaml:"delay_seconds" env:"FETCHER_RETRY_DELAY"`
	Multiplier      float64 `json:"multiplier" yaml:"multiplier" env:"FETCHER_RETRY_MULTIPLIER"` // 1 means constant delay
	MaxDelaySeconds float64 `json:"max_delay_seconds" yaml:"max_delay_seconds" env:"FETCHER_RETRY_MAX_DELAY"`
	Jitter          float64 `json:"jitter" yaml:"jitter" env:"FETCHER_RETRY_JITTER"`
}

// ValidationConfig configures data validation
type ValidationConfig struct {
	Enabled                bool    `json:"enabled" yaml:"enabled" env:"FETCHER_VALIDATION_ENABLED"`
	StrictValidation       bool    `json:"strict_validation" yaml:"strict_validation" env:"FETCHER_STRICT_VALIDATION"`
	MaxVolatilityThreshold float64 `json:"max_volatility_threshold" yaml:"max_volatility_threshold" env:"FETCHER_MAX_VOLATILITY"`
	GapToleranceFactor     float64 `json:"gap_tolerance_factor" yaml:"gap_tolerance_factor" env:"FETCHER_GAP_TOLERANCE"`
}

// FetchConfig configures pagination and dataset assembly
type FetchConfig struct {
	MaxBatchSize             int  `json:"max_batch_size" yaml:"max_batch_size" env:"FETCHER_MAX_BATCH_SIZE"`
	IncludeTrades            bool `json:"include_trades" yaml:"include_trades" env:"FETCHER_INCLUDE_TRADES"`
	EstimatedTradesPerCandle int  `json:"estimated_trades_per_candle" yaml:"estimated_trades_per_candle" env:"FETCHER_TRADES_PER_CANDLE"`
	Concurrency              int  `json:"concurrency" yaml:"concurrency" env:"FETCHER_CONCURRENCY"` // symbols fetched in parallel by bulk runs
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL"`                   // debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT"`                // json, text, console
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`                // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`       // used when output is file
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"LOG_MAX_SIZE"`          // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"LOG_MAX_BACKUPS"` // rotated files kept
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"LOG_MAX_AGE"`             // days
	Compress      bool              `json:"compress" yaml:"compress" env:"LOG_COMPRESS"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Addr    string `json:"addr" yaml:"addr" env:"METRICS_ADDR"`
	Path    string `json:"path" yaml:"path" env:"METRICS_PATH"`
}

// StorageConfig configures where merged datasets are persisted after a fetch
type StorageConfig struct {
	Type        string `json:"type" yaml:"type" env:"STORAGE_TYPE"` // none, duckdb, sqlite, memory
	DatabaseURL string `json:"database_url" yaml:"database_url" env:"DATABASE_URL"`
}

// ProgressConfig configures progress reporting
type ProgressConfig struct {
	Backend        string `json:"backend" yaml:"backend" env:"FETCHER_PROGRESS"` // console, dashboard, none
	DashboardAddr  string `json:"dashboard_addr" yaml:"dashboard_addr" env:"FETCHER_DASHBOARD_ADDR"`
	ThrottleMillis int    `json:"throttle_millis" yaml:"throttle_millis" env:"FETCHER_PROGRESS_THROTTLE"`
}

// CircuitBreakerConfig configures the exchange circuit breaker
type CircuitBreakerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled" env:"FETCHER_CIRCUIT_BREAKER"`
	FailureThreshold       int  `json:"failure_threshold" yaml:"failure_threshold" env:"FETCHER_CB_FAILURES"`
	RecoveryTimeoutSeconds int  `json:"recovery_timeout_seconds" yaml:"recovery_timeout_seconds" env:"FETCHER_CB_RECOVERY"`
}

// AlertsConfig configures threshold alerts evaluated over the metrics snapshot
type AlertsConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled" env:"FETCHER_ALERTS_ENABLED"`
	Channels             []string `json:"channels" yaml:"channels" env:"FETCHER_ALERT_CHANNELS" envSeparator:","` // log, console
	IntervalSeconds      int      `json:"interval_seconds" yaml:"interval_seconds" env:"FETCHER_ALERT_INTERVAL"`
	CooldownSeconds      int      `json:"cooldown_seconds" yaml:"cooldown_seconds" env:"FETCHER_ALERT_COOLDOWN"`
	MaxErrorRate         float64  `json:"max_error_rate" yaml:"max_error_rate"`
	MaxCacheMissRate     float64  `json:"max_cache_miss_rate" yaml:"max_cache_miss_rate"`
	MaxValidationIssues  int64    `json:"max_validation_issues" yaml:"max_validation_issues"`
	MaxRateLimitWaitSecs float64  `json:"max_rate_limit_wait_seconds" yaml:"max_rate_limit_wait_seconds"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. configPath may be empty.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the dotenv file consulted before environment parsing.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env entries fill unset variables)
// 2. Configuration file (.json, .yaml or .yml)
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	config.ConfigPath = cm.configPath
	cm.config = config
	cm.logger.InfoContext(ctx, "configuration loaded successfully",
		"config_path", cm.configPath,
		"cache_dir", config.Cache.Dir,
		"max_requests", config.RateLimit.MaxRequests(),
		"signed_endpoints", config.API.APISecret != "",
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if cm.envFile != "" {
		if err := godotenv.Load(cm.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", cm.envFile, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return err
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// Validate checks the configuration for consistency and reports every problem at once.
func (c *AppConfig) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	}
	if c.API.TimeoutSeconds <= 0 {
		errs = append(errs, "api.timeout_seconds must be greater than 0")
	}
	if c.API.SignTrades && c.API.APISecret == "" {
		errs = append(errs, "api.api_secret is required when api.sign_trades is enabled")
	}

	if c.Cache.Dir == "" {
		errs = append(errs, "cache.dir is required")
	}
	if c.Cache.Version == "" {
		errs = append(errs, "cache.version is required")
	}
	if c.Cache.MemoryCapacity <= 0 {
		errs = append(errs, "cache.memory_capacity must be greater than 0")
	}
	if c.Cache.MaxAgeDays < 0 {
		errs = append(errs, "cache.max_age_days cannot be negative")
	}

	if c.RateLimit.SafetyMargin <= 0 || c.RateLimit.SafetyMargin > 1 {
		errs = append(errs, "rate_limit.safety_margin must be in (0, 1]")
	}
	if c.RateLimit.MaxRequests() <= 0 {
		errs = append(errs, "rate_limit.max_requests_per_minute * safety_margin must allow at least one request")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, "rate_limit.window_seconds must be greater than 0")
	}
	if c.RateLimit.BurstPerSecond < 0 {
		errs = append(errs, "rate_limit.burst_per_second cannot be negative")
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, "retry.attempts must be at least 1")
	}
	if c.Retry.DelaySeconds < 0 {
		errs = append(errs, "retry.delay_seconds cannot be negative")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, "retry.jitter must be in [0, 1)")
	}

	if c.Validation.MaxVolatilityThreshold <= 0 {
		errs = append(errs, "validation.max_volatility_threshold must be greater than 0")
	}
	if c.Validation.GapToleranceFactor < 1 {
		errs = append(errs, "validation.gap_tolerance_factor must be at least 1")
	}

	if c.Fetch.MaxBatchSize <= 0 {
		errs = append(errs, "fetch.max_batch_size must be greater than 0")
	}
	if c.Fetch.Concurrency <= 0 {
		errs = append(errs, "fetch.concurrency must be greater than 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	switch c.Storage.Type {
	case "", "none", "memory":
	case "duckdb", "sqlite":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, fmt.Sprintf("storage.database_url is required for %s storage", c.Storage.Type))
		}
	default:
		errs = append(errs, "storage.type must be one of: none, memory, duckdb, sqlite")
	}

	switch c.Progress.Backend {
	case "console", "none":
	case "dashboard":
		if c.Progress.DashboardAddr == "" {
			errs = append(errs, "progress.dashboard_addr is required for the dashboard backend")
		}
	default:
		errs = append(errs, "progress.backend must be one of: console, dashboard, none")
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be greater than 0")
	}

	if c.Alerts.Enabled {
		if c.Alerts.IntervalSeconds <= 0 {
			errs = append(errs, "alerts.interval_seconds must be greater than 0")
		}
		for _, ch := range c.Alerts.Channels {
			if ch != "log" && ch != "console" {
				errs = append(errs, fmt.Sprintf("alerts.channels: unknown channel %q (want log or console)", ch))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file, as YAML or JSON by extension.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.InfoContext(ctx, "configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "marketdata-fetcher",
		Version: "1.0.0",
		API: APIConfig{
			BaseURL:          "https://api.binance.com",
			TimeoutSeconds:   30,
			RecvWindowMillis: 5000,
		},
		Cache: CacheConfig{
			Dir:            "./data/cache",
			Version:        "1.0",
			MemoryCapacity: 10,
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerMinute: 1200,
			SafetyMargin:         0.9,
			WindowSeconds:        60,
		},
		Retry: RetryConfig{
			Attempts:        3,
			DelaySeconds:    1.0,
			Multiplier:      2.0,
			MaxDelaySeconds: 60,
		},
		Validation: ValidationConfig{
			Enabled:                true,
			StrictValidation:       false,
			MaxVolatilityThreshold: 0.1,
			GapToleranceFactor:     1.5,
		},
		Fetch: FetchConfig{
			MaxBatchSize:             1000,
			IncludeTrades:            true,
			EstimatedTradesPerCandle: 100,
			Concurrency:              2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "marketdata-fetcher",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Storage: StorageConfig{
			Type: "none",
		},
		Progress: ProgressConfig{
			Backend:        "console",
			DashboardAddr:  "127.0.0.1:8088",
			ThrottleMillis: 1000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:                true,
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 30,
		},
		Alerts: AlertsConfig{
			Enabled:              false,
			Channels:             []string{"log"},
			IntervalSeconds:      60,
			CooldownSeconds:      300,
			MaxErrorRate:         0.1,
			MaxCacheMissRate:     0.5,
			MaxValidationIssues:  5,
			MaxRateLimitWaitSecs: 60,
		},
	}
}

// String returns a JSON rendering of the configuration with credentials redacted
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.API.APIKey != "" {
		sanitized.API.APIKey = "[REDACTED]"
	}
	if sanitized.API.APISecret != "" {
		sanitized.API.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
