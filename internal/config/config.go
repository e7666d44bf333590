// Package config loads planner settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/serialization"
)

// Store backends
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// ConfigFileEnv names the environment variable holding the config file path
const ConfigFileEnv = "PLANNER_CONFIG"

// Config holds all configuration for the planner
type Config struct {
	// Mode selects which parts of the process run
	Mode Mode `yaml:"mode"`

	// StoreBackend is redis or sqlite
	StoreBackend string `yaml:"store_backend"`
	// RedisURL is the connection URL for Redis
	RedisURL string `yaml:"redis_url"`
	// SQLitePath is the database file used by the sqlite backend
	SQLitePath string `yaml:"sqlite_path"`
	// KeyPrefix namespaces every Redis key
	KeyPrefix string `yaml:"key_prefix"`
	// PayloadFormat is how task data is encoded at rest (json or protobuf)
	PayloadFormat string `yaml:"payload_format"`

	// APIPort is the port the API server listens on
	APIPort string `yaml:"api_port"`

	// PollInterval is how often the engine looks for due tasks
	PollInterval time.Duration `yaml:"poll_interval"`
	// ImminentHorizon is how far ahead tasks are held in RAM
	ImminentHorizon time.Duration `yaml:"imminent_horizon"`
	// TaskTimeout bounds a single handler execution; 0 disables it
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// StaleAfter is how long a task may stay processing before recovery
	StaleAfter time.Duration `yaml:"stale_after"`
	// MaxInFlight bounds concurrent dispatches
	MaxInFlight int `yaml:"max_in_flight"`

	// DefaultMaxRetries applies to tasks scheduled without a retry policy
	DefaultMaxRetries int `yaml:"default_max_retries"`
	// DefaultRetryDelay is the backoff used with DefaultMaxRetries
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay"`
	// CleanupFailed makes cleanup purge failed tasks too
	CleanupFailed bool `yaml:"cleanup_failed"`

	// FanoutConcurrency bounds parallel per-recipient sends
	FanoutConcurrency int `yaml:"fanout_concurrency"`
	// FanoutRatePerSec throttles per-recipient sends; 0 means unlimited
	FanoutRatePerSec float64 `yaml:"fanout_rate_per_sec"`

	// ResultBackendEnabled enables storing execution results in Redis
	ResultBackendEnabled bool `yaml:"result_backend_enabled"`
	// ResultBackendTTLSuccess is the TTL for successful execution results
	ResultBackendTTLSuccess time.Duration `yaml:"result_ttl_success"`
	// ResultBackendTTLFailure is the TTL for failed execution results
	ResultBackendTTLFailure time.Duration `yaml:"result_ttl_failure"`

	// Logging configuration
	Logging *logger.Config `yaml:"logging"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Mode:                    ModeAll,
		StoreBackend:            BackendRedis,
		RedisURL:                "redis://localhost:6379",
		SQLitePath:              "planner.db",
		KeyPrefix:               "planner",
		PayloadFormat:           "json",
		APIPort:                 "8080",
		PollInterval:            1 * time.Second,
		ImminentHorizon:         1 * time.Hour,
		TaskTimeout:             5 * time.Minute,
		StaleAfter:              10 * time.Minute,
		MaxInFlight:             16,
		DefaultMaxRetries:       0,
		DefaultRetryDelay:       30 * time.Second,
		CleanupFailed:           false,
		FanoutConcurrency:       8,
		FanoutRatePerSec:        0,
		ResultBackendEnabled:    true,
		ResultBackendTTLSuccess: 1 * time.Hour,
		ResultBackendTTLFailure: 24 * time.Hour,
		Logging:                 logger.DefaultConfig(),
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path (or $PLANNER_CONFIG when path is empty), then the environment
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}
	return nil
}

// applyEnv overrides every field whose environment variable is set
func (c *Config) applyEnv() {
	c.Mode = Mode(getEnv("MODE", string(c.Mode)))
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.KeyPrefix = getEnv("KEY_PREFIX", c.KeyPrefix)
	c.PayloadFormat = getEnv("PAYLOAD_FORMAT", c.PayloadFormat)
	c.APIPort = getEnv("API_PORT", c.APIPort)
	c.PollInterval = getEnvAsDuration("POLL_INTERVAL", c.PollInterval)
	c.ImminentHorizon = getEnvAsDuration("IMMINENT_HORIZON", c.ImminentHorizon)
	c.TaskTimeout = getEnvAsDuration("TASK_TIMEOUT", c.TaskTimeout)
	c.StaleAfter = getEnvAsDuration("STALE_AFTER", c.StaleAfter)
	c.MaxInFlight = getEnvAsInt("MAX_IN_FLIGHT", c.MaxInFlight)
	c.DefaultMaxRetries = getEnvAsInt("DEFAULT_MAX_RETRIES", c.DefaultMaxRetries)
	c.DefaultRetryDelay = getEnvAsDuration("DEFAULT_RETRY_DELAY", c.DefaultRetryDelay)
	c.CleanupFailed = getEnvAsBool("CLEANUP_FAILED", c.CleanupFailed)
	c.FanoutConcurrency = getEnvAsInt("FANOUT_CONCURRENCY", c.FanoutConcurrency)
	c.FanoutRatePerSec = getEnvAsFloat("FANOUT_RATE_PER_SEC", c.FanoutRatePerSec)
	c.ResultBackendEnabled = getEnvAsBool("RESULT_BACKEND_ENABLED", c.ResultBackendEnabled)
	c.ResultBackendTTLSuccess = getEnvAsDuration("RESULT_TTL_SUCCESS", c.ResultBackendTTLSuccess)
	c.ResultBackendTTLFailure = getEnvAsDuration("RESULT_TTL_FAILURE", c.ResultBackendTTLFailure)
	applyLoggingEnv(c.Logging)
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if err := c.Mode.Validate(); err != nil {
		return err
	}

	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty with the redis backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty with the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be one of: redis, sqlite)", c.StoreBackend)
	}
	if c.ResultBackendEnabled && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when the result backend is enabled")
	}

	if _, err := serialization.ParseFormat(c.PayloadFormat); err != nil {
		return fmt.Errorf("invalid PAYLOAD_FORMAT: %w", err)
	}
	if c.Mode.RunsAPI() && c.APIPort == "" {
		return fmt.Errorf("API_PORT cannot be empty")
	}

	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll interval too short: %v (minimum 100ms)", c.PollInterval)
	}
	if c.PollInterval > 1*time.Minute {
		return fmt.Errorf("poll interval too long: %v (maximum 1 minute)", c.PollInterval)
	}
	if c.ImminentHorizon < c.PollInterval {
		return fmt.Errorf("imminent horizon %v must be at least the poll interval %v", c.ImminentHorizon, c.PollInterval)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("TASK_TIMEOUT cannot be negative")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("STALE_AFTER must be positive")
	}
	if c.MaxInFlight < 1 || c.MaxInFlight > 1000 {
		return fmt.Errorf("MAX_IN_FLIGHT must be between 1 and 1000 (got %d)", c.MaxInFlight)
	}

	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("DEFAULT_MAX_RETRIES cannot be negative")
	}
	if c.DefaultRetryDelay < 0 {
		return fmt.Errorf("DEFAULT_RETRY_DELAY cannot be negative")
	}

	if c.FanoutConcurrency < 1 {
		return fmt.Errorf("FANOUT_CONCURRENCY must be at least 1")
	}
	if c.FanoutRatePerSec < 0 {
		return fmt.Errorf("FANOUT_RATE_PER_SEC cannot be negative")
	}

	if c.ResultBackendEnabled && (c.ResultBackendTTLSuccess <= 0 || c.ResultBackendTTLFailure <= 0) {
		return fmt.Errorf("result TTLs must be positive")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging config is missing")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// applyLoggingEnv overlays logging settings from environment variables
func applyLoggingEnv(cfg *logger.Config) {
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", cfg.Console.Enabled)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", cfg.Console.Color)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", cfg.File.Enabled)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", cfg.File.BufferSize)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", cfg.File.BatchSize)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", cfg.File.BatchInterval)
}
