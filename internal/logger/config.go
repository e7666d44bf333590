package logger

import (
	"fmt"
	"io"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ParseLevel validates a level name
func ParseLevel(s string) (LogLevel, error) {
	switch l := LogLevel(s); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	default:
		return "", fmt.Errorf("invalid log level: %s", s)
	}
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes internal planner logs from logs emitted while a
// handler runs a task
type LogSource string

const (
	LogSourceInternal LogSource = "planner_internal"
	LogSourceTask     LogSource = "planner_task"
)

// Component identifies which part of the system generated the log
type Component string

const (
	ComponentAPI       Component = "api"
	ComponentEngine    Component = "engine"
	ComponentScheduler Component = "scheduler"
	ComponentStore     Component = "store"
	ComponentHandler   Component = "handler"
	ComponentDelivery  Component = "delivery"
	ComponentCLI       Component = "cli"
	ComponentLogger    Component = "logger"
)

// Config holds the complete logging configuration for all tiers
type Config struct {
	// Global settings
	Level  LogLevel  `json:"level" yaml:"level"`
	Format LogFormat `json:"format" yaml:"format"`

	// Tier 1: Console (always enabled)
	Console ConsoleConfig `json:"console" yaml:"console"`

	// Tier 2: File (optional)
	File FileConfig `json:"file" yaml:"file"`
}

// ConsoleConfig configures console/terminal logging (Tier 1)
type ConsoleConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Color   bool `json:"color" yaml:"color"` // text mode only

	// Output defaults to os.Stderr so command output on stdout stays clean
	Output io.Writer `json:"-" yaml:"-"`
}

// FileConfig configures file-based logging (Tier 2)
type FileConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`   // Max size before rotation
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`   // Max number of old log files
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Max age in days
	Compress   bool   `json:"compress" yaml:"compress"`         // Compress rotated files

	// Performance settings
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	BatchInterval time.Duration `json:"batch_interval" yaml:"batch_interval"`
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatText,
		Console: ConsoleConfig{
			Enabled: true,
			Color:   true,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/planner/planner.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseLevel(string(c.Level)); err != nil {
		return err
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
		if c.File.BatchSize <= 0 || c.File.BufferSize <= 0 {
			return fmt.Errorf("file buffer and batch sizes must be > 0")
		}
		if c.File.BatchInterval <= 0 {
			return fmt.Errorf("file batch interval must be > 0")
		}
	}

	return nil
}
