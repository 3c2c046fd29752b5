// Package config provides YAML configuration loading and validation for the
// log manager service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidWatcherConfig wraps every WatcherConfig validation failure.
var ErrInvalidWatcherConfig = errors.New("invalid watcher config")

// Config is the top-level configuration structure for the service.
type Config struct {
	// HTTPAddr is the listen address of the REST API. Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// BaseURI prefixes every log manager route. Defaults to
	// "/api/process-monitor-logs".
	BaseURI string `yaml:"base_uri"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful HTTP shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Stream tunes tail/head streaming.
	Stream StreamConfig `yaml:"stream"`

	// WatchPollInterval, when positive, makes watchers detect directory
	// changes by rescanning at this interval instead of using fsnotify.
	WatchPollInterval time.Duration `yaml:"watch_poll_interval"`

	// Journal selects the operations journal backend.
	Journal JournalConfig `yaml:"journal"`

	// Watchers are registered when the service starts. They are not written
	// back; the registry is rebuilt from this list on every start.
	Watchers []WatcherConfig `yaml:"watchers"`
}

// StreamConfig holds tail/head streaming limits.
type StreamConfig struct {
	// MaxPendingChunks bounds each LineStream queue. Bounded reads wait for
	// the client when it is full; a follow tail fails. It also caps the line
	// count of a follow tail. Defaults to 4096.
	MaxPendingChunks int `yaml:"max_pending_chunks"`

	// DefaultLines is used when a request does not specify a line count.
	// Defaults to 10.
	DefaultLines int `yaml:"default_lines"`

	// Poll makes follow-mode tails poll the file instead of relying on
	// inotify, for file systems that do not deliver change events.
	Poll bool `yaml:"poll"`
}

// JournalConfig selects and configures the journal backend.
type JournalConfig struct {
	// Driver is one of "none", "sqlite", "postgres", or "file". Defaults to
	// "none".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file for the sqlite driver, or the
	// hash-chained JSON lines file for the file driver.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Required for the postgres
	// driver.
	DSN string `yaml:"dsn"`
}

// WatcherConfig describes one monitored log directory. It is immutable once a
// watcher has been created from it; changing it means replacing the watcher.
type WatcherConfig struct {
	// LogDir is the absolute path of the directory. Required.
	LogDir string `yaml:"log_dir" json:"logDir"`

	// LogLevel is the minimum level of the watcher's own log output, e.g.
	// "WARN". Defaults to "WARN".
	LogLevel string `yaml:"log_level" json:"logLevel,omitempty"`

	// MaxActiveFiles is the number of most recently modified files kept by
	// an inactive-file purge. Zero means no limit.
	MaxActiveFiles int `yaml:"max_active_files" json:"maxNumberActiveFiles,omitempty"`

	// RetentionDays is the age after which files are removed by an
	// inactive-file purge. Zero means no limit.
	RetentionDays int `yaml:"retention_days" json:"retentionDays,omitempty"`
}

// DefaultWatcherLogLevel is the watcher log level used when none is given.
const DefaultWatcherLogLevel = "WARN"

// validLogLevels is the set of accepted service log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validWatcherLogLevels is the set of accepted watcher log levels, compared
// case-insensitively.
var validWatcherLogLevels = map[string]bool{
	"TRACE": true,
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
	"FATAL": true,
}

// validJournalDrivers is the set of accepted journal drivers.
var validJournalDrivers = map[string]bool{
	"none":     true,
	"sqlite":   true,
	"postgres": true,
	"file":     true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals YAML data, applies defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// watchers.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.BaseURI == "" {
		cfg.BaseURI = "/api/process-monitor-logs"
	}
	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Stream.MaxPendingChunks <= 0 {
		cfg.Stream.MaxPendingChunks = 4096
	}
	if cfg.Stream.DefaultLines <= 0 {
		cfg.Stream.DefaultLines = 10
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "none"
	}
	for i := range cfg.Watchers {
		cfg.Watchers[i] = cfg.Watchers[i].Normalize()
	}
}

// Validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func (cfg *Config) Validate() error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.BaseURI != "" && !strings.HasPrefix(cfg.BaseURI, "/") {
		errs = append(errs, fmt.Errorf("base_uri %q must start with /", cfg.BaseURI))
	}
	if cfg.WatchPollInterval < 0 {
		errs = append(errs, fmt.Errorf("watch_poll_interval %s must not be negative", cfg.WatchPollInterval))
	}
	if cfg.Stream.DefaultLines > cfg.Stream.MaxPendingChunks {
		errs = append(errs, fmt.Errorf("stream.default_lines %d must not exceed stream.max_pending_chunks %d",
			cfg.Stream.DefaultLines, cfg.Stream.MaxPendingChunks))
	}
	if !validJournalDrivers[cfg.Journal.Driver] {
		errs = append(errs, fmt.Errorf("journal.driver %q must be one of: none, sqlite, postgres, file", cfg.Journal.Driver))
	}
	if (cfg.Journal.Driver == "sqlite" || cfg.Journal.Driver == "file") && cfg.Journal.Path == "" {
		errs = append(errs, fmt.Errorf("journal.path is required for the %s driver", cfg.Journal.Driver))
	}
	if cfg.Journal.Driver == "postgres" && cfg.Journal.DSN == "" {
		errs = append(errs, errors.New("journal.dsn is required for the postgres driver"))
	}

	seen := make(map[string]bool, len(cfg.Watchers))
	for i, w := range cfg.Watchers {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("watchers[%d]: %w", i, err))
			continue
		}
		if seen[w.LogDir] {
			errs = append(errs, fmt.Errorf("watchers[%d]: log_dir %q is listed twice", i, w.LogDir))
		}
		seen[w.LogDir] = true
	}

	return errors.Join(errs...)
}

// Normalize returns a copy with a cleaned LogDir and the default log level
// applied.
func (w WatcherConfig) Normalize() WatcherConfig {
	if w.LogDir != "" {
		w.LogDir = filepath.Clean(w.LogDir)
	}
	if w.LogLevel == "" {
		w.LogLevel = DefaultWatcherLogLevel
	}
	return w
}

// Validate reports every problem with w, each wrapped in
// ErrInvalidWatcherConfig.
func (w WatcherConfig) Validate() error {
	var errs []error

	if w.LogDir == "" {
		errs = append(errs, errors.New("log_dir is required"))
	} else if !strings.HasPrefix(w.LogDir, "/") || len(w.LogDir) < 2 {
		errs = append(errs, fmt.Errorf("log_dir %q must be an absolute path", w.LogDir))
	}
	if w.LogLevel != "" && !validWatcherLogLevels[strings.ToUpper(w.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL", w.LogLevel))
	}
	if w.MaxActiveFiles < 0 {
		errs = append(errs, fmt.Errorf("max_active_files %d must be at least 1", w.MaxActiveFiles))
	}
	if w.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days %d must be at least 1", w.RetentionDays))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWatcherConfig, err)
	}
	return nil
}
