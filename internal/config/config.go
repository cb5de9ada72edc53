// Package config loads lodestone configuration from YAML with environment
// variable overrides. A missing config file yields defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lodestone configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// State directory and database
	State StateConfig `yaml:"state"`

	// Inventory crawling
	Crawl CrawlConfig `yaml:"crawl"`

	// Tiered content extraction
	Extract ExtractConfig `yaml:"extract"`

	// Candidate generation and scoring
	Linker LinkerConfig `yaml:"linker"`

	// LLM auditor
	Audit AuditConfig `yaml:"audit"`

	// Work queue and worker pool
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StateConfig configures where durable state lives.
type StateConfig struct {
	Dir          string `yaml:"dir"`
	DatabaseFile string `yaml:"database_file"`
}

// DatabasePath returns the full path to the SQLite database.
func (s StateConfig) DatabasePath() string {
	return filepath.Join(s.Dir, s.DatabaseFile)
}

// CrawlConfig configures the inventory crawler.
type CrawlConfig struct {
	// Directory names skipped entirely during crawl
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// Glob patterns for files to skip
	IgnorePatterns []string `yaml:"ignore_patterns"`

	FollowSymlinks bool `yaml:"follow_symlinks"`

	// Bytes hashed from the head of large files for fingerprinting;
	// 0 disables content sampling (size+mtime only)
	SampleBytes int64 `yaml:"sample_bytes"`

	// Size above which content sampling is skipped
	SampleMaxFileSize int64 `yaml:"sample_max_file_size"`

	// Files untouched for longer than this are re-queued for extraction
	// even when their fingerprint has not changed; "" disables re-checks
	RecheckInterval string `yaml:"recheck_interval"`
}

// ExtractConfig configures the tiered extraction pipeline.
type ExtractConfig struct {
	// Per-file byte budget; files larger than this get head-only treatment
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// Per-file wall-clock budget
	Timeout string `yaml:"timeout"`

	// Max bytes of extracted text stored per file
	MaxTextBytes int64 `yaml:"max_text_bytes"`

	// Max rows parsed from delimited tables
	MaxTableRows int `yaml:"max_table_rows"`

	// Extractor version: bumping it marks all files for re-extraction
	Version int `yaml:"version"`
}

// LinkerConfig configures candidate generation and scoring.
type LinkerConfig struct {
	// Initial routing thresholds, seeded into the strategy table on
	// first run; later runs read the active strategy from the store
	AcceptThreshold float64 `yaml:"accept_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold"`
	TieDelta        float64 `yaml:"tie_delta"`

	// Max candidates generated per source file
	MaxCandidatesPerFile int `yaml:"max_candidates_per_file"`
}

// AuditConfig configures the bounded LLM auditor.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// Hard cap on LLM calls per linking run
	CallBudget int `yaml:"call_budget"`

	// Minimum interval between calls
	RateInterval string `yaml:"rate_interval"`

	// Bumping invalidates cached verdicts
	PromptVersion int `yaml:"prompt_version"`

	// Max excerpt bytes included per audit request
	MaxExcerptBytes int `yaml:"max_excerpt_bytes"`
}

// SchedulerConfig configures the durable work queue.
type SchedulerConfig struct {
	Workers       int    `yaml:"workers"`
	LeaseDuration string `yaml:"lease_duration"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBase   string `yaml:"backoff_base"`
	BackoffMax    string `yaml:"backoff_max"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lodestone",
		Version: "0.3.0",

		State: StateConfig{
			Dir:          ".lodestone",
			DatabaseFile: "index.db",
		},

		Crawl: CrawlConfig{
			IgnoreDirs: []string{
				".git", ".svn", ".hg", "node_modules", "__pycache__",
				".lodestone", ".venv", "venv", ".ipynb_checkpoints",
			},
			IgnorePatterns:    []string{"*.tmp", "*.swp", "~$*", ".DS_Store"},
			FollowSymlinks:    false,
			SampleBytes:       4096,
			SampleMaxFileSize: 256 * 1024 * 1024,
			RecheckInterval:   "168h",
		},

		Extract: ExtractConfig{
			MaxFileBytes: 50 * 1024 * 1024,
			Timeout:      "30s",
			MaxTextBytes: 1024 * 1024,
			MaxTableRows: 5000,
			Version:      1,
		},

		Linker: LinkerConfig{
			AcceptThreshold:      0.95,
			ReviewThreshold:      0.4,
			TieDelta:             0.15,
			MaxCandidatesPerFile: 50,
		},

		Audit: AuditConfig{
			Enabled:         true,
			Model:           "gemini-2.0-flash",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Timeout:         "60s",
			CallBudget:      20,
			RateInterval:    "500ms",
			PromptVersion:   1,
			MaxExcerptBytes: 2000,
		},

		Scheduler: SchedulerConfig{
			Workers:       4,
			LeaseDuration: "5m",
			MaxAttempts:   3,
			BackoffBase:   "2s",
			BackoffMax:    "2m",
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults if
// the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("LODESTONE_STATE_DIR"); dir != "" {
		c.State.Dir = dir
	}
	if db := os.Getenv("LODESTONE_DB"); db != "" {
		c.State.Dir = filepath.Dir(db)
		c.State.DatabaseFile = filepath.Base(db)
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Audit.APIKey = key
	}
	if key := os.Getenv("LODESTONE_API_KEY"); key != "" {
		c.Audit.APIKey = key
	}
	if w := os.Getenv("LODESTONE_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			c.Scheduler.Workers = n
		}
	}
	if lvl := os.Getenv("LODESTONE_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
		if lvl == "debug" {
			c.Logging.DebugMode = true
		}
	}
}

// GetRecheckInterval returns the maximum age before an unchanged file is
// re-queued for extraction. Zero means never re-check.
func (c *Config) GetRecheckInterval() time.Duration {
	if c.Crawl.RecheckInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Crawl.RecheckInterval)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

// GetExtractTimeout returns the per-file extraction timeout as a duration.
func (c *Config) GetExtractTimeout() time.Duration {
	d, err := time.ParseDuration(c.Extract.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetAuditTimeout returns the auditor request timeout as a duration.
func (c *Config) GetAuditTimeout() time.Duration {
	d, err := time.ParseDuration(c.Audit.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetRateInterval returns the minimum interval between auditor calls.
func (c *Config) GetRateInterval() time.Duration {
	d, err := time.ParseDuration(c.Audit.RateInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetLeaseDuration returns the job lease duration.
func (c *Config) GetLeaseDuration() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.LeaseDuration)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetBackoffBase returns the base retry backoff.
func (c *Config) GetBackoffBase() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.BackoffBase)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetBackoffMax returns the retry backoff ceiling.
func (c *Config) GetBackoffMax() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.BackoffMax)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir must not be empty")
	}
	if c.Linker.AcceptThreshold <= c.Linker.ReviewThreshold {
		return fmt.Errorf("linker.accept_threshold (%.2f) must be above review_threshold (%.2f)",
			c.Linker.AcceptThreshold, c.Linker.ReviewThreshold)
	}
	if c.Linker.AcceptThreshold > 1.0 || c.Linker.ReviewThreshold < 0 {
		return fmt.Errorf("linker thresholds must be within [0, 1]")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Scheduler.Workers > 8 {
		return fmt.Errorf("scheduler.workers must not exceed 8")
	}
	if c.Audit.Enabled && c.Audit.CallBudget < 0 {
		return fmt.Errorf("audit.call_budget must not be negative")
	}
	if c.Extract.Version < 1 {
		return fmt.Errorf("extract.version must be at least 1")
	}
	return nil
}

// DefaultConfigPath returns the default path to the config file relative to
// the working directory.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".lodestone", "config.yaml")
	}
	return filepath.Join(cwd, ".lodestone", "config.yaml")
}
