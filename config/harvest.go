// Package config provides configuration structures for lesson harvesting
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. HARVEST_SITE_EMAIL.
const EnvPrefix = "HARVEST"

// HarvestConfig holds every tunable of a harvest or reconcile run
type HarvestConfig struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download" json:"download"`
	Paths     PathsConfig     `mapstructure:"paths" yaml:"paths" json:"paths"`
	Threads   ThreadsConfig   `mapstructure:"threads" yaml:"threads" json:"threads"`
	Site      SiteConfig      `mapstructure:"site" yaml:"site" json:"site"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control" json:"control"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Dapr      DaprConfig      `mapstructure:"dapr" yaml:"dapr" json:"dapr"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile" json:"reconcile"`
}

// DownloadConfig controls retries and timeouts of every artifact download
type DownloadConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`                   // Attempts per retried operation
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`                               // HTTP fetch timeout
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`                   // Delay between ordinary retries
	VideoRetryDelay time.Duration `mapstructure:"video_retry_delay" yaml:"video_retry_delay" json:"video_retry_delay"` // Delay between video retries
	VideoWait       time.Duration `mapstructure:"video_wait" yaml:"video_wait" json:"video_wait"`                      // Max wait for a video file to settle
	ElementTimeout  time.Duration `mapstructure:"element_timeout" yaml:"element_timeout" json:"element_timeout"`
	PageTimeout     time.Duration `mapstructure:"page_timeout" yaml:"page_timeout" json:"page_timeout"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
}

// PathsConfig names every file and directory the harvester writes
type PathsConfig struct {
	BaseDir           string `mapstructure:"base_dir" yaml:"base_dir" json:"base_dir"`
	Ledger            string `mapstructure:"ledger" yaml:"ledger" json:"ledger"`
	FailureReport     string `mapstructure:"failure_report" yaml:"failure_report" json:"failure_report"`
	ReconciledLedger  string `mapstructure:"reconciled_ledger" yaml:"reconciled_ledger" json:"reconciled_ledger"`
	DiscrepancyReport string `mapstructure:"discrepancy_report" yaml:"discrepancy_report" json:"discrepancy_report"`
}

// ThreadsConfig bounds concurrency
type ThreadsConfig struct {
	MaxLessonThreads int `mapstructure:"max_lesson_threads" yaml:"max_lesson_threads" json:"max_lesson_threads"`
}

// SiteConfig describes the course platform and its credentials
type SiteConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	CoursesURL string `mapstructure:"courses_url" yaml:"courses_url" json:"courses_url"`
	Email      string `mapstructure:"email" yaml:"email" json:"email"`
	Password   string `mapstructure:"password" yaml:"password" json:"-"`
	Headless   bool   `mapstructure:"headless" yaml:"headless" json:"headless"`
}

// ControlConfig tunes the pause/stop controller
type ControlConfig struct {
	PausePoll  time.Duration `mapstructure:"pause_poll" yaml:"pause_poll" json:"pause_poll"`
	StopWindow time.Duration `mapstructure:"stop_window" yaml:"stop_window" json:"stop_window"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" json:"port"`
}

// DaprConfig enables mirroring ledger records to a Dapr state store
type DaprConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	StateStore string `mapstructure:"state_store" yaml:"state_store" json:"state_store"`
	GRPCPort   int    `mapstructure:"grpc_port" yaml:"grpc_port" json:"grpc_port"`
}

// ReconcileConfig selects the discrepancy report format
type ReconcileConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"` // "text" or "yaml"
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *HarvestConfig {
	return &HarvestConfig{
		Download: DownloadConfig{
			MaxRetries:      3,
			Timeout:         60 * time.Second,
			RetryDelay:      3 * time.Second,
			VideoRetryDelay: 5 * time.Second,
			VideoWait:       120 * time.Second,
			ElementTimeout:  10 * time.Second,
			PageTimeout:     30 * time.Second,
			UserAgent:       "Mozilla/5.0",
		},
		Paths: PathsConfig{
			BaseDir:           "Courses",
			Ledger:            "download_log.csv",
			FailureReport:     "download_errors.txt",
			ReconciledLedger:  "validation_results.csv",
			DiscrepancyReport: "validation_report.txt",
		},
		Threads: ThreadsConfig{MaxLessonThreads: 3},
		Site:    SiteConfig{Headless: true},
		Control: ControlConfig{
			PausePoll:  time.Second,
			StopWindow: 1500 * time.Millisecond,
		},
		Metrics: MetricsConfig{Port: 9090},
		Dapr: DaprConfig{
			StateStore: "statestore",
			GRPCPort:   50001,
		},
		Reconcile: ReconcileConfig{Format: "text"},
	}
}

// SetDefaults registers every default on v so env variables and config files
// can override keys that have no bound flag.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("download.max_retries", d.Download.MaxRetries)
	v.SetDefault("download.timeout", d.Download.Timeout)
	v.SetDefault("download.retry_delay", d.Download.RetryDelay)
	v.SetDefault("download.video_retry_delay", d.Download.VideoRetryDelay)
	v.SetDefault("download.video_wait", d.Download.VideoWait)
	v.SetDefault("download.element_timeout", d.Download.ElementTimeout)
	v.SetDefault("download.page_timeout", d.Download.PageTimeout)
	v.SetDefault("download.user_agent", d.Download.UserAgent)
	v.SetDefault("paths.base_dir", d.Paths.BaseDir)
	v.SetDefault("paths.ledger", d.Paths.Ledger)
	v.SetDefault("paths.failure_report", d.Paths.FailureReport)
	v.SetDefault("paths.reconciled_ledger", d.Paths.ReconciledLedger)
	v.SetDefault("paths.discrepancy_report", d.Paths.DiscrepancyReport)
	v.SetDefault("threads.max_lesson_threads", d.Threads.MaxLessonThreads)
	v.SetDefault("site.base_url", d.Site.BaseURL)
	v.SetDefault("site.courses_url", d.Site.CoursesURL)
	v.SetDefault("site.email", d.Site.Email)
	v.SetDefault("site.password", d.Site.Password)
	v.SetDefault("site.headless", d.Site.Headless)
	v.SetDefault("control.pause_poll", d.Control.PausePoll)
	v.SetDefault("control.stop_window", d.Control.StopWindow)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("dapr.enabled", d.Dapr.Enabled)
	v.SetDefault("dapr.state_store", d.Dapr.StateStore)
	v.SetDefault("dapr.grpc_port", d.Dapr.GRPCPort)
	v.SetDefault("reconcile.format", d.Reconcile.Format)
}

// Load reads the optional config file, applies HARVEST_* environment
// overrides and decodes the result. Flags must already be bound to v.
func Load(v *viper.Viper, configFile string) (*HarvestConfig, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &HarvestConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *HarvestConfig) Validate() error {
	if c.Download.MaxRetries < 1 {
		return fmt.Errorf("download.max_retries must be at least 1")
	}

	if c.Threads.MaxLessonThreads < 1 {
		return fmt.Errorf("threads.max_lesson_threads must be at least 1")
	}

	durations := map[string]time.Duration{
		"download.timeout":         c.Download.Timeout,
		"download.video_wait":      c.Download.VideoWait,
		"download.element_timeout": c.Download.ElementTimeout,
		"download.page_timeout":    c.Download.PageTimeout,
		"control.pause_poll":       c.Control.PausePoll,
		"control.stop_window":      c.Control.StopWindow,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Download.RetryDelay < 0 || c.Download.VideoRetryDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}

	if strings.TrimSpace(c.Paths.BaseDir) == "" {
		return fmt.Errorf("paths.base_dir cannot be empty")
	}

	if c.Paths.Ledger == "" {
		return fmt.Errorf("paths.ledger cannot be empty")
	}

	if c.Reconcile.Format != "text" && c.Reconcile.Format != "yaml" {
		return fmt.Errorf("invalid reconcile.format '%s', must be one of: text, yaml", c.Reconcile.Format)
	}

	if c.Dapr.Enabled && c.Dapr.StateStore == "" {
		return fmt.Errorf("dapr.state_store cannot be empty when dapr is enabled")
	}

	return nil
}

// ValidateSite checks the settings needed to drive the course platform.
// Reconcile and status runs never touch the site and skip this check.
func (c *HarvestConfig) ValidateSite() error {
	if c.Site.CoursesURL == "" {
		return fmt.Errorf("site.courses_url is required")
	}
	if c.Site.Email == "" || c.Site.Password == "" {
		return fmt.Errorf("site credentials are required (set HARVEST_SITE_EMAIL and HARVEST_SITE_PASSWORD)")
	}
	return nil
}
