// Package config loads and validates the Harmonia configuration from a
// YAML file with HARMONIA_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Catalog     CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
	Fulfillment FulfillmentConfig `yaml:"fulfillment" mapstructure:"fulfillment"`
	Download    DownloadConfig    `yaml:"download" mapstructure:"download"`
	Watchdog    WatchdogConfig    `yaml:"watchdog" mapstructure:"watchdog"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig holds queue database settings.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// CatalogConfig holds catalog database and media filesystem settings.
type CatalogConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	MediaRoot string `yaml:"media_root" mapstructure:"media_root"`
}

// FulfillmentConfig holds the torrent fulfillment service settings.
type FulfillmentConfig struct {
	URL                string `yaml:"url" mapstructure:"url"`
	WebSocketURL       string `yaml:"websocket_url" mapstructure:"websocket_url"`
	APIToken           string `yaml:"api_token" mapstructure:"api_token"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ReconnectDelaySecs int    `yaml:"reconnect_delay_secs" mapstructure:"reconnect_delay_secs"`
	EventBuffer        int    `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// DownloadConfig holds queue, retry and rate limit settings.
type DownloadConfig struct {
	MaxSubmissionsPerHour        int     `yaml:"max_submissions_per_hour" mapstructure:"max_submissions_per_hour"`
	MaxSubmissionsPerDay         int     `yaml:"max_submissions_per_day" mapstructure:"max_submissions_per_day"`
	UserMaxRequestsPerDay        int     `yaml:"user_max_requests_per_day" mapstructure:"user_max_requests_per_day"`
	UserMaxQueueSize             int     `yaml:"user_max_queue_size" mapstructure:"user_max_queue_size"`
	MaxRetries                   int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffSecs           int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs               int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	BackoffMultiplier            float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	AuditLogRetentionDays        int     `yaml:"audit_log_retention_days" mapstructure:"audit_log_retention_days"`
	StaleInProgressThresholdSecs int     `yaml:"stale_in_progress_threshold_secs" mapstructure:"stale_in_progress_threshold_secs"`
}

// WatchdogConfig holds missing files watchdog settings.
type WatchdogConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule      string `yaml:"schedule" mapstructure:"schedule"`
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
	ScanOnStartup bool   `yaml:"scan_on_startup" mapstructure:"scan_on_startup"`
}

// APIConfig holds the operator API settings.
type APIConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// Timeout returns the fulfillment HTTP timeout.
func (c FulfillmentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ReconnectDelay returns the event stream reconnect delay.
func (c FulfillmentConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySecs) * time.Second
}

// InitialBackoff returns the first retry backoff.
func (c DownloadConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSecs) * time.Second
}

// MaxBackoff returns the retry backoff cap.
func (c DownloadConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSecs) * time.Second
}

// AuditRetention returns how long audit entries are kept.
func (c DownloadConfig) AuditRetention() time.Duration {
	return time.Duration(c.AuditLogRetentionDays) * 24 * time.Hour
}

// StaleInProgressThreshold returns the stale item sweep threshold.
func (c DownloadConfig) StaleInProgressThreshold() time.Duration {
	return time.Duration(c.StaleInProgressThresholdSecs) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "harmonia-queue.db")
	v.SetDefault("catalog.path", "harmonia-catalog.db")
	v.SetDefault("catalog.media_root", "/media")

	// Empty defaults keep these keys visible to AutomaticEnv.
	v.SetDefault("fulfillment.url", "")
	v.SetDefault("fulfillment.websocket_url", "")
	v.SetDefault("fulfillment.api_token", "")
	v.SetDefault("fulfillment.timeout_secs", 30)
	v.SetDefault("fulfillment.reconnect_delay_secs", 5)
	v.SetDefault("fulfillment.event_buffer", 256)

	v.SetDefault("download.max_submissions_per_hour", 20)
	v.SetDefault("download.max_submissions_per_day", 100)
	v.SetDefault("download.user_max_requests_per_day", 50)
	v.SetDefault("download.user_max_queue_size", 25)
	v.SetDefault("download.max_retries", 8)
	v.SetDefault("download.initial_backoff_secs", 60)
	v.SetDefault("download.max_backoff_secs", 3600)
	v.SetDefault("download.backoff_multiplier", 2.0)
	v.SetDefault("download.audit_log_retention_days", 90)
	v.SetDefault("download.stale_in_progress_threshold_secs", 3600)

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.schedule", "0 4 * * *")
	v.SetDefault("watchdog.batch_size", 200)
	v.SetDefault("watchdog.max_retries", 5)
	v.SetDefault("watchdog.scan_on_startup", false)

	v.SetDefault("api.port", 8686)

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", true)
}

// Load reads the configuration from path. A missing file is fine; the
// defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HARMONIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	// Older configs named the submission caps after album downloads.
	for legacy, current := range map[string]string{
		"download.max_albums_per_hour": "download.max_submissions_per_hour",
		"download.max_albums_per_day":  "download.max_submissions_per_day",
	} {
		if val := v.Get(legacy); val != nil {
			v.Set(current, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration for values the pipeline cannot run
// with.
func (c *Config) Validate() error {
	if c.Fulfillment.URL == "" {
		return fmt.Errorf("fulfillment.url is required")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}
	if c.Download.BackoffMultiplier <= 0 {
		return fmt.Errorf("download.backoff_multiplier must be positive")
	}
	if c.Download.InitialBackoffSecs < 0 || c.Download.MaxBackoffSecs < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if c.Download.MaxBackoffSecs > 0 && c.Download.MaxBackoffSecs < c.Download.InitialBackoffSecs {
		return fmt.Errorf("download.max_backoff_secs must not be below initial_backoff_secs")
	}
	if c.Watchdog.Enabled {
		if _, err := cron.ParseStandard(c.Watchdog.Schedule); err != nil {
			return fmt.Errorf("invalid watchdog.schedule %q: %w", c.Watchdog.Schedule, err)
		}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
