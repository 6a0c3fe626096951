// Package config provides configuration management for reelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerTimeout         = 30 * time.Second
	defaultControlPort           = 8416
	defaultControlTimeout        = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultSafetyMargin          = 2 * time.Second
	defaultRestartThreshold      = 500 * time.Millisecond
	defaultPollInterval          = 500 * time.Millisecond
	defaultWaitTimeout           = 30 * time.Second
	defaultReadinessAttempts     = 20
	defaultReadinessProbeTimeout = 500 * time.Millisecond
	defaultRetryMaxAttempts      = 3
	defaultRetryBackoffBase      = 1 * time.Second
	defaultRetryBackoffCap       = 8 * time.Second
	defaultProgressInterval      = 10 * time.Second
	defaultHistoryRetention      = 90 * 24 * time.Hour
	defaultHistoryPruneCron      = "0 0 4 * * *"
	defaultDisplayWidth          = 1920
	defaultDisplayHeight         = 1080
	defaultMaxOpenConns          = 10
	defaultMaxIdleConns          = 5
	defaultConnMaxIdleTime       = 30 * time.Minute
	defaultCircuitBreakerThresh  = 5
	defaultCircuitBreakerTimeout = 30 * time.Second
	defaultHTTPRetryAttempts     = 3
	defaultHTTPRetryDelay        = 1 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Seek     SeekConfig     `mapstructure:"seek"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Control  ControlConfig  `mapstructure:"control"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the media server connection configuration.
type ServerConfig struct {
	// BaseURL is the root URL of the media server API.
	BaseURL string `mapstructure:"base_url"`
	// APIToken authenticates every request against the media server.
	APIToken string `mapstructure:"api_token"`
	// DeviceName is reported to the server during negotiation.
	DeviceName string `mapstructure:"device_name"`
	// Timeout is the overall per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryAttempts is the transport-level retry count for transient failures.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryDelay is the initial transport-level retry delay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// CircuitBreakerThreshold is the failure count before the circuit opens.
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
	// CircuitBreakerTimeout is how long the circuit stays open.
	CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout"`
}

// PlaybackConfig holds playback policy and device description configuration.
type PlaybackConfig struct {
	// PreferredAudioLanguages lists BCP 47 language tags in preference order.
	PreferredAudioLanguages []string `mapstructure:"preferred_audio_languages"`
	// MaxBitrate caps the negotiated stream bitrate (0 = unlimited).
	// Supports human-readable values like "20MB" or raw byte counts.
	MaxBitrate ByteSize `mapstructure:"max_bitrate"`
	// DisplayWidth and DisplayHeight describe the attached display.
	DisplayWidth  int `mapstructure:"display_width"`
	DisplayHeight int `mapstructure:"display_height"`
	// ForceBitDepth8 disables the permissive 10-bit assumption.
	ForceBitDepth8 bool `mapstructure:"force_bit_depth_8"`
	// HDR10 and DolbyVision declare wide-color support.
	HDR10       bool `mapstructure:"hdr10"`
	DolbyVision bool `mapstructure:"dolby_vision"`
	// VideoDecoders and AudioDecoders restrict the probed decoder set.
	// Empty means every registry decoder is assumed available.
	VideoDecoders []string `mapstructure:"video_decoders"`
	AudioDecoders []string `mapstructure:"audio_decoders"`
	// ProgressInterval is how often playback progress is reported.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// SeekConfig holds the seek policy parameters.
//
// SafetyMargin and RestartThreshold are tunable policy, not law: the margin
// avoids restarting the remote encoder for forward seeks the job has already
// covered, the threshold tolerates rounding when seeking to the very start of
// the job's coverage.
type SeekConfig struct {
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	RestartThreshold time.Duration `mapstructure:"restart_threshold"`
}

// JobsConfig holds transcoding job lifecycle configuration.
type JobsConfig struct {
	// PollInterval is the job status polling interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// WaitTimeout bounds the overall wait for a job to become ready.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// ReadinessAttempts bounds the playlist fetch probes per job.
	ReadinessAttempts int `mapstructure:"readiness_attempts"`
	// ReadinessProbeTimeout is the per-probe timeout.
	ReadinessProbeTimeout time.Duration `mapstructure:"readiness_probe_timeout"`
}

// RetryConfig holds the bounded backoff policy for transient job failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// ControlConfig holds the embedded control API configuration.
type ControlConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HistoryConfig holds the playback history store configuration.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Driver selects the database backend: sqlite, postgres, mysql.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Retention is how long history records are kept.
	Retention time.Duration `mapstructure:"retention"`
	// PruneCron is a 6-field cron expression for the retention pruner.
	PruneCron       string        `mapstructure:"prune_cron"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REELAY_ and use underscores for
// nesting. Example: REELAY_SERVER_BASE_URL=https://media.example.org.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reelay")
		v.AddConfigPath("$HOME/.reelay")
	}

	v.SetEnvPrefix("REELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		byteSizeHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// byteSizeHookFunc decodes ByteSize fields from human-readable strings like
// "20MB" as well as raw numbers.
func byteSizeHookFunc() mapstructure.DecodeHookFuncType {
	byteSizeType := reflect.TypeOf(ByteSize(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != byteSizeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.device_name", "reelay")
	v.SetDefault("server.timeout", defaultServerTimeout)
	v.SetDefault("server.retry_attempts", defaultHTTPRetryAttempts)
	v.SetDefault("server.retry_delay", defaultHTTPRetryDelay)
	v.SetDefault("server.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("server.circuit_breaker_timeout", defaultCircuitBreakerTimeout)

	// Playback defaults
	v.SetDefault("playback.preferred_audio_languages", []string{})
	v.SetDefault("playback.max_bitrate", 0)
	v.SetDefault("playback.display_width", defaultDisplayWidth)
	v.SetDefault("playback.display_height", defaultDisplayHeight)
	v.SetDefault("playback.force_bit_depth_8", false)
	v.SetDefault("playback.hdr10", false)
	v.SetDefault("playback.dolby_vision", false)
	v.SetDefault("playback.video_decoders", []string{})
	v.SetDefault("playback.audio_decoders", []string{})
	v.SetDefault("playback.progress_interval", defaultProgressInterval)

	// Seek policy defaults
	v.SetDefault("seek.safety_margin", defaultSafetyMargin)
	v.SetDefault("seek.restart_threshold", defaultRestartThreshold)

	// Job lifecycle defaults
	v.SetDefault("jobs.poll_interval", defaultPollInterval)
	v.SetDefault("jobs.wait_timeout", defaultWaitTimeout)
	v.SetDefault("jobs.readiness_attempts", defaultReadinessAttempts)
	v.SetDefault("jobs.readiness_probe_timeout", defaultReadinessProbeTimeout)

	// Retry policy defaults
	v.SetDefault("retry.max_attempts", defaultRetryMaxAttempts)
	v.SetDefault("retry.backoff_base", defaultRetryBackoffBase)
	v.SetDefault("retry.backoff_cap", defaultRetryBackoffCap)

	// Control API defaults
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", defaultControlPort)
	v.SetDefault("control.read_timeout", defaultControlTimeout)
	v.SetDefault("control.write_timeout", defaultControlTimeout)
	v.SetDefault("control.shutdown_timeout", defaultShutdownTimeout)

	// History store defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "reelay.db")
	v.SetDefault("history.retention", defaultHistoryRetention)
	v.SetDefault("history.prune_cron", defaultHistoryPruneCron)
	v.SetDefault("history.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("history.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("history.conn_max_lifetime", time.Hour)
	v.SetDefault("history.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("history.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server.base_url must be a valid http(s) URL")
		}
	}

	const maxPort = 65535
	if c.Control.Enabled && (c.Control.Port < 1 || c.Control.Port > maxPort) {
		return fmt.Errorf("control.port must be between 1 and %d", maxPort)
	}

	if c.Seek.SafetyMargin < 0 {
		return fmt.Errorf("seek.safety_margin must not be negative")
	}
	if c.Seek.RestartThreshold < 0 {
		return fmt.Errorf("seek.restart_threshold must not be negative")
	}

	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.Jobs.WaitTimeout <= 0 {
		return fmt.Errorf("jobs.wait_timeout must be positive")
	}
	if c.Jobs.ReadinessAttempts < 1 {
		return fmt.Errorf("jobs.readiness_attempts must be at least 1")
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry.backoff_base must be positive")
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_cap must be at least retry.backoff_base")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if c.History.Enabled {
		if !validDrivers[c.History.Driver] {
			return fmt.Errorf("history.driver must be one of: sqlite, postgres, mysql")
		}
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the control API address in host:port format.
func (c *ControlConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
