// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/courier/checkpoint"
	"github.com/absmach/courier/delivery"
	"gopkg.in/yaml.v3"
)

// Sink types.
const (
	SinkBadger  = "badger"
	SinkSQLite  = "sqlite"
	SinkWebhook = "webhook"
)

// Config holds all configuration for the courier service.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Sink       SinkConfig       `yaml:"sink"`
	Server     ServerConfig     `yaml:"server"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DeliveryConfig holds delivery manager settings.
type DeliveryConfig struct {
	MaxWorkers      int              `yaml:"max_workers"`
	MaxRetries      int              `yaml:"max_retries"`
	MaxDepth        int              `yaml:"max_depth"` // 0 is unbounded
	BackoffBase     float64          `yaml:"backoff_base"`
	BackoffUnit     time.Duration    `yaml:"backoff_unit"`
	MaxBackoff      time.Duration    `yaml:"max_backoff"` // 0 is uncapped
	PollInterval    time.Duration    `yaml:"poll_interval"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	CallbackTimeout time.Duration    `yaml:"callback_timeout"`
	RetainDelivered time.Duration    `yaml:"retain_delivered"`
	DeadLetter      DeadLetterConfig `yaml:"dead_letter"`
}

// DeadLetterConfig controls what happens to events that exhaust retries.
type DeadLetterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AlertWebhook string        `yaml:"alert_webhook"`
	AlertTimeout time.Duration `yaml:"alert_timeout"`
}

// CheckpointConfig holds checkpoint persistence settings.
type CheckpointConfig struct {
	Path           string        `yaml:"path"` // empty disables checkpointing
	Interval       time.Duration `yaml:"interval"`
	Compression    string        `yaml:"compression"` // none, zstd, s2
	RecoverCorrupt bool          `yaml:"recover_corrupt"`
}

// SinkConfig selects and configures the storage callback.
type SinkConfig struct {
	Type       string        `yaml:"type"` // badger, sqlite, webhook
	BadgerDir  string        `yaml:"badger_dir"`
	SQLitePath string        `yaml:"sqlite_path"`
	Webhook    WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL            string               `yaml:"url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxPayloadSize  int64         `yaml:"max_payload_size"`
	HTTPEnabled     bool          `yaml:"http_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig limits event submissions per producer.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // events per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Delivery: DeliveryConfig{
			MaxWorkers:      2,
			MaxRetries:      5,
			MaxDepth:        10000,
			BackoffBase:     2,
			BackoffUnit:     time.Second,
			MaxBackoff:      5 * time.Minute,
			PollInterval:    100 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
			CallbackTimeout: 30 * time.Second,
			DeadLetter: DeadLetterConfig{
				Enabled:      true,
				AlertTimeout: 5 * time.Second,
			},
		},
		Checkpoint: CheckpointConfig{
			Path:        "/tmp/courier/events.ckpt",
			Interval:    5 * time.Second,
			Compression: "zstd",
		},
		Sink: SinkConfig{
			Type:       SinkBadger,
			BadgerDir:  "/tmp/courier/sink",
			SQLitePath: "/tmp/courier/events.db",
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			MetricsAddr:     "localhost:4317",
			ShutdownTimeout: 30 * time.Second,
			MaxPayloadSize:  1 << 20,
			HTTPEnabled:     true,
			HealthEnabled:   true,
			RateLimit: RateLimitConfig{
				Enabled:         false,
				Rate:            100,
				Burst:           200,
				CleanupInterval: 5 * time.Minute,
			},
			OtelServiceName:     "courier",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// An empty filename or a missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if _, err := checkpoint.ParseCompression(c.Checkpoint.Compression); err != nil {
		return fmt.Errorf("checkpoint.compression: %w", err)
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval cannot be negative")
	}

	mcfg, err := c.ManagerConfig()
	if err != nil {
		return err
	}
	if err := mcfg.Validate(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if c.Delivery.DeadLetter.AlertWebhook != "" && c.Delivery.DeadLetter.AlertTimeout <= 0 {
		return fmt.Errorf("delivery.dead_letter.alert_timeout must be positive when alert_webhook is set")
	}

	switch c.Sink.Type {
	case SinkBadger:
		if c.Sink.BadgerDir == "" {
			return fmt.Errorf("sink.badger_dir required for badger sink")
		}
	case SinkSQLite:
		if c.Sink.SQLitePath == "" {
			return fmt.Errorf("sink.sqlite_path required for sqlite sink")
		}
	case SinkWebhook:
		if c.Sink.Webhook.URL == "" {
			return fmt.Errorf("sink.webhook.url required for webhook sink")
		}
		if c.Sink.Webhook.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("sink.webhook.circuit_breaker.failure_threshold must be at least 1")
		}
	default:
		return fmt.Errorf("sink.type must be one of: badger, sqlite, webhook")
	}

	if c.Server.HTTPEnabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty when http is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file required when TLS is enabled")
	}
	if c.Server.MaxPayloadSize < 0 {
		return fmt.Errorf("server.max_payload_size cannot be negative")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Rate <= 0 {
			return fmt.Errorf("server.rate_limit.rate must be positive")
		}
		if c.Server.RateLimit.Burst < 1 {
			return fmt.Errorf("server.rate_limit.burst must be at least 1")
		}
		if c.Server.RateLimit.CleanupInterval <= 0 {
			return fmt.Errorf("server.rate_limit.cleanup_interval must be positive")
		}
	}
	if c.Server.OtelTraceSampleRate < 0 || c.Server.OtelTraceSampleRate > 1 {
		return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// ManagerConfig maps the delivery and checkpoint sections onto a
// delivery.Config.
func (c *Config) ManagerConfig() (delivery.Config, error) {
	compression, err := checkpoint.ParseCompression(c.Checkpoint.Compression)
	if err != nil {
		return delivery.Config{}, fmt.Errorf("checkpoint.compression: %w", err)
	}

	return delivery.Config{
		CheckpointPath:     c.Checkpoint.Path,
		CheckpointInterval: c.Checkpoint.Interval,
		Compression:        compression,
		RecoverCorrupt:     c.Checkpoint.RecoverCorrupt,
		MaxWorkers:         c.Delivery.MaxWorkers,
		MaxRetries:         c.Delivery.MaxRetries,
		MaxDepth:           c.Delivery.MaxDepth,
		BackoffBase:        c.Delivery.BackoffBase,
		BackoffUnit:        c.Delivery.BackoffUnit,
		MaxBackoff:         c.Delivery.MaxBackoff,
		PollInterval:       c.Delivery.PollInterval,
		ShutdownTimeout:    c.Delivery.ShutdownTimeout,
		CallbackTimeout:    c.Delivery.CallbackTimeout,
		DeadLetterEnabled:  c.Delivery.DeadLetter.Enabled,
		RetainDelivered:    c.Delivery.RetainDelivered,
	}, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
