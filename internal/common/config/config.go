// Package config provides configuration management for agentrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentrelay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// QueueConfig holds per-session message queue limits.
type QueueConfig struct {
	// MaxSize is the hard cap on queued items per session.
	MaxSize int `mapstructure:"maxSize"`

	// WarnRatio is the fill ratio (0..1) at which a capacity warning
	// event is published. Enqueues below MaxSize are never blocked by it.
	WarnRatio float64 `mapstructure:"warnRatio"`

	// MaxContentLength bounds the text payload of a queued item, in bytes.
	MaxContentLength int `mapstructure:"maxContentLength"`

	// MaxAttachmentSize bounds a single attachment, in bytes.
	MaxAttachmentSize int64 `mapstructure:"maxAttachmentSize"`

	// InlineAttachmentLimit is the size below which attachment data is
	// carried inline with the item. At or above it only the reference
	// token is kept and the payload goes through the upload side channel.
	InlineAttachmentLimit int64 `mapstructure:"inlineAttachmentLimit"`
}

// StoreConfig holds queue persistence configuration.
type StoreConfig struct {
	// Dir is the directory holding one state file per session.
	Dir string `mapstructure:"dir"`
}

// TransportConfig holds agent transport configuration.
type TransportConfig struct {
	// SendTimeout caps how long one prompt delivery may stay in flight
	// before the transport reports failure, in seconds. Retry and backoff
	// remain the transport's concern, not the queue's.
	SendTimeout int `mapstructure:"sendTimeout"`
}

// SendTimeoutDuration returns the send timeout as a time.Duration.
func (t *TransportConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(t.SendTimeout) * time.Second
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WarnThreshold returns the queue length at which the capacity warning fires.
func (q *QueueConfig) WarnThreshold() int {
	return int(float64(q.MaxSize) * q.WarnRatio)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENTRELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Queue defaults
	v.SetDefault("queue.maxSize", 20)
	v.SetDefault("queue.warnRatio", 0.8)
	v.SetDefault("queue.maxContentLength", 32768)
	v.SetDefault("queue.maxAttachmentSize", 10*1024*1024)
	v.SetDefault("queue.inlineAttachmentLimit", 256*1024)

	// Store defaults
	v.SetDefault("store.dir", "~/.agentrelay/queues")

	// Transport defaults
	v.SetDefault("transport.sendTimeout", 900)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentrelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentrelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("queue.maxSize", "AGENTRELAY_QUEUE_MAX_SIZE")
	_ = v.BindEnv("queue.maxContentLength", "AGENTRELAY_QUEUE_MAX_CONTENT_LENGTH")
	_ = v.BindEnv("queue.maxAttachmentSize", "AGENTRELAY_QUEUE_MAX_ATTACHMENT_SIZE")
	_ = v.BindEnv("store.dir", "AGENTRELAY_STORE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	expandStoreDir(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}
	if cfg.Queue.WarnRatio <= 0 || cfg.Queue.WarnRatio > 1 {
		errs = append(errs, "queue.warnRatio must be in (0, 1]")
	}
	if cfg.Queue.MaxContentLength <= 0 {
		errs = append(errs, "queue.maxContentLength must be positive")
	}
	if cfg.Queue.MaxAttachmentSize <= 0 {
		errs = append(errs, "queue.maxAttachmentSize must be positive")
	}
	if cfg.Queue.InlineAttachmentLimit < 0 {
		errs = append(errs, "queue.inlineAttachmentLimit must not be negative")
	}
	if cfg.Queue.InlineAttachmentLimit > cfg.Queue.MaxAttachmentSize {
		errs = append(errs, "queue.inlineAttachmentLimit must not exceed queue.maxAttachmentSize")
	}

	if cfg.Store.Dir == "" {
		errs = append(errs, "store.dir is required")
	}

	if cfg.Transport.SendTimeout <= 0 {
		errs = append(errs, "transport.sendTimeout must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandStoreDir resolves a leading ~ in the store directory.
func expandStoreDir(cfg *Config) {
	if strings.HasPrefix(cfg.Store.Dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Dir = home + cfg.Store.Dir[1:]
		}
	}
}
