// Package config loads the approval service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// EngineConfig mirrors workflow.Policy plus the engine timings.
type EngineConfig struct {
	AutoAdvance         bool          `yaml:"auto_advance"`
	StrictQuorum        bool          `yaml:"strict_quorum"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`
	ConflictRetries     int           `yaml:"conflict_retries"`
	AutoApproveInterval time.Duration `yaml:"auto_approve_interval"`
	// ArchiveAfter drops terminal requests this long after completion. Zero keeps them.
	ArchiveAfter time.Duration `yaml:"archive_after"`
	// EventBuffer is the number of events queued for bus subscribers.
	EventBuffer int `yaml:"event_buffer"`
	// NodeID goes into every generated ID and must differ between instances
	// sharing one store. Zero derives it from the host's private IPv4 address.
	NodeID uint16 `yaml:"node_id"`
}

// RedisConfig configures storage.RedisStorage.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebhookConfig configures outbound event delivery. An empty URL disables it.
type WebhookConfig struct {
	URL              string            `yaml:"url"`
	Secret           string            `yaml:"secret,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	Timeout          time.Duration     `yaml:"timeout"`
	FailureThreshold uint32            `yaml:"failure_threshold"`
	OpenTimeout      time.Duration     `yaml:"open_timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config models the service configuration file.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Webhook WebhookConfig `yaml:"webhook"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			AutoAdvance:         true,
			LockTimeout:         2 * time.Second,
			AutoApproveInterval: time.Minute,
			EventBuffer:         100,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				PoolSize:    10,
				IdleTimeout: 5 * time.Minute,
				KeyPrefix:   "approval:",
			},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:          5 * time.Second,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Engine.LockTimeout <= 0:
		return errors.New("config: engine.lock_timeout must be positive")
	case c.Engine.ConflictRetries < 0:
		return errors.New("config: engine.conflict_retries cannot be negative")
	case c.Engine.AutoApproveInterval < 0:
		return errors.New("config: engine.auto_approve_interval cannot be negative")
	case c.Engine.ArchiveAfter < 0:
		return errors.New("config: engine.archive_after cannot be negative")
	case c.Engine.EventBuffer <= 0:
		return errors.New("config: engine.event_buffer must be positive")
	case c.HTTP.Addr == "":
		return errors.New("config: http.addr is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("config: storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
