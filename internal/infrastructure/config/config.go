package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
	Dispatch   DispatchConfig
	Storage    StorageConfig
	Background BackgroundConfig
	Extensions ExtensionsConfig
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting of the admin API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// DispatchConfig holds limits applied to script API calls. A zero rate
// disables per-extension limiting.
type DispatchConfig struct {
	RequestsPerSecond float64 `envconfig:"DISPATCH_RPS" default:"0"`
	Burst             int     `envconfig:"DISPATCH_BURST" default:"50"`
	EventBuffer       int     `envconfig:"EVENT_BUFFER" default:"64"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// PolicyFile seeds managed storage (.yaml, .toml or .json)
	PolicyFile string `envconfig:"STORAGE_POLICY_FILE"`
}

// BackgroundConfig holds background context configuration.
type BackgroundConfig struct {
	Enabled      bool          `envconfig:"BACKGROUND_ENABLED" default:"true"`
	StartTimeout time.Duration `envconfig:"BACKGROUND_START_TIMEOUT" default:"30s"`
}

// ExtensionsConfig holds extension discovery configuration.
type ExtensionsConfig struct {
	Dir          string `envconfig:"EXTENSIONS_DIR"`
	Scheme       string `envconfig:"EXTENSION_SCHEME" default:"webext-extension"`
	AutoActivate bool   `envconfig:"EXTENSIONS_AUTO_ACTIVATE" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "127.0.0.1",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Dispatch: DispatchConfig{
			Burst:       50,
			EventBuffer: 64,
		},
		Background: BackgroundConfig{
			Enabled:      true,
			StartTimeout: 30 * time.Second,
		},
		Extensions: ExtensionsConfig{
			Scheme:       "webext-extension",
			AutoActivate: true,
		},
	}
}
