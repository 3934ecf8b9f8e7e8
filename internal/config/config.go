// Package config loads and validates the relay's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mcprelay/internal/aggregator"
	"mcprelay/pkg/logging"
)

const (
	userConfigDir  = ".config/mcprelay"
	configFileName = "config.yaml"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Relay    RelayConfig    `yaml:"relay"`
	Sessions SessionsConfig `yaml:"sessions"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // default: localhost
	Port int    `yaml:"port,omitempty"` // default: 8080

	// AuthToken, when set, is required as a bearer token on every
	// stream and rpc call.
	AuthToken string `yaml:"authToken,omitempty"`
}

// StorageConfig selects and parameterizes the durable backend.
type StorageConfig struct {
	Backend string             `yaml:"backend,omitempty"` // memory, file, or redis
	File    FileStorageConfig  `yaml:"file,omitempty"`
	Redis   RedisStorageConfig `yaml:"redis,omitempty"`
}

// FileStorageConfig configures the file backend.
type FileStorageConfig struct {
	Path string `yaml:"path,omitempty"` // snapshot file path
}

// RedisStorageConfig configures the redis backend.
type RedisStorageConfig struct {
	Addr     string `yaml:"addr,omitempty"` // default: localhost:6379
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"` // key namespace prefix
}

// OAuthConfig parameterizes dynamic client registration.
type OAuthConfig struct {
	ClientName      string `yaml:"clientName,omitempty"`
	CallbackBaseURL string `yaml:"callbackBaseUrl,omitempty"`
	Scopes          string `yaml:"scopes,omitempty"`
}

// RelayConfig configures per-identity event streams.
type RelayConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval,omitempty"`
}

// SessionsConfig configures bulk session establishment and tool naming.
type SessionsConfig struct {
	BatchSize      int           `yaml:"batchSize,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
	RetryDelay     time.Duration `yaml:"retryDelay,omitempty"`

	// Naming is the tool prefix policy, sanitized or compact.
	Naming string `yaml:"naming,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisStorageConfig{
				Addr: "localhost:6379",
			},
		},
		OAuth: OAuthConfig{
			ClientName: "mcprelay",
		},
		Relay: RelayConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Sessions: SessionsConfig{
			BatchSize:      aggregator.DefaultBatchSize,
			ConnectTimeout: aggregator.DefaultConnectTimeout,
			MaxRetries:     aggregator.DefaultMaxRetries,
			RetryDelay:     aggregator.DefaultRetryDelay,
			Naming:         string(aggregator.NamingSanitized),
		},
		LogLevel: "info",
	}
}

// DefaultConfigPath returns the per-user configuration directory.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Load reads config.yaml from the given directory, layered over the
// defaults. A missing file is not an error.
func Load(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := Default()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config at %s: %w", configFilePath, err)
	}
	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendFile:
		if c.Storage.File.Path == "" {
			return errors.New("storage.file.path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Storage.Backend == BackendRedis && c.Storage.Redis.Addr == "" {
		return errors.New("storage.redis.addr is required for the redis backend")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	if c.OAuth.ClientName == "" {
		return errors.New("oauth.clientName is required")
	}

	switch aggregator.NamingPolicy(c.Sessions.Naming) {
	case aggregator.NamingSanitized, aggregator.NamingCompact:
	default:
		return fmt.Errorf("unknown naming policy %q", c.Sessions.Naming)
	}

	if c.Relay.HeartbeatInterval <= 0 {
		return errors.New("relay.heartbeatInterval must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	return nil
}
