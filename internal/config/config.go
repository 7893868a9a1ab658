// Package config loads layered configuration: built-in defaults, an optional
// YAML file, then SHOPRANK_ environment variables on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/shoprank/shoprank/pkg/models"
)

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/shoprank/config.yaml",
	"/etc/shoprank/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SHOPRANK_CONFIG"

// envPrefix namespaces all environment overrides, e.g.
// SHOPRANK_DATABASE_DSN -> database.dsn.
const envPrefix = "SHOPRANK_"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig        `koanf:"server"`
	Database DatabaseConfig      `koanf:"database"`
	Tasks    TasksConfig         `koanf:"tasks"`
	Cache    CacheConfig         `koanf:"cache"`
	Weights  models.WeightVector `koanf:"weights"`
	Recalc   RecalcConfig        `koanf:"recalc"`
	Tracking TrackingConfig      `koanf:"tracking"`
	Logging  LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN      string `koanf:"dsn" validate:"required"`
	MaxConns int    `koanf:"max_conns" validate:"gte=1"`
}

// TasksConfig holds the durable task queue settings.
type TasksConfig struct {
	Path         string        `koanf:"path" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Workers      int           `koanf:"workers" validate:"gte=1"`
	Retention    time.Duration `koanf:"retention"`
}

// CacheConfig holds the score cache settings.
type CacheConfig struct {
	Path     string        `koanf:"path"`
	InMemory bool          `koanf:"in_memory"`
	TTL      time.Duration `koanf:"ttl"`
}

// RecalcConfig holds bulk recalculation tuning.
type RecalcConfig struct {
	BatchSize    int           `koanf:"batch_size" validate:"gte=0"`
	Stagger      time.Duration `koanf:"stagger"`
	StallTimeout time.Duration `koanf:"stall_timeout"`
}

// TrackingConfig holds interaction tracking toggles.
type TrackingConfig struct {
	TrackAnonymous bool `koanf:"track_anonymous"`
	AutoUpdate     bool `koanf:"auto_update"`
	// PruneInterval spaces the periodic cleanup of view rows past retention.
	PruneInterval time.Duration `koanf:"prune_interval" validate:"gt=0"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

// defaultConfig returns the built-in defaults, overridden by file and env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:      "",
			MaxConns: 10,
		},
		Tasks: TasksConfig{
			Path:         "/data/shoprank-tasks.db",
			PollInterval: 500 * time.Millisecond,
			Workers:      4,
			Retention:    24 * time.Hour,
		},
		Cache: CacheConfig{
			Path:     "/data/shoprank-cache",
			InMemory: false,
			TTL:      time.Hour,
		},
		Weights: models.DefaultWeights(),
		Recalc: RecalcConfig{
			BatchSize:    50,
			Stagger:      10 * time.Second,
			StallTimeout: 300 * time.Second,
		},
		Tracking: TrackingConfig{
			TrackAnonymous: true,
			AutoUpdate:     true,
			PruneInterval:  24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps SHOPRANK_SECTION_SOME_KEY to section.some_key. The first
// underscore separates the section; the rest stays joined.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return key
	}
	return parts[0] + "." + parts[1]
}
