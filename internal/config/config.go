// Package config loads engine configuration from a YAML file, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/reconcile/internal/logging"
	"github.com/roach88/reconcile/internal/retry"
)

// EnvPrefix prefixes every environment override:
// RECONCILE_DATABASE_DSN overrides database.dsn.
const EnvPrefix = "RECONCILE"

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Retry    retry.Config   `mapstructure:"retry"`
	Logger   logging.Config `mapstructure:"logger"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite3, pgx
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// EngineConfig holds engine-wide settings.
type EngineConfig struct {
	// DefaultScope is used when a new entity's scope field is unset.
	DefaultScope int64 `mapstructure:"default_scope"`

	// SchemaFile declares the entity kinds (.yaml or .cue).
	SchemaFile string `mapstructure:"schema_file"`

	// PageSize is the row count fetched per page by lazy queries.
	PageSize int `mapstructure:"page_size"`
}

// Load reads configuration. An empty path searches ./reconcile.yaml and
// ./configs/reconcile.yaml; a missing file falls back to environment and
// defaults. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reconcile")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "reconcile.db"},
		Retry:    retry.DefaultConfig(),
		Logger:   logging.Config{Level: "info", Format: "json"},
		Engine:   EngineConfig{DefaultScope: 1, SchemaFile: "schema.yaml", PageSize: 100},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Retry.MaxAttempts == 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.Interval < 0 {
		return errors.New("retry.interval must not be negative")
	}
	if c.Engine.PageSize <= 0 {
		return errors.New("engine.page_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("engine.default_scope", d.Engine.DefaultScope)
	v.SetDefault("engine.schema_file", d.Engine.SchemaFile)
	v.SetDefault("engine.page_size", d.Engine.PageSize)
}
