package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for scopekv
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Migration configuration
	Migration MigrationConfig `mapstructure:"migration"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DatabaseConfig defines the key-value engine configuration
type DatabaseConfig struct {
	Engine       string `mapstructure:"engine"` // badger, pebble
	SyncWrites   bool   `mapstructure:"sync_writes"`
	AutoRegister bool   `mapstructure:"auto_register"`
}

// MigrationConfig defines engine migration configuration
type MigrationConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	// Local .env files take the lowest precedence after defaults
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("SCOPEKV")
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Database defaults
	v.SetDefault("database.engine", "badger")
	v.SetDefault("database.sync_writes", true)
	v.SetDefault("database.auto_register", false)

	// Migration defaults
	v.SetDefault("migration.batch_size", 10000)

	// Metrics defaults
	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.namespace", "scopekv")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
		"engine":     "database.engine",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or SCOPEKV_DATA_DIR environment variable")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Validate engine selection
	switch cfg.Database.Engine {
	case "badger", "pebble":
	default:
		return fmt.Errorf("unknown database engine %q: must be badger or pebble", cfg.Database.Engine)
	}

	if cfg.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration batch_size must be positive, got %d", cfg.Migration.BatchSize)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q: must be text or json", cfg.LogFormat)
	}

	return nil
}
