// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Market   MarketConfig   `yaml:"market"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequireAPIKey   bool          `yaml:"require_api_key"`
	SweepSecret     string        `yaml:"sweep_secret"`
	// AddressRatePerSecond throttles requests per remote address.
	AddressRatePerSecond float64 `yaml:"address_rate_per_second"`
	AddressBurst         int     `yaml:"address_burst"`
}

// DatabaseConfig controls the Postgres connection. An empty DSN selects
// the in-memory stores.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig controls the optional Redis-backed rate limit store. An
// empty address keeps rate limit counters in the primary store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig mirrors pkg/logger's configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// MarketConfig tunes marketplace behaviour.
type MarketConfig struct {
	ApprovalWindow time.Duration `yaml:"approval_window"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	SignupBonus    int64         `yaml:"signup_bonus"`
	DisableSweeper bool          `yaml:"disable_sweeper"`
}

// Load reads the config file named by HIVEMARKET_CONFIG (default
// config.yaml, a missing file is not an error) and applies environment
// overrides.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEMARKET_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// run on defaults
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Market: MarketConfig{
			ApprovalWindow: 72 * time.Hour,
			SweepSchedule:  "@every 1m",
			SignupBonus:    500,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HIVEMARKET_HOST")
	setInt(&cfg.Server.Port, "HIVEMARKET_PORT")
	setString(&cfg.Server.SweepSecret, "HIVEMARKET_SWEEP_SECRET")
	setBool(&cfg.Server.RequireAPIKey, "HIVEMARKET_REQUIRE_API_KEY")
	setString(&cfg.Database.DSN, "HIVEMARKET_DATABASE_DSN")
	setBool(&cfg.Database.Migrate, "HIVEMARKET_DATABASE_MIGRATE")
	setString(&cfg.Redis.Addr, "HIVEMARKET_REDIS_ADDR")
	setString(&cfg.Redis.Password, "HIVEMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HIVEMARKET_REDIS_DB")
	setString(&cfg.Logging.Level, "HIVEMARKET_LOG_LEVEL")
	setString(&cfg.Logging.Format, "HIVEMARKET_LOG_FORMAT")
	setInt64(&cfg.Market.SignupBonus, "HIVEMARKET_SIGNUP_BONUS")
	setString(&cfg.Market.SweepSchedule, "HIVEMARKET_SWEEP_SCHEDULE")
	setDuration(&cfg.Market.ApprovalWindow, "HIVEMARKET_APPROVAL_WINDOW")
	setBool(&cfg.Market.DisableSweeper, "HIVEMARKET_DISABLE_SWEEPER")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
