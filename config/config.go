package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"funcmetrics/logger"
	"funcmetrics/retry"
	"funcmetrics/storage"
	"funcmetrics/writer"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ErrInvalid wraps every decode or validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Supported sink drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds every configurable value of the process.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`    // debug|info|warn|error
	MetricsAddr string `mapstructure:"metrics_addr"` // e.g. ":9102"; empty disables the endpoint

	Sink   SinkConfig   `mapstructure:"sink"`
	Writer WriterConfig `mapstructure:"writer"`
}

// SinkConfig selects and parameterizes the durable store.
type SinkConfig struct {
	Driver      string `mapstructure:"driver"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	SSLMode     string `mapstructure:"sslmode"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// WriterConfig tunes the background batch writer.
type WriterConfig struct {
	IdleInterval  time.Duration `mapstructure:"idle_interval"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// env maps config keys to the variables that set them.
var env = map[string]string{
	"log_level":             "LOG_LEVEL",
	"metrics_addr":          "METRICS_ADDR",
	"sink.driver":           "SINK_DRIVER",
	"sink.user":             "POSTGRES_USER",
	"sink.password":         "POSTGRES_PASSWORD",
	"sink.database":         "POSTGRES_DB",
	"sink.host":             "POSTGRES_HOST",
	"sink.port":             "POSTGRES_PORT",
	"sink.sslmode":          "POSTGRES_SSLMODE",
	"sink.sqlite_path":      "SQLITE_PATH",
	"sink.auto_migrate":     "SINK_AUTO_MIGRATE",
	"writer.idle_interval":  "WRITER_IDLE_INTERVAL",
	"writer.error_backoff":  "WRITER_ERROR_BACKOFF",
	"writer.retry_attempts": "WRITER_RETRY_ATTEMPTS",
	"writer.retry_delay":    "WRITER_RETRY_DELAY",
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables (e.g. POSTGRES_HOST)
//  2. a .env file in the working directory, if present; it never
//     overrides variables that are already set
//  3. a yaml file (./configs/config.yaml) if it exists
//  4. built-in defaults.
//
// It returns a fully populated *Config or an error wrapping ErrInvalid.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot decode config: %w", ErrInvalid, err)
	}
	cfg.Sink.Driver = strings.ToLower(strings.TrimSpace(cfg.Sink.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("sink.driver", DriverPostgres)
	v.SetDefault("sink.sslmode", "disable")
	v.SetDefault("sink.sqlite_path", "./data/metrics.db")
	v.SetDefault("sink.auto_migrate", true)
	v.SetDefault("writer.idle_interval", time.Second)
	v.SetDefault("writer.error_backoff", 5*time.Second)
	v.SetDefault("writer.retry_attempts", 3)
	v.SetDefault("writer.retry_delay", 5*time.Second)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err))
	}

	switch c.Sink.Driver {
	case DriverPostgres:
		for name, val := range map[string]string{
			"POSTGRES_USER":     c.Sink.User,
			"POSTGRES_PASSWORD": c.Sink.Password,
			"POSTGRES_DB":       c.Sink.Database,
			"POSTGRES_HOST":     c.Sink.Host,
		} {
			if strings.TrimSpace(val) == "" {
				errs = append(errs, fmt.Errorf("%s must not be empty", name))
			}
		}
		if c.Sink.Port < 1 || c.Sink.Port > 65535 {
			errs = append(errs, fmt.Errorf("POSTGRES_PORT must be between 1 and 65535, got %d", c.Sink.Port))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Sink.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("SINK_DRIVER %q is not one of %s, %s", c.Sink.Driver, DriverPostgres, DriverSQLite))
	}

	if c.Writer.IdleInterval <= 0 {
		errs = append(errs, errors.New("WRITER_IDLE_INTERVAL must be positive"))
	}
	if c.Writer.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("WRITER_ERROR_BACKOFF must be positive"))
	}
	if c.Writer.RetryAttempts < 1 {
		errs = append(errs, errors.New("WRITER_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.Writer.RetryDelay < 0 {
		errs = append(errs, errors.New("WRITER_RETRY_DELAY must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Postgres returns the connection parameters of the Postgres sink.
func (c *Config) Postgres() storage.PostgresConfig {
	return storage.PostgresConfig{
		User:     c.Sink.User,
		Password: c.Sink.Password,
		Database: c.Sink.Database,
		Host:     c.Sink.Host,
		Port:     c.Sink.Port,
		SSLMode:  c.Sink.SSLMode,
		Migrate:  c.Sink.AutoMigrate,
	}
}

// Dialer returns the sink dialer selected by SINK_DRIVER.
func (c *Config) Dialer(log *zap.Logger) storage.Dialer {
	if c.Sink.Driver == DriverSQLite {
		return storage.DialSQLite(c.Sink.SQLitePath, c.Sink.AutoMigrate, log)
	}
	return storage.DialPostgres(c.Postgres(), log)
}

// WriterConfig returns the batch writer settings.
func (c *Config) WriterConfig() writer.Config {
	cfg := writer.DefaultConfig()
	cfg.IdleInterval = c.Writer.IdleInterval
	cfg.ErrorBackoff = c.Writer.ErrorBackoff
	cfg.Retry = retry.Policy{Attempts: c.Writer.RetryAttempts, Delay: c.Writer.RetryDelay}
	return cfg
}
