// Package config loads fwrollout settings from defaults, an optional config
// file, FWROLLOUT_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. FWROLLOUT_STORE_PATH.
const EnvPrefix = "FWROLLOUT"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Registry backends.
const (
	RegistryBolt = "bolt"
	RegistryS3   = "s3"
)

// Config holds application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// RegistryConfig selects the firmware registry. Path is used by bolt; the
// rest by s3.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	Region  string `mapstructure:"region"`
}

type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	DeviceTimeout time.Duration `mapstructure:"device_timeout"`

	// MaxConcurrentDispatches caps in-flight devices across all tasks.
	MaxConcurrentDispatches int `mapstructure:"max_concurrent_dispatches"`

	InboxSize          int `mapstructure:"inbox_size"`
	MaxOutcomesPerTick int `mapstructure:"max_outcomes_per_tick"`
	Workers            int `mapstructure:"workers"`
	SendConcurrency    int `mapstructure:"send_concurrency"`
}

type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "/var/lib/fwrollout/fwrollout.db",
		},
		Registry: RegistryConfig{
			Backend: RegistryBolt,
			Path:    "/var/lib/fwrollout/registry.db",
			Prefix:  "firmware/",
			Region:  "us-east-1",
		},
		Scheduler: SchedulerConfig{
			Interval:                15 * time.Second,
			DeviceTimeout:           30 * time.Minute,
			MaxConcurrentDispatches: 50,
			InboxSize:               1024,
			Workers:                 1,
			SendConcurrency:         8,
		},
		Gateway: GatewayConfig{Addr: ":8081"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Loader layers configuration sources over Default().
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader with defaults and environment binding set up.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("registry.backend", d.Registry.Backend)
	v.SetDefault("registry.path", d.Registry.Path)
	v.SetDefault("registry.bucket", d.Registry.Bucket)
	v.SetDefault("registry.prefix", d.Registry.Prefix)
	v.SetDefault("registry.region", d.Registry.Region)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.device_timeout", d.Scheduler.DeviceTimeout)
	v.SetDefault("scheduler.max_concurrent_dispatches", d.Scheduler.MaxConcurrentDispatches)
	v.SetDefault("scheduler.inbox_size", d.Scheduler.InboxSize)
	v.SetDefault("scheduler.max_outcomes_per_tick", d.Scheduler.MaxOutcomesPerTick)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.send_concurrency", d.Scheduler.SendConcurrency)
	v.SetDefault("gateway.addr", d.Gateway.Addr)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	return &Loader{v: v}
}

// BindFlag lets a command line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, f *pflag.Flag) error {
	if f == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	return l.v.BindPFlag(key, f)
}

// Load reads the config file, if any, and returns the validated result.
// An empty file name skips the file.
func (l *Loader) Load(file string) (*Config, error) {
	if file != "" {
		l.v.SetConfigFile(file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv exports the variables of a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %s or %s, got %q", BackendSQLite, BackendMemory, c.Store.Backend))
	}

	switch c.Registry.Backend {
	case RegistryBolt:
		if c.Registry.Path == "" {
			errs = append(errs, errors.New("registry.path is required for the bolt registry"))
		}
	case RegistryS3:
		if c.Registry.Bucket == "" {
			errs = append(errs, errors.New("registry.bucket is required for the s3 registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.backend must be %s or %s, got %q", RegistryBolt, RegistryS3, c.Registry.Backend))
	}

	s := c.Scheduler
	if s.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive, got %s", s.Interval))
	}
	if s.MaxConcurrentDispatches < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_dispatches must not be negative, got %d", s.MaxConcurrentDispatches))
	}
	if s.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.inbox_size must be positive, got %d", s.InboxSize))
	}
	if s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", s.Workers))
	}
	if s.MaxOutcomesPerTick < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_outcomes_per_tick must not be negative, got %d", s.MaxOutcomesPerTick))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log settings.
func (c LogConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	if c.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return log, nil
}
