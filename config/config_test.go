package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.DeviceTimeout)
	assert.Equal(t, 50, cfg.Scheduler.MaxConcurrentDispatches)
	assert.Equal(t, 1024, cfg.Scheduler.InboxSize)
}

func TestPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fwrollout.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
store:
  backend: memory
scheduler:
  interval: 5s
  workers: 4
log:
  level: debug
`), 0o644))

	t.Setenv("FWROLLOUT_SCHEDULER_WORKERS", "2")
	t.Setenv("FWROLLOUT_GATEWAY_ADDR", ":7000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--log-level=warn"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("log.level", fs.Lookup("log-level")))
	cfg, err := l.Load(file)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval, "file overrides default")
	assert.Equal(t, 2, cfg.Scheduler.Workers, "env overrides file")
	assert.Equal(t, ":7000", cfg.Gateway.Addr)
	assert.Equal(t, "warn", cfg.Log.Level, "flag overrides file")
}

func TestUnsetFlagKeepsConfigValue(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "/tmp/flag-default.db", "")
	require.NoError(t, fs.Parse(nil))

	t.Setenv("FWROLLOUT_STORE_PATH", "/tmp/from-env.db")
	l := NewLoader()
	require.NoError(t, l.BindFlag("store.path", fs.Lookup("db")))
	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Store.Path)
}

func TestBindMissingFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.Error(t, NewLoader().BindFlag("store.path", fs.Lookup("nope")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"s3 without bucket", func(c *Config) { c.Registry.Backend = RegistryS3 }, "registry.bucket"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("FWROLLOUT_STORE_BACKEND", "etcd")
	_, err := NewLoader().Load("")
	assert.ErrorContains(t, err, "store.backend")
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FWROLLOUT_REGISTRY_BUCKET=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FWROLLOUT_REGISTRY_BUCKET") })

	require.NoError(t, LoadDotEnv(path))
	t.Setenv("FWROLLOUT_REGISTRY_BACKEND", "s3")
	cfg, err := NewLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Registry.Bucket)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("task_id", "t1").Info("hello")
	assert.Contains(t, buf.String(), `"task_id":"t1"`)

	_, err = LogConfig{Level: "nope"}.NewLogger(&buf)
	assert.Error(t, err)
}
