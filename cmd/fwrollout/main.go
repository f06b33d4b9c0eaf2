// Command fwrollout runs the firmware rollout daemon and the operator CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/config"
	"github.com/superfly/fwrollout/database"
	"github.com/superfly/fwrollout/memstore"
	"github.com/superfly/fwrollout/registry"
)

// app is the state shared by every command once flags and config are loaded.
type app struct {
	configFile string
	dotenv     string

	cfg *config.Config
	log *logrus.Logger
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "fwrollout",
		Short:         "Orchestrate firmware upgrades across a device fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml or toml)")
	pf.StringVar(&a.dotenv, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.String("store", d.Store.Backend, "store backend: sqlite or memory")
	pf.String("db", d.Store.Path, "SQLite database path")
	pf.String("registry", d.Registry.Backend, "firmware registry: bolt or s3")
	pf.String("registry-path", d.Registry.Path, "bbolt registry file")
	pf.String("registry-bucket", d.Registry.Bucket, "S3 bucket holding firmware manifests")
	pf.String("log-level", d.Log.Level, "log level")
	pf.String("log-format", d.Log.Format, "log format: json or text")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadDotEnv(a.dotenv); err != nil {
			return err
		}
		loader := config.NewLoader()
		for key, flag := range map[string]string{
			"store.backend":    "store",
			"store.path":       "db",
			"registry.backend": "registry",
			"registry.path":    "registry-path",
			"registry.bucket":  "registry-bucket",
			"log.level":        "log-level",
			"log.format":       "log-format",
		} {
			if err := loader.BindFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		bindCommandFlags(cmd, loader)

		cfg, err := loader.Load(a.configFile)
		if err != nil {
			return err
		}
		log, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.log = log
		return nil
	}

	root.AddCommand(
		newDaemonCmd(a),
		newTaskCmd(a),
		newRollbackCmd(a),
		newDeviceCmd(a),
		newFirmwareCmd(a),
		newMonitorCmd(a),
		newSimulateDeviceCmd(a),
	)
	return root
}

// commandBindings maps config keys to flags that only some commands define.
var commandBindings = map[string]string{
	"scheduler.interval":                  "interval",
	"scheduler.device_timeout":            "device-timeout",
	"scheduler.max_concurrent_dispatches": "max-concurrent",
	"scheduler.workers":                   "workers",
	"gateway.addr":                        "gateway-addr",
	"metrics.addr":                        "metrics-addr",
}

func bindCommandFlags(cmd *cobra.Command, loader *config.Loader) {
	for key, name := range commandBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = loader.BindFlag(key, f)
		}
	}
}

// deps holds the opened store and registry.
type deps struct {
	store    fwrollout.Store
	registry fwrollout.FirmwareRegistry

	// bolt is set when the registry is writable.
	bolt *registry.Bolt
}

func (d *deps) Close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.bolt != nil {
		errs = append(errs, d.bolt.Close())
	}
	return errors.Join(errs...)
}

func (a *app) openStore() (fwrollout.Store, error) {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		a.log.Warn("using in-memory store; state is lost when the process exits")
		return memstore.New()
	default:
		dbCfg := database.DefaultConfig()
		dbCfg.Path = a.cfg.Store.Path
		dbCfg.Logger = a.log
		return database.New(dbCfg)
	}
}

func (a *app) openRegistry(ctx context.Context) (fwrollout.FirmwareRegistry, *registry.Bolt, error) {
	switch a.cfg.Registry.Backend {
	case config.RegistryS3:
		r, err := registry.NewS3(ctx, registry.S3Config{
			Region: a.cfg.Registry.Region,
			Bucket: a.cfg.Registry.Bucket,
			Prefix: a.cfg.Registry.Prefix,
		}, a.log)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	default:
		b, err := registry.OpenBolt(a.cfg.Registry.Path, a.log)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}
}

func (a *app) initializeDependencies(ctx context.Context) (*deps, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	reg, bolt, err := a.openRegistry(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open firmware registry: %w", err)
	}
	return &deps{store: store, registry: reg, bolt: bolt}, nil
}

// withDeps opens the store and registry for the duration of fn.
func (a *app) withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := a.initializeDependencies(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}
