package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/config"
	"github.com/baremetalphp/appserver/logging"
	"github.com/baremetalphp/appserver/pid"
	"github.com/baremetalphp/appserver/signals"
	"github.com/baremetalphp/appserver/supervisor"
)

// errReported is returned by commands that already told the user what went
// wrong; main only has to exit 1.
var errReported = errors.New("command failed")

// app carries what every command needs once the configuration is loaded.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	// root overrides project root discovery.
	root string

	cfg    *config.Config
	logger *zap.Logger

	// newPort builds the signal port; tests replace it.
	newPort func() signals.Port

	closers []func() error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		v:       viper.New(),
		stdout:  stdout,
		stderr:  stderr,
		newPort: func() signals.Port { return signals.NewOSPort() },
	}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	config.Bind(a.v)

	root := &cobra.Command{
		Use:   "server",
		Short: "BareMetal PHP application server",
		Long: `Runs PHP applications behind a Go HTTP server.

A master process owns the listening socket; in process mode a manager
supervises the worker processes serving requests. Static files are served
directly, everything else goes to a pool of long-lived PHP workers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "configuration file (default "+config.FileName+" in the project root)")
	flags.String("pid-file", "", "file recording the server process ids")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	a.bindFlag("config", flags, "config")
	a.bindFlag("pid_file", flags, "pid-file")
	a.bindFlag("log.level", flags, "log-level")

	root.AddCommand(
		a.startCmd(),
		a.stopCmd(),
		a.reloadCmd(),
		a.statusCmd(),
	)
	return root
}

// bindFlag ties a flag to a config key so the flag, the BAREMETAL_*
// environment and the config file resolve to one value.
func (a *app) bindFlag(key string, flags *pflag.FlagSet, name string) {
	_ = a.v.BindPFlag(key, flags.Lookup(name))
}

// load reads the configuration and builds the logger.
func (a *app) load() error {
	root := a.root
	if root == "" {
		root = config.ProjectRoot()
	}

	boot, _, err := logging.New(logging.Config{Level: a.v.GetString("log.level"), Format: logging.Format(a.v.GetString("log.format"))})
	if err != nil {
		return err
	}
	cfg, err := config.Load(a.v, root, boot)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format)})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// registry returns the configured pid registry.
func (a *app) registry() pid.Registry {
	if a.cfg.PIDStore == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		return pid.NewRedisRegistry(client, a.cfg.Redis.Key)
	}
	return pid.NewFileRegistry(a.cfg.Path(a.cfg.PIDFile))
}

// supervisor builds a supervisor for the control commands. start adds the
// runtime and request pipeline to cfg.
func (a *app) supervisor(mutate func(*supervisor.Config)) (*supervisor.Supervisor, error) {
	cfg := supervisor.Config{
		Registry: a.registry(),
		Signals:  a.newPort(),
		Logger:   a.logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return supervisor.New(cfg)
}

func (a *app) println(args ...any) {
	fmt.Fprintln(a.stdout, args...)
}

func (a *app) eprintln(args ...any) {
	fmt.Fprintln(a.stderr, args...)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
