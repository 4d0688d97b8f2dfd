package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/accesslog"
	"github.com/baremetalphp/appserver/config"
	"github.com/baremetalphp/appserver/dispatch"
	"github.com/baremetalphp/appserver/hotreload"
	"github.com/baremetalphp/appserver/runtime"
	"github.com/baremetalphp/appserver/server"
	"github.com/baremetalphp/appserver/static"
	"github.com/baremetalphp/appserver/supervisor"
)

const startHelp = `Start the web server. If --daemonize is provided, starts the server as a
background process and returns handling to the shell; otherwise, the
server runs in the current process.

Use --num-workers to control how many worker processes to start. If you
do not provide the option, 4 workers will be started.`

func (a *app) startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the web server",
		Long:  startHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.start(cmd)
		},
	}
	cmd.Flags().BoolP("daemonize", "d", false, "daemonize the web server (run as a background process)")
	cmd.Flags().IntP("num-workers", "w", 4, "number of worker processes to use")
	a.bindFlag("daemonize", cmd.Flags(), "daemonize")
	a.bindFlag("workers", cmd.Flags(), "num-workers")
	return cmd
}

func (a *app) start(cmd *cobra.Command) error {
	cfg := a.cfg
	// Daemonize and workers come from viper so flags, env and file agree.
	cfg.Daemonize = a.v.GetBool("daemonize")
	cfg.Workers = a.v.GetInt("workers")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	php := newPHPApp(phpConfig(cfg), a.logger)
	registry.MustRegister(php)

	dispatcher, err := a.dispatcher(php, registry)
	if err != nil {
		return err
	}

	opts := runtimeOptions(cfg)
	admin := runtime.Admin{
		Health:  php.health,
		Recycle: php.recycle,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	sup, err := a.supervisor(func(sc *supervisor.Config) {
		sc.Dispatcher = dispatcher
		sc.WorkerStart = php.start
		sc.WorkerStop = php.stop
		sc.HotReload = hotReloadConfig(cfg)
		sc.Started = func(supervisor.ServerInfo) {
			if !opts.Daemonize {
				a.println("Server started")
			}
		}
		sc.Runtime = func(events runtime.Events) (supervisor.Runner, error) {
			return runtime.New(opts, events,
				runtime.WithLogger(a.logger),
				runtime.WithAdmin(admin),
			)
		}
	})
	if err != nil {
		return err
	}

	if !runtime.IsChild() {
		a.banner(opts)
	}

	err = sup.Start(commandContext(cmd))
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		a.eprintln("Server is already running!")
		return errReported
	case err != nil:
		a.logger.Error("server failed", zap.Error(err))
		return err
	}
	if opts.Daemonize && !runtime.IsChild() {
		a.println("Server started")
	}
	return nil
}

// dispatcher assembles the per-request pipeline.
func (a *app) dispatcher(handler dispatch.Handler, registry prometheus.Registerer) (*dispatch.Dispatcher, error) {
	cfg := a.cfg
	opts := []dispatch.Option{
		dispatch.WithRequestFactory(dispatch.NewRequestFactory(cfg.MaxBodyBytes)),
		dispatch.WithLogger(a.logger),
	}

	if rules := cfg.StaticRules(a.logger); len(rules) > 0 {
		stages, err := static.DefaultMiddleware(cfg.CompressionLevel, cfg.CacheControl, cfg.WeakETags, cfg.StaticTypes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		h, err := static.NewHandler(rules, static.WithMiddleware(stages...))
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatch.WithStatic(h))
	}

	loggers := accesslog.Multi{accesslog.NewMetrics(accesslog.MetricsConfig{Registry: registry})}
	if cfg.AccessLog {
		loggers = append(loggers, accesslog.NewZapLogger(a.logger))
	}
	opts = append(opts, dispatch.WithAccessLog(loggers))

	return dispatch.New(handler, opts...), nil
}

func (a *app) banner(opts runtime.Options) {
	cfg := a.cfg
	a.logger.Info("BareMetalPHP Go App Server",
		zap.String("listen", opts.Address()),
		zap.String("mode", string(opts.Mode)),
		zap.String("transport", string(opts.Transport)),
		zap.Int("workers", opts.Workers),
		zap.Bool("daemonize", opts.Daemonize),
		zap.Int("fast_workers", cfg.FastWorkers),
		zap.Int("slow_workers", cfg.SlowWorkers),
		zap.Int("timeout_ms", cfg.RequestTimeoutMs),
		zap.Int("max_requests_per_worker", cfg.MaxRequestsPerWorker),
		zap.String("config", cfg.File),
	)
	for _, rule := range cfg.Static {
		a.logger.Info("static rule", zap.String("prefix", rule.Prefix), zap.String("dir", cfg.Path(rule.Dir)))
	}
}

func runtimeOptions(cfg *config.Config) runtime.Options {
	return runtime.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Mode:            runtime.Mode(cfg.Mode),
		Transport:       runtime.Transport(cfg.Transport),
		SocketPath:      cfg.Path(cfg.SocketPath),
		Workers:         cfg.Workers,
		Daemonize:       cfg.Daemonize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		LogFile:         cfg.Path(cfg.Log.File),
		Dir:             cfg.Root,
	}
}

func phpConfig(cfg *config.Config) server.Config {
	return server.Config{
		FastWorkers: cfg.FastWorkers,
		SlowWorkers: cfg.SlowWorkers,
		Worker: server.WorkerConfig{
			Binary:         cfg.PHPBinary,
			Script:         server.ScriptPath(cfg.Root, cfg.WorkerScript),
			Dir:            cfg.Root,
			MaxRequests:    cfg.MaxRequestsPerWorker,
			RequestTimeout: cfg.RequestTimeout(),
		},
		Slow: server.SlowRequestConfig{
			RoutePrefixes: cfg.SlowRoutes,
			Methods:       cfg.SlowMethods,
			BodyThreshold: cfg.SlowBodyThreshold,
		},
	}
}

// hotReloadConfig returns nil when hot reload is off.
func hotReloadConfig(cfg *config.Config) *hotreload.Config {
	if !cfg.HotReload {
		return nil
	}
	dirs := make([]string, 0, len(cfg.HotReloadDirs))
	for _, d := range cfg.HotReloadDirs {
		dirs = append(dirs, cfg.Path(d))
	}
	return &hotreload.Config{
		Dirs:       dirs,
		Extensions: []string{".php"},
		Debounce:   cfg.HotReloadDebounce,
	}
}
