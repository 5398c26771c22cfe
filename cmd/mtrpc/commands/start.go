package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/internal/telemetry"
	"github.com/gnosek/mtrpc/pkg/config"
	"github.com/gnosek/mtrpc/pkg/httpfront"
	"github.com/gnosek/mtrpc/pkg/metrics"
	"github.com/gnosek/mtrpc/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mtrpc server",
	Long: `Start the mtrpc server with the specified configuration.

The server consumes requests from the configured AMQP bindings and keeps
running until stopped. SIGTERM and SIGHUP reactions are configurable
(exit, restart or ignore); a restart reloads the configuration and
rebuilds the method tree without leaving the process.

Examples:
  # Start with default config location
  mtrpc start

  # Start with custom config file
  mtrpc start --config /etc/mtrpc/config.yaml

  # Override configuration via environment
  MTRPC_LOGGING_LEVEL=DEBUG mtrpc start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	for {
		restart, err := serveOnce()
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		logger.Info("restarting server")
	}
}

// serveOnce runs one full server lifecycle: load config, build the
// tree, serve until a stop or restart is requested.
func serveOnce() (restart bool, err error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return false, err
	}

	if err := InitLogger(cfg); err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "mtrpc",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "mtrpc",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("configuration loaded", "source", configSource())
	logger.Info("log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	tree, err := buildTree(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to build method tree: %w", err)
	}
	logger.Info("method tree built",
		"units", len(cfg.Tree.Units)+1,
		"methods", len(tree.ProcedureNames()))

	registry := prometheus.NewRegistry()
	rpcMetrics := metrics.New(registry)

	srv, err := server.New(cfg.ServerConfig(), tree, server.WithMetrics(rpcMetrics))
	if err != nil {
		return false, fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(cfg.Metrics.Addr, registry)
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
	}

	if cfg.HTTP.Enabled {
		httpSrv := httpfront.NewServer(httpfront.Config{
			Addr:          cfg.HTTP.Addr,
			ReadTimeout:   cfg.HTTP.ReadTimeout,
			WriteTimeout:  cfg.HTTP.WriteTimeout,
			IdleTimeout:   cfg.HTTP.IdleTimeout,
			AccessKey:     cfg.HTTP.AccessKey,
			AccessKeyhole: cfg.HTTP.AccessKeyhole,
		}, tree)
		go func() {
			if err := httpSrv.Start(ctx); err != nil {
				logger.Error("HTTP frontend error", logger.Err(err))
			}
		}()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	configChanged, watcherClose, err := watchConfig(cfg)
	if err != nil {
		logger.Warn("config watch disabled", logger.Err(err))
	}
	defer watcherClose()

	logger.Info("server is running", "client_id", cfg.AMQP.ClientID)

	for {
		select {
		case sig := <-sigChan:
			action := signalAction(cfg, sig)
			logger.Info("signal received", "signal", sig.String(), "action", string(action))
			switch action {
			case config.ActionIgnore:
				continue
			case config.ActionRestart:
				stopServer(srv, cfg, fmt.Sprintf("%s received", sig), serverDone)
				return true, nil
			default:
				stopServer(srv, cfg, fmt.Sprintf("%s received", sig), serverDone)
				return false, nil
			}

		case <-configChanged:
			logger.Info("configuration file changed, restarting")
			stopServer(srv, cfg, "configuration changed", serverDone)
			return true, nil

		case err := <-serverDone:
			if err != nil {
				logger.Error("server stopped with error", logger.Err(err))
				return false, err
			}
			logger.Info("server stopped")
			return false, nil
		}
	}
}

// stopServer requests a shutdown per the configured policy and waits
// for the runtime to terminate.
func stopServer(srv *server.Server, cfg *config.Config, reason string, serverDone <-chan error) {
	srv.Stop(reason, cfg.OS.ForceStop, cfg.OS.StopTimeout)
	if err := <-serverDone; err != nil {
		logger.Error("server shutdown error", logger.Err(err))
	}
}

// signalAction maps one received signal onto the configured action.
// SIGINT always exits: an interactive ^C must never be ignored.
func signalAction(cfg *config.Config, sig os.Signal) config.SignalAction {
	switch sig {
	case syscall.SIGTERM:
		return cfg.OS.OnTerm
	case syscall.SIGHUP:
		return cfg.OS.OnHup
	default:
		return config.ActionExit
	}
}

// watchConfig arms a restart when the configuration file changes on
// disk, if enabled. The returned close function is always safe to call.
func watchConfig(cfg *config.Config) (<-chan struct{}, func(), error) {
	if !cfg.OS.WatchConfig {
		return nil, func() {}, nil
	}
	path := GetConfigFile()
	if path == "" {
		path = config.DefaultConfigPath()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, func() {}, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, func() {}, err
	}

	changed := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case changed <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.Err(err))
			}
		}
	}()
	return changed, func() { _ = watcher.Close() }, nil
}

// configSource returns a description of where the config was loaded from.
func configSource() string {
	if GetConfigFile() != "" {
		return GetConfigFile()
	}
	return config.DefaultConfigPath()
}
