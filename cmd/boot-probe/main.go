package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boot-probe/pkg/config"
	"boot-probe/pkg/lifecycle"
	"boot-probe/pkg/logging"
	"boot-probe/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (.yml/.yaml or .toml); built-in defaults when empty")
	hostFlag   = flag.String("host", "", "Hostname or URL to probe; overrides the configuration")
	oneshot    = flag.Bool("oneshot", false, "Launch the probe, wait for its outcome and exit")
	watch      = flag.Bool("watch", false, "Probe again whenever the configuration file changes")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("boot-probe starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	deps := probeDeps{
		logger:  logger,
		metrics: metrics,
		tracer:  telem.Tracer(),
	}

	launcher := lifecycle.NewLauncher(logger)
	prober, host, err := deps.build(cfg, *hostFlag)
	switch {
	case err != nil:
		// A missing or broken target never stops startup
		logger.Warn("Startup probe skipped", "error", err)
	case prober != nil:
		launcher.OnLaunch("dns-probe", func(ctx context.Context) {
			prober.Launch(ctx, host)
		})
	}

	launcher.Launch(ctx)

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}

	if *oneshot {
		if prober != nil {
			prober.Wait()
		}
		shutdown()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The watcher runs for any config file so probe_on_reload can be
	// switched on or off by a reload
	if watchConfig(logger, *watch, *configPath) {
		watcher, err := config.NewWatcher(*configPath, logger.Logger)
		if err != nil {
			logger.Error("Failed to start config watcher", "error", err)
		} else {
			watcher.OnChange(deps.reloadHandler(runCtx, *watch, *hostFlag))
			go func() {
				if err := watcher.Start(runCtx); err != nil {
					logger.Error("Config watcher stopped", "error", err)
				}
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("boot-probe is running", "config", *configPath)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	cancel()
	shutdown()
	logger.Info("boot-probe stopped")
}

// loadConfig reads path, or returns defaults when path is empty
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadWithDefaults(), nil
	}
	return config.Load(path)
}
