package main

import (
	"context"
	"time"

	"boot-probe/pkg/config"
	"boot-probe/pkg/logging"
	"boot-probe/pkg/probe"
	"boot-probe/pkg/resolver"
	"boot-probe/pkg/telemetry"

	"go.opentelemetry.io/otel/trace"
)

type probeDeps struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// build returns the prober and target for cfg. A nil prober with a nil
// error means the probe is disabled.
func (d probeDeps) build(cfg *config.Config, hostOverride string) (*probe.Prober, string, error) {
	if !cfg.ProbeEnabled() && hostOverride == "" {
		d.logger.Info("Startup probe disabled")
		return nil, "", nil
	}

	var (
		host string
		err  error
	)
	if hostOverride != "" {
		host, err = config.NormalizeHost(hostOverride)
	} else {
		host, err = cfg.Target()
	}
	if err != nil {
		return nil, "", err
	}

	r, err := resolver.New(cfg.Probe.Mode, cfg.UpstreamDNSServers, cfg.StrictUpstreams, d.logger)
	if err != nil {
		return nil, "", err
	}

	p := probe.New(r, d.logger, probe.Options{
		Network: cfg.Probe.Network,
		Timeout: time.Duration(cfg.Probe.Timeout),
		Metrics: d.metrics,
		Tracer:  d.tracer,
	})
	return p, host, nil
}

// reloadHandler returns the config watcher callback. A reload launches a
// new probe when the -watch flag is set or the reloaded file enables
// probe_on_reload.
func (d probeDeps) reloadHandler(ctx context.Context, watchFlag bool, hostOverride string) func(*config.Config) {
	reload := d
	reload.logger = d.logger.WithField("trigger", "reload")

	return func(cfg *config.Config) {
		if !watchFlag && !cfg.Probe.ProbeOnReload {
			reload.logger.Debug("Reload probe not requested")
			return
		}
		p, host, err := reload.build(cfg, hostOverride)
		if err != nil {
			reload.logger.Warn("Reload probe skipped", "error", err)
			return
		}
		if p != nil {
			p.Launch(ctx, host)
		}
	}
}

// watchConfig reports whether a config watcher should run for path
func watchConfig(logger *logging.Logger, watchFlag bool, path string) bool {
	if path == "" {
		if watchFlag {
			logger.Warn("-watch ignored: no -config file to watch")
		}
		return false
	}
	return true
}
