// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"boot-probe/pkg/config"
	"boot-probe/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "boot-probe"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds the probe metrics
type Metrics struct {
	ProbeRuns     metric.Int64Counter
	ProbeFailures metric.Int64Counter
	ProbeDuration metric.Float64Histogram
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Debug("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		// Meters still aggregate in-process so spans and counters stay live
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)

	return nil
}

// setupTracing installs an SDK tracer provider. No exporter is attached;
// spans are visible to anything that reads them from the context.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics creates the probe instruments
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(instrumentationName)

	runs, err := meter.Int64Counter(
		"probe.runs",
		metric.WithDescription("Number of startup DNS probes completed, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe runs counter: %w", err)
	}

	failures, err := meter.Int64Counter(
		"probe.failures",
		metric.WithDescription("Number of failed startup DNS probes, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe failures counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"probe.duration",
		metric.WithDescription("Startup DNS probe resolution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe duration histogram: %w", err)
	}

	return &Metrics{
		ProbeRuns:     runs,
		ProbeFailures: failures,
		ProbeDuration: duration,
	}, nil
}

// RecordProbe records one finished probe. reason is empty on success.
// Safe to call on a nil *Metrics.
func (m *Metrics) RecordProbe(ctx context.Context, elapsed time.Duration, reason string) {
	if m == nil {
		return
	}

	outcome := "success"
	if reason != "" {
		outcome = "failure"
		if m.ProbeFailures != nil {
			m.ProbeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
	}
	if m.ProbeRuns != nil {
		m.ProbeRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if m.ProbeDuration != nil {
		m.ProbeDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Tracer returns the project tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Debug("Telemetry shut down")
	return nil
}
