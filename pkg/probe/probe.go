// Package probe implements the startup connectivity probe: a fire-and-forget
// DNS resolution of the backend host whose only output is a log record.
package probe

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"boot-probe/pkg/logging"
	"boot-probe/pkg/resolver"
	"boot-probe/pkg/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Log messages emitted by the probe
const (
	msgFailed   = "DNS resolve failed"
	msgPanicked = "DNS probe panicked"
)

var errEmptyHost = errors.New("empty hostname")

// Options tune a Prober. The zero value is usable.
type Options struct {
	// Network is "ip", "ip4" or "ip6". Defaults to "ip".
	Network string
	// Timeout bounds a single resolution. Zero leaves it to the resolver.
	Timeout time.Duration
	// Metrics may be nil.
	Metrics *telemetry.Metrics
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// Prober launches background DNS probes
type Prober struct {
	resolver resolver.IPLookuper
	logger   *logging.Logger
	network  string
	timeout  time.Duration
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	wg sync.WaitGroup
}

type result struct {
	host    string
	address string
	err     *resolver.ResolutionError
	elapsed time.Duration
}

// New creates a Prober resolving through r. A nil logger means the global
// logger.
func New(r resolver.IPLookuper, logger *logging.Logger, opts Options) *Prober {
	if logger == nil {
		logger = logging.Global()
	}
	if opts.Network == "" {
		opts.Network = "ip"
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("boot-probe/probe")
	}

	return &Prober{
		resolver: r,
		logger:   logger,
		network:  opts.Network,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// Launch resolves host on its own goroutine and returns immediately.
// The outcome is only logged. Cancelling ctx does not stop the probe.
func (p *Prober) Launch(ctx context.Context, host string) {
	ctx = context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.metrics.RecordProbe(ctx, 0, "panic")
				p.logger.ErrorContext(ctx, msgPanicked,
					"host", host,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
			}
		}()

		p.report(ctx, p.resolve(ctx, host))
	}()
}

// Wait blocks until every launched probe has logged its outcome. Startup
// code never calls it.
func (p *Prober) Wait() {
	p.wg.Wait()
}

func (p *Prober) resolve(ctx context.Context, host string) result {
	ctx, span := p.tracer.Start(ctx, "probe.resolve",
		trace.WithAttributes(
			attribute.String("probe.host", host),
			attribute.String("probe.network", p.network),
		),
	)
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res := result{host: host}
	start := time.Now()

	var err error
	if host == "" {
		err = errEmptyHost
	} else {
		ips, lookupErr := p.resolver.LookupIP(ctx, p.network, host)
		switch {
		case lookupErr != nil:
			err = lookupErr
		case len(ips) == 0:
			err = resolver.ErrNoAddress
		default:
			res.address = ips[0].String()
		}
	}
	res.elapsed = time.Since(start)

	if err != nil {
		res.err = resolver.Classify(host, err)
		if errors.Is(err, errEmptyHost) {
			res.err.Reason = resolver.ReasonUnknownHost
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, res.err.Reason)
		return res
	}

	span.SetAttributes(attribute.String("probe.address", res.address))
	return res
}

func (p *Prober) report(ctx context.Context, res result) {
	if res.err != nil {
		p.metrics.RecordProbe(ctx, res.elapsed, res.err.Reason)
		p.logger.ErrorContext(ctx, msgFailed,
			"host", res.host,
			"reason", res.err.Reason,
			"error", res.err.Err,
			"elapsed", res.elapsed,
		)
		return
	}

	p.metrics.RecordProbe(ctx, res.elapsed, "")
	p.logger.InfoContext(ctx, fmt.Sprintf("Resolved %s -> %s", res.host, res.address),
		"host", res.host,
		"address", res.address,
		"elapsed", res.elapsed,
	)
}
