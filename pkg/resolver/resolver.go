// Package resolver provides the name resolution backends used by the startup
// probe: the host resolver (optionally pinned to upstream servers) and a
// direct DNS wire-protocol resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"boot-probe/pkg/config"
	"boot-probe/pkg/logging"
)

// IPLookuper resolves a hostname to IP addresses. network is "ip", "ip4"
// or "ip6". *net.Resolver satisfies it.
type IPLookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// New returns the backend for mode (config.ModeSystem or config.ModeWire).
func New(mode string, upstreams []string, strict bool, logger *logging.Logger) (IPLookuper, error) {
	switch mode {
	case "", config.ModeSystem:
		if strict {
			return NewStrict(upstreams, logger), nil
		}
		return NewSystem(upstreams, logger), nil
	case config.ModeWire:
		return NewWire(upstreams, logger)
	default:
		return nil, fmt.Errorf("unknown resolver mode %q", mode)
	}
}

// Resolver resolves through Go's net.Resolver. With upstreams configured it
// queries them instead of the servers in /etc/resolv.conf.
type Resolver struct {
	logger    *logging.Logger
	dialer    *net.Dialer
	upstreams []string
	strict    bool // when true, never fall back to system resolver
	fallback  IPLookuper
}

// NewSystem creates a resolver that uses the specified upstream DNS servers.
// If upstreams is empty or nil, it uses the system's default resolver.
//
// Example:
//
//	r := resolver.NewSystem([]string{"1.1.1.1:53", "8.8.8.8"}, logger)
func NewSystem(upstreams []string, logger *logging.Logger) *Resolver {
	return newWithOptions(upstreams, logger, false)
}

// NewStrict creates a resolver that will NOT fall back to the system resolver
// when upstreams fail.
func NewStrict(upstreams []string, logger *logging.Logger) *Resolver {
	return newWithOptions(upstreams, logger, true)
}

func newWithOptions(upstreams []string, logger *logging.Logger, strict bool) *Resolver {
	upstreams = normalizeUpstreams(upstreams)
	if len(upstreams) == 0 {
		logger.Debug("No upstream DNS servers configured, using system default resolver")
	} else {
		logger.Debug("DNS resolver initialized", "upstreams", upstreams, "strict", strict)
	}

	return &Resolver{
		upstreams: upstreams,
		logger:    logger,
		strict:    strict,
		fallback:  net.DefaultResolver,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves a hostname to IP addresses using configured upstream DNS
// servers. It tries each upstream server until one succeeds or all fail.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if len(r.upstreams) == 0 {
		return r.fallback.LookupIP(ctx, network, host)
	}

	var lastErr error
	for idx, upstream := range r.upstreams {
		// RFC 1035 §7.2 requires resolvers to retry alternate name servers on failure.
		netResolver := &net.Resolver{
			PreferGo: true,
			// network is "tcp" when a UDP answer came back truncated
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return r.dialer.DialContext(ctx, network, upstream)
			},
		}

		ips, err := netResolver.LookupIP(ctx, network, host)
		if err != nil {
			lastErr = err
			r.logger.Debug("DNS resolution attempt failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			// A definitive answer from an upstream is not retried elsewhere
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				return nil, err
			}
			continue
		}

		r.logger.Debug("DNS resolution successful",
			"host", host,
			"upstream", upstream,
			"ips", ips,
		)
		return ips, nil
	}

	if r.strict {
		return nil, fmt.Errorf("failed to resolve %s via configured upstreams (strict mode): %w", host, lastErr)
	}

	r.logger.Warn("All upstream DNS servers failed, falling back to system resolver",
		"host", host,
		"attempts", len(r.upstreams),
		"error", lastErr,
	)
	ips, err := r.fallback.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s via configured upstreams: %w", host, errors.Join(lastErr, err))
	}
	return ips, nil
}

// Upstreams returns the configured upstream DNS servers
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}

// normalizeUpstreams adds the default DNS port where it is missing
func normalizeUpstreams(in []string) []string {
	out := make([]string, 0, len(in))
	for _, upstream := range in {
		if upstream == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			out = append(out, net.JoinHostPort(upstream, "53"))
		} else {
			out = append(out, upstream)
		}
	}
	return out
}
