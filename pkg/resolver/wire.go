package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"boot-probe/pkg/logging"

	"github.com/miekg/dns"
)

var resolvConfPath = "/etc/resolv.conf"

// WireResolver sends A/AAAA queries straight to DNS servers over the wire,
// bypassing the host resolver and its caches.
type WireResolver struct {
	upstreams []string
	timeout   time.Duration
	logger    *logging.Logger
}

// NewWire creates a wire resolver. Without upstreams the nameservers from
// /etc/resolv.conf are used.
func NewWire(upstreams []string, logger *logging.Logger) (*WireResolver, error) {
	upstreams = normalizeUpstreams(upstreams)
	if len(upstreams) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("no upstreams configured and %s unreadable: %w", resolvConfPath, err)
		}
		for _, server := range cc.Servers {
			upstreams = append(upstreams, net.JoinHostPort(server, cc.Port))
		}
		if len(upstreams) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", resolvConfPath)
		}
	}

	logger.Debug("Wire resolver initialized", "upstreams", upstreams)

	return &WireResolver{
		upstreams: upstreams,
		timeout:   2 * time.Second,
		logger:    logger,
	}, nil
}

// LookupIP queries A and/or AAAA records for host depending on network.
// NXDOMAIN, or an empty answer for every queried type, is reported as a
// not-found *net.DNSError.
func (w *WireResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var (
		ips     []net.IP
		lastErr error
	)
	for _, qtype := range qtypes {
		resp, err := w.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}

	if len(ips) > 0 {
		return ips, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// exchange asks each upstream in order, retrying over TCP on truncation
func (w *WireResolver) exchange(ctx context.Context, host string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	var lastErr error
	for idx, upstream := range w.upstreams {
		client := &dns.Client{Net: "udp", Timeout: w.timeout}
		resp, rtt, err := client.ExchangeContext(ctx, msg, upstream)
		if err == nil && resp != nil && resp.Truncated {
			client = &dns.Client{Net: "tcp", Timeout: w.timeout}
			resp, rtt, err = client.ExchangeContext(ctx, msg, upstream)
		}
		if err != nil {
			lastErr = fmt.Errorf("query %s %s via %s: %w", host, dns.TypeToString[qtype], upstream, err)
			w.logger.Debug("Upstream query failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			lastErr = fmt.Errorf("upstream %s returned %s", upstream, dns.RcodeToString[resp.Rcode])
			continue
		}

		w.logger.Debug("Upstream query succeeded",
			"host", host,
			"type", dns.TypeToString[qtype],
			"upstream", upstream,
			"rtt", rtt,
			"answers", len(resp.Answer),
		)
		return resp, nil
	}

	return nil, lastErr
}

// Upstreams returns the DNS servers the resolver queries
func (w *WireResolver) Upstreams() []string {
	return w.upstreams
}
