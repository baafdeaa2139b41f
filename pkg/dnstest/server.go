// Package dnstest runs an in-process DNS server for tests.
package dnstest

import (
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
)

// Server answers A/AAAA queries from a fixed record set and NXDOMAIN for
// everything else.
type Server struct {
	Addr       string
	opts       Options
	zone       map[string][]net.IP
	queries    atomic.Int64
	tcpQueries atomic.Int64
}

// Options change how a Server answers
type Options struct {
	// Rcode, when non-zero, is sent for every query in place of an answer
	Rcode int
	// TruncateUDP answers UDP queries with the TC bit and no records. The
	// full answer is served over TCP on the same port.
	TruncateUDP bool
}

// Start serves records on a random loopback UDP port until the test ends.
// Keys are domain names (with or without trailing dot), values IP literals.
func Start(t testing.TB, records map[string][]string) *Server {
	t.Helper()
	return StartWithOptions(t, records, Options{})
}

// StartWithOptions is Start with non-default answering behavior
func StartWithOptions(t testing.TB, records map[string][]string, opts Options) *Server {
	t.Helper()

	s := &Server{opts: opts, zone: make(map[string][]net.IP, len(records))}
	for name, addrs := range records {
		fqdn := dns.Fqdn(strings.ToLower(name))
		for _, a := range addrs {
			ip := net.ParseIP(a)
			if ip == nil {
				t.Fatalf("dnstest: invalid address %q for %s", a, name)
			}
			s.zone[fqdn] = append(s.zone[fqdn], ip)
		}
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.serveDNS)

	pc, ln := listen(t, opts.TruncateUDP)
	s.Addr = pc.LocalAddr().String()

	serve(t, &dns.Server{PacketConn: pc, Handler: mux})
	if ln != nil {
		serve(t, &dns.Server{Listener: ln, Handler: mux})
	}

	return s
}

// listen opens a loopback UDP socket and, when withTCP is set, a TCP
// listener on the same port.
func listen(t testing.TB, withTCP bool) (net.PacketConn, net.Listener) {
	t.Helper()

	for attempt := 0; attempt < 10; attempt++ {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("dnstest: listen: %v", err)
		}
		if !withTCP {
			return pc, nil
		}
		ln, err := net.Listen("tcp", pc.LocalAddr().String())
		if err == nil {
			return pc, ln
		}
		// The port is taken for TCP, try another one
		_ = pc.Close()
	}
	t.Fatal("dnstest: no port free for both UDP and TCP")
	return nil, nil
}

func serve(t testing.TB, srv *dns.Server) {
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() {
		_ = srv.ActivateAndServe()
	}()
	<-started

	t.Cleanup(func() {
		_ = srv.Shutdown()
	})
}

func (s *Server) serveDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.queries.Add(1)
	overTCP := w.LocalAddr().Network() == "tcp"
	if overTCP {
		s.tcpQueries.Add(1)
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.RecursionAvailable = true

	switch {
	case s.opts.Rcode != 0:
		m.Rcode = s.opts.Rcode
		_ = w.WriteMsg(m)
		return
	case s.opts.TruncateUDP && !overTCP:
		m.Truncated = true
		_ = w.WriteMsg(m)
		return
	case len(r.Question) == 0:
		m.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	ips, ok := s.zone[strings.ToLower(q.Name)]
	if !ok {
		m.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(m)
		return
	}

	for _, ip := range ips {
		hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 60}
		switch {
		case q.Qtype == dns.TypeA && ip.To4() != nil:
			hdr.Rrtype = dns.TypeA
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip.To4()})
		case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
			hdr.Rrtype = dns.TypeAAAA
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	_ = w.WriteMsg(m)
}

// Queries returns how many queries the server has answered
func (s *Server) Queries() int64 {
	return s.queries.Load()
}

// TCPQueries returns how many of those queries arrived over TCP
func (s *Server) TCPQueries() int64 {
	return s.tcpQueries.Load()
}

// DeadAddr returns a loopback UDP address nothing listens on
func DeadAddr(t testing.TB) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("dnstest: listen: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()
	return addr
}
