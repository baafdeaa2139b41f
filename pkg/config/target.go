package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ErrNoTarget is returned when neither a hostname nor a backend for the
// selected environment is configured.
var ErrNoTarget = errors.New("no probe target configured")

// Target returns the hostname the startup probe should resolve.
//
// Precedence: BOOTPROBE_HOSTNAME, then probe.hostname, then
// probe.backends[probe.environment].
func (c *Config) Target() (string, error) {
	if v := strings.TrimSpace(os.Getenv(HostnameEnv)); v != "" {
		host, err := NormalizeHost(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", HostnameEnv, err)
		}
		return host, nil
	}

	if c.Probe.Hostname != "" {
		return NormalizeHost(c.Probe.Hostname)
	}

	raw, ok := c.Probe.Backends[c.Probe.Environment]
	if !ok {
		return "", fmt.Errorf("%w (environment %q)", ErrNoTarget, c.Probe.Environment)
	}
	return NormalizeHost(raw)
}

// NormalizeHost reduces a configured target to a bare hostname or IP
// literal. It accepts "host", "host:port", "[v6]", "[v6]:port" and URLs
// such as "https://api.example.com/v1".
func NormalizeHost(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty hostname")
	}

	var host string
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		host = u.Hostname()
	} else {
		if i := strings.IndexAny(s, "/?#"); i >= 0 {
			s = s[:i]
		}
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		} else {
			host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		}
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("no hostname in %q", raw)
	}
	if strings.ContainsAny(host, " \t@") {
		return "", fmt.Errorf("invalid hostname %q", host)
	}
	return host, nil
}
