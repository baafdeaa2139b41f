package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// HostnameEnv overrides the configured probe target when set.
const HostnameEnv = "BOOTPROBE_HOSTNAME"

// Resolver modes
const (
	ModeSystem = "system"
	ModeWire   = "wire"
)

// Config holds the application configuration
type Config struct {
	// Startup probe
	Probe ProbeConfig `yaml:"probe" toml:"probe"`

	// Upstream DNS servers used by the probe resolver. Empty means the
	// system resolver (or /etc/resolv.conf in wire mode).
	UpstreamDNSServers []string `yaml:"upstream_dns_servers" toml:"upstream_dns_servers"`

	// Never fall back to the system resolver when upstreams fail
	StrictUpstreams bool `yaml:"strict_upstreams" toml:"strict_upstreams"`

	// Logging
	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ProbeConfig holds the startup connectivity probe settings
type ProbeConfig struct {
	Enabled       *bool             `yaml:"enabled" toml:"enabled"`
	Hostname      string            `yaml:"hostname" toml:"hostname"`       // wins over environment
	Environment   string            `yaml:"environment" toml:"environment"` // key into Backends
	Backends      map[string]string `yaml:"backends" toml:"backends"`       // environment -> URL or host
	Network       string            `yaml:"network" toml:"network"`         // ip, ip4, ip6
	Mode          string            `yaml:"mode" toml:"mode"`               // system, wire
	Timeout       Duration          `yaml:"timeout" toml:"timeout"`         // 0 = resolver stack default
	ProbeOnReload bool              `yaml:"probe_on_reload" toml:"probe_on_reload"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level"`           // debug, info, warn, error
	Format    string `yaml:"format" toml:"format"`         // json, text
	Output    string `yaml:"output" toml:"output"`         // stdout, stderr, file
	FilePath  string `yaml:"file_path" toml:"file_path"`   // if output=file
	AddSource bool   `yaml:"add_source" toml:"add_source"` // include source file/line
	Tag       string `yaml:"tag" toml:"tag"`               // fixed tag attached to every record
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	ServiceName       string `yaml:"service_name" toml:"service_name"`
	ServiceVersion    string `yaml:"service_version" toml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled" toml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port" toml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled" toml:"tracing_enabled"`
}

// Duration is a time.Duration that decodes from "5s"-style strings in both
// YAML and TOML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML)
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Load loads the configuration from a YAML or TOML file. The format is
// picked from the file extension; anything but .toml is read as YAML.
func Load(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Probe defaults
	if c.Probe.Enabled == nil {
		enabled := true
		c.Probe.Enabled = &enabled
	}
	if c.Probe.Environment == "" {
		c.Probe.Environment = "prod"
	}
	if c.Probe.Network == "" {
		c.Probe.Network = "ip"
	}
	if c.Probe.Mode == "" {
		c.Probe.Mode = ModeSystem
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Tag == "" {
		c.Logging.Tag = "bootprobe"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "boot-probe"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate probe config
	switch c.Probe.Network {
	case "ip", "ip4", "ip6":
	default:
		return fmt.Errorf("invalid probe network: %s (must be ip, ip4, or ip6)", c.Probe.Network)
	}
	if c.Probe.Mode != ModeSystem && c.Probe.Mode != ModeWire {
		return fmt.Errorf("invalid probe mode: %s (must be system or wire)", c.Probe.Mode)
	}
	if c.Probe.Timeout < 0 {
		return fmt.Errorf("probe.timeout cannot be negative")
	}
	for env, target := range c.Probe.Backends {
		if _, err := NormalizeHost(target); err != nil {
			return fmt.Errorf("probe.backends.%s: %w", env, err)
		}
	}
	if c.Probe.Hostname != "" {
		if _, err := NormalizeHost(c.Probe.Hostname); err != nil {
			return fmt.Errorf("probe.hostname: %w", err)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		return fmt.Errorf("invalid telemetry.prometheus_port: %d", c.Telemetry.PrometheusPort)
	}

	return nil
}

// ProbeEnabled reports whether the startup probe should run
func (c *Config) ProbeEnabled() bool {
	return c.Probe.Enabled == nil || *c.Probe.Enabled
}
