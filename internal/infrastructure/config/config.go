package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the tunnel supervisor
// daemon. All configuration is loaded from YAML and can be overridden by
// environment variables.
//
// This is the daemon's own configuration. The tunnel definitions it
// supervises arrive separately, as a JSON snapshot (see the udp2raw
// package).
type Config struct {
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Firewall FirewallConfig `yaml:"firewall"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sink     SinkConfig     `yaml:"sink"`
}

// SnapshotConfig locates the tunnel definition snapshot.
type SnapshotConfig struct {
	// Path is the JSON snapshot file written by the configuration
	// front-end.
	Path string `yaml:"path"`

	// Watch enables the file watcher that restarts tunnels when the
	// snapshot changes on disk.
	Watch bool `yaml:"watch"`
}

// TunnelConfig contains settings for spawned udp2raw processes.
type TunnelConfig struct {
	// Binary is the path to the udp2raw executable.
	// Default: "/usr/bin/udp2raw"
	Binary string `yaml:"binary"`

	// GracefulTimeoutSeconds is the SIGTERM grace window before a
	// stubborn process is killed. Default: 5
	GracefulTimeoutSeconds int `yaml:"graceful_timeout_seconds"`

	// PollIntervalMillis is the output pump read deadline. Default: 200
	PollIntervalMillis int `yaml:"poll_interval_ms"`

	// DrainTimeoutSeconds bounds the final wait for output pumps during
	// a stop cycle. 0 derives it from the graceful timeout.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RestartDelaySeconds is the time to wait before restarting a
	// failed tunnel when the snapshot requests retries. Default: 5
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// FirewallConfig contains settings for the iptables reconciler.
type FirewallConfig struct {
	// IptablesPath is the iptables binary. Default: "iptables" ($PATH).
	IptablesPath string `yaml:"iptables_path"`

	// ChainPrefix tags the rules and chains to remove. Default: "udp2raw"
	ChainPrefix string `yaml:"chain_prefix"`

	// MaxRulePasses caps the inspect-delete loop on the INPUT chain.
	// Default: 100
	MaxRulePasses int `yaml:"max_rule_passes"`

	// WaitLock adds -w so iptables waits for the xtables lock.
	// Default: true
	WaitLock bool `yaml:"wait_lock"`

	// CommandTimeoutSeconds bounds each iptables invocation. Default: 5
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// LoggingConfig contains logging settings for the daemon itself.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SinkConfig contains settings for the tunnel output log sink.
type SinkConfig struct {
	// Capacity is the in-memory ring size. Default: 1000
	Capacity int `yaml:"capacity"`

	// File mirrors sink records to a rotating on-disk log. An empty
	// path disables the mirror.
	File FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: UDPTUNNEL_SECTION_KEY
// For example: UDPTUNNEL_SNAPSHOT_PATH, UDPTUNNEL_TUNNEL_BINARY
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, validated. Used when the
// daemon is started without a config file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			Path:  "/etc/udptunnel/tunnels.json",
			Watch: true,
		},
		Tunnel: TunnelConfig{
			Binary:                 "/usr/bin/udp2raw",
			GracefulTimeoutSeconds: 5,
			PollIntervalMillis:     200,
			RestartDelaySeconds:    5,
			MaxRestartAttempts:     10,
		},
		Firewall: FirewallConfig{
			IptablesPath:          "iptables",
			ChainPrefix:           "udp2raw",
			MaxRulePasses:         100,
			WaitLock:              true,
			CommandTimeoutSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sink: SinkConfig{
			Capacity: 1000,
			File: FileLoggingConfig{
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern:
// UDPTUNNEL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Snapshot
	if v := os.Getenv("UDPTUNNEL_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("UDPTUNNEL_SNAPSHOT_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.Watch = b
		}
	}

	// Tunnel
	if v := os.Getenv("UDPTUNNEL_TUNNEL_BINARY"); v != "" {
		cfg.Tunnel.Binary = v
	}

	// Firewall
	if v := os.Getenv("UDPTUNNEL_FIREWALL_IPTABLES_PATH"); v != "" {
		cfg.Firewall.IptablesPath = v
	}

	// Logging
	if v := os.Getenv("UDPTUNNEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("UDPTUNNEL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Snapshot validation
	if c.Snapshot.Path == "" {
		errs = append(errs, "snapshot.path is required")
	}

	// Tunnel validation
	if c.Tunnel.Binary == "" {
		errs = append(errs, "tunnel.binary is required")
	}
	if c.Tunnel.GracefulTimeoutSeconds < 0 {
		errs = append(errs, "tunnel.graceful_timeout_seconds must not be negative")
	}
	if c.Tunnel.PollIntervalMillis < 0 {
		errs = append(errs, "tunnel.poll_interval_ms must not be negative")
	}
	if c.Tunnel.MaxRestartAttempts < 0 {
		errs = append(errs, "tunnel.max_restart_attempts must not be negative")
	}

	// Firewall validation
	if c.Firewall.IptablesPath == "" {
		errs = append(errs, "firewall.iptables_path is required")
	}
	if c.Firewall.ChainPrefix == "" {
		errs = append(errs, "firewall.chain_prefix is required")
	}
	if c.Firewall.MaxRulePasses < 1 {
		errs = append(errs, "firewall.max_rule_passes must be at least 1")
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	// Sink validation
	if c.Sink.Capacity < 0 {
		errs = append(errs, "sink.capacity must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GracefulTimeout returns the tunnel stop grace window as a Duration.
func (c *Config) GracefulTimeout() time.Duration {
	return time.Duration(c.Tunnel.GracefulTimeoutSeconds) * time.Second
}

// PollInterval returns the output pump poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Tunnel.PollIntervalMillis) * time.Millisecond
}

// DrainTimeout returns the output drain bound as a Duration. Zero means
// the supervisor derives it from the graceful timeout.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Tunnel.DrainTimeoutSeconds) * time.Second
}

// RestartDelay returns the restart back-off as a Duration.
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.Tunnel.RestartDelaySeconds) * time.Second
}

// CommandTimeout returns the per-iptables-invocation bound as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Firewall.CommandTimeoutSeconds) * time.Second
}
