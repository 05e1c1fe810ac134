// Package config defines the runtime configuration structs, parsing helpers,
// and hot-reload wiring for the infrastructure cache.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full configuration surface of the infrastructure cache
// process: the host-info store, the two rate limiters, logging and
// telemetry. It is loaded once at startup and may be reloaded in place by
// a Watcher, which calls Cache.Adjust with the new Infra/RateLimit/IPRateLimit
// sections.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Infra       InfraConfig       `yaml:"infra"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	IPRateLimit IPRateLimitConfig `yaml:"ip_ratelimit"`
}

// InfraConfig configures the host-info store (§4.2 of the infra cache spec):
// sizing of the sharded map, host TTL, and probing policy.
type InfraConfig struct {
	// NumHosts is the target entry count for the host map; it is multiplied
	// by the per-entry cost to produce the byte budget (infra_cache_numhosts).
	NumHosts int `yaml:"numhosts"`
	// Slabs is the shard count of the host map; must be a power of two
	// (infra_cache_slabs).
	Slabs int `yaml:"slabs"`
	// HostTTL is the number of seconds after which a host entry becomes
	// stale and is re-initialised on next write (host_ttl).
	HostTTL int `yaml:"host_ttl"`
	// KeepProbing allows indefinite single-probe admission on stalled
	// servers instead of giving up after the initial probe window
	// (infra_keep_probing).
	KeepProbing bool `yaml:"keep_probing"`
}

// DomainLimit pairs a DNS name with a queries-per-second limit, used for
// both ratelimit_for_domain (exact) and ratelimit_below_domain (subtree)
// policy entries.
type DomainLimit struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

// RateLimitConfig configures the per-domain sliding-window rate limiter
// (§4.4) and the name-prefix policy tree that feeds it (§4.6).
type RateLimitConfig struct {
	// Default is the global per-domain QPS limit (dp_ratelimit); 0 disables
	// rate limiting entirely (ratelimit).
	Default int `yaml:"default"`
	// Size is the byte budget of the domain-rate map (ratelimit_size).
	Size int `yaml:"size"`
	// Slabs is the shard count of the domain-rate map (ratelimit_slabs).
	Slabs int `yaml:"slabs"`
	// ForDomain sets exact-match limits (ratelimit_for_domain).
	ForDomain []DomainLimit `yaml:"for_domain"`
	// BelowDomain sets limits that apply to all descendants of a name
	// (ratelimit_below_domain).
	BelowDomain []DomainLimit `yaml:"below_domain"`
}

// IPRateLimitConfig configures the client-IP sliding-window rate limiter
// (§4.5); it has no policy tree, only a single global limit.
type IPRateLimitConfig struct {
	// Default is the global per-client-IP QPS limit (ip_ratelimit); 0
	// disables it.
	Default int `yaml:"default"`
	// Size is the byte budget of the IP-rate map (ip_ratelimit_size).
	Size int `yaml:"size"`
	// Slabs is the shard count of the IP-rate map (ip_ratelimit_slabs).
	Slabs int `yaml:"slabs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings for the metrics
// this cache exposes (entries, evictions, RTT, rate-limit decisions).
type TelemetryConfig struct {
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	Enabled           bool   `yaml:"enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

// Load loads the configuration from a YAML file, applies defaults, and
// validates it.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by the operator, not untrusted input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults, used by
// tests and by callers that embed the cache without an on-disk config file.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Clone creates a deep copy of the configuration via a YAML round trip, so
// an Adjust caller can mutate a copy without racing readers of the original.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}
	clone.applyDefaults()

	return &clone, nil
}

func (c *Config) applyDefaults() {
	if c.Infra.NumHosts == 0 {
		c.Infra.NumHosts = 10000
	}
	if c.Infra.Slabs == 0 {
		c.Infra.Slabs = 4
	}
	if c.Infra.HostTTL == 0 {
		c.Infra.HostTTL = 900
	}

	if c.RateLimit.Slabs == 0 {
		c.RateLimit.Slabs = 4
	}
	if c.RateLimit.Size == 0 {
		c.RateLimit.Size = 4 * 1024 * 1024
	}

	if c.IPRateLimit.Slabs == 0 {
		c.IPRateLimit.Slabs = 4
	}
	if c.IPRateLimit.Size == 0 {
		c.IPRateLimit.Size = 4 * 1024 * 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "infracache"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks whether the configuration is internally consistent.
// Per §7, an Adjust with an incompatible shard count or size is not an
// error here: Cache.Adjust treats that as a signal for a full rebuild.
// Validate only rejects configurations that could never produce a working
// cache (non-power-of-two shard counts, negative budgets).
func (c *Config) Validate() error {
	if c.Infra.NumHosts < 0 {
		return fmt.Errorf("infra.numhosts must be >= 0")
	}
	if c.RateLimit.Size < 0 {
		return fmt.Errorf("ratelimit.size must be >= 0")
	}
	if c.IPRateLimit.Size < 0 {
		return fmt.Errorf("ip_ratelimit.size must be >= 0")
	}
	if !isPowerOfTwo(c.Infra.Slabs) {
		return fmt.Errorf("infra.slabs must be a power of two, got %d", c.Infra.Slabs)
	}
	if !isPowerOfTwo(c.RateLimit.Slabs) {
		return fmt.Errorf("ratelimit.slabs must be a power of two, got %d", c.RateLimit.Slabs)
	}
	if !isPowerOfTwo(c.IPRateLimit.Slabs) {
		return fmt.Errorf("ip_ratelimit.slabs must be a power of two, got %d", c.IPRateLimit.Slabs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && strings.TrimSpace(c.Logging.FilePath) == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
