// Package config loads and validates the phishwall configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v7"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "PHISHWALL_"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy" envPrefix:"POLICY_"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit" envPrefix:"RATELIMIT_"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream" envPrefix:"UPSTREAM_"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit" envPrefix:"AUDIT_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
	Errors    ErrorsConfig    `yaml:"errors" toml:"errors" envPrefix:"ERRORS_"`
}

// ServerConfig holds the UDP listener and worker pool settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" toml:"listen_address" env:"LISTEN_ADDRESS"`
	MaxWorkers    int    `yaml:"max_workers" toml:"max_workers" env:"MAX_WORKERS"`
	QueueSize     int    `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`
	UDPBufferSize int    `yaml:"udp_buffer_size" toml:"udp_buffer_size" env:"UDP_BUFFER_SIZE"`
}

// PolicyConfig holds the admission, caching and screening parameters that are
// read-only for the lifetime of the process.
type PolicyConfig struct {
	RateLimit         int               `yaml:"rate_limit" toml:"rate_limit" env:"RATE_LIMIT"`
	TimeWindow        time.Duration     `yaml:"time_window" toml:"time_window" env:"TIME_WINDOW"`
	CacheTTL          time.Duration     `yaml:"cache_ttl" toml:"cache_ttl" env:"CACHE_TTL"`
	PhishingThreshold Optional[float64] `yaml:"phishing_threshold" toml:"phishing_threshold" env:"PHISHING_THRESHOLD"`
	SinkholeTTL       time.Duration     `yaml:"sinkhole_ttl" toml:"sinkhole_ttl" env:"SINKHOLE_TTL"`
	Blocklists        []string          `yaml:"blocklists" toml:"blocklists" env:"BLOCKLISTS" envSeparator:","`
	TrustedLists      []string          `yaml:"trusted_lists" toml:"trusted_lists" env:"TRUSTED_LISTS" envSeparator:","`
}

// DefaultPhishingThreshold is the similarity score above which a name is
// treated as a lookalike of a trusted domain.
const DefaultPhishingThreshold = 80.0

// RateLimit backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// RateLimitConfig holds limiter storage and housekeeping settings. The limit
// itself lives in PolicyConfig.
type RateLimitConfig struct {
	Backend           string         `yaml:"backend" toml:"backend" env:"BACKEND"`
	MaxTrackedClients int            `yaml:"max_tracked_clients" toml:"max_tracked_clients" env:"MAX_TRACKED_CLIENTS"`
	CleanupInterval   time.Duration  `yaml:"cleanup_interval" toml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	ExemptCIDRs       []string       `yaml:"exempt_cidrs" toml:"exempt_cidrs" env:"EXEMPT_CIDRS" envSeparator:","`
	LogViolations     Optional[bool] `yaml:"log_violations" toml:"log_violations" env:"LOG_VIOLATIONS"`
	Redis             RedisConfig    `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig holds the connection settings of the shared rate limit store
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr" env:"ADDR"`
	Password  string `yaml:"password" toml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" toml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix" env:"KEY_PREFIX"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries" env:"MAX_ENTRIES"`
}

// Upstream selectors
const (
	SelectorRandom     = "random"
	SelectorRoundRobin = "round_robin"
)

// UpstreamConfig holds DoH upstream settings
type UpstreamConfig struct {
	DoHServers     []string             `yaml:"doh_servers" toml:"doh_servers" env:"DOH_SERVERS" envSeparator:","`
	DoHHeaders     map[string]string    `yaml:"doh_headers" toml:"doh_headers" env:"DOH_HEADERS"`
	Timeout        time.Duration        `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	MaxAttempts    int                  `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Selector       string               `yaml:"selector" toml:"selector" env:"SELECTOR"`
	BootstrapDNS   []string             `yaml:"bootstrap_dns" toml:"bootstrap_dns" env:"BOOTSTRAP_DNS" envSeparator:","`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig holds per-endpoint circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" toml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
}

// Audit backends
const (
	AuditBackendFile   = "file"
	AuditBackendSQLite = "sqlite"
	AuditBackendNone   = "none"
)

// AuditConfig holds query audit log settings
type AuditConfig struct {
	Enabled       Optional[bool] `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Backend       string         `yaml:"backend" toml:"backend" env:"BACKEND"`
	FilePath      string         `yaml:"file_path" toml:"file_path" env:"FILE_PATH"`
	SQLite        SQLiteConfig   `yaml:"sqlite" toml:"sqlite" envPrefix:"SQLITE_"`
	BufferSize    int            `yaml:"buffer_size" toml:"buffer_size" env:"BUFFER_SIZE"`
	Workers       int            `yaml:"workers" toml:"workers" env:"WORKERS"`
	FlushInterval time.Duration  `yaml:"flush_interval" toml:"flush_interval" env:"FLUSH_INTERVAL"`
	BatchSize     int            `yaml:"batch_size" toml:"batch_size" env:"BATCH_SIZE"`
	// Retention is how long SQLite records are kept; 0 keeps them forever.
	Retention         time.Duration `yaml:"retention" toml:"retention" env:"RETENTION"`
	RetentionInterval time.Duration `yaml:"retention_interval" toml:"retention_interval" env:"RETENTION_INTERVAL"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path        string `yaml:"path" toml:"path" env:"PATH"`
	BusyTimeout int    `yaml:"busy_timeout" toml:"busy_timeout" env:"BUSY_TIMEOUT"` // milliseconds
	WALMode     bool   `yaml:"wal_mode" toml:"wal_mode" env:"WAL_MODE"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" env:"LEVEL"`    // debug, info, warn, error
	Format    string `yaml:"format" toml:"format" env:"FORMAT"` // json, text
	Output    string `yaml:"output" toml:"output" env:"OUTPUT"` // stdout, stderr, file
	FilePath  string `yaml:"file_path" toml:"file_path" env:"FILE_PATH"`
	AddSource bool   `yaml:"add_source" toml:"add_source" env:"ADD_SOURCE"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	ServiceName       string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion    string `yaml:"service_version" toml:"service_version" env:"SERVICE_VERSION"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled" toml:"prometheus_enabled" env:"PROMETHEUS_ENABLED"`
	PrometheusPort    int    `yaml:"prometheus_port" toml:"prometheus_port" env:"PROMETHEUS_PORT"`
}

// ErrorsConfig holds error reporting settings
type ErrorsConfig struct {
	SentryDSN string `yaml:"sentry_dsn" toml:"sentry_dsn" env:"SENTRY_DSN"`
}

// Load loads the configuration from a YAML or TOML file, applies environment
// overrides, defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := decode(path, data, &cfg); err != nil {
		return nil, err
	}

	return finish(&cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist. usedDefaults reports whether the fallback happened.
func LoadOrDefault(path string) (cfg *Config, usedDefaults bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	cfg, err = finish(&Config{})
	return cfg, true, err
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if c.Server.MaxWorkers == 0 {
		c.Server.MaxWorkers = 100
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 1024
	}
	if c.Server.UDPBufferSize == 0 {
		c.Server.UDPBufferSize = 512
	}

	// Policy defaults
	if c.Policy.CacheTTL == 0 {
		c.Policy.CacheTTL = 60 * time.Second
	}
	if !c.Policy.PhishingThreshold.IsSet() {
		c.Policy.PhishingThreshold = Some(DefaultPhishingThreshold)
	}
	if c.Policy.SinkholeTTL == 0 {
		c.Policy.SinkholeTTL = 60 * time.Second
	}
	if c.Policy.Blocklists == nil {
		c.Policy.Blocklists = []string{"blocked_list.txt"}
	}
	if c.Policy.TrustedLists == nil {
		c.Policy.TrustedLists = []string{"trusted_list.txt"}
	}

	// Rate limit defaults
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitBackendMemory
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 100000
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = time.Minute
	}
	if !c.RateLimit.LogViolations.IsSet() {
		c.RateLimit.LogViolations = Some(true)
	}
	if c.RateLimit.Redis.KeyPrefix == "" {
		c.RateLimit.Redis.KeyPrefix = "phishwall:rl:"
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}

	// Upstream defaults
	if len(c.Upstream.DoHServers) == 0 {
		c.Upstream.DoHServers = []string{
			"https://cloudflare-dns.com/dns-query",
			"https://dns.google/dns-query",
		}
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Second
	}
	if c.Upstream.MaxAttempts == 0 {
		c.Upstream.MaxAttempts = 1
	}
	if c.Upstream.Selector == "" {
		c.Upstream.Selector = SelectorRandom
	}
	if c.Upstream.BootstrapDNS == nil {
		c.Upstream.BootstrapDNS = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.SuccessThreshold == 0 {
		c.Upstream.CircuitBreaker.SuccessThreshold = 2
	}
	if c.Upstream.CircuitBreaker.Timeout == 0 {
		c.Upstream.CircuitBreaker.Timeout = 30 * time.Second
	}

	// Audit defaults
	if !c.Audit.Enabled.IsSet() {
		c.Audit.Enabled = Some(true)
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = AuditBackendFile
	}
	if c.Audit.FilePath == "" {
		c.Audit.FilePath = "dns_queries.log"
	}
	if c.Audit.SQLite.Path == "" {
		c.Audit.SQLite.Path = "./phishwall.db"
	}
	if c.Audit.SQLite.BusyTimeout == 0 {
		c.Audit.SQLite.BusyTimeout = 5000
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.Workers == 0 {
		c.Audit.Workers = 4
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = 5 * time.Second
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.RetentionInterval == 0 {
		c.Audit.RetentionInterval = time.Hour
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

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "phishwall"
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
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MaxWorkers < 1 {
		return fmt.Errorf("server.max_workers must be at least 1, got %d", c.Server.MaxWorkers)
	}
	if c.Server.QueueSize < 1 {
		return fmt.Errorf("server.queue_size must be at least 1, got %d", c.Server.QueueSize)
	}
	if c.Server.UDPBufferSize < 512 {
		return fmt.Errorf("server.udp_buffer_size must be at least 512, got %d", c.Server.UDPBufferSize)
	}

	// Validate policy
	if t := c.Policy.Threshold(); t < 0 || t > 100 {
		return fmt.Errorf("invalid policy.phishing_threshold: %v (must be between 0 and 100)", t)
	}
	if c.Policy.CacheTTL < 0 {
		return fmt.Errorf("policy.cache_ttl cannot be negative")
	}

	// Validate rate limiting
	switch c.RateLimit.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("ratelimit.redis.addr must be set when backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid ratelimit.backend: %s (must be memory or redis)", c.RateLimit.Backend)
	}
	for _, cidr := range c.RateLimit.ExemptCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid ratelimit.exempt_cidrs entry %q: %w", cidr, err)
		}
	}

	// Validate upstreams
	if len(c.Upstream.DoHServers) == 0 {
		return fmt.Errorf("at least one DoH server must be configured")
	}
	for _, server := range c.Upstream.DoHServers {
		u, err := url.Parse(server)
		if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("invalid DoH server URL: %q", server)
		}
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream.max_attempts must be at least 1, got %d", c.Upstream.MaxAttempts)
	}
	if c.Upstream.Selector != SelectorRandom && c.Upstream.Selector != SelectorRoundRobin {
		return fmt.Errorf("invalid upstream.selector: %s (must be random or round_robin)", c.Upstream.Selector)
	}

	// Validate audit
	switch c.Audit.Backend {
	case AuditBackendFile, AuditBackendSQLite, AuditBackendNone:
	default:
		return fmt.Errorf("invalid audit.backend: %s (must be file, sqlite, or none)", c.Audit.Backend)
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention cannot be negative")
	}
	if c.Audit.RetentionInterval <= 0 {
		return fmt.Errorf("audit.retention_interval must be positive")
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

	return nil
}

// RateLimitEnabled reports whether both the limit and the window are set.
// Without either one, admission control is effectively off.
func (p *PolicyConfig) RateLimitEnabled() bool {
	return p.RateLimit > 0 && p.TimeWindow > 0
}

// Threshold returns the phishing similarity threshold. An explicit 0 is kept;
// only an unset value falls back to DefaultPhishingThreshold.
func (p *PolicyConfig) Threshold() float64 {
	return p.PhishingThreshold.Or(DefaultPhishingThreshold)
}

// AuditEnabled reports whether query auditing is on.
func (c *Config) AuditEnabled() bool {
	return c.Audit.Enabled.Or(true) && c.Audit.Backend != AuditBackendNone
}

// ViolationLogging reports whether rate limit denials are logged.
func (c *RateLimitConfig) ViolationLogging() bool {
	return c.LogViolations.Or(true)
}
