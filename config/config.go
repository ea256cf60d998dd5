package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/searchktools/fast-httpd/core"
	"github.com/searchktools/fast-httpd/core/aio"
	"github.com/searchktools/fast-httpd/core/observability"
	"github.com/searchktools/fast-httpd/core/pools"
)

// EnvPrefix prefixes every environment variable, e.g. FASTHTTPD_ADDR.
const EnvPrefix = "FASTHTTPD"

// DefaultAddr is the listen address of the demo server.
const DefaultAddr = ":9001"

// Config holds all application configuration.
type Config struct {
	Addr string `json:"addr" envconfig:"ADDR"`

	MaxAccept        int           `json:"max_accept" envconfig:"MAX_ACCEPT"`
	MaxConnections   int           `json:"max_connections" envconfig:"MAX_CONNECTIONS"`
	BufferSize       int           `json:"buffer_size" envconfig:"BUFFER_SIZE"`
	IdleTimeout      time.Duration `json:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	SweepInterval    time.Duration `json:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	MaxHeaderBytes   int           `json:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	MaxBodyBytes     int64         `json:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	RejectWithStatus bool          `json:"reject_with_status" envconfig:"REJECT_WITH_STATUS"`

	// Workers sizes the completion goroutines of the epoll substrate.
	Workers  int  `json:"workers" envconfig:"WORKERS"`
	Portable bool `json:"portable" envconfig:"PORTABLE"`

	LogLevel  string `json:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `json:"log_format" envconfig:"LOG_FORMAT"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `json:"metrics_addr" envconfig:"METRICS_ADDR"`
	// TraceEndpoint is an OTLP/HTTP collector host:port; empty disables tracing.
	TraceEndpoint string `json:"trace_endpoint" envconfig:"TRACE_ENDPOINT"`

	GCPercent   int   `json:"gc_percent" envconfig:"GC_PERCENT"`
	MemoryLimit int64 `json:"memory_limit" envconfig:"MEMORY_LIMIT"`
}

// Default returns the configuration of the reference deployment.
func Default() *Config {
	return &Config{
		Addr:           DefaultAddr,
		MaxAccept:      core.DefaultMaxAccept,
		MaxConnections: core.DefaultMaxConnections,
		BufferSize:     core.DefaultBufferSize,
		IdleTimeout:    core.DefaultIdleTimeout,
		SweepInterval:  core.DefaultSweepInterval,
		MaxHeaderBytes: core.DefaultMaxHeaderBytes,
		MaxBodyBytes:   core.DefaultMaxBodyBytes,
		LogLevel:       "info",
		LogFormat:      "text",
		GCPercent:      pools.DefaultGCConfig().GOGC,
	}
}

// Load layers defaults, FASTHTTPD_* environment variables and command-line
// flags, in that order, and validates the result.
func Load(args []string) (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("fast-httpd", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults overridden by the environment.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// BindFlags registers a flag per field on fs, defaulting to the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Addr, "addr", "a", c.Addr, "listen address")
	fs.IntVar(&c.MaxAccept, "max-accept", c.MaxAccept, "accepts kept outstanding")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "maximum live connections")
	fs.IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "receive buffer bytes per connection")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections idle for longer than this")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "how often idle connections are checked")
	fs.IntVar(&c.MaxHeaderBytes, "max-header-bytes", c.MaxHeaderBytes, "request line and header size limit")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "request body size limit")
	fs.BoolVar(&c.RejectWithStatus, "reject-with-status", c.RejectWithStatus, "answer malformed requests with 400 instead of closing")
	fs.IntVar(&c.Workers, "workers", c.Workers, "completion workers (0 = one per CPU)")
	fs.BoolVar(&c.Portable, "portable", c.Portable, "use the net package instead of epoll")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (text or json)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.TraceEndpoint, "trace-endpoint", c.TraceEndpoint, "OTLP/HTTP trace collector host:port")
	fs.IntVar(&c.GCPercent, "gc-percent", c.GCPercent, "GOGC value (0 = leave unchanged)")
	fs.Int64Var(&c.MemoryLimit, "memory-limit", c.MemoryLimit, "soft memory limit in bytes (0 = none)")
}

// Validate fills zero values with defaults and rejects settings the engine
// cannot run with.
func (c *Config) Validate() error {
	d := Default()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxAccept == 0 {
		c.MaxAccept = d.MaxAccept
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}

	var errs []error
	if c.MaxAccept < 0 {
		errs = append(errs, fmt.Errorf("max accept must be positive, got %d", c.MaxAccept))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", c.MaxConnections))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer size must be positive, got %d", c.BufferSize))
	}
	if c.IdleTimeout < 0 || c.SweepInterval < 0 {
		errs = append(errs, errors.New("idle timeout and sweep interval must be positive"))
	}
	if c.MaxHeaderBytes < 0 || c.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("size limits must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("memory limit must not be negative, got %d", c.MemoryLimit))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EngineOptions maps the configuration onto core.Options.
func (c *Config) EngineOptions(logger logrus.FieldLogger, obs *observability.Observatory) core.Options {
	return core.Options{
		MaxAccept:        c.MaxAccept,
		MaxConnections:   c.MaxConnections,
		BufferSize:       c.BufferSize,
		IdleTimeout:      c.IdleTimeout,
		SweepInterval:    c.SweepInterval,
		MaxHeaderBytes:   c.MaxHeaderBytes,
		MaxBodyBytes:     c.MaxBodyBytes,
		RejectWithStatus: c.RejectWithStatus,
		IO:               aio.Options{Workers: c.Workers, Portable: c.Portable},
		Logger:           logger,
		Observatory:      obs,
	}
}

// GC returns the runtime tuning requested by the configuration.
func (c *Config) GC() pools.GCConfig {
	return pools.GCConfig{GOGC: c.GCPercent, MemoryLimit: c.MemoryLimit}
}
