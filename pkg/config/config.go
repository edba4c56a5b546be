package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/rpcguard/pkg/audit"
	"github.com/cuemby/rpcguard/pkg/ratelimit"
	"github.com/cuemby/rpcguard/pkg/retry"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"github.com/cuemby/rpcguard/pkg/tracing"
	"gopkg.in/yaml.v3"
)

// Trace exporters accepted in tracing.exporter.
const (
	ExporterNone = "none"
	ExporterLog  = "log"
	ExporterFile = "file"
)

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	AdminAddr       string        `yaml:"admin_addr"`
	AdminRPS        float64       `yaml:"admin_rps"`
	AdminBurst      int           `yaml:"admin_burst"`
	ReadOnly        bool          `yaml:"read_only"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	TLS             TLSConfig     `yaml:"tls"`

	// TrustPrincipalHeader accepts the x-principal metadata as the caller
	// identity. Only enable it behind a proxy that authenticates callers
	// and overwrites the header.
	TrustPrincipalHeader bool `yaml:"trust_principal_header"`
}

// TLSConfig enables TLS on the gRPC listener. Setting client_ca_file
// requires client certificates.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// Enabled reports whether a key pair is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ClientLimit overrides one client's bucket on one endpoint. An empty
// endpoint targets the default limiter.
type ClientLimit struct {
	ClientID         string `yaml:"client_id"`
	Endpoint         string `yaml:"endpoint"`
	ratelimit.Config `yaml:",inline"`
}

type RateLimitConfig struct {
	Default   ratelimit.Config            `yaml:"default"`
	Endpoints map[string]ratelimit.Config `yaml:"endpoints"`
	Clients   []ClientLimit               `yaml:"clients"`
}

type TracingConfig struct {
	Service   string `yaml:"service"`
	MaxTraces int    `yaml:"max_traces"`
	BatchSize int    `yaml:"batch_size"`
	Exporter  string `yaml:"exporter"`
	File      string `yaml:"file"`
}

// Config is the rpcguard configuration file.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Log       LogConfig           `yaml:"log"`
	RateLimit RateLimitConfig     `yaml:"ratelimit"`
	Retry     retry.Policy        `yaml:"retry"`
	Breaker   retry.BreakerConfig `yaml:"breaker"`
	Tracing   TracingConfig       `yaml:"tracing"`
	Audit     audit.Config        `yaml:"audit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:        ":9090",
			AdminAddr:       ":9091",
			AdminRPS:        20,
			AdminBurst:      40,
			ShutdownTimeout: 10 * time.Second,
			MetricsInterval: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			Default:   ratelimit.DefaultConfig(),
			Endpoints: ratelimit.DefaultEndpointConfigs(),
		},
		Retry:   retry.DefaultPolicy(),
		Breaker: retry.DefaultBreakerConfig("upstream"),
		Tracing: TracingConfig{
			Service:   "cluster-api",
			MaxTraces: tracing.DefaultMaxTraces,
			BatchSize: tracing.DefaultBatchSize,
			Exporter:  ExporterLog,
		},
		Audit: audit.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. ${VAR} references are expanded
// from the environment before parsing. The result is validated.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) normalize() {
	c.RateLimit.Default = c.RateLimit.Default.WithDefaults()
	for name, ep := range c.RateLimit.Endpoints {
		c.RateLimit.Endpoints[name] = ep.WithDefaults()
	}
	for i := range c.RateLimit.Clients {
		c.RateLimit.Clients[i].Config = c.RateLimit.Clients[i].Config.WithDefaults()
	}
	kinds := make([]rpcerr.Kind, 0, len(c.Retry.Retryable))
	for _, k := range c.Retry.Retryable {
		if kind, ok := rpcerr.ParseKind(string(k)); ok {
			k = kind
		}
		kinds = append(kinds, k)
	}
	c.Retry.Retryable = kinds
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.GRPCAddr == "" {
		errs = append(errs, errors.New("server.grpc_addr is required"))
	}
	if c.Server.AdminAddr != "" && (c.Server.AdminRPS <= 0 || c.Server.AdminBurst <= 0) {
		errs = append(errs, errors.New("server.admin_rps and server.admin_burst must be positive"))
	}
	if tls := c.Server.TLS; tls.Enabled() && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if tls := c.Server.TLS; tls.ClientCAFile != "" && !tls.Enabled() {
		errs = append(errs, errors.New("server.tls.client_ca_file requires cert_file and key_file"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if err := c.RateLimit.Default.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ratelimit.default: %w", err))
	}
	for name, ep := range c.RateLimit.Endpoints {
		if err := ep.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ratelimit.endpoints.%s: %w", name, err))
		}
	}
	for i, cl := range c.RateLimit.Clients {
		if cl.ClientID == "" {
			errs = append(errs, fmt.Errorf("ratelimit.clients[%d]: client_id is required", i))
		}
		if err := cl.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ratelimit.clients[%d]: %w", i, err))
		}
	}

	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterLog:
	case ExporterFile:
		if c.Tracing.File == "" {
			errs = append(errs, errors.New("tracing.file is required for the file exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not one of none, log, file", c.Tracing.Exporter))
	}

	if err := c.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	return errors.Join(errs...)
}

// ApplyClientLimits installs the configured per-client overrides.
func (c *Config) ApplyClientLimits(reg *ratelimit.Registry) {
	for _, cl := range c.RateLimit.Clients {
		endpoint := cl.Endpoint
		if endpoint == "" {
			reg.Default().SetClientConfig(cl.ClientID, cl.Config)
			continue
		}
		reg.SetClientConfig(cl.ClientID, endpoint, cl.Config)
	}
}
