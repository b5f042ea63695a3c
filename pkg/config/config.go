// Package config loads the relay server configuration from a YAML file,
// fills defaults and applies command-line overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dasmlab/jsonrelay/pkg/pipeline"
	"github.com/dasmlab/jsonrelay/pkg/translate"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Guard    GuardConfig    `yaml:"guard"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig configures the listeners and logging.
type ServerConfig struct {
	GRPCPort int    `yaml:"grpc_port"`
	HTTPPort int    `yaml:"http_port"`
	Insecure bool   `yaml:"insecure"`
	LogLevel string `yaml:"log_level"`
	// ShutdownTimeout bounds graceful stop of both servers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig selects and configures the translation backend.
type EngineConfig struct {
	Type    string        `yaml:"type"`
	BaseURL string        `yaml:"base_url,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Format  string        `yaml:"format,omitempty"`
	Proxy   string        `yaml:"proxy,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	// SocketPath and SocketConns apply to the socket engine.
	SocketPath  string `yaml:"socket_path,omitempty"`
	SocketConns int    `yaml:"socket_conns,omitempty"`
	// AllowRequestProxy lets callers name a proxy per request.
	AllowRequestProxy bool `yaml:"allow_request_proxy"`
}

// GuardConfig mirrors translate.GuardConfig.
type GuardConfig struct {
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
	Retries         int           `yaml:"retries"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// PipelineConfig holds the structured translation defaults.
type PipelineConfig struct {
	Strategy      string        `yaml:"strategy"`
	Format        string        `yaml:"format"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	Candidates    []string      `yaml:"candidates,omitempty"`
	MaxBatchBytes int           `yaml:"max_batch_bytes"`
	Guard         string        `yaml:"guard,omitempty"`
}

// JobsConfig configures background jobs.
type JobsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Parallelism     int           `yaml:"parallelism"`
	Timeout         time.Duration `yaml:"timeout"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:        50051,
			HTTPPort:        8080,
			Insecure:        true,
			LogLevel:        "info",
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Type:    string(translate.EngineLibreTranslate),
			BaseURL: "http://localhost:5000",
			Format:  "text",
			Timeout: translate.DefaultTimeout,
		},
		Guard: GuardConfig{
			BreakerCooldown: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Strategy:      string(pipeline.StrategyLeaf),
			Format:        string(pipeline.FormatText),
			CallTimeout:   pipeline.DefaultTimeout,
			MaxBatchBytes: pipeline.DefaultMaxBatchBytes,
		},
		Jobs: JobsConfig{
			Enabled:         true,
			Parallelism:     4,
			Timeout:         10 * time.Minute,
			Retention:       time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if _, err := logrus.ParseLevel(c.Server.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("server.log_level: %v", err))
	}
	engine, err := translate.ParseEngineType(c.Engine.Type)
	if err != nil {
		problems = append(problems, fmt.Sprintf("engine.type: %v", err))
	}
	if engine == translate.EngineSocket && c.Engine.SocketPath == "" {
		problems = append(problems, "engine.socket_path is required for the socket engine")
	}
	if c.Engine.Timeout <= 0 {
		problems = append(problems, "engine.timeout must be positive")
	}
	switch pipeline.Strategy(c.Pipeline.Strategy) {
	case pipeline.StrategyLeaf, pipeline.StrategyProtect:
	default:
		problems = append(problems, fmt.Sprintf("pipeline.strategy %q is not leaf or protect", c.Pipeline.Strategy))
	}
	switch pipeline.Format(c.Pipeline.Format) {
	case pipeline.FormatText, pipeline.FormatHTML:
	default:
		problems = append(problems, fmt.Sprintf("pipeline.format %q is not text or html", c.Pipeline.Format))
	}
	if c.Guard.RatePerSecond < 0 || c.Guard.Retries < 0 {
		problems = append(problems, "guard values must not be negative")
	}
	if c.Jobs.Enabled && c.Jobs.Parallelism <= 0 {
		problems = append(problems, "jobs.parallelism must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TranslatorConfig builds the translate.Config for the configured engine.
func (c *Config) TranslatorConfig(logger *logrus.Logger) translate.Config {
	engine, _ := translate.ParseEngineType(c.Engine.Type)
	return translate.Config{
		Engine:      engine,
		BaseURL:     c.Engine.BaseURL,
		APIKey:      c.Engine.APIKey,
		Format:      c.Engine.Format,
		Proxy:       c.Engine.Proxy,
		Timeout:     c.Engine.Timeout,
		SocketPath:  c.Engine.SocketPath,
		SocketConns: c.Engine.SocketConns,
		Guard: translate.GuardConfig{
			RatePerSecond:   c.Guard.RatePerSecond,
			Burst:           c.Guard.Burst,
			Retries:         c.Guard.Retries,
			BreakerFailures: c.Guard.BreakerFailures,
			BreakerCooldown: c.Guard.BreakerCooldown,
		},
		Logger: logger,
	}
}

// PipelineOptions builds the controller options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Strategy:      pipeline.Strategy(c.Pipeline.Strategy),
		Format:        pipeline.Format(c.Pipeline.Format),
		Timeout:       c.Pipeline.CallTimeout,
		Candidates:    c.Pipeline.Candidates,
		MaxBatchBytes: c.Pipeline.MaxBatchBytes,
		Guard:         c.Pipeline.Guard,
	}
}

// Overrides are command-line flags that win over the file when set.
type Overrides struct {
	fs *flag.FlagSet

	ConfigPath string
	grpcPort   int
	httpPort   int
	insecure   bool
	logLevel   string
	engine     string
	baseURL    string
	proxy      string
	strategy   string
	timeout    time.Duration
}

// BindFlags registers the override flags on fs.
func BindFlags(fs *flag.FlagSet) *Overrides {
	d := Default()
	o := &Overrides{fs: fs}
	fs.StringVar(&o.ConfigPath, "config", "", "Path to YAML config file")
	fs.IntVar(&o.grpcPort, "port", d.Server.GRPCPort, "gRPC server port")
	fs.IntVar(&o.httpPort, "http-port", d.Server.HTTPPort, "HTTP server port (0 disables)")
	fs.BoolVar(&o.insecure, "insecure", d.Server.Insecure, "Run server in insecure mode (no TLS)")
	fs.StringVar(&o.logLevel, "log-level", d.Server.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&o.engine, "mt-engine", d.Engine.Type, "Translation engine: libretranslate, argos, google, socket or echo")
	fs.StringVar(&o.baseURL, "mt-url", d.Engine.BaseURL, "Base URL for translation engine API")
	fs.StringVar(&o.proxy, "proxy", "", "Proxy for outbound translation calls (http, https or socks5)")
	fs.StringVar(&o.strategy, "strategy", d.Pipeline.Strategy, "Default structured strategy: leaf or protect")
	fs.DurationVar(&o.timeout, "timeout", d.Pipeline.CallTimeout, "Timeout for each outbound translation call")
	return o
}

// Apply copies every flag that was set explicitly onto c.
func (o *Overrides) Apply(c *Config) {
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			c.Server.GRPCPort = o.grpcPort
		case "http-port":
			c.Server.HTTPPort = o.httpPort
		case "insecure":
			c.Server.Insecure = o.insecure
		case "log-level":
			c.Server.LogLevel = o.logLevel
		case "mt-engine":
			c.Engine.Type = o.engine
		case "mt-url":
			c.Engine.BaseURL = o.baseURL
		case "proxy":
			c.Engine.Proxy = o.proxy
		case "strategy":
			c.Pipeline.Strategy = o.strategy
		case "timeout":
			c.Pipeline.CallTimeout = o.timeout
			c.Engine.Timeout = o.timeout
		}
	})
}
