// Package config loads the gateway's structured configuration from a
// TOML file, overlaid by environment variables and CLI flags, per the
// specification's precedence: defaults < file < environment < flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CORS is the server's cross-origin policy.
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server is the listener configuration.
type Server struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int64         `mapstructure:"max_body_size"`
	CORS        CORS          `mapstructure:"cors"`
}

// BreakerConfig overrides the per-provider circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`

	// RequestTimeout bounds a single call through this provider's breaker,
	// independently of the caller's own deadline. Zero falls back to the
	// provider descriptor's own Timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProviderDescriptor configures one upstream model provider, matching
// the specification's provider-descriptor data model.
type ProviderDescriptor struct {
	Dialect string            `mapstructure:"dialect"` // openai, azure, anthropic, vertex, cohere, groq, mistral, perplexity, together, ollama, generic
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"` // logical -> native
	Headers map[string]string `mapstructure:"headers"`
	Enabled bool              `mapstructure:"enabled"`
	Timeout time.Duration     `mapstructure:"timeout"`

	// Azure-specific.
	ResourceName string `mapstructure:"resource_name"`
	APIVersion   string `mapstructure:"api_version"`

	InputCostPerToken  float64 `mapstructure:"input_cost_per_token"`
	OutputCostPerToken float64 `mapstructure:"output_cost_per_token"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

// RuleConfig is one Conditional routing rule.
type RuleConfig struct {
	ModelPrefix string `mapstructure:"model_prefix"`
	MinTokens   int    `mapstructure:"min_tokens"`
	MaxTokens   int    `mapstructure:"max_tokens"`
	Hint        string `mapstructure:"hint"`
	Provider    string `mapstructure:"provider"`
}

// Routing configures the router's strategy and its strategy-specific
// parameters.
type Routing struct {
	Strategy            string             `mapstructure:"strategy"`
	HealthCheckInterval time.Duration      `mapstructure:"health_check_interval"`
	FailoverThreshold   int                `mapstructure:"failover_threshold"`
	Order               []string           `mapstructure:"order"`
	Weights             map[string]float64 `mapstructure:"weights"`
	Rules               []RuleConfig       `mapstructure:"rules"`
	DefaultProvider     string             `mapstructure:"default_provider"`
	Splits              map[string]int     `mapstructure:"splits"`
}

// Cache configures the response cache.
type Cache struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"` // "memory" or "redis"
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

// RateLimiting configures the default per-tenant token budget.
type RateLimiting struct {
	DefaultTPM int64 `mapstructure:"default_tpm"`
}

// Auth configures the authentication layer.
type Auth struct {
	Enabled      bool         `mapstructure:"enabled"`
	APIKeys      []string     `mapstructure:"api_keys"`
	RateLimiting RateLimiting `mapstructure:"rate_limiting"`
}

// Metrics configures the metrics exporter.
type Metrics struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxRequests       int           `mapstructure:"max_requests"`
	RetentionDuration time.Duration `mapstructure:"retention_duration"`
}

// Logging configures structured log output.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Plugin is an opaque named extension; plugins themselves are out of the
// core's scope, so the gateway only tracks enabled/disabled and an
// untyped config blob.
type Plugin struct {
	Name    string                 `mapstructure:"name"`
	Enabled bool                   `mapstructure:"enabled"`
	Config  map[string]interface{} `mapstructure:"config"`
}

// Config is the full structured configuration surface.
type Config struct {
	Server    Server                         `mapstructure:"server"`
	Providers map[string]ProviderDescriptor `mapstructure:"providers"`
	Routing   Routing                        `mapstructure:"routing"`
	Cache     Cache                          `mapstructure:"cache"`
	Auth      Auth                           `mapstructure:"auth"`
	Metrics   Metrics                        `mapstructure:"metrics"`
	Logging   Logging                        `mapstructure:"logging"`
	Plugins   []Plugin                       `mapstructure:"plugins"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`

	OTELExporterType     string `mapstructure:"otel_exporter_type"`
	OTELExporterEndpoint string `mapstructure:"otel_exporter_endpoint"`

	// Environment tags every exported trace's deployment.environment
	// resource attribute (e.g. "production", "staging").
	Environment string `mapstructure:"environment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout", "90s")
	v.SetDefault("server.max_body_size", 10<<20)

	v.SetDefault("routing.strategy", "failover")
	v.SetDefault("routing.health_check_interval", "30s")
	v.SetDefault("routing.failover_threshold", 5)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_size", 1000)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.rate_limiting.default_tpm", 100000)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("otel_exporter_type", "stdout")
	v.SetDefault("otel_exporter_endpoint", "localhost:4317")
	v.SetDefault("environment", "development")
}

// Flags holds the CLI surface: --config, --host, --port, --validate-only.
type Flags struct {
	ConfigPath   string
	Host         string
	Port         int
	ValidateOnly bool
}

// ParseFlags binds the gateway's CLI surface onto args (typically
// os.Args[1:]).
func ParseFlags(args []string) (*Flags, error) {
	fs := pflag.NewFlagSet("llm-gateway", pflag.ContinueOnError)
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "config.toml", "path to the TOML config file")
	fs.StringVar(&f.Host, "host", "", "override server.host")
	fs.IntVar(&f.Port, "port", 0, "override server.port")
	fs.BoolVar(&f.ValidateOnly, "validate-only", false, "parse config and exit without starting the server")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load builds a Config from flags.ConfigPath, overlaid with
// LLM_GATEWAY_-prefixed environment variables and then flags.Host/Port.
// A missing .env file or config file is non-fatal; both are optional.
func Load(flags *Flags) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(flags.ConfigPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config %s: %w", flags.ConfigPath, err)
		}
	}

	v.SetEnvPrefix("llm_gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if flags.Host != "" {
		cfg.Server.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Server.Port = flags.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural invariants a bad config would
// otherwise only surface as a confusing runtime failure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for name, p := range c.Providers {
		if p.Enabled && p.Dialect == "" {
			return fmt.Errorf("provider %q: dialect is required when enabled", name)
		}
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	return nil
}
