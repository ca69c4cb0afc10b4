// Package config loads engine configuration from a YAML file and the
// environment via viper, the way the rest of this codebase's services do.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine process: the scheduling
// knobs the core itself needs, plus DSNs for the optional sinks a host may
// attach to the EventHub.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Sinks         SinksConfig         `mapstructure:"sinks"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ExecutionConfig configures the scheduler (engine.Config is built from
// this at startup).
type ExecutionConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	DefaultBackoff     string        `mapstructure:"default_backoff"`
	DefaultBaseDelay   time.Duration `mapstructure:"default_base_delay"`
}

// RateLimitConfig configures the per-workflow token bucket applied to
// Engine.Start.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// SinksConfig holds connection strings for the optional, out-of-process
// EventHub subscribers. Each is disabled unless its URL is set; none of
// them are required for the engine itself to run.
type SinksConfig struct {
	RedisURL    string `mapstructure:"redis_url"`
	PostgresURL string `mapstructure:"postgres_url"`
	AMQPURL     string `mapstructure:"amqp_url"`
}

// Load reads configuration from ./config.yaml (or /etc/workflow-core/) and
// the environment, applying defaults for anything unset.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/workflow-core")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "workflow-core")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("execution.max_concurrent_steps", 64)
	viper.SetDefault("execution.default_step_timeout", "30s")
	viper.SetDefault("execution.default_max_attempts", 1)
	viper.SetDefault("execution.default_backoff", "fixed")
	viper.SetDefault("execution.default_base_delay", "0s")

	viper.SetDefault("rate_limit.requests_per_second", 50)
	viper.SetDefault("rate_limit.burst", 50)

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "workflow-core")
	viper.SetDefault("observability.environment", "development")
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "APP_ENV")

	viper.BindEnv("execution.max_concurrent_steps", "ENGINE_MAX_CONCURRENT_STEPS")
	viper.BindEnv("execution.default_step_timeout", "STEP_DEFAULT_TIMEOUT")
	viper.BindEnv("execution.default_max_attempts", "RETRY_MAX_ATTEMPTS")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("sinks.redis_url", "REDIS_URL")
	viper.BindEnv("sinks.postgres_url", "POSTGRES_URL")
	viper.BindEnv("sinks.amqp_url", "AMQP_URL")
}

func validate(cfg *Config) error {
	if cfg.Execution.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("execution.max_concurrent_steps must be greater than 0")
	}
	if cfg.Execution.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("execution.default_max_attempts must be greater than 0")
	}
	switch cfg.Execution.DefaultBackoff {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("execution.default_backoff must be one of fixed, linear, exponential")
	}
	return nil
}
