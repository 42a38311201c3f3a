package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the mesh daemon.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"MESHD_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"MESHD_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Worker configuration
	Workers WorkerConfig

	// Retry configuration
	Retry RetryConfig

	// Circuit breaker defaults
	Breakers BreakerConfig

	// Remote executor configuration
	Remote RemoteConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration. Redis backs both
// the event stream and the task snapshot store; leave Addr empty to run
// fully in-memory.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Snapshot expiry
	TaskTTL time.Duration `env:"REDIS_TASK_TTL" envDefault:"24h"`

	// Event stream consumer identity
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"meshd"`
	ConsumerName  string `env:"REDIS_CONSUMER_NAME" envDefault:"meshd-0"`
}

// SchedulerConfig holds orchestrator scheduling configuration.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `env:"SCHEDULER_MAX_CONCURRENT_TASKS" envDefault:"16"`
	Interval           time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"200ms"`
	FallbackBackend    string        `env:"SCHEDULER_FALLBACK_BACKEND" envDefault:"local"`
}

// WorkerConfig holds local worker pool configuration.
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// RetryConfig holds backoff schedule defaults.
type RetryConfig struct {
	MaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	ExponentialBase float64       `env:"RETRY_EXPONENTIAL_BASE" envDefault:"2.0"`
	BaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
	JitterFactor    float64       `env:"RETRY_JITTER_FACTOR" envDefault:"0.1"`
}

// BreakerConfig holds circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	OpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	HalfOpenTimeout  time.Duration `env:"BREAKER_HALF_OPEN_TIMEOUT" envDefault:"30s"`
}

// RemoteConfig holds the optional remote executor endpoint.
type RemoteConfig struct {
	Endpoint       string        `env:"REMOTE_ENDPOINT"`
	MaxConcurrent  int           `env:"REMOTE_MAX_CONCURRENT" envDefault:"8"`
	RequestTimeout time.Duration `env:"REMOTE_REQUEST_TIMEOUT" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations.
type TimeoutConfig struct {
	TaskExecutionTimeout time.Duration `env:"TIMEOUT_TASK_EXECUTION" envDefault:"300s"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1")
	}
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		return fmt.Errorf("jitter factor must be in [0,1): %v", c.Retry.JitterFactor)
	}
	if c.Breakers.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
