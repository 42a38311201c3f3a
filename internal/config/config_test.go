package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MESHD_HTTP_PORT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.HTTPPort != 8080 || cfg.GRPCPort != 9090 {
		t.Fatalf("unexpected ports: %d / %d", cfg.HTTPPort, cfg.GRPCPort)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("redis should default to disabled, got %q", cfg.Redis.Addr)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 16 || cfg.Scheduler.Interval != 200*time.Millisecond {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.JitterFactor != 0.1 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Breakers.FailureThreshold != 5 || cfg.Breakers.OpenTimeout != 30*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breakers)
	}
	if cfg.GetHTTPAddr() != ":8080" || cfg.GetGRPCAddr() != ":9090" {
		t.Fatalf("unexpected addrs: %s / %s", cfg.GetHTTPAddr(), cfg.GetGRPCAddr())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESHD_HTTP_PORT", "8888")
	t.Setenv("SCHEDULER_MAX_CONCURRENT_TASKS", "4")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("WORKER_POOL_SIZE", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != 8888 {
		t.Fatalf("expected port override, got %d", cfg.HTTPPort)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 4 {
		t.Fatalf("expected concurrency override, got %d", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("expected delay override, got %v", cfg.Retry.BaseDelay)
	}
	if cfg.Workers.PoolSize != 2 {
		t.Fatalf("expected pool override, got %d", cfg.Workers.PoolSize)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.HTTPPort = 0 }},
		{"bad grpc port", func(c *Config) { c.GRPCPort = 70000 }},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrentTasks = 0 }},
		{"zero pool", func(c *Config) { c.Workers.PoolSize = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.Retry.JitterFactor = 1 }},
		{"zero threshold", func(c *Config) { c.Breakers.FailureThreshold = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
