package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskmesh/meshd/internal/application/dispatcher"
	"github.com/taskmesh/meshd/internal/application/graph"
	"github.com/taskmesh/meshd/internal/application/orchestrator"
	"github.com/taskmesh/meshd/internal/application/resilience"
	"github.com/taskmesh/meshd/internal/config"
	"github.com/taskmesh/meshd/pkg/adapters/backends/local"
	"github.com/taskmesh/meshd/pkg/adapters/backends/remote"
	"github.com/taskmesh/meshd/pkg/adapters/backends/simulated"
	memoryevents "github.com/taskmesh/meshd/pkg/adapters/events/memory"
	redisevents "github.com/taskmesh/meshd/pkg/adapters/events/redis"
	"github.com/taskmesh/meshd/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/taskmesh/meshd/pkg/adapters/storage/memory"
	redisstorage "github.com/taskmesh/meshd/pkg/adapters/storage/redis"
	"github.com/taskmesh/meshd/pkg/api/grpc"
	"github.com/taskmesh/meshd/pkg/api/http"
	"github.com/taskmesh/meshd/pkg/api/websocket"
	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting mesh daemon",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Redis is optional; without it events and state stay in-process.
	var (
		redisClient  *goredis.Client
		eventBus     ports.EventBus
		stateStorage ports.StateStorage
	)
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		ctx := context.Background()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		eventBus, err = redisevents.NewStreamsEventBus(
			redisClient,
			cfg.Redis.ConsumerGroup,
			fmt.Sprintf("%s-%d", cfg.Redis.ConsumerName, os.Getpid()),
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
		stateStorage = redisstorage.NewTaskStorage(redisClient, cfg.Redis.TaskTTL, logger)
	} else {
		logger.Info("no Redis configured, using in-memory event bus and storage")
		eventBus = memoryevents.NewInMemoryEventBus()
		stateStorage = memorystorage.NewInMemoryTaskStorage()
	}

	metricsCollector := prometheus.NewCollector()

	// Resilience layer
	retryManager := resilience.NewRetryManager(resilience.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		ExponentialBase: cfg.Retry.ExponentialBase,
		BaseDelay:       cfg.Retry.BaseDelay,
		JitterFactor:    cfg.Retry.JitterFactor,
	}, metricsCollector, logger)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		OpenTimeout:      cfg.Breakers.OpenTimeout,
		HalfOpenTimeout:  cfg.Breakers.HalfOpenTimeout,
	}, metricsCollector, logger)

	// Execution backends
	disp := dispatcher.New(dispatcher.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		FallbackBackend:    cfg.Scheduler.FallbackBackend,
	}, retryManager, metricsCollector, logger)

	localBackend := local.New(local.Config{
		PoolSize:            cfg.Workers.PoolSize,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
	}, defaultRunner(), metricsCollector, logger)
	if err := localBackend.Start(); err != nil {
		logger.Fatal("failed to start local backend", zap.Error(err))
	}
	disp.Register(localBackend)

	if cfg.Remote.Endpoint != "" {
		disp.Register(remote.New(remote.Config{
			Name:           "remote",
			Endpoint:       cfg.Remote.Endpoint,
			MaxConcurrent:  cfg.Remote.MaxConcurrent,
			RequestTimeout: cfg.Remote.RequestTimeout,
		}, breakers, logger))
	}
	disp.Register(simulated.New(simulated.Config{}, logger))

	// Core
	mesh := graph.NewMesh()
	validator := orchestrator.NewValidator()

	orchestratorMgr := orchestrator.NewManager(orchestrator.Config{
		DefaultRetryAttempts: cfg.Retry.MaxAttempts,
		SchedulerInterval:    cfg.Scheduler.Interval,
		TaskExecutionTimeout: cfg.Timeouts.TaskExecutionTimeout,
	}, mesh, disp, validator, eventBus, stateStorage, metricsCollector, breakers, logger)
	orchestratorMgr.Start()

	// API servers
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Logger:       logger,
	})

	wsHandler := websocket.NewHandler(eventBus, orchestrator.EventTopic, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:         cfg.GRPCPort,
		Orchestrator: orchestratorMgr,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("mesh daemon started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.Int("max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}
	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	if err := localBackend.Shutdown(shutdownCtx); err != nil {
		logger.Error("local backend shutdown error", zap.Error(err))
	}
	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("mesh daemon shut down complete")
}

// defaultRunner echoes the task payload. Real deployments plug in their
// own runner or route work to the remote backend.
func defaultRunner() ports.TaskRunner {
	return func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		return map[string]interface{}{
			"task":    task.Name,
			"payload": task.Payload,
		}, nil
	}
}

// initLogger initializes the logger based on log level.
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger
}
