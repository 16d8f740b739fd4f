// Package main is the entry point for the Stratum mining server.
// It handles configuration loading, logger initialization, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexPanacea/PBpool/internal/config"
	"github.com/AlexPanacea/PBpool/internal/mining"
	"github.com/AlexPanacea/PBpool/internal/node"
	"github.com/AlexPanacea/PBpool/internal/server"
	"github.com/AlexPanacea/PBpool/internal/storage"
	"github.com/AlexPanacea/PBpool/internal/worker"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Stratum mining server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis storage
	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisStorage.Close()

	// Initialize PostgreSQL storage
	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgStorage.Close()

	// Initialize the upstream node client: template provider and block sink.
	nodeClient := node.NewClient(cfg.Node.RPCURL, cfg.Node.RPCUser, cfg.Node.RPCPassword, cfg.Node.CallTimeout)
	nodeProvider := node.NewProvider(nodeClient, cfg.Node.CallTimeout, logger)

	// Initialize worker manager
	workerManager := worker.NewManager(cfg.Mining, logger, redisStorage, pgStorage)

	// Initialize job manager
	jobManager := mining.NewJobManager(cfg.Mining, logger, redisStorage)

	// Initialize share validator
	shareValidator := mining.NewShareValidator(cfg.Mining, logger, redisStorage, pgStorage, jobManager, nodeProvider)

	// Create and start the server
	srv, err := server.New(cfg.Server, cfg.Mining, logger, workerManager, jobManager, shareValidator, pgStorage)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	// Start polling the upstream node for fresh block templates.
	go jobManager.PollTemplates(ctx, nodeProvider, cfg.Node.PollInterval)

	// Start the periodic sweep for workers that went idle without a clean
	// disconnect.
	go workerManager.StartCleanupRoutine(ctx, time.Minute, cfg.Server.IdleTimeout)

	// Start the periodic purge of share history past the retention window.
	go startShareRetentionRoutine(ctx, pgStorage, cfg.Postgres.ShareRetention, logger)

	// Start the server in a goroutine
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Server error", zap.Error(err))
			cancel()
		}
	}()

	// Start metrics server if enabled
	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Initiate graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}

// startShareRetentionRoutine periodically purges share records older than
// retention until ctx is canceled. Runs once a day; the first sweep is
// deferred a day so a freshly started pool doesn't immediately delete
// history from a shorter-lived previous run.
func startShareRetentionRoutine(ctx context.Context, pg *storage.PostgresClient, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.CleanupOldShares(ctx, retention)
			if err != nil {
				logger.Error("failed to clean up old shares", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("cleaned up old shares", zap.Int64("count", n))
			}
		}
	}
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
