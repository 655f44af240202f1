// Command dpp-worker dequeues admitted runs, executes their pack, and
// drives each one through internal/finalize's 2-phase commit.
//
// Grounded on the teacher's cmd/api/main.go bootstrap shape (config,
// Redis, Postgres, AWS clients, structured logging, graceful shutdown)
// with the request-serving half replaced by internal/worker's polling
// loop, per original_source's apps/worker/dpp_worker/loops/sqs_loop.py.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/config"
	"github.com/dpp-platform/dpp/internal/finalize"
	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/queue"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/internal/usage"
	"github.com/dpp-platform/dpp/internal/worker"
	"github.com/dpp-platform/dpp/pkg/executor"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Env)
	logger.Info().Str("environment", cfg.Env).Msg("starting dpp worker")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PoolSize:     50,
		MinIdleConns: 10,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	defer db.Close()
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(dbPingCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	dbPingCancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load aws config")
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3EndpointURL != "" {
			o.BaseEndpoint = &cfg.S3EndpointURL
			o.UsePathStyle = true
		}
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQSEndpointURL != "" {
			o.BaseEndpoint = &cfg.SQSEndpointURL
		}
	})

	objects := objectstore.NewS3Store(s3Client, cfg.S3Bucket, logger)
	q := queue.NewSQSQueue(sqsClient, cfg.SQSQueueURL, logger)

	runs := runstore.New(db, logger)
	led := ledger.New(redisClient, logger)
	usageTracker := usage.New(db, logger)
	finalizer := finalize.New(runs, led, usageTracker, logger)

	registry := executor.NewRegistry()
	registry.Register("decision", executor.NewStubExecutor(cfg.StubCostPerByteMicros, cfg.StubMinimumCostUSDMicros))

	w := worker.New(runs, finalizer, registry, objects, q, worker.Config{
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollWaitTime:      cfg.PollWaitTime,
		MaxMessages:       cfg.MaxMessages,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: metricsMux}
	go func() {
		logger.Info().Str("port", cfg.WorkerMetricsPort).Msg("worker metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("worker loop exited unexpectedly")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	logger.Info().Msg("worker shutdown complete")
}

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "dpp-worker").Str("environment", environment).Logger()
}
