// Command dpp-api is the entry point for the Decision Pack Platform's
// HTTP API server — the process SDKs/clients call POST /v1/runs and
// GET /v1/runs/{run_id} against.
//
// The server is designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health/readiness endpoints for load balancers and Kubernetes
// - Prometheus metrics endpoint for monitoring
// - Structured logging with configurable level
//
// Configuration is via environment variables (12-factor app pattern),
// loaded through internal/config.
//
// Lifecycle:
// 1. Load configuration from env
// 2. Connect to Redis + PostgreSQL, verify connectivity
// 3. Wire the request-serving components (auth, admission, planguard)
// 4. Start the HTTP server
// 5. Wait for shutdown signal
// 6. Gracefully drain in-flight requests
//
// Grounded on the teacher's cmd/api/main.go, generalized from its
// gRPC-plus-sidecar-HTTP shape to a single HTTP server, since spec.md's
// external interface is HTTP-only (see DESIGN.md's dropped-gRPC-deps
// entry).
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
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/admission"
	"github.com/dpp-platform/dpp/internal/auth"
	"github.com/dpp-platform/dpp/internal/config"
	"github.com/dpp-platform/dpp/internal/httpapi"
	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/plan"
	"github.com/dpp-platform/dpp/internal/planguard"
	"github.com/dpp-platform/dpp/internal/queue"
	"github.com/dpp-platform/dpp/internal/runstore"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Env)
	logger.Info().Str("environment", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("starting dpp api server")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PoolSize:     100,
		MinIdleConns: 25,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open postgres connection")
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(dbPingCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	dbPingCancel()
	logger.Info().Msg("connected to postgres")

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
	authenticator := auth.New(db, logger)
	plans := plan.NewRepository(db)
	guard := planguard.New(plans, redisClient, logger)

	admitter := admission.New(runs, led, guard, q, admission.FeeConfig{
		FloorMicros:   cfg.MinimumFeeFloorMicros,
		CeilingMicros: cfg.MinimumFeeCeilingMicros,
		BasisPoints:   cfg.MinimumFeeBasisPoints,
	}, logger)

	handler := httpapi.New(authenticator, admitter, runs, guard, objects, db, cfg.PresignedURLTTL, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      httpapi.Chain(mux, httpapi.RequestID, httpapi.Logging(logger), httpapi.CORS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
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
		Timestamp().Str("service", "dpp-api").Str("environment", environment).Logger()
}
