// Command dpp-reaper periodically reclaims runs whose processing lease
// expired without a terminal finalize — a worker that died mid-pack,
// or a message the queue redelivered past its visibility timeout.
//
// Grounded on the teacher's cmd/api/main.go bootstrap shape, with the
// request-serving half replaced by internal/reaper's ticking loop, per
// original_source's apps/worker/dpp_worker/loops/reaper_loop.py.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/config"
	"github.com/dpp-platform/dpp/internal/finalize"
	"github.com/dpp-platform/dpp/internal/ledger"
	"github.com/dpp-platform/dpp/internal/reaper"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/internal/usage"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel, cfg.Env)
	logger.Info().Str("environment", cfg.Env).Msg("starting dpp reaper")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PoolSize:     20,
		MinIdleConns: 5,
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
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(dbPingCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	dbPingCancel()

	runs := runstore.New(db, logger)
	led := ledger.New(redisClient, logger)
	usageTracker := usage.New(db, logger)
	finalizer := finalize.New(runs, led, usageTracker, logger)

	rp := reaper.New(runs, finalizer, cfg.ReaperInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rp.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("reaper loop exited unexpectedly")
	}

	cancel()
	logger.Info().Msg("reaper shutdown complete")
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
		Timestamp().Str("service", "dpp-reaper").Str("environment", environment).Logger()
}
