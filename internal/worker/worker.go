// Package worker implements the Worker process: dequeue a run,
// transition it to PROCESSING under a lease, execute its pack, and
// finalize the outcome through the 2-phase protocol.
//
// Grounded on original_source's apps/worker/dpp_worker/loops/sqs_loop.py
// (the receive -> claim -> execute -> finalize -> delete loop) and
// heartbeat.py (lease extension on a separate ticker), adapted to the
// teacher's goroutine-per-concern + graceful-shutdown style from
// cmd/api/main.go. Per SPEC_FULL.md §5's session-per-tick requirement,
// every tick does its own RunStore/Queue calls rather than holding
// mutable state across iterations in a shared struct field.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/finalize"
	"github.com/dpp-platform/dpp/internal/objectstore"
	"github.com/dpp-platform/dpp/internal/queue"
	"github.com/dpp-platform/dpp/internal/runstore"
	"github.com/dpp-platform/dpp/pkg/executor"
)

// Config tunes lease/visibility timing and polling behavior.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	PollWaitTime      time.Duration
	MaxMessages       int
}

// Worker consumes the admission queue and drives runs to completion.
type Worker struct {
	runs      *runstore.Store
	finalizer *finalize.Protocol
	exec      *executor.Registry
	objects   objectstore.Store
	q         queue.Queue
	cfg       Config
	log       zerolog.Logger
}

// New constructs a Worker.
func New(runs *runstore.Store, finalizer *finalize.Protocol, exec *executor.Registry, objects objectstore.Store, q queue.Queue, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{runs: runs, finalizer: finalizer, exec: exec, objects: objects, q: q, cfg: cfg, log: logger.With().Str("component", "worker").Logger()}
}

// Run polls the queue until ctx is cancelled, processing one batch of
// messages per tick. Each tick is independent: it opens no connection
// or state that outlives the tick, so a panic/failure in one message
// never corrupts the next.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := w.q.Receive(ctx, w.cfg.MaxMessages, w.cfg.PollWaitTime)
		if err != nil {
			w.log.Error().Err(err).Msg("queue receive failed")
			continue
		}

		for _, m := range messages {
			w.processMessage(ctx, m)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, m queue.Message) {
	log := w.log.With().Str("run_id", m.RunID).Str("tenant_id", m.TenantID).Logger()

	run, err := w.runs.GetByID(ctx, m.RunID, m.TenantID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load run for processing")
		return
	}

	if run.Status != runstore.StatusQueued {
		// Already claimed by another worker, or moved on by the Reaper
		// — acknowledge and move on, nothing to do here.
		w.ackOrLog(ctx, m, log)
		return
	}

	leaseToken := uuid.NewString()
	leaseExpiresAt := time.Now().Add(w.cfg.LeaseTTL)
	claimed, err := w.runs.ClaimForProcessing(ctx, run.RunID, run.TenantID, run.Version, leaseToken, leaseExpiresAt)
	if err != nil {
		log.Error().Err(err).Msg("claim for processing failed")
		return
	}
	if !claimed {
		w.ackOrLog(ctx, m, log)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(heartbeatCtx, m.ReceiptHandle, log)

	run.Status = runstore.StatusProcessing
	run.Version++

	w.execute(ctx, run, log)
	cancelHeartbeat()

	w.ackOrLog(ctx, m, log)
}

// execute runs the pack to completion and finalizes the outcome. Every
// error path still attempts FinalizeFailure so a broken executor never
// leaves a run stuck PROCESSING/RESERVED — that's exactly the state the
// Reaper exists to repair, but a clean finalize here is strictly better.
func (w *Worker) execute(ctx context.Context, run *runstore.Run, log zerolog.Logger) {
	var timeboxSec int64 = 300
	if run.TimeboxSec != nil {
		timeboxSec = *run.TimeboxSec
	}

	result, err := w.exec.Execute(ctx, run.PackType, run.InputsJSON, timeboxSec)
	if err != nil {
		log.Warn().Err(err).Msg("pack execution failed")
		if _, ferr := w.finalizer.FinalizeFailure(ctx, run, run.MinimumFeeUSDMicros, "EXECUTOR_ERROR", err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("finalize failure also failed")
		}
		return
	}

	resultKey := fmt.Sprintf("%s/%s/result.json", run.TenantID, run.RunID)
	putResult, err := w.objects.Put(ctx, resultKey, bytes.NewReader(result.Output))
	if err != nil {
		log.Error().Err(err).Msg("failed to persist result artifact")
		if _, ferr := w.finalizer.FinalizeFailure(ctx, run, run.MinimumFeeUSDMicros, "STORAGE_ERROR", err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("finalize failure also failed")
		}
		return
	}

	if _, err := w.finalizer.FinalizeSuccess(ctx, run, result.ActualCostUSDMicros, putResult.Bucket, putResult.Key, putResult.SHA256); err != nil {
		log.Error().Err(err).Msg("finalize success failed")
		return
	}

	log.Info().Int64("actual_cost_usd_micros", result.ActualCostUSDMicros).Msg("run completed")
}

func (w *Worker) ackOrLog(ctx context.Context, m queue.Message, log zerolog.Logger) {
	if err := w.q.Delete(ctx, m.ReceiptHandle); err != nil {
		log.Error().Err(err).Msg("failed to delete queue message")
	}
}

// heartbeat extends the queue's visibility timeout on a fixed interval
// until ctx is cancelled by the caller's execute() returning. Each tick
// issues its own ExtendVisibility call — no shared mutable state with
// the processing goroutine beyond the receipt handle, matching the
// session-per-tick requirement.
func (w *Worker) heartbeat(ctx context.Context, receiptHandle string, log zerolog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.ExtendVisibility(ctx, receiptHandle, w.cfg.LeaseTTL); err != nil {
				log.Warn().Err(err).Msg("failed to extend visibility")
			}
		}
	}
}
