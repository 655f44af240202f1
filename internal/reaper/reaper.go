// Package reaper implements C6: periodic recovery of runs whose lease
// expired without the Worker ever finalizing them — almost always
// because the Worker process crashed or was killed mid-execution.
//
// Grounded on original_source's apps/worker/dpp_worker (the reaper
// loop referenced by heartbeat.py's lease model) and on spec.md §4.6;
// each candidate run is finalized independently so one run's failure
// never blocks the rest of the scan (per-run exception isolation, the
// same defensive pattern the teacher's periodic-sync ticker loop uses
// for its own batch processing).
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dpp-platform/dpp/internal/finalize"
	"github.com/dpp-platform/dpp/internal/runstore"
)

// ScanBatchSize bounds how many expired-lease runs are reclaimed per
// tick, so one very backed-up scan can't monopolize the Reaper.
const ScanBatchSize = 100

// Reaper periodically finds and finalizes runs with expired leases.
type Reaper struct {
	runs      *runstore.Store
	finalizer *finalize.Protocol
	interval  time.Duration
	log       zerolog.Logger
}

// New constructs a Reaper.
func New(runs *runstore.Store, finalizer *finalize.Protocol, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{runs: runs, finalizer: finalizer, interval: interval, log: logger.With().Str("component", "reaper").Logger()}
}

// Run ticks every interval until ctx is cancelled, scanning and
// reclaiming expired leases on each tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	expired, err := r.runs.ListExpiredLeases(ctx, ScanBatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list expired leases")
		return
	}
	if len(expired) > 0 {
		r.log.Info().Int("count", len(expired)).Msg("reclaiming expired leases")
	}

	for _, run := range expired {
		r.reclaim(ctx, run)
	}
}

// reclaim finalizes one run via FinalizeTimeout. A lost claim race
// (ErrClaimLost) means the Worker itself finished between the scan and
// this attempt — not an error, just a run this tick doesn't own.
func (r *Reaper) reclaim(ctx context.Context, run *runstore.Run) {
	log := r.log.With().Str("run_id", run.RunID).Logger()

	outcome, err := r.finalizer.FinalizeTimeout(ctx, run, run.MinimumFeeUSDMicros)
	if err != nil {
		if outcome == finalize.OutcomeLoser {
			log.Debug().Err(err).Msg("lost claim race to another finalizer, skipping")
			return
		}
		log.Error().Err(err).Msg("failed to reclaim expired lease")
		return
	}
	log.Warn().Msg("run reclaimed as TIMED_OUT")
}
