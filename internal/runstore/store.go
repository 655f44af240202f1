package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a run does not exist or is not owned by
// the querying tenant. Callers map this to a stealth 404 — the HTTP layer
// never distinguishes "doesn't exist" from "belongs to someone else".
var ErrNotFound = errors.New("run not found")

// ErrIdempotencyConflict is returned by Create when a row already exists
// for (tenant_id, idempotency_key) — the partial unique index's job.
var ErrIdempotencyConflict = errors.New("idempotency key already used for a different payload")

// Store is the C2 RunStore: Postgres-backed, version-CAS as the sole
// mutation primitive, grounded on original_source's
// db/repo_runs.py:RunRepository and the teacher's raw database/sql usage
// (no ORM anywhere in Consonant's internal/ledger either).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wraps an already-opened *sql.DB. Connection pool tuning (max open/
// idle conns, conn lifetime) is the caller's responsibility, done once at
// process startup the way the teacher's NewLedger configures its pool.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, log: logger.With().Str("component", "runstore").Logger()}
}

// Create inserts a new run with the status and money state set on r
// (Admission inserts QUEUED/RESERVED). A duplicate
// (tenant_id, idempotency_key) violates the partial unique index and is
// surfaced as ErrIdempotencyConflict so Admission can look up the
// existing row instead of treating this as an unexpected failure.
func (s *Store) Create(ctx context.Context, r *Run) error {
	const q = `
		INSERT INTO runs (
			run_id, tenant_id, pack_type, profile_version,
			status, money_state, idempotency_key, payload_hash, version,
			reservation_max_cost_usd_micros, minimum_fee_usd_micros,
			timebox_sec, min_reliability_score, inputs_json,
			retention_until, trace_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, q,
		r.RunID, r.TenantID, r.PackType, r.ProfileVersion,
		r.Status, r.MoneyState, r.IdempotencyKey, r.PayloadHash, r.Version,
		r.ReservationMaxCostUSDMicros, r.MinimumFeeUSDMicros,
		r.TimeboxSec, r.MinReliabilityScore, r.InputsJSON,
		r.RetentionUntil, r.TraceID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const selectColumns = `
	run_id, tenant_id, pack_type, profile_version,
	status, money_state, idempotency_key, payload_hash, version,
	reservation_max_cost_usd_micros, actual_cost_usd_micros, minimum_fee_usd_micros,
	timebox_sec, min_reliability_score, inputs_json,
	result_bucket, result_key, result_sha256, retention_until,
	lease_token, lease_expires_at,
	finalize_token, finalize_stage, finalize_claimed_at,
	completed_at, last_error_reason_code, last_error_detail,
	trace_id, created_at, updated_at
`

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finalizeStage sql.NullString
	err := row.Scan(
		&r.RunID, &r.TenantID, &r.PackType, &r.ProfileVersion,
		&r.Status, &r.MoneyState, &r.IdempotencyKey, &r.PayloadHash, &r.Version,
		&r.ReservationMaxCostUSDMicros, &r.ActualCostUSDMicros, &r.MinimumFeeUSDMicros,
		&r.TimeboxSec, &r.MinReliabilityScore, &r.InputsJSON,
		&r.ResultBucket, &r.ResultKey, &r.ResultSHA256, &r.RetentionUntil,
		&r.LeaseToken, &r.LeaseExpiresAt,
		&r.FinalizeToken, &finalizeStage, &r.FinalizeClaimedAt,
		&r.CompletedAt, &r.LastErrorReasonCode, &r.LastErrorDetail,
		&r.TraceID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.FinalizeStage = FinalizeStage(finalizeStage.String)
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// GetByID fetches a run, scoped to tenantID — the tenant-ownership check
// that makes cross-tenant access return the same ErrNotFound as a
// genuinely missing run (stealth 404, spec.md §7).
func (s *Store) GetByID(ctx context.Context, runID, tenantID string) (*Run, error) {
	q := "SELECT " + selectColumns + " FROM runs WHERE run_id = $1 AND tenant_id = $2"
	row := s.db.QueryRowContext(ctx, q, runID, tenantID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by id: %w", err)
	}
	return r, nil
}

// GetByIdempotencyKey supports Admission's idempotent-replay path.
func (s *Store) GetByIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*Run, error) {
	q := "SELECT " + selectColumns + " FROM runs WHERE tenant_id = $1 AND idempotency_key = $2"
	row := s.db.QueryRowContext(ctx, q, tenantID, idempotencyKey)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return r, nil
}

// UpdateIf is the sole mutation primitive (DEC-4210's
// update_with_version_check): a single parameterized UPDATE gated on
// run_id + tenant_id + the expected version, plus any extraConditions
// supplied for defense in depth (e.g. finalize_stage/money_state must
// still hold the value the caller last observed). version is always
// incremented and updated_at always refreshed. Returns true iff exactly
// one row matched — false means someone else already won the race.
func (s *Store) UpdateIf(ctx context.Context, runID, tenantID string, expectedVersion int64, sets map[string]interface{}, extraConditions map[string]interface{}) (bool, error) {
	sets["version"] = expectedVersion + 1
	sets["updated_at"] = time.Now().UTC()

	setCols := make([]string, 0, len(sets))
	args := make([]interface{}, 0, len(sets)+len(extraConditions)+3)
	i := 1
	for col, val := range sets {
		setCols = append(setCols, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}

	whereClauses := []string{
		fmt.Sprintf("run_id = $%d", i),
		fmt.Sprintf("tenant_id = $%d", i+1),
		fmt.Sprintf("version = $%d", i+2),
	}
	args = append(args, runID, tenantID, expectedVersion)
	i += 3

	for col, val := range extraConditions {
		if val == nil {
			whereClauses = append(whereClauses, fmt.Sprintf("%s IS NULL", col))
			continue
		}
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}

	q := fmt.Sprintf("UPDATE runs SET %s WHERE %s",
		strings.Join(setCols, ", "), strings.Join(whereClauses, " AND "))

	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update_if: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update_if rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimForProcessing transitions QUEUED -> PROCESSING and installs a
// fresh lease, the Worker's entry point before executing a pack. Returns
// false if another worker already claimed it (or it was cancelled first).
func (s *Store) ClaimForProcessing(ctx context.Context, runID, tenantID string, expectedVersion int64, leaseToken string, leaseExpiresAt time.Time) (bool, error) {
	ok, err := s.UpdateIf(ctx, runID, tenantID, expectedVersion,
		map[string]interface{}{
			"status":           StatusProcessing,
			"lease_token":      leaseToken,
			"lease_expires_at": leaseExpiresAt,
		},
		map[string]interface{}{"status": StatusQueued},
	)
	return ok, err
}

// ClaimForFinalize is Phase A of the 2-phase finalize protocol (C3): it
// stakes a claim on this run before any side effect (ledger settle) is
// attempted, so a crash between claim and commit always leaves a
// CLAIMED-but-not-COMMITTED row the Reconciler can find and repair.
func (s *Store) ClaimForFinalize(ctx context.Context, runID, tenantID string, expectedVersion int64, finalizeToken string) (bool, error) {
	return s.UpdateIf(ctx, runID, tenantID, expectedVersion,
		map[string]interface{}{
			"finalize_stage":      FinalizeStageClaimed,
			"finalize_token":      finalizeToken,
			"finalize_claimed_at": time.Now().UTC(),
		},
		map[string]interface{}{"status": StatusProcessing, "finalize_stage": FinalizeStageNone},
	)
}

// ListExpiredLeases returns PROCESSING runs whose lease has expired —
// the Reaper's candidate set. The temporal predicate is enforced here,
// at scan time; actual mutation always goes back through ClaimForFinalize,
// whose CAS guards on status and finalize_stage as well as version, so a
// stale scan result can never re-claim a run another actor has already
// staked a finalize claim on (spec.md §9 Open Question 1).
func (s *Store) ListExpiredLeases(ctx context.Context, limit int) ([]*Run, error) {
	q := "SELECT " + selectColumns + ` FROM runs WHERE status = $1 AND lease_expires_at < $2 LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, StatusProcessing, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListStuckClaimed returns runs whose finalize_stage has been CLAIMED
// (but not COMMITTED) for longer than stuckThreshold — the Reconciler's
// candidate set for crash recovery (C7).
func (s *Store) ListStuckClaimed(ctx context.Context, stuckThreshold time.Duration, limit int) ([]*Run, error) {
	q := "SELECT " + selectColumns + ` FROM runs WHERE finalize_stage = $1 AND finalize_claimed_at < $2 LIMIT $3`
	cutoff := time.Now().UTC().Add(-stuckThreshold)
	rows, err := s.db.QueryContext(ctx, q, FinalizeStageClaimed, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck claimed: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// lib/pq surfaces unique-violation as *pq.Error with Code "23505";
	// avoid importing lib/pq here just for the sentinel and match on the
	// driver-agnostic string it always includes.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
