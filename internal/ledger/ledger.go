// Package ledger is the platform's money-safety core (C1 LedgerOps). It
// holds the only code path allowed to mutate a tenant's Redis balance, and
// every mutation goes through one of three pre-loaded Lua scripts so that
// reserve/settle/refund are atomic with respect to every other request —
// no check-then-act race is possible between concurrent runs for the same
// tenant.
//
// Redis is the source of truth for balance and in-flight reservations.
// There is no PostgreSQL balance mirror to keep in sync (unlike the
// teacher's two-store design) — the specification's money model lives
// entirely in Redis, with Postgres used only for the Run/Tenant/Plan
// system-of-record (see internal/runstore). The settle receipt is this
// package's other durable artifact: it is what lets the Reconciler
// recover from a crash between claiming a run and recording its result
// without ever inventing a charge.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Backend is the slice of the Redis client this package actually calls.
// Depending on this narrow interface instead of *redis.Client is what
// makes Ledger unit-testable without a live Redis — the defect the
// teacher's own balance_service_test.go flags as blocking it (a
// concrete *Ledger / *redis.Client coupling). Tests substitute FakeBackend.
type Backend interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Ledger implements reserve/settle/refund over a Backend.
type Ledger struct {
	redis Backend
	log   zerolog.Logger

	reserveScript    *redis.Script
	settleScript     *redis.Script
	refundFullScript *redis.Script
}

// New constructs a Ledger. Script bodies are registered with go-redis's
// lazy EVALSHA-with-fallback-to-EVAL machinery; nothing round-trips to
// Redis until the first call.
func New(backend Backend, logger zerolog.Logger) *Ledger {
	return &Ledger{
		redis:            backend,
		log:              logger.With().Str("component", "ledger").Logger(),
		reserveScript:    redis.NewScript(reserveScript),
		settleScript:     redis.NewScript(settleScript),
		refundFullScript: redis.NewScript(refundFullScript),
	}
}

// Key helpers. Locked naming per spec.md §3.2.
func BudgetKey(tenantID string) string  { return fmt.Sprintf("budget:%s:balance_usd_micros", tenantID) }
func ReserveKey(runID string) string    { return fmt.Sprintf("reserve:%s", runID) }
func ReceiptKey(runID string) string    { return fmt.Sprintf("receipt:%s", runID) }
func InitialBalanceKey(tenantID string) string {
	return fmt.Sprintf("budget:%s:initial_usd_micros", tenantID)
}

// ReserveStatus is the typed outcome of Reserve, replacing the
// exceptions-as-control-flow the original Python raised (spec.md §9
// redesign flag).
type ReserveStatus string

const (
	ReserveOK               ReserveStatus = "OK"
	ReserveAlreadyReserved  ReserveStatus = "ERR_ALREADY_RESERVED"
	ReserveInsufficientFunds ReserveStatus = "ERR_INSUFFICIENT"
)

// Reserve atomically debits reservedMicros from the tenant's balance and
// records a reservation hash keyed by runID, if and only if sufficient
// balance exists and no reservation for runID already exists (the
// idempotency guard against duplicate admission).
func (l *Ledger) Reserve(ctx context.Context, tenantID, runID string, reservedMicros int64) (ReserveStatus, int64, error) {
	keys := []string{BudgetKey(tenantID), ReserveKey(runID)}
	args := []interface{}{tenantID, reservedMicros, nowMillis(), runID}

	res, err := l.reserveScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		return "", 0, fmt.Errorf("reserve script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return "", 0, errors.New("reserve script: unexpected result shape")
	}
	status := ReserveStatus(arr[0].(string))
	balance, err := parseInt64(arr[1])
	if err != nil {
		return "", 0, err
	}

	if status == ReserveOK {
		l.redis.Expire(ctx, ReserveKey(runID), reservationTTL)
	}

	l.log.Debug().Str("tenant_id", tenantID).Str("run_id", runID).
		Int64("reserved_usd_micros", reservedMicros).Str("status", string(status)).
		Msg("reserve")

	return status, balance, nil
}

// SettleStatus is the typed outcome of Settle.
type SettleStatus string

const (
	SettleOK       SettleStatus = "OK"
	SettleNoReserve SettleStatus = "ERR_NO_RESERVE"
)

// Settle closes out a reservation with the actual charge. charge is
// clamped server-side (in Lua) to [0, reserved] so neither a negative
// charge nor an overcharge beyond the original reservation can ever
// reach the balance — the two attack vectors the original's SETTLE_LUA
// comment calls out explicitly. A receipt is written atomically with the
// balance update: it is this package's only durable proof that
// settlement happened, and it is what the Reconciler and audit tooling
// trust instead of any TTL-age heuristic.
func (l *Ledger) Settle(ctx context.Context, tenantID, runID string, chargeMicros int64) (SettleStatus, int64, int64, int64, error) {
	keys := []string{BudgetKey(tenantID), ReserveKey(runID), ReceiptKey(runID)}
	args := []interface{}{chargeMicros, tenantID, runID, nowMillis()}

	res, err := l.settleScript.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("settle script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return "", 0, 0, 0, errors.New("settle script: unexpected result shape")
	}
	status := SettleStatus(arr[0].(string))
	charge, err := parseInt64(arr[1])
	if err != nil {
		return "", 0, 0, 0, err
	}
	refund, err := parseInt64(arr[2])
	if err != nil {
		return "", 0, 0, 0, err
	}
	newBalance, err := parseInt64(arr[3])
	if err != nil {
		return "", 0, 0, 0, err
	}

	l.log.Info().Str("tenant_id", tenantID).Str("run_id", runID).
		Str("status", string(status)).Int64("charged_usd_micros", charge).
		Int64("refunded_usd_micros", refund).Msg("settle")

	return status, charge, refund, newBalance, nil
}

// RefundFullStatus is the typed outcome of RefundFull.
type RefundFullStatus string

const (
	RefundFullOK        RefundFullStatus = "OK"
	RefundFullNoReserve RefundFullStatus = "ERR_NO_RESERVE"
)

// RefundFull releases an entire reservation back to the tenant's balance
// with zero charge — used by Admission to compensate when creating or
// enqueueing a run fails after its reservation succeeded, so no fee, not
// even the minimum fee, applies. No receipt is written.
func (l *Ledger) RefundFull(ctx context.Context, tenantID, runID string) (RefundFullStatus, int64, int64, error) {
	keys := []string{BudgetKey(tenantID), ReserveKey(runID)}

	res, err := l.refundFullScript.Run(ctx, l.redis, keys).Result()
	if err != nil {
		return "", 0, 0, fmt.Errorf("refund_full script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return "", 0, 0, errors.New("refund_full script: unexpected result shape")
	}
	status := RefundFullStatus(arr[0].(string))
	refund, err := parseInt64(arr[1])
	if err != nil {
		return "", 0, 0, err
	}
	newBalance, err := parseInt64(arr[2])
	if err != nil {
		return "", 0, 0, err
	}

	l.log.Info().Str("tenant_id", tenantID).Str("run_id", runID).
		Str("status", string(status)).Int64("refunded_usd_micros", refund).Msg("refund_full")

	return status, refund, newBalance, nil
}

// GetBalance returns the tenant's current balance with no side effects.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	v, err := l.redis.Get(ctx, BudgetKey(tenantID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return parseInt64(v)
}

// SetBalance sets a tenant's balance directly. Used only by admin
// tooling (cmd/dppctl) and test fixtures — never by request-serving code.
func (l *Ledger) SetBalance(ctx context.Context, tenantID string, micros int64) error {
	return l.redis.Set(ctx, BudgetKey(tenantID), micros, 0).Err()
}

// ProvisionInitialBalance records a tenant's starting balance once, at
// onboarding, alongside setting its live balance to the same value.
// internal/audit's reconciliation equation (spec.md §3.2/P2) needs this
// fixed reference point — the live balance key moves with every
// reserve/settle/refund, so without a separately-recorded initial value
// there is nothing for "Σ initial" to mean. Grounded on
// original_source's audit_reconciliation.py, which reads this same
// quantity via BudgetScripts.get_initial_balance; that original never
// shows where the key is written, so this package owns writing it, the
// same way it owns every other budget key.
func (l *Ledger) ProvisionInitialBalance(ctx context.Context, tenantID string, micros int64) error {
	if err := l.redis.Set(ctx, InitialBalanceKey(tenantID), micros, 0).Err(); err != nil {
		return fmt.Errorf("set initial balance: %w", err)
	}
	return l.SetBalance(ctx, tenantID, micros)
}

// GetInitialBalance returns the balance a tenant was provisioned with,
// or 0 if it was never provisioned through ProvisionInitialBalance.
func (l *Ledger) GetInitialBalance(ctx context.Context, tenantID string) (int64, error) {
	v, err := l.redis.Get(ctx, InitialBalanceKey(tenantID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get initial balance: %w", err)
	}
	return parseInt64(v)
}

// ScanActiveReservations walks every reserve:* key and sums its
// reserved_usd_micros, for audit's Σ active_reserves term. Grounded on
// original_source's audit_reconciliation.py
// (get_redis_reserved_total's SCAN-based walk over reserve:* keys,
// reading each hash through BudgetScripts.get_reservation).
func (l *Ledger) ScanActiveReservations(ctx context.Context) (totalMicros int64, count int, err error) {
	var cursor uint64
	for {
		keys, next, err := l.redis.Scan(ctx, cursor, "reserve:*", 1000).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("scan reservations: %w", err)
		}
		for _, key := range keys {
			runID := key[len("reserve:"):]
			reservation, err := l.GetReservation(ctx, runID)
			if err != nil {
				return 0, 0, err
			}
			if reservation != nil {
				totalMicros += reservation.ReservedMicros
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return totalMicros, count, nil
}

// Reservation mirrors the reserve:{run_id} hash.
type Reservation struct {
	TenantID       string
	RunID          string
	ReservedMicros int64
	CreatedAtMs    int64
}

// GetReservation reads the live reservation for a run, or nil if none
// exists (either never reserved, or already settled/refunded).
func (l *Ledger) GetReservation(ctx context.Context, runID string) (*Reservation, error) {
	data, err := l.redis.HGetAll(ctx, ReserveKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	reserved, err := parseInt64(data["reserved_usd_micros"])
	if err != nil {
		return nil, err
	}
	created, err := parseInt64(data["created_at_ms"])
	if err != nil {
		return nil, err
	}
	return &Reservation{
		TenantID:       data["tenant_id"],
		RunID:          data["run_id"],
		ReservedMicros: reserved,
		CreatedAtMs:    created,
	}, nil
}

// Receipt mirrors the receipt:{run_id} hash — the sole authoritative
// proof of settlement. Its presence is a fact, never inferred from TTL
// age (spec.md §9's MS-6 resolution).
type Receipt struct {
	TenantID       string
	RunID          string
	ChargedMicros  int64
	RefundedMicros int64
	SettledAtMs    int64
}

// GetReceipt reads the settlement receipt for a run, or nil if the run
// has never been settled (or its receipt has expired after the 24h TTL).
func (l *Ledger) GetReceipt(ctx context.Context, runID string) (*Receipt, error) {
	data, err := l.redis.HGetAll(ctx, ReceiptKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	charged, err := parseInt64(data["charged_usd_micros"])
	if err != nil {
		return nil, err
	}
	refunded, err := parseInt64(data["refunded_usd_micros"])
	if err != nil {
		return nil, err
	}
	settledAt, err := parseInt64(data["settled_at_ms"])
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TenantID:       data["tenant_id"],
		RunID:          data["run_id"],
		ChargedMicros:  charged,
		RefundedMicros: refunded,
		SettledAtMs:    settledAt,
	}, nil
}

const reservationTTL = time.Hour

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func parseInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		_, err := fmt.Sscanf(t, "%d", &n)
		if err != nil {
			return 0, fmt.Errorf("parse int64 %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
