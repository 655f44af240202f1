// Package runstore is the Run system-of-record (C2 RunStore). Postgres is
// the only durable store of a run's lifecycle; every mutation goes through
// the single compare-and-swap primitive UpdateIf, mirroring the teacher's
// raw database/sql + lib/pq style (no ORM) and the original_source's
// DEC-4210 `update_with_version_check`.
package runstore

import (
	"encoding/json"
	"time"
)

// Status is the run's execution lifecycle state (spec.md §3.1).
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusCancelled  Status = "CANCELLED"
)

// MoneyState is the run's ledger-side lifecycle state.
type MoneyState string

const (
	MoneyStateNone          MoneyState = "NONE"
	MoneyStateReserved      MoneyState = "RESERVED"
	MoneyStateSettled       MoneyState = "SETTLED"
	MoneyStateRefunded      MoneyState = "REFUNDED"
	MoneyStateAuditRequired MoneyState = "AUDIT_REQUIRED"
)

// FinalizeStage tracks the 2-phase finalize protocol (C3).
type FinalizeStage string

const (
	FinalizeStageNone      FinalizeStage = ""
	FinalizeStageClaimed   FinalizeStage = "CLAIMED"
	FinalizeStageCommitted FinalizeStage = "COMMITTED"
)

// Run is the authoritative record for one async decision-pack execution.
type Run struct {
	RunID          string
	TenantID       string
	PackType       string
	ProfileVersion string

	Status     Status
	MoneyState MoneyState

	IdempotencyKey *string
	PayloadHash    string

	Version int64

	ReservationMaxCostUSDMicros int64
	ActualCostUSDMicros         *int64
	MinimumFeeUSDMicros         int64

	TimeboxSec         *int64
	MinReliabilityScore *float64
	InputsJSON         json.RawMessage

	ResultBucket    *string
	ResultKey       *string
	ResultSHA256    *string
	RetentionUntil  time.Time

	LeaseToken     *string
	LeaseExpiresAt *time.Time

	FinalizeToken      *string
	FinalizeStage      FinalizeStage
	FinalizeClaimedAt  *time.Time

	CompletedAt *time.Time

	LastErrorReasonCode *string
	LastErrorDetail     *string

	TraceID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether status can no longer transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}
