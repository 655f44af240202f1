package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// StubExecutor produces a deterministic result from input size rather
// than invoking a real model — grounded directly on stub_decision.py,
// which exists precisely so the platform's money-safety plumbing can be
// exercised end-to-end without a live inference backend.
//
// Cost scales with input size (costPerByteMicros) and is raised to a
// floor (minimumCostUSDMicros). It is not capped by the run's
// reservation, which Execute never sees; a cost above the reservation is
// rejected at finalize time with finalize.ErrCostExceedsReservation.
type StubExecutor struct {
	costPerByteMicros   int64
	minimumCostUSDMicros int64
}

// NewStubExecutor constructs a StubExecutor with the given per-byte
// cost rate and floor.
func NewStubExecutor(costPerByteMicros, minimumCostUSDMicros int64) *StubExecutor {
	return &StubExecutor{costPerByteMicros: costPerByteMicros, minimumCostUSDMicros: minimumCostUSDMicros}
}

type stubOutput struct {
	PackType     string `json:"pack_type"`
	InputDigest  string `json:"input_digest"`
	Decision     string `json:"decision"`
	Deterministic bool  `json:"deterministic"`
}

// Execute implements Executor. It never returns an error for well-
// formed JSON inputs — the stub's entire purpose is to be a reliable,
// always-succeeding exerciser of the reserve/settle pipeline; a pack
// type wanting failure-path coverage should simulate that at a higher
// layer (e.g. a test-only executor registered instead of this one).
func (s *StubExecutor) Execute(ctx context.Context, packType string, inputs json.RawMessage, timeboxSec int64) (Result, error) {
	if !json.Valid(inputs) {
		return Result{}, fmt.Errorf("executor: inputs is not valid JSON")
	}

	cost := int64(len(inputs)) * s.costPerByteMicros
	if cost < s.minimumCostUSDMicros {
		cost = s.minimumCostUSDMicros
	}

	out := stubOutput{
		PackType:      packType,
		InputDigest:   contentHash(inputs),
		Decision:      "APPROVED",
		Deterministic: true,
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("executor: marshal stub output: %w", err)
	}

	return Result{
		Output:              raw,
		ActualCostUSDMicros: cost,
		ReliabilityScore:    1.0,
	}, nil
}
