// Package executor runs a pack against its inputs and produces a
// costed result — the boundary between the Worker's lifecycle
// machinery and the actual decision logic.
//
// Grounded on original_source's
// apps/worker/dpp_worker/executor/{base,stub_decision}.py: a
// PackExecutor interface plus a deterministic stub implementation that
// computes cost from input size rather than calling a real model,
// letting the whole pipeline be exercised without any external
// inference dependency.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Result is what a pack execution produces: the output payload to
// persist to the object store plus its actual cost for settlement.
type Result struct {
	Output            json.RawMessage
	ActualCostUSDMicros int64
	ReliabilityScore  float64
}

// Executor runs one pack invocation to completion or returns an error
// that the Worker maps to FinalizeFailure.
type Executor interface {
	Execute(ctx context.Context, packType string, inputs json.RawMessage, timeboxSec int64) (Result, error)
}

// ErrUnknownPackType is returned when no registered executor handles
// packType.
type ErrUnknownPackType struct {
	PackType string
}

func (e *ErrUnknownPackType) Error() string {
	return fmt.Sprintf("executor: unknown pack type %q", e.PackType)
}

// Registry dispatches to a per-pack-type Executor, mirroring the
// original's executor registry that maps pack_type -> executor class.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// Register installs an Executor for packType.
func (r *Registry) Register(packType string, e Executor) {
	r.executors[packType] = e
}

// Execute dispatches to the registered executor for packType.
func (r *Registry) Execute(ctx context.Context, packType string, inputs json.RawMessage, timeboxSec int64) (Result, error) {
	e, ok := r.executors[packType]
	if !ok {
		return Result{}, &ErrUnknownPackType{PackType: packType}
	}
	return e.Execute(ctx, packType, inputs, timeboxSec)
}

// contentHash is a small helper stub executors use to derive
// deterministic pseudo-results from their inputs, so repeated test runs
// against the same payload are reproducible.
func contentHash(inputs json.RawMessage) string {
	sum := sha256.Sum256(inputs)
	return fmt.Sprintf("%x", sum)
}
