package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubExecutorAppliesCostFloor(t *testing.T) {
	exec := NewStubExecutor(1, 5_000)
	result, err := exec.Execute(context.Background(), "decision", json.RawMessage(`{}`), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), result.ActualCostUSDMicros)
}

func TestStubExecutorScalesWithInputSize(t *testing.T) {
	exec := NewStubExecutor(100, 0)
	inputs := json.RawMessage(`{"field":"0123456789"}`)
	result, err := exec.Execute(context.Background(), "decision", inputs, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(len(inputs))*100, result.ActualCostUSDMicros)
}

func TestStubExecutorRejectsInvalidJSON(t *testing.T) {
	exec := NewStubExecutor(1, 0)
	_, err := exec.Execute(context.Background(), "decision", json.RawMessage(`not json`), 30)
	assert.Error(t, err)
}

func TestStubExecutorDeterministicForSameInput(t *testing.T) {
	exec := NewStubExecutor(1, 0)
	inputs := json.RawMessage(`{"a":1}`)
	r1, err := exec.Execute(context.Background(), "decision", inputs, 30)
	require.NoError(t, err)
	r2, err := exec.Execute(context.Background(), "decision", inputs, 30)
	require.NoError(t, err)
	assert.JSONEq(t, string(r1.Output), string(r2.Output))
}

func TestRegistryDispatchesToRegisteredExecutor(t *testing.T) {
	reg := NewRegistry()
	reg.Register("decision", NewStubExecutor(1, 0))

	_, err := reg.Execute(context.Background(), "decision", json.RawMessage(`{}`), 30)
	require.NoError(t, err)

	_, err = reg.Execute(context.Background(), "unregistered", json.RawMessage(`{}`), 30)
	var unknownErr *ErrUnknownPackType
	require.ErrorAs(t, err, &unknownErr)
}
