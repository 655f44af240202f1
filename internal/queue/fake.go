package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeQueue is an in-memory Queue for tests — internal/admission and
// internal/worker depend on the Queue interface, never on *SQSQueue
// directly, so their tests can use this instead of a live SQS queue.
type FakeQueue struct {
	mu       sync.Mutex
	inflight map[string]Message
	pending  []Message
}

// NewFakeQueue constructs an empty FakeQueue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{inflight: map[string]Message{}}
}

func (f *FakeQueue) Enqueue(ctx context.Context, runID, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, Message{RunID: runID, TenantID: tenantID, ReceiptHandle: uuid.NewString()})
	return nil
}

func (f *FakeQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := maxMessages
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	for _, m := range out {
		f.inflight[m.ReceiptHandle] = m
	}
	return out, nil
}

func (f *FakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, receiptHandle)
	return nil
}

func (f *FakeQueue) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inflight[receiptHandle]; !ok {
		return nil
	}
	return nil
}

// Pending reports how many messages are waiting to be received — a test
// helper for asserting enqueue side effects.
func (f *FakeQueue) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
