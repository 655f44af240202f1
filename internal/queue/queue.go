// Package queue abstracts the async run-admission queue behind a small
// interface so internal/admission and internal/worker depend on
// behavior, not on SQS directly, and can be tested with a fake.
//
// Grounded on original_source's
// apps/api/dpp_api/queue/sqs_client.py /
// apps/worker/dpp_worker/loops/sqs_loop.py (send/receive/delete/extend-
// visibility), generalized into a Go interface the way this module's
// internal/ledger.Backend narrows the Redis client to only what's called.
package queue

import (
	"context"
	"time"
)

// Message is one dequeued item; ReceiptHandle is opaque to callers and
// must be passed back to Delete/ExtendVisibility.
type Message struct {
	RunID         string
	TenantID      string
	ReceiptHandle string
}

// Queue is the narrow surface the Worker and Admission need.
type Queue interface {
	// Enqueue publishes a run for processing.
	Enqueue(ctx context.Context, runID, tenantID string) error

	// Receive long-polls for up to maxMessages run admissions.
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error)

	// Delete acknowledges successful processing, removing the message
	// from the queue permanently.
	Delete(ctx context.Context, receiptHandle string) error

	// ExtendVisibility pushes back the in-flight visibility timeout,
	// the SQS-side analogue of RunStore's lease — called every
	// heartbeat tick so a long-running pack doesn't get redelivered to
	// a second worker while still legitimately in progress.
	ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}
