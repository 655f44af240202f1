// Package objectstore abstracts result-artifact storage behind a small
// interface so internal/worker and internal/httpapi depend on behavior,
// not on S3 directly.
//
// Grounded on original_source's apps/api/dpp_api/storage/s3_client.py
// (put_object / presigned GET), adapted to the aws-sdk-go-v2 s3/manager
// uploader the way the rest of the pack's S3-using repos do.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

// PutResult carries the content address of a stored artifact.
type PutResult struct {
	Bucket string
	Key    string
	SHA256 string
	Size   int64
}

// Store is the narrow surface result persistence needs.
type Store interface {
	// Put uploads body under key, returning its SHA-256 for the run's
	// result_sha256 integrity field.
	Put(ctx context.Context, key string, body io.Reader) (PutResult, error)

	// PresignGet returns a time-limited URL a client can use to
	// download the artifact directly, without proxying bytes through
	// the API.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Exists reports whether key was ever successfully stored — the
	// Reconciler's Case A artifact check (spec.md §4.7) dispatches on
	// exactly this to decide roll-forward vs. roll-back.
	Exists(ctx context.Context, key string) (bool, error)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
