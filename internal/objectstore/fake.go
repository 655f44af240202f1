package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeStore is an in-memory Store for tests.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	bucket  string
}

// NewFakeStore constructs an empty FakeStore.
func NewFakeStore(bucket string) *FakeStore {
	return &FakeStore{objects: map[string][]byte{}, bucket: bucket}
}

func (f *FakeStore) Put(ctx context.Context, key string, body io.Reader) (PutResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return PutResult{}, err
	}
	f.mu.Lock()
	f.objects[key] = raw
	f.mu.Unlock()

	return PutResult{Bucket: f.bucket, Key: key, SHA256: sha256Hex(raw), Size: int64(len(raw))}, nil
}

func (f *FakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *FakeStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	_, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("objectstore: fake key %q not found", key)
	}
	return fmt.Sprintf("https://fake-presigned.example/%s/%s?ttl=%s", f.bucket, key, ttl), nil
}

// Get is a test helper exposing stored bytes directly.
func (f *FakeStore) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(raw), true
}
