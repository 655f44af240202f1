// Package auth authenticates inbound requests by API key: hash the
// presented key, look up the owning tenant, and reject inactive
// tenants and unknown keys identically (stealth 401) so a brute-force
// attempt learns nothing about which keys are merely disabled.
//
// Grounded on original_source's apps/api/dpp_api/auth/api_key.py
// (hash-then-lookup, constant-shape rejection) and on the teacher's
// internal/api/balance_service.go for the "authenticate first, reject
// loudly in logs but quietly over the wire" call shape — adapted from
// gRPC metadata extraction to a plain HTTP Authorization header, since
// spec.md's external interface is HTTP-only (see DESIGN.md's dropped-
// grpc-deps entry).
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnauthorized covers every authentication failure — missing header,
// malformed key, unknown hash, and inactive tenant all return this same
// error so callers can't distinguish them by type, let alone message.
var ErrUnauthorized = errors.New("auth: unauthorized")

const apiKeyPrefix = "dpp_"

// Principal is the authenticated identity behind a validated API key.
type Principal struct {
	TenantID string
	KeyID    string
}

// Authenticator validates API keys against Postgres-backed tenant/key
// records. Unlike the teacher's Redis-cached Authenticator, keys are
// looked up directly — spec.md's admission path already goes through
// Postgres for the idempotency check, so there is no hot gRPC path here
// to justify a cache tier, and an uncached lookup keeps revocation
// immediate.
type Authenticator struct {
	db  *sql.DB
	log zerolog.Logger
}

// New constructs an Authenticator.
func New(db *sql.DB, logger zerolog.Logger) *Authenticator {
	return &Authenticator{db: db, log: logger.With().Str("component", "auth").Logger()}
}

// HashKey returns the SHA-256 hex digest stored alongside each API key
// row — keys are never stored or logged in cleartext.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the bearer token in the Authorization header
// and returns the Principal it resolves to, or ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	key, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return a.ValidateKey(ctx, key)
}

// ValidateKey hashes key and resolves it to an active tenant. A key
// that hashes to no row, and a key belonging to a suspended tenant,
// both return the identical ErrUnauthorized — no distinguishing detail
// leaks which case applies.
func (a *Authenticator) ValidateKey(ctx context.Context, key string) (*Principal, error) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, ErrUnauthorized
	}

	const q = `
		SELECT k.key_id, k.tenant_id
		FROM api_keys k
		JOIN tenants t ON t.tenant_id = k.tenant_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL AND t.status = 'ACTIVE'
	`
	var p Principal
	err := a.db.QueryRowContext(ctx, q, HashKey(key)).Scan(&p.KeyID, &p.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("validate api key: %w", err)
	}
	return &p, nil
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthorized
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrUnauthorized
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
