// Package problem encodes HTTP error responses as RFC 9457 Problem
// Details (application/problem+json), the uniform error body spec.md §7
// requires across every endpoint.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Details is an RFC 9457 problem object. Type defaults to "about:blank"
// when empty, per the RFC.
type Details struct {
	Type       string `json:"type,omitempty"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Write serializes d as application/problem+json and sets the HTTP status
// line to match d.Status.
func Write(w http.ResponseWriter, d *Details) {
	if d.Status == 0 {
		d.Status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/problem+json")
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}

// NotFound returns a stealth 404: identical whether the resource never
// existed or belongs to another tenant, per spec.md's cross-tenant
// information-leakage rule.
func NotFound(instance string) *Details {
	return &Details{
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   "the requested resource does not exist",
		Instance: instance,
	}
}

// Unauthorized returns a stealth 401: identical whether the API key is
// missing, malformed, unknown, or belongs to an inactive tenant.
func Unauthorized() *Details {
	return &Details{
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: "missing or invalid credentials",
	}
}

// BadRequest reports a client error with a specific machine-readable code.
func BadRequest(errorCode, detail string) *Details {
	return &Details{
		Title:     "Bad Request",
		Status:    http.StatusBadRequest,
		Detail:    detail,
		ErrorCode: errorCode,
	}
}

// PaymentRequired reports a plan-limit violation (e.g. pack max cost
// exceeding the tenant's plan ceiling), grounded on original_source's
// PlanViolationError(402).
func PaymentRequired(errorCode, detail string) *Details {
	return &Details{
		Title:     "Payment Required",
		Status:    http.StatusPaymentRequired,
		Detail:    detail,
		ErrorCode: errorCode,
	}
}

// Conflict reports an idempotency-key payload mismatch or a concurrent
// mutation that lost a compare-and-swap race.
func Conflict(errorCode, detail string) *Details {
	return &Details{
		Title:     "Conflict",
		Status:    http.StatusConflict,
		Detail:    detail,
		ErrorCode: errorCode,
	}
}

// TooManyRequests reports a rate-limit rejection, with the number of
// seconds the client should wait before retrying.
func TooManyRequests(retryAfterSeconds int) *Details {
	return &Details{
		Title:      "Too Many Requests",
		Status:     http.StatusTooManyRequests,
		Detail:     "rate limit exceeded",
		RetryAfter: retryAfterSeconds,
	}
}

// Internal reports an unexpected server error without leaking internals.
func Internal() *Details {
	return &Details{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "an unexpected error occurred",
	}
}
