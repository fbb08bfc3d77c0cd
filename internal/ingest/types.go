// Package ingest implements the ingest handler (C6): schema validation,
// idempotent request dedup, normalization via pkg/telemetry, chunked
// storage through internal/metricstore, dead-lettering of failures, a
// backfill loop, and dead-letter retry with capped exponential backoff.
// Grounded on the teacher's internal/pulse/handlers.go request-pipeline
// idiom: validate, look up side-state, do the work, compose a response
// that never throws to the HTTP layer.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

// ErrCode is the wire-boundary error taxonomy (spec §7).
type ErrCode string

const (
	ErrInvalidMetricKey       ErrCode = "invalid_metric_key"
	ErrInvalidValue           ErrCode = "invalid_value"
	ErrInvalidTimestamp       ErrCode = "invalid_timestamp"
	ErrInvalidDimensions      ErrCode = "invalid_dimensions"
	ErrSchemaValidationFailed ErrCode = "schema_validation_failed"
	ErrInternal               ErrCode = "internal_error"
)

// Request is the inbound ingest envelope (spec §6).
type Request struct {
	TenantID       string               `json:"tenant_id" validate:"required"`
	SourceID       string               `json:"source_id" validate:"required"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Metrics        []telemetry.RawPoint `json:"metrics" validate:"required,dive"`
}

// ItemError describes one rejected item in the response.
type ItemError struct {
	Index     int     `json:"index"`
	MetricKey string  `json:"metric_key,omitempty"`
	Code      ErrCode `json:"code"`
	Message   string  `json:"message"`
}

// Response is the outbound ingest result (spec §6).
type Response struct {
	Success    bool        `json:"success"`
	RequestID  string      `json:"request_id"`
	Accepted   int         `json:"accepted"`
	Rejected   int         `json:"rejected"`
	DurationMs int64       `json:"duration_ms"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// IdempotencyRecord is a stored response keyed by an idempotency key (spec §3).
type IdempotencyRecord struct {
	Key              string
	RequestID        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	OriginalResponse Response
}

// DeadLetterStatus is the lifecycle of a dead-letter entry.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetrying  DeadLetterStatus = "retrying"
	DeadLetterExhausted DeadLetterStatus = "exhausted"
	DeadLetterResolved  DeadLetterStatus = "resolved"
)

// DeadLetterEntry records an ingest failure for later replay (spec §3).
type DeadLetterEntry struct {
	ID              string
	OriginalRequest Request
	Error           string
	FailedAt        time.Time
	RetryCount      int
	NextRetryAt     time.Time
	Status          DeadLetterStatus
}

// canonicalRequestJSON renders a request's points in a deterministic form
// for idempotency-key derivation: encoding/json sorts map[string]any keys,
// so identical point sets always hash identically regardless of original
// field order.
func canonicalRequestJSON(points []telemetry.RawPoint) ([]byte, error) {
	return json.Marshal(points)
}
