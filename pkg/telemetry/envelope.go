package telemetry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope is the wire shape of an ingest request (spec §6). Struct tags
// drive go-playground/validator's schema-shape check; semantic checks that a
// generic validator cannot express (finite values, canonical metric-key
// form, snake_case dimension keys) are layered on top by Normalizer.
type Envelope struct {
	TenantID       string            `json:"tenant_id" validate:"required"`
	SourceID       string            `json:"source_id" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metrics        []RawPointPayload `json:"metrics" validate:"required,min=1,dive"`
}

// RawPointPayload is the validator-facing shape of a single ingest item.
type RawPointPayload struct {
	MetricKey  string         `json:"metric_key" validate:"required"`
	Value      float64        `json:"value" validate:"required"`
	Timestamp  *string        `json:"timestamp,omitempty"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

func (p RawPointPayload) toRawPoint() RawPoint {
	return RawPoint{
		MetricKey:  p.MetricKey,
		Value:      p.Value,
		Timestamp:  p.Timestamp,
		Dimensions: p.Dimensions,
		Tags:       p.Tags,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEnvelope runs schema-shape validation on the envelope. A non-nil
// error means the envelope is entirely invalid and the caller should respond
// immediately per spec §4.6 step 1, without attempting per-item processing.
func ValidateEnvelope(e *Envelope) error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%s: %w", ReasonSchemaValidationFailed, err)
	}
	return nil
}

// RawPoints converts the envelope's validated payload items into RawPoint
// values for the Normalizer.
func (e *Envelope) RawPoints() []RawPoint {
	out := make([]RawPoint, len(e.Metrics))
	for i, m := range e.Metrics {
		out[i] = m.toRawPoint()
	}
	return out
}
