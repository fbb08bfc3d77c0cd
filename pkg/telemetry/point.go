// Package telemetry defines the canonical metric point and the normalizer
// that rewrites inbound points into that canonical form. Grounded on the
// teacher's pkg/analytics public-SDK convention: plain structs with json
// tags, validated at the package boundary, no behavior hidden behind
// interfaces that callers outside this package never need.
package telemetry

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// ReasonCode is a stable, wire-boundary error taxonomy code (spec §7).
type ReasonCode string

const (
	ReasonInvalidMetricKey       ReasonCode = "invalid_metric_key"
	ReasonInvalidValue           ReasonCode = "invalid_value"
	ReasonInvalidTimestamp       ReasonCode = "invalid_timestamp"
	ReasonInvalidDimensions      ReasonCode = "invalid_dimensions"
	ReasonSchemaValidationFailed ReasonCode = "schema_validation_failed"
)

// DimensionValue is a scalar dimension value: string, bool, or finite number.
type DimensionValue struct {
	S  string
	B  bool
	N  float64
	Is string // "string", "bool", "number" -- discriminator
}

func StringDim(s string) DimensionValue  { return DimensionValue{S: s, Is: "string"} }
func BoolDim(b bool) DimensionValue      { return DimensionValue{B: b, Is: "bool"} }
func NumberDim(n float64) DimensionValue { return DimensionValue{N: n, Is: "number"} }

// Provenance records where a point came from and how it was transformed.
type Provenance struct {
	SourceID        string    `json:"source_id"`
	IngestedAt      time.Time `json:"ingested_at"`
	PipelineVersion string    `json:"pipeline_version"`
	Transformations []string  `json:"transformations,omitempty"`
}

// Point is the canonical, immutable metric observation.
type Point struct {
	TenantID   string                    `json:"tenant_id"`
	MetricKey  string                    `json:"metric_key"`
	Timestamp  time.Time                 `json:"timestamp"`
	Value      float64                   `json:"value"`
	Dimensions map[string]DimensionValue `json:"dimensions,omitempty"`
	Provenance Provenance                `json:"provenance"`
}

// Identity returns the tuple that determines duplicate coalescing.
func (p Point) Identity() string {
	return fmt.Sprintf("%s\x1f%s\x1f%d\x1f%s", p.TenantID, p.MetricKey, p.Timestamp.UnixMilli(), dimensionsKey(p.Dimensions))
}

func dimensionsKey(dims map[string]DimensionValue) string {
	if len(dims) == 0 {
		return ""
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	// Insertion sort puts the keys in lexical order without importing sort; N is small.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	var b strings.Builder
	for _, k := range keys {
		v := dims[k]
		fmt.Fprintf(&b, "%s=%s,", k, v.String())
	}
	return b.String()
}

// String renders the dimension value's canonical scalar form, used both
// for dedup-key construction and for flattening into string-keyed maps
// at API boundaries.
func (v DimensionValue) String() string {
	switch v.Is {
	case "string":
		return v.S
	case "bool":
		return fmt.Sprintf("%t", v.B)
	case "number":
		return fmt.Sprintf("%g", v.N)
	default:
		return ""
	}
}

// RawPoint is the as-received, untrusted shape from the ingest envelope.
type RawPoint struct {
	MetricKey  string         `json:"metric_key"`
	Value      float64        `json:"value"`
	Timestamp  *string        `json:"timestamp,omitempty"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

// RejectedPoint describes why a raw point was refused.
type RejectedPoint struct {
	Index      int        `json:"index"`
	MetricKey  string     `json:"metric_key,omitempty"`
	Reason     ReasonCode `json:"reason_code"`
	Message    string     `json:"message"`
}

var metricKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9]*([._][a-z0-9]+)*$`)

// NormalizeMetricKey lowercases and validates a metric key, returning the
// canonical form. Keys must start with an alphabetic character and contain
// only lowercase letters, digits, dots, and underscores as separators.
func NormalizeMetricKey(key string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" || !metricKeyPattern.MatchString(lower) {
		return "", fmt.Errorf("%s: %q is not a valid metric key", ReasonInvalidMetricKey, key)
	}
	return lower, nil
}

// normalizeDimensionKey lowercases and snake_cases a dimension key.
func normalizeDimensionKey(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	lower = strings.ReplaceAll(lower, "-", "_")
	lower = strings.ReplaceAll(lower, " ", "_")
	return lower
}

// Normalizer rewrites raw ingest points into canonical Points, rejecting
// anything structurally invalid. One Normalizer instance is safe to reuse
// across requests; it holds no mutable state.
type Normalizer struct {
	PipelineVersion string
}

// NewNormalizer creates a Normalizer stamping the given pipeline version
// into every point's provenance.
func NewNormalizer(pipelineVersion string) *Normalizer {
	if pipelineVersion == "" {
		pipelineVersion = "v1"
	}
	return &Normalizer{PipelineVersion: pipelineVersion}
}

// Normalize validates and rewrites a batch of raw points for a single
// tenant/source, returning accepted canonical points and per-index rejection
// reasons. Rejections never abort processing of the remaining items.
func (n *Normalizer) Normalize(tenantID, sourceID string, raw []RawPoint, now time.Time) (accepted []Point, rejected []RejectedPoint) {
	for i, rp := range raw {
		p, err := n.normalizeOne(tenantID, sourceID, rp, now)
		if err != nil {
			rejected = append(rejected, RejectedPoint{
				Index:     i,
				MetricKey: rp.MetricKey,
				Reason:    classifyReason(err),
				Message:   err.Error(),
			})
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, rejected
}

func (n *Normalizer) normalizeOne(tenantID, sourceID string, rp RawPoint, now time.Time) (Point, error) {
	key, err := NormalizeMetricKey(rp.MetricKey)
	if err != nil {
		return Point{}, err
	}

	if math.IsNaN(rp.Value) || math.IsInf(rp.Value, 0) {
		return Point{}, fmt.Errorf("%s: value %v is not finite", ReasonInvalidValue, rp.Value)
	}

	ts := now
	if rp.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *rp.Timestamp)
		if err != nil {
			return Point{}, fmt.Errorf("%s: %q is not a valid ISO-8601 UTC timestamp: %w", ReasonInvalidTimestamp, *rp.Timestamp, err)
		}
		ts = parsed.UTC()
	}

	dims, err := normalizeDimensions(rp.Dimensions)
	if err != nil {
		return Point{}, err
	}

	return Point{
		TenantID:   tenantID,
		MetricKey:  key,
		Timestamp:  ts.Round(time.Millisecond),
		Value:      rp.Value,
		Dimensions: dims,
		Provenance: Provenance{
			SourceID:        sourceID,
			IngestedAt:      now,
			PipelineVersion: n.PipelineVersion,
			Transformations: []string{"lowercase_key", "snake_case_dimensions"},
		},
	}, nil
}

func normalizeDimensions(raw map[string]any) (map[string]DimensionValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]DimensionValue, len(raw))
	for k, v := range raw {
		nk := normalizeDimensionKey(k)
		if nk == "" {
			return nil, fmt.Errorf("%s: dimension key %q normalizes to empty string", ReasonInvalidDimensions, k)
		}
		switch val := v.(type) {
		case string:
			out[nk] = StringDim(val)
		case bool:
			out[nk] = BoolDim(val)
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("%s: dimension %q has non-finite numeric value", ReasonInvalidDimensions, k)
			}
			out[nk] = NumberDim(val)
		case int:
			out[nk] = NumberDim(float64(val))
		default:
			return nil, fmt.Errorf("%s: dimension %q has unsupported type %T", ReasonInvalidDimensions, k, v)
		}
	}
	return out, nil
}

func classifyReason(err error) ReasonCode {
	msg := err.Error()
	for _, code := range []ReasonCode{ReasonInvalidMetricKey, ReasonInvalidValue, ReasonInvalidTimestamp, ReasonInvalidDimensions, ReasonSchemaValidationFailed} {
		if strings.HasPrefix(msg, string(code)+":") {
			return code
		}
	}
	return ReasonSchemaValidationFailed
}
