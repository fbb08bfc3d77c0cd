package forecast

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidConfidenceKey is returned by ParseConfidenceKey for any form
// other than the normalized three-character key (spec.md §9 Open Question:
// the source mixes "0.80", "95", etc. inconsistently; SentryPulse picks one
// form and rejects the rest rather than silently accepting both).
var ErrInvalidConfidenceKey = errors.New("invalid confidence key")

// FormatConfidenceKey renders a confidence level in (0, 1) as a
// three-character key: the confidence as a percentage, zero-padded,
// e.g. 0.80 -> "080", 0.95 -> "095". Confidence must be representable at
// whole-percent precision.
func FormatConfidenceKey(confidence float64) (string, error) {
	if confidence <= 0 || confidence >= 1 {
		return "", fmt.Errorf("%w: confidence %v out of range (0,1)", ErrInvalidConfidenceKey, confidence)
	}
	percent := confidence * 100
	rounded := int(percent + 0.5)
	if float64(rounded) != percent {
		return "", fmt.Errorf("%w: confidence %v is not representable at whole-percent precision", ErrInvalidConfidenceKey, confidence)
	}
	return fmt.Sprintf("%03d", rounded), nil
}

// ParseConfidenceKey validates and converts a three-character confidence key
// back into a float in (0, 1). Rejects any other form ("0.80", "80", "95").
func ParseConfidenceKey(key string) (float64, error) {
	if len(key) != 3 {
		return 0, fmt.Errorf("%w: %q must be exactly 3 characters", ErrInvalidConfidenceKey, key)
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("%w: %q must be all digits", ErrInvalidConfidenceKey, key)
	}
	confidence := float64(n) / 100.0
	if confidence <= 0 || confidence >= 1 {
		return 0, fmt.Errorf("%w: %q decodes to out-of-range confidence %v", ErrInvalidConfidenceKey, key, confidence)
	}
	return confidence, nil
}
