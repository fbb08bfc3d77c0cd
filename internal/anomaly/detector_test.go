package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"
)

func points(values []float64) []Point {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Point, len(values))
	for i, v := range values {
		out[i] = Point{Timestamp: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func TestDetectRequiresMinimumPoints(t *testing.T) {
	d := New(DefaultConfig())
	_, err := d.Detect(context.Background(), points([]float64{1, 2, 3}))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestDetectFindsLevelShift(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		if i < 50 {
			values[i] = 50
		} else {
			values[i] = 80
		}
	}
	d := New(Config{Sensitivity: 0.7})
	anomalies, err := d.Detect(context.Background(), points(values))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	found := false
	for _, a := range anomalies {
		if a.Index == 50 && a.Type == TypeLevelShift {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a level_shift anomaly at index 50, got %+v", anomalies)
	}
}

func TestSeverityBandsAreDeterministic(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0.96, SeverityCritical},
		{0.90, SeverityHigh},
		{0.80, SeverityMedium},
		{0.50, SeverityLow},
	}
	for _, tc := range cases {
		if got := severityFor(tc.score); got != tc.want {
			t.Errorf("severityFor(%v) = %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestStableSeriesProducesNoAnomalies(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 10
	}
	d := New(DefaultConfig())
	anomalies, err := d.Detect(context.Background(), points(values))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies on a flat series, got %d", len(anomalies))
	}
}
