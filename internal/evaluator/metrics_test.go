package evaluator

import (
	"math"
	"testing"
	"time"
)

func tsSeries(start time.Time, values []float64) []TimestampedValue {
	out := make([]TimestampedValue, len(values))
	for i, v := range values {
		out[i] = TimestampedValue{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func TestComputeForecastMetricsPerfectPrediction(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	actual := tsSeries(start, []float64{1, 2, 3, 4})
	predicted := tsSeries(start, []float64{1, 2, 3, 4})

	m := ComputeForecastMetrics(actual, predicted, nil, nil)
	if m.MAE != 0 || m.MSE != 0 || m.RMSE != 0 {
		t.Fatalf("expected zero error metrics, got %+v", m)
	}
	if m.RSquared != 1 {
		t.Fatalf("expected R^2 = 1 for perfect prediction, got %v", m.RSquared)
	}
}

func TestComputeForecastMetricsMAPESkipsZeroActuals(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	actual := tsSeries(start, []float64{0, 10, 20})
	predicted := tsSeries(start, []float64{5, 11, 22})

	m := ComputeForecastMetrics(actual, predicted, nil, nil)
	want := ((1.0/10 + 2.0/20) / 2) * 100
	if math.Abs(m.MAPE-want) > 0.001 {
		t.Fatalf("MAPE = %v, want %v", m.MAPE, want)
	}
}

func TestIntervalCoverage(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	actual := tsSeries(start, []float64{10, 20, 30})
	intervals := []TimestampedInterval{
		{Timestamp: start, Lower: 9, Upper: 11},
		{Timestamp: start.Add(time.Minute), Lower: 25, Upper: 35}, // misses 20
		{Timestamp: start.Add(2 * time.Minute), Lower: 29, Upper: 31},
	}
	got := coverage(actual, intervals)
	want := 2.0 / 3.0
	if math.Abs(got-want) > 0.001 {
		t.Fatalf("coverage = %v, want %v", got, want)
	}
}

func TestComputeAnomalyMetricsExactMatch(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	truth := []LabeledAnomaly{
		{Timestamp: start, IsAnomaly: false},
		{Timestamp: start.Add(time.Minute), IsAnomaly: true},
		{Timestamp: start.Add(2 * time.Minute), IsAnomaly: false},
	}
	predicted := []time.Time{start.Add(time.Minute)}

	m := ComputeAnomalyMetrics(truth, predicted, time.Second)
	if m.Precision != 1 || m.Recall != 1 || m.F1 != 1 {
		t.Fatalf("expected perfect precision/recall/f1, got %+v", m)
	}
}

func TestComputeAnomalyMetricsToleranceWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	truth := []LabeledAnomaly{
		{Timestamp: start.Add(5 * time.Minute), IsAnomaly: true},
	}
	predicted := []time.Time{start.Add(6 * time.Minute)}

	m := ComputeAnomalyMetrics(truth, predicted, time.Minute)
	if m.Recall != 1 {
		t.Fatalf("expected the 1-point-off prediction to match within tolerance, got recall=%v", m.Recall)
	}

	m2 := ComputeAnomalyMetrics(truth, predicted, 30*time.Second)
	if m2.Recall != 0 {
		t.Fatalf("expected the prediction to miss outside tolerance, got recall=%v", m2.Recall)
	}
}

func TestComputeAnomalyMetricsFalsePositive(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	truth := []LabeledAnomaly{
		{Timestamp: start, IsAnomaly: false},
	}
	predicted := []time.Time{start.Add(10 * time.Minute)}

	m := ComputeAnomalyMetrics(truth, predicted, time.Minute)
	if m.Precision != 0 {
		t.Fatalf("expected precision 0 for an unmatched false positive, got %v", m.Precision)
	}
}
