package evaluator

import (
	"context"
	"testing"
	"time"
)

func constantForecaster(value float64) Forecaster {
	return func(ctx context.Context, train []TimestampedValue, horizon int) ([]TimestampedValue, error) {
		last := train[len(train)-1].Timestamp
		out := make([]TimestampedValue, horizon)
		for i := 0; i < horizon; i++ {
			out[i] = TimestampedValue{Timestamp: last.Add(time.Duration(i+1) * time.Minute), Value: value}
		}
		return out, nil
	}
}

func TestWalkForwardProducesExpectedFoldCount(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 50)
	for i := range values {
		values[i] = 10
	}
	series := tsSeries(start, values)

	result, err := WalkForward(context.Background(), series, BacktestConfig{Folds: 4, Horizon: 5, MinTrainSize: 20}, constantForecaster(10))
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}
	// remaining = 50-20-5 = 25, advance = 25/4 = 6: train ends 20, 26, 32, 38.
	if len(result.Folds) != 4 {
		t.Fatalf("got %d folds, want 4", len(result.Folds))
	}
	if result.Average.MAE != 0 {
		t.Fatalf("expected zero MAE for a perfect constant forecaster, got %v", result.Average.MAE)
	}
}

func TestWalkForwardRejectsImpossibleConfig(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := tsSeries(start, []float64{1, 2, 3})

	_, err := WalkForward(context.Background(), series, BacktestConfig{Folds: 3, Horizon: 5, MinTrainSize: 10}, constantForecaster(1))
	if err == nil {
		t.Fatal("expected an error when series is too short for the configured folds/horizon/min train size")
	}
}

func TestGenerateSeriesAppliesTrendAndSeasonality(t *testing.T) {
	cfg := BenchmarkConfig{
		Length:            48,
		Start:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:          time.Hour,
		Baseline:          100,
		TrendPerStep:      1,
		SeasonalPeriod:    24,
		SeasonalAmplitude: 10,
	}
	series := GenerateSeries(cfg)
	if len(series.Points) != 48 {
		t.Fatalf("got %d points, want 48", len(series.Points))
	}
	if series.Points[47].Value <= series.Points[0].Value {
		t.Fatalf("expected upward trend over 48 steps, got start=%v end=%v", series.Points[0].Value, series.Points[47].Value)
	}
}

func TestGenerateLevelShiftBenchmarkLabelsMidpoint(t *testing.T) {
	cfg := BenchmarkConfig{
		Length:   20,
		Start:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval: time.Minute,
		Baseline: 50,
	}
	series := GenerateLevelShiftBenchmark(cfg, 30)

	mid := cfg.Length / 2
	for i, l := range series.Labels {
		if l.IsAnomaly != (i == mid) {
			t.Fatalf("label[%d].IsAnomaly = %v, want %v", i, l.IsAnomaly, i == mid)
		}
	}
	if series.Points[mid].Value-series.Points[mid-1].Value < 20 {
		t.Fatalf("expected a level shift of roughly 30 at the midpoint, got delta=%v", series.Points[mid].Value-series.Points[mid-1].Value)
	}
}

func TestGenerateAnomalyBenchmarkInjectsLabeledOutliers(t *testing.T) {
	cfg := BenchmarkConfig{
		Length:      30,
		Start:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:    time.Minute,
		Baseline:    10,
		NoiseStdDev: 1,
	}
	series := GenerateAnomalyBenchmark(cfg, 0.1, 5, func(i int) bool { return i == 10 || i == 20 })

	count := 0
	for i, l := range series.Labels {
		if l.IsAnomaly {
			count++
			if i != 10 && i != 20 {
				t.Fatalf("unexpected anomaly label at index %d", i)
			}
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 labeled anomalies, got %d", count)
	}
}
