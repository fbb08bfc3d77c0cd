package holtwinters

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/forecast"
)

func TestTrackerInitializesAfterOneSeason(t *testing.T) {
	tr := NewTracker(0.3, 0.1, 0, 1)
	if tr.IsInitialized() {
		t.Fatal("tracker should not be initialized before any update")
	}
	tr.Update(10)
	if !tr.IsInitialized() {
		t.Fatal("non-seasonal tracker (seasonLen=1) should initialize on first update")
	}
}

func TestTrackerTracksLevelForConstantSeries(t *testing.T) {
	tr := NewTracker(0.5, 0.1, 0, 1)
	for i := 0; i < 20; i++ {
		tr.Update(100)
	}
	if math.Abs(tr.Predict(1)-100) > 0.01 {
		t.Fatalf("Predict(1) = %v, want ~100", tr.Predict(1))
	}
}

func TestBackendRejectsInsufficientData(t *testing.T) {
	b := New()
	_, err := b.Forecast(context.Background(), forecast.Request{
		Series: []forecast.SeriesPoint{{Timestamp: time.Now(), Value: 1}},
	})
	if !errors.Is(err, forecast.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestBackendForecastsTrendingSeries(t *testing.T) {
	b := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make([]forecast.SeriesPoint, 0, 40)
	for i := 0; i < 40; i++ {
		series = append(series, forecast.SeriesPoint{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     10 + float64(i)*0.5,
		})
	}

	result, err := b.Forecast(context.Background(), forecast.Request{
		Series:      series,
		Horizon:     5,
		Confidences: []string{"080", "095"},
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(result.Predictions) != 5 {
		t.Fatalf("got %d predictions, want 5", len(result.Predictions))
	}
	if result.ModelInfo.TrainingMetrics["alpha"] == 0 {
		t.Fatal("expected alpha to be set in training metrics")
	}
}

func TestIntervalWidthNondecreasingWithConfidence(t *testing.T) {
	b := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make([]forecast.SeriesPoint, 0, 30)
	for i := 0; i < 30; i++ {
		series = append(series, forecast.SeriesPoint{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Value:     50 + math.Mod(float64(i), 3),
		})
	}

	result, err := b.Forecast(context.Background(), forecast.Request{
		Series:      series,
		Horizon:     3,
		Confidences: []string{"080", "095"},
	})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}

	for _, pred := range result.Predictions {
		w80 := pred.Intervals["080"].Upper - pred.Intervals["080"].Lower
		w95 := pred.Intervals["095"].Upper - pred.Intervals["095"].Lower
		if w80 > w95 {
			t.Fatalf("80%% interval (%v) wider than 95%% interval (%v)", w80, w95)
		}
	}
}

func TestSeasonalPeriodDetection(t *testing.T) {
	values := make([]float64, 96)
	for i := range values {
		values[i] = 10 + 5*math.Sin(2*math.Pi*float64(i)/24) + 0.01*float64(i%3)
	}
	period, strength := detectSeasonalPeriod(values)
	if period != 24 {
		t.Fatalf("detected period = %d, want 24", period)
	}
	if strength < 0.3 {
		t.Fatalf("strength = %v, want >= 0.3", strength)
	}
}

func TestMAPESkipsZeroActuals(t *testing.T) {
	actual := []float64{0, 10, 20}
	predicted := []float64{5, 11, 22}
	got := mape(actual, predicted)
	want := ((1.0/10 + 2.0/20) / 2) * 100
	if math.Abs(got-want) > 0.001 {
		t.Fatalf("mape = %v, want %v", got, want)
	}
}
