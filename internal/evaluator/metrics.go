// Package evaluator implements forecast/anomaly accuracy metrics and the
// walk-forward backtester (spec §4.11). R² and the least-squares helpers are
// adapted from the teacher's internal/insight/forecast/regression.go; the
// walk-forward loop and synthetic benchmark generators are new.
package evaluator

import (
	"math"
	"time"
)

// ForecastMetrics summarizes forecast accuracy over a pair of series
// (spec §4.11: "Pair by timestamp only").
type ForecastMetrics struct {
	MAE               float64
	MSE               float64
	RMSE              float64
	MAPE              float64
	SMAPE             float64
	RSquared          float64
	IntervalCoverage80 float64
	IntervalCoverage95 float64
}

// TimestampedValue pairs a timestamp with a scalar value.
type TimestampedValue struct {
	Timestamp time.Time
	Value     float64
}

// TimestampedInterval pairs a timestamp with a prediction interval.
type TimestampedInterval struct {
	Timestamp  time.Time
	Lower, Upper float64
}

// pairByTimestamp joins actual and predicted series on exact timestamp
// match, discarding anything that doesn't line up on both sides.
func pairByTimestamp(actual, predicted []TimestampedValue) (a, p []float64) {
	predByTS := make(map[int64]float64, len(predicted))
	for _, v := range predicted {
		predByTS[v.Timestamp.UnixMilli()] = v.Value
	}
	for _, v := range actual {
		if pv, ok := predByTS[v.Timestamp.UnixMilli()]; ok {
			a = append(a, v.Value)
			p = append(p, pv)
		}
	}
	return a, p
}

// ComputeForecastMetrics computes MAE/MSE/RMSE/MAPE/SMAPE/R² and interval
// coverage at 80/95 over the timestamp-paired subset of actual and
// predicted.
func ComputeForecastMetrics(actual, predicted []TimestampedValue, intervals80, intervals95 []TimestampedInterval) ForecastMetrics {
	a, p := pairByTimestamp(actual, predicted)
	if len(a) == 0 {
		return ForecastMetrics{}
	}

	var sumAbs, sumSq float64
	for i := range a {
		diff := a[i] - p[i]
		sumAbs += math.Abs(diff)
		sumSq += diff * diff
	}
	n := float64(len(a))
	mae := sumAbs / n
	mse := sumSq / n
	rmse := math.Sqrt(mse)

	mape := mapeSkipZeros(a, p)
	smape := smape(a, p)
	r2 := rSquared(a, p)

	return ForecastMetrics{
		MAE:                mae,
		MSE:                mse,
		RMSE:               rmse,
		MAPE:               mape,
		SMAPE:              smape,
		RSquared:           r2,
		IntervalCoverage80: coverage(actual, intervals80),
		IntervalCoverage95: coverage(actual, intervals95),
	}
}

func mapeSkipZeros(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i := range actual {
		if actual[i] == 0 {
			continue
		}
		sum += math.Abs((actual[i] - predicted[i]) / actual[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return (sum / float64(n)) * 100
}

func smape(actual, predicted []float64) float64 {
	var sum float64
	var n int
	for i := range actual {
		denom := math.Abs(actual[i]) + math.Abs(predicted[i])
		if denom == 0 {
			continue
		}
		sum += math.Abs(actual[i]-predicted[i]) / denom
		n++
	}
	if n == 0 {
		return 0
	}
	return (sum / float64(n)) * 200
}

// rSquared computes the coefficient of determination between actual and
// predicted, adapted from the teacher's LinearRegression R² computation.
func rSquared(actual, predicted []float64) float64 {
	n := float64(len(actual))
	if n == 0 {
		return 0
	}
	var meanActual float64
	for _, v := range actual {
		meanActual += v
	}
	meanActual /= n

	var ssRes, ssTot float64
	for i := range actual {
		ssRes += (actual[i] - predicted[i]) * (actual[i] - predicted[i])
		ssTot += (actual[i] - meanActual) * (actual[i] - meanActual)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func coverage(actual []TimestampedValue, intervals []TimestampedInterval) float64 {
	if len(intervals) == 0 {
		return 0
	}
	byTS := make(map[int64]float64, len(actual))
	for _, v := range actual {
		byTS[v.Timestamp.UnixMilli()] = v.Value
	}
	var covered, total int
	for _, iv := range intervals {
		av, ok := byTS[iv.Timestamp.UnixMilli()]
		if !ok {
			continue
		}
		total++
		if av >= iv.Lower && av <= iv.Upper {
			covered++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(covered) / float64(total)
}

// LabeledAnomaly pairs a timestamp with whether it's a true anomaly.
type LabeledAnomaly struct {
	Timestamp time.Time
	IsAnomaly bool
}

// AnomalyMetrics summarizes detector accuracy against ground truth.
type AnomalyMetrics struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

// ComputeAnomalyMetrics scores predicted anomaly timestamps against ground
// truth labels, tolerating a timestamp window of tolerance (one minute when
// tolerance <= 0) on either side of each label.
func ComputeAnomalyMetrics(truth []LabeledAnomaly, predictedTimestamps []time.Time, tolerance time.Duration) AnomalyMetrics {
	if tolerance <= 0 {
		tolerance = time.Minute
	}

	predicted := make([]time.Time, len(predictedTimestamps))
	copy(predicted, predictedTimestamps)
	matchedPredicted := make([]bool, len(predicted))

	var tp, fn int
	for _, truthPoint := range truth {
		if !truthPoint.IsAnomaly {
			continue
		}
		matched := false
		for i, pt := range predicted {
			if matchedPredicted[i] {
				continue
			}
			if absDuration(pt.Sub(truthPoint.Timestamp)) <= tolerance {
				matchedPredicted[i] = true
				matched = true
				break
			}
		}
		if matched {
			tp++
		} else {
			fn++
		}
	}

	fp := 0
	for _, m := range matchedPredicted {
		if !m {
			fp++
		}
	}

	tn := len(truth) - tp - fn
	if tn < 0 {
		tn = 0
	}

	var precision, recall, f1 float64
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	total := tp + fp + fn + tn
	var accuracy float64
	if total > 0 {
		accuracy = float64(tp+tn) / float64(total)
	}

	return AnomalyMetrics{Precision: precision, Recall: recall, F1: f1, Accuracy: accuracy}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
