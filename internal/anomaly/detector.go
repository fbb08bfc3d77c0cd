// Package anomaly implements the ensemble anomaly detector (spec §4.10):
// statistical, isolation, and local-forecast scores combined by weight into
// a single anomaly score per point, with severity banding and type
// classification. The statistical leg is adapted from the teacher's
// internal/insight/anomaly/zscore.go; the change-point leg from cusum.go
// informs trend_change/level_shift classification. The isolation and
// local-forecast legs are new per spec §4.10.
package anomaly

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// ErrInsufficientData is returned when fewer than 5 points are supplied
// (spec §4.10, §8).
var ErrInsufficientData = errors.New("insufficient_data")

// Severity levels for detected anomalies, ordered low to high.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Type classifies the shape of the anomaly.
type Type string

const (
	TypePoint       Type = "point"
	TypeCollective  Type = "collective"
	TypeTrendChange Type = "trend_change"
	TypeLevelShift  Type = "level_shift"
)

// Point is a minimal (timestamp, value) sample.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Anomaly is one detected anomalous point.
type Anomaly struct {
	Index       int
	Timestamp   time.Time
	Observed    float64
	Expected    float64
	Score       float64
	Severity    Severity
	Type        Type
	Description string
}

// Config parameterizes the ensemble (spec §4.10 defaults).
type Config struct {
	StatisticalWeight  float64
	IsolationWeight    float64
	LocalForecastWeight float64
	BaseThreshold      float64
	Sensitivity        float64
	ContextWindow      int
}

// DefaultConfig returns spec.md §4.10's defaults.
func DefaultConfig() Config {
	return Config{
		StatisticalWeight:   0.4,
		IsolationWeight:     0.3,
		LocalForecastWeight: 0.3,
		BaseThreshold:       0.7,
		Sensitivity:         0.5,
		ContextWindow:       5,
	}
}

// Detector runs the ensemble anomaly detection pipeline over a series.
type Detector struct {
	cfg Config
}

// New creates a Detector. Zero-value fields in cfg fall back to
// DefaultConfig's values.
func New(cfg Config) *Detector {
	d := DefaultConfig()
	if cfg.StatisticalWeight != 0 {
		d.StatisticalWeight = cfg.StatisticalWeight
	}
	if cfg.IsolationWeight != 0 {
		d.IsolationWeight = cfg.IsolationWeight
	}
	if cfg.LocalForecastWeight != 0 {
		d.LocalForecastWeight = cfg.LocalForecastWeight
	}
	if cfg.BaseThreshold != 0 {
		d.BaseThreshold = cfg.BaseThreshold
	}
	if cfg.Sensitivity != 0 {
		d.Sensitivity = cfg.Sensitivity
	}
	if cfg.ContextWindow != 0 {
		d.ContextWindow = cfg.ContextWindow
	}
	return &Detector{cfg: d}
}

func (d *Detector) threshold() float64 {
	return d.cfg.BaseThreshold - (d.cfg.Sensitivity-0.5)*0.3
}

// Detect scores every point in points and returns the anomalies that clear
// the sensitivity-adjusted threshold. Requires at least 5 points.
func (d *Detector) Detect(ctx context.Context, points []Point) ([]Anomaly, error) {
	if len(points) < 5 {
		return nil, ErrInsufficientData
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	mean, stdDev := meanStdDev(values)
	q1, q3 := quartiles(values)
	iqr := q3 - q1

	threshold := d.threshold()
	var anomalies []Anomaly

	for i, p := range points {
		statScore := statisticalScore(values[i], mean, stdDev, q1, q3, iqr)
		isoScore := isolationScore(values, i, d.cfg.ContextWindow*2)
		lfScore := localForecastScore(values, i, d.cfg.ContextWindow)

		combined := d.cfg.StatisticalWeight*statScore + d.cfg.IsolationWeight*isoScore + d.cfg.LocalForecastWeight*lfScore
		if combined < threshold {
			continue
		}

		anomalies = append(anomalies, Anomaly{
			Index:     i,
			Timestamp: p.Timestamp,
			Observed:  p.Value,
			Expected:  mean,
			Score:     combined,
			Severity:  severityFor(combined),
			Type:      classifyType(values, i, combined, stdDev),
		})
	}

	return anomalies, nil
}

func severityFor(score float64) Severity {
	switch {
	case score >= 0.95:
		return SeverityCritical
	case score >= 0.85:
		return SeverityHigh
	case score >= 0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func meanStdDev(values []float64) (mean, stdDev float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stdDev = math.Sqrt(sq / n)
	return mean, stdDev
}

func quartiles(values []float64) (q1, q3 float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 = percentile(sorted, 0.25)
	q3 = percentile(sorted, 0.75)
	return q1, q3
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// statisticalScore is the max of normalized z-score (clipped at z=4->1) and
// the Tukey-fence IQR distance.
func statisticalScore(value, mean, stdDev, q1, q3, iqr float64) float64 {
	var zScore float64
	if stdDev > 0 {
		z := math.Abs((value - mean) / stdDev)
		zScore = math.Min(z/4, 1)
	}

	var iqrScore float64
	if iqr > 0 {
		lowerFence := q1 - 1.5*iqr
		upperFence := q3 + 1.5*iqr
		switch {
		case value < lowerFence:
			iqrScore = math.Min((lowerFence-value)/iqr, 1)
		case value > upperFence:
			iqrScore = math.Min((value-upperFence)/iqr, 1)
		}
	}

	return math.Max(zScore, iqrScore)
}

// isolationScore normalizes the average and minimum distance from a local
// window (up to windowSize points on each side of i) by the data's range.
func isolationScore(values []float64, i, windowSize int) float64 {
	lo := i - windowSize
	if lo < 0 {
		lo = 0
	}
	hi := i + windowSize
	if hi >= len(values) {
		hi = len(values) - 1
	}

	dataMin, dataMax := values[0], values[0]
	for _, v := range values {
		dataMin = math.Min(dataMin, v)
		dataMax = math.Max(dataMax, v)
	}
	dataRange := dataMax - dataMin
	if dataRange == 0 {
		return 0
	}

	var sumDist float64
	minDist := math.Inf(1)
	count := 0
	for j := lo; j <= hi; j++ {
		if j == i {
			continue
		}
		dist := math.Abs(values[i] - values[j])
		sumDist += dist
		minDist = math.Min(minDist, dist)
		count++
	}
	if count == 0 {
		return 0
	}
	avgDist := sumDist / float64(count)
	normalizedAvg := math.Min(avgDist/dataRange, 1)
	normalizedMin := math.Min(minDist/dataRange, 1)
	return (normalizedAvg + normalizedMin) / 2
}

// localForecastScore is the residual of a one-step exponential-smoothing
// prediction from the last <=5 points, normalized by local std dev
// (clipped at 3->1).
func localForecastScore(values []float64, i, window int) float64 {
	lo := i - window
	if lo < 0 {
		lo = 0
	}
	if i == lo {
		return 0
	}
	history := values[lo:i]
	if len(history) == 0 {
		return 0
	}

	const alpha = 0.5
	pred := history[0]
	for _, v := range history[1:] {
		pred = alpha*v + (1-alpha)*pred
	}

	_, localStd := meanStdDev(history)
	if localStd == 0 {
		return 0
	}
	residual := math.Abs(values[i] - pred)
	return math.Min(residual/localStd/3, 1)
}

// classifyType inspects the surrounding window to distinguish point,
// collective, trend_change, and level_shift anomalies (spec §4.10).
func classifyType(values []float64, i int, score, stdDev float64) Type {
	if isLevelShift(values, i, stdDev) {
		return TypeLevelShift
	}
	if isTrendChange(values, i, stdDev) {
		return TypeTrendChange
	}
	if isCollective(values, i, score, stdDev) {
		return TypeCollective
	}
	return TypePoint
}

func isCollective(values []float64, i int, score, stdDev float64) bool {
	count := 0
	for j := i - 2; j <= i+2; j++ {
		if j < 0 || j >= len(values) || j == i {
			continue
		}
		mean, sd := meanStdDev(values)
		if sd == 0 {
			continue
		}
		z := math.Abs((values[j] - mean) / sd)
		if z >= 2 { // "high-scoring" proxy: beyond 2 std devs
			count++
		}
	}
	return count >= 3
}

func isTrendChange(values []float64, i int, stdDev float64) bool {
	const window = 3
	before := slope(values, i-window, i)
	after := slope(values, i, i+window)
	if math.IsNaN(before) || math.IsNaN(after) {
		return false
	}
	signFlip := (before > 0 && after < 0) || (before < 0 && after > 0)
	magnitude := math.Abs(after - before)
	return signFlip && magnitude > stdDev
}

func slope(values []float64, from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(values) {
		to = len(values)
	}
	segment := values[from:to]
	if len(segment) < 2 {
		return math.NaN()
	}
	n := float64(len(segment))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range segment {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func isLevelShift(values []float64, i int, stdDev float64) bool {
	if stdDev == 0 {
		return false
	}
	beforeLo := i - 5
	if beforeLo < 0 {
		beforeLo = 0
	}
	before := values[beforeLo:i]
	afterHi := i + 3
	if afterHi > len(values) {
		afterHi = len(values)
	}
	after := values[i:afterHi]
	if len(before) == 0 || len(after) == 0 {
		return false
	}
	beforeMean, _ := meanStdDev(before)
	afterMean, _ := meanStdDev(after)
	return math.Abs(afterMean-beforeMean) > 2*stdDev
}
