// Package rules implements the alert rules engine (spec §4.12):
// register/unregister/list/load and per-context evaluation against the
// five closed condition variants. Dispatch-by-condition-kind mirrors the
// teacher's internal/insight/plugin.go processing pipeline; trapping
// per-rule evaluation panics into a matched=false result follows the
// teacher's alerter.go posture of never propagating a failure from one
// alert's evaluation into another's.
package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/anomaly"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

// Store is the persistence surface the engine loads rules from
// (SQLStore in this package or an equivalent implementation).
type Store interface {
	ListRules() ([]alerting.Rule, error)
}

// RecentAnomaly pairs a detected anomaly with when it was detected, for
// anomaly-condition matching.
type RecentAnomaly struct {
	Anomaly   anomaly.Anomaly
	DetectedAt time.Time
}

// RecentPrediction is one forecast prediction point attributed to a backend.
type RecentPrediction struct {
	Timestamp time.Time
	Value     float64
}

// EvalContext is the bundle a rule is evaluated against (spec Glossary).
type EvalContext struct {
	Metric          telemetry.Point
	RecentAnomalies []RecentAnomaly
	RecentForecasts []RecentPrediction
	LastSeenAt      *time.Time
	PreviousValue   *float64
	Now             time.Time
}

// Result is the outcome of evaluating one rule against a context.
type Result struct {
	RuleID      string
	Matched     bool
	Trigger     *alerting.Trigger
	Reason      string
	EvaluatedAt time.Time
}

// IDGenerator produces a new alert id for a matched trigger.
type IDGenerator func() string

// Engine holds the in-memory rule index and evaluates contexts against it.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]alerting.Rule

	store   Store
	newID   IDGenerator
	logger  *zap.Logger
}

// New creates an Engine. newID generates alert ids for matched triggers
// (typically google/uuid.NewString).
func New(store Store, newID IDGenerator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rules:  make(map[string]alerting.Rule),
		store:  store,
		newID:  newID,
		logger: logger,
	}
}

// RegisterRule adds or replaces a rule in the index.
func (e *Engine) RegisterRule(r alerting.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.RuleID] = r
}

// UnregisterRule removes a rule from the index. No-op if absent.
func (e *Engine) UnregisterRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// ListRules returns all indexed rules, optionally filtered by tenant.
func (e *Engine) ListRules(tenantID string) []alerting.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]alerting.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// LoadFromStore replaces the in-memory index with the store's current rules.
func (e *Engine) LoadFromStore() error {
	loaded, err := e.store.ListRules()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]alerting.Rule, len(loaded))
	for _, r := range loaded {
		e.rules[r.RuleID] = r
	}
	return nil
}

// Evaluate runs every enabled rule that applies to ctx.Metric and returns
// one Result per applicable rule. Evaluation never panics out to the
// caller: a per-rule failure is trapped into a matched=false Result.
func (e *Engine) Evaluate(ctx EvalContext) []Result {
	e.mu.RLock()
	rules := make([]alerting.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })

	results := make([]Result, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled || !applies(r, ctx.Metric) {
			continue
		}
		results = append(results, e.evaluateOne(r, ctx))
	}
	return results
}

func applies(r alerting.Rule, m telemetry.Point) bool {
	if r.MetricKey != m.MetricKey || r.TenantID != m.TenantID {
		return false
	}
	for k, v := range r.DimensionFilters {
		dv, ok := m.Dimensions[k]
		if !ok || dv.String() != v {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateOne(r alerting.Rule, ctx EvalContext) (result Result) {
	evaluatedAt := ctx.Now
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now()
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("rule evaluation panicked", zap.String("rule_id", r.RuleID), zap.Any("recover", rec))
			result = Result{RuleID: r.RuleID, Matched: false, Reason: fmt.Sprintf("Evaluation error: %v", rec), EvaluatedAt: evaluatedAt}
		}
	}()

	matched, details, reason := evalCondition(r.Condition, ctx)
	if !matched {
		if reason == "" {
			reason = "condition not met"
		}
		return Result{RuleID: r.RuleID, Matched: false, Reason: reason, EvaluatedAt: evaluatedAt}
	}

	trigger := &alerting.Trigger{
		AlertID:     e.newID(),
		RuleID:      r.RuleID,
		TenantID:    r.TenantID,
		TriggeredAt: evaluatedAt,
		Severity:    r.Severity,
		Status:      alerting.StatusFiring,
		TriggerType: r.Condition.Kind,
		MetricContext: alerting.MetricContext{
			TenantID:   r.TenantID,
			MetricKey:  r.MetricKey,
			Dimensions: dimensionsToStrings(ctx.Metric.Dimensions),
		},
		TriggerDetails: details,
		Routing:        r.Routing,
	}

	return Result{RuleID: r.RuleID, Matched: true, Trigger: trigger, Reason: "matched", EvaluatedAt: evaluatedAt}
}

func dimensionsToStrings(dims map[string]telemetry.DimensionValue) map[string]string {
	if len(dims) == 0 {
		return nil
	}
	out := make(map[string]string, len(dims))
	for k, v := range dims {
		out[k] = v.String()
	}
	return out
}

// evalCondition dispatches to the per-kind matcher (spec §4.12).
func evalCondition(c alerting.Condition, ctx EvalContext) (matched bool, details alerting.TriggerDetails, reason string) {
	switch c.Kind {
	case alerting.ConditionThreshold:
		return evalThreshold(c.Threshold, ctx)
	case alerting.ConditionAnomaly:
		return evalAnomaly(c.Anomaly, ctx)
	case alerting.ConditionForecast:
		return evalForecast(c.Forecast, ctx)
	case alerting.ConditionRateOfChange:
		return evalRateOfChange(c.RateOfChange, ctx)
	case alerting.ConditionMissingData:
		return evalMissingData(c.MissingData, ctx)
	default:
		return false, alerting.TriggerDetails{}, fmt.Sprintf("unknown condition kind %q", c.Kind)
	}
}

func evalThreshold(cond *alerting.ThresholdCondition, ctx EvalContext) (bool, alerting.TriggerDetails, string) {
	if cond == nil {
		return false, alerting.TriggerDetails{}, "missing threshold condition"
	}
	if !cond.Op.Compare(ctx.Metric.Value, cond.Value) {
		return false, alerting.TriggerDetails{}, "threshold not breached"
	}
	return true, alerting.TriggerDetails{
		Kind:          alerting.ConditionThreshold,
		ObservedValue: ctx.Metric.Value,
		Threshold:     cond.Value,
		Description:   fmt.Sprintf("value %v %s %v", ctx.Metric.Value, cond.Op, cond.Value),
	}, ""
}

func evalAnomaly(cond *alerting.AnomalyCondition, ctx EvalContext) (bool, alerting.TriggerDetails, string) {
	if cond == nil {
		return false, alerting.TriggerDetails{}, "missing anomaly condition"
	}
	for _, ra := range ctx.RecentAnomalies {
		if severityAtLeast(ra.Anomaly.Severity, cond.MinSeverity) {
			return true, alerting.TriggerDetails{
				Kind:         alerting.ConditionAnomaly,
				AnomalyScore: ra.Anomaly.Score,
				AnomalyType:  string(ra.Anomaly.Type),
				Description:  fmt.Sprintf("anomaly severity %s at or above %s", ra.Anomaly.Severity, cond.MinSeverity),
			}, ""
		}
	}
	return false, alerting.TriggerDetails{}, "no anomaly at or above min_severity"
}

var anomalySeverityRank = map[anomaly.Severity]int{
	anomaly.SeverityLow:      0,
	anomaly.SeverityMedium:   1,
	anomaly.SeverityHigh:     2,
	anomaly.SeverityCritical: 3,
}

// minSeverityRank places the alerting severity scale on the same ranks as
// anomalySeverityRank (info~low, warning~medium, error~high).
var minSeverityRank = map[alerting.Severity]int{
	alerting.SeverityInfo:     0,
	alerting.SeverityWarning:  1,
	alerting.SeverityError:    2,
	alerting.SeverityCritical: 3,
}

func severityAtLeast(s anomaly.Severity, min alerting.Severity) bool {
	minRank, ok := anomalySeverityRank[anomaly.Severity(min)]
	if !ok {
		minRank = minSeverityRank[min]
	}
	return anomalySeverityRank[s] >= minRank
}

func evalForecast(cond *alerting.ForecastCondition, ctx EvalContext) (bool, alerting.TriggerDetails, string) {
	if cond == nil {
		return false, alerting.TriggerDetails{}, "missing forecast condition"
	}
	horizon := ctx.Now.Add(time.Duration(cond.HorizonHours * float64(time.Hour)))
	for _, p := range ctx.RecentForecasts {
		if !p.Timestamp.After(horizon) && p.Value > cond.Threshold {
			return true, alerting.TriggerDetails{
				Kind:              alerting.ConditionForecast,
				ObservedValue:     p.Value,
				Threshold:         cond.Threshold,
				ForecastTimestamp: p.Timestamp,
				Description:       fmt.Sprintf("forecast %v exceeds %v at %s", p.Value, cond.Threshold, p.Timestamp),
			}, ""
		}
	}
	return false, alerting.TriggerDetails{}, "no forecast breach within horizon"
}

func evalRateOfChange(cond *alerting.RateOfChangeCondition, ctx EvalContext) (bool, alerting.TriggerDetails, string) {
	if cond == nil {
		return false, alerting.TriggerDetails{}, "missing rate_of_change condition"
	}
	if ctx.PreviousValue == nil {
		return false, alerting.TriggerDetails{}, "no previous value available"
	}
	rate := ctx.Metric.Value - *ctx.PreviousValue
	if rate < 0 {
		rate = -rate
	}
	if rate <= cond.MaxRate {
		return false, alerting.TriggerDetails{}, "rate of change within bounds"
	}
	return true, alerting.TriggerDetails{
		Kind:         alerting.ConditionRateOfChange,
		RateOfChange: rate,
		Threshold:    cond.MaxRate,
		Description:  fmt.Sprintf("rate of change %v exceeds %v %s", rate, cond.MaxRate, cond.Unit),
	}, ""
}

func evalMissingData(cond *alerting.MissingDataCondition, ctx EvalContext) (bool, alerting.TriggerDetails, string) {
	if cond == nil {
		return false, alerting.TriggerDetails{}, "missing missing_data condition"
	}
	if ctx.LastSeenAt == nil {
		return true, alerting.TriggerDetails{
			Kind:        alerting.ConditionMissingData,
			LastSeenAt:  nil,
			Description: "no data has ever been seen",
		}, ""
	}
	elapsed := ctx.Now.Sub(*ctx.LastSeenAt)
	expected := time.Duration(cond.ExpectedIntervalMs) * time.Millisecond
	if elapsed <= expected {
		return false, alerting.TriggerDetails{}, "data within expected interval"
	}
	return true, alerting.TriggerDetails{
		Kind:        alerting.ConditionMissingData,
		LastSeenAt:  ctx.LastSeenAt,
		Description: fmt.Sprintf("last seen %s ago, expected interval %s", elapsed, expected),
	}, ""
}
