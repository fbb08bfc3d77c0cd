// Package analysis is the event-driven glue connecting ingest to alerting:
// on eventbus.TopicMetricsIngested it forecasts and scores each metric's
// recent series, evaluates the rules engine, runs the alert filter, opens
// a lifecycle alert on an allowed trigger, and dispatches notifications.
// Subscription-driven processing is adapted from the teacher's
// internal/insight/plugin.go, which subscribes to pulse.metrics.collected
// the same way.
package analysis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/alertfilter"
	"github.com/sentrypulse/sentrypulse/internal/anomaly"
	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/internal/forecast"
	"github.com/sentrypulse/sentrypulse/internal/lifecycle"
	"github.com/sentrypulse/sentrypulse/internal/metricstore"
	"github.com/sentrypulse/sentrypulse/internal/notify"
	"github.com/sentrypulse/sentrypulse/internal/rules"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

// SeriesWindow is how far back AsSeries looks when scoring a newly ingested
// point against its recent history.
const SeriesWindow = 2 * time.Hour

// RuleStore is the subset of rules.SQLStore the pipeline needs to recover a
// matched rule's suppression windows (not carried on rules.Result).
type RuleStore interface {
	Get(ctx context.Context, ruleID string) (*alerting.Rule, error)
}

// Pipeline wires C8-C15 together behind a single eventbus subscription.
type Pipeline struct {
	store     *metricstore.Store
	forecasts *forecast.Registry
	detector  *anomaly.Detector
	rules     *rules.Engine
	ruleStore RuleStore
	filter    *alertfilter.Filter
	lifecycle *lifecycle.Manager
	dispatch  *notify.Dispatcher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Pipeline. Nothing runs until Subscribe is called.
func New(store *metricstore.Store, forecasts *forecast.Registry, detector *anomaly.Detector, engine *rules.Engine, ruleStore RuleStore, filter *alertfilter.Filter, lifecycleMgr *lifecycle.Manager, dispatcher *notify.Dispatcher, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:     store,
		forecasts: forecasts,
		detector:  detector,
		rules:     engine,
		ruleStore: ruleStore,
		filter:    filter,
		lifecycle: lifecycleMgr,
		dispatch:  dispatcher,
		logger:    logger,
		now:       time.Now,
	}
}

// Subscribe registers the pipeline's handler on bus. Returns the
// unsubscribe function.
func (p *Pipeline) Subscribe(bus *eventbus.Bus) func() {
	return bus.Subscribe(eventbus.TopicMetricsIngested, func(ctx context.Context, event eventbus.Event) {
		points, ok := event.Payload.([]telemetry.Point)
		if !ok {
			return
		}
		for _, pt := range points {
			p.processPoint(ctx, pt)
		}
	})
}

func (p *Pipeline) processPoint(ctx context.Context, pt telemetry.Point) {
	evalCtx := rules.EvalContext{Metric: pt, Now: p.now()}

	series, err := p.store.AsSeries(ctx, metricstore.QueryParams{
		TenantID:  pt.TenantID,
		MetricKey: pt.MetricKey,
		From:      timePtr(pt.Timestamp.Add(-SeriesWindow)),
		To:        timePtr(pt.Timestamp.Add(time.Millisecond)),
	})
	if err != nil {
		p.logger.Warn("failed to load series for analysis", zap.Error(err), zap.String("metric_key", pt.MetricKey))
	} else if len(series) >= 5 {
		evalCtx.RecentAnomalies = p.detectAnomalies(ctx, series)
		evalCtx.RecentForecasts = p.forecastNext(ctx, series)
	}

	for _, result := range p.rules.Evaluate(evalCtx) {
		if !result.Matched || result.Trigger == nil {
			continue
		}
		p.handleTrigger(ctx, *result.Trigger)
	}
}

func (p *Pipeline) detectAnomalies(ctx context.Context, series []forecast.SeriesPoint) []rules.RecentAnomaly {
	points := make([]anomaly.Point, len(series))
	for i, s := range series {
		points[i] = anomaly.Point{Timestamp: s.Timestamp, Value: s.Value}
	}
	found, err := p.detector.Detect(ctx, points)
	if err != nil {
		return nil
	}
	out := make([]rules.RecentAnomaly, len(found))
	for i, a := range found {
		out[i] = rules.RecentAnomaly{Anomaly: a, DetectedAt: p.now()}
	}
	return out
}

func (p *Pipeline) forecastNext(ctx context.Context, series []forecast.SeriesPoint) []rules.RecentPrediction {
	backend := p.forecasts.GetDefault()
	if backend == nil {
		return nil
	}
	result, err := backend.Forecast(ctx, forecast.Request{Series: series, Horizon: 1, Frequency: "raw"})
	if err != nil || result == nil {
		return nil
	}
	out := make([]rules.RecentPrediction, len(result.Predictions))
	for i, pred := range result.Predictions {
		out[i] = rules.RecentPrediction{Timestamp: pred.Timestamp, Value: pred.Value}
	}
	return out
}

func (p *Pipeline) handleTrigger(ctx context.Context, trigger alerting.Trigger) {
	var suppression *alerting.Suppression
	if p.ruleStore != nil {
		if rule, err := p.ruleStore.Get(ctx, trigger.RuleID); err == nil && rule != nil {
			suppression = rule.Suppression
		}
	}

	decision, err := p.filter.Evaluate(ctx, trigger, suppression, p.now())
	if err != nil {
		p.logger.Warn("alert filter evaluation failed", zap.Error(err), zap.String("rule_id", trigger.RuleID))
		return
	}
	if !decision.Allowed() {
		p.logger.Debug("alert suppressed by filter",
			zap.String("rule_id", trigger.RuleID),
			zap.String("outcome", string(decision.Outcome)),
		)
		return
	}

	state, err := p.lifecycle.Open(ctx, trigger, trigger.MetricContext.MetricKey, trigger.TriggerDetails.Description)
	if err != nil {
		p.logger.Error("failed to open alert", zap.Error(err), zap.String("rule_id", trigger.RuleID))
		return
	}

	results := p.dispatch.Dispatch(ctx, state, &trigger, trigger.Routing)
	for _, r := range results {
		if !r.Result.Success {
			p.logger.Warn("notification delivery failed",
				zap.String("alert_id", state.AlertID),
				zap.String("channel", string(r.Channel.Type)),
				zap.String("error", r.Result.Error),
			)
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
