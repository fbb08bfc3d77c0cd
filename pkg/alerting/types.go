// Package alerting holds the public types shared between SentryPulse's rules
// engine, alert filter, notification dispatcher, and lifecycle manager. It
// mirrors the teacher repo's pkg/analytics convention of keeping wire-shaped
// domain types separate from the internal packages that operate on them.
package alerting

import "time"

// Severity is the alert severity scale, ordered low to high for comparisons.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min on the severity scale.
// Unknown severities rank below all named levels.
func (s Severity) AtLeast(min Severity) bool {
	rank := func(v Severity) int {
		if r, ok := severityRank[v]; ok {
			return r
		}
		return -1
	}
	return rank(s) >= rank(min)
}

// AlertStatus is the lifecycle status of an alert.
type AlertStatus string

const (
	StatusFiring       AlertStatus = "firing"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusEscalated    AlertStatus = "escalated"
	StatusResolved     AlertStatus = "resolved"
)

// ComparisonOp is a threshold comparison operator.
type ComparisonOp string

const (
	OpGT  ComparisonOp = ">"
	OpGTE ComparisonOp = ">="
	OpLT  ComparisonOp = "<"
	OpLTE ComparisonOp = "<="
	OpEQ  ComparisonOp = "="
	OpNEQ ComparisonOp = "≠"
)

// Compare applies the operator to (current, reference).
func (op ComparisonOp) Compare(current, reference float64) bool {
	switch op {
	case OpGT:
		return current > reference
	case OpGTE:
		return current >= reference
	case OpLT:
		return current < reference
	case OpLTE:
		return current <= reference
	case OpEQ:
		return current == reference
	case OpNEQ:
		return current != reference
	default:
		return false
	}
}

// ConditionKind tags the closed set of rule condition variants.
type ConditionKind string

const (
	ConditionThreshold    ConditionKind = "threshold"
	ConditionAnomaly      ConditionKind = "anomaly"
	ConditionForecast     ConditionKind = "forecast"
	ConditionRateOfChange ConditionKind = "rate_of_change"
	ConditionMissingData  ConditionKind = "missing_data"
)

// Condition is a tagged union; exactly one of the pointer fields matching
// Kind is populated. Modeled as an open struct (not a Go interface) because
// conditions travel across the wire boundary as JSON rule definitions.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	Threshold    *ThresholdCondition    `json:"threshold,omitempty"`
	Anomaly      *AnomalyCondition      `json:"anomaly,omitempty"`
	Forecast     *ForecastCondition     `json:"forecast,omitempty"`
	RateOfChange *RateOfChangeCondition `json:"rate_of_change,omitempty"`
	MissingData  *MissingDataCondition  `json:"missing_data,omitempty"`
}

type ThresholdCondition struct {
	Op         ComparisonOp `json:"op"`
	Value      float64      `json:"value"`
	DurationMs *int64       `json:"duration_ms,omitempty"`
}

type AnomalyCondition struct {
	MinSeverity Severity `json:"min_severity"`
}

type ForecastCondition struct {
	HorizonHours float64 `json:"horizon_hours"`
	Threshold    float64 `json:"threshold"`
}

type RateOfChangeCondition struct {
	MaxRate float64 `json:"max_rate"`
	Unit    string  `json:"unit"`
}

type MissingDataCondition struct {
	ExpectedIntervalMs int64 `json:"expected_interval_ms"`
}

// ChannelType identifies a notification channel implementation.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
	ChannelChat    ChannelType = "chat"
	ChannelPager   ChannelType = "pager"
)

// ChannelRef is a routing entry pointing at a configured channel.
type ChannelRef struct {
	Type        ChannelType `json:"type"`
	Destination string      `json:"destination"`
}

// Routing describes where a firing alert should be delivered.
type Routing struct {
	Channels  []ChannelRef `json:"channels"`
	DedupKey  string       `json:"dedup_key,omitempty"`
}

// MuteWindow is a recurring suppression window, optionally restricted to
// specific weekdays. StartHHMM/EndHHMM are "HH:MM" 24h strings; a window
// with Start > End crosses midnight.
type MuteWindow struct {
	StartHHMM string         `json:"start_hhmm"`
	EndHHMM   string         `json:"end_hhmm"`
	Days      []time.Weekday `json:"days,omitempty"`
}

// Suppression configures dedup/mute behavior for a rule.
type Suppression struct {
	MuteWindows   []MuteWindow `json:"mute_windows,omitempty"`
	DedupWindowMs *int64       `json:"dedup_window_ms,omitempty"`
}

// Rule is a persisted alert rule.
type Rule struct {
	RuleID           string            `json:"rule_id"`
	TenantID         string            `json:"tenant_id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Enabled          bool              `json:"enabled"`
	MetricKey        string            `json:"metric_key"`
	DimensionFilters map[string]string `json:"dimension_filters,omitempty"`
	Condition        Condition         `json:"condition"`
	Severity         Severity          `json:"severity"`
	Routing          Routing           `json:"routing"`
	Suppression      *Suppression      `json:"suppression,omitempty"`
}

// TriggerDetails carries condition-specific evidence for a firing alert.
type TriggerDetails struct {
	Kind              ConditionKind `json:"kind"`
	ObservedValue     float64       `json:"observed_value,omitempty"`
	Threshold         float64       `json:"threshold,omitempty"`
	AnomalyScore      float64       `json:"anomaly_score,omitempty"`
	AnomalyType       string        `json:"anomaly_type,omitempty"`
	ForecastTimestamp time.Time     `json:"forecast_timestamp,omitempty"`
	RateOfChange      float64       `json:"rate_of_change,omitempty"`
	LastSeenAt        *time.Time    `json:"last_seen_at,omitempty"`
	Description       string        `json:"description,omitempty"`
}

// MetricContext summarizes the metric identity a trigger fired against.
type MetricContext struct {
	TenantID   string            `json:"tenant_id"`
	MetricKey  string            `json:"metric_key"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
}

// Trigger is a candidate alert produced by a matched rule, prior to filtering.
type Trigger struct {
	AlertID        string         `json:"alert_id"`
	RuleID         string         `json:"rule_id"`
	TenantID       string         `json:"tenant_id"`
	TriggeredAt    time.Time      `json:"triggered_at"`
	Severity       Severity       `json:"severity"`
	Status         AlertStatus    `json:"status"`
	TriggerType    ConditionKind  `json:"trigger_type"`
	MetricContext  MetricContext  `json:"metric_context"`
	TriggerDetails TriggerDetails `json:"trigger_details"`
	Routing        Routing        `json:"routing"`
}

// State is the lifecycle-managed record for an alert.
type State struct {
	AlertID          string      `json:"alert_id"`
	TenantID         string      `json:"tenant_id"`
	RuleID           string      `json:"rule_id"`
	Status           AlertStatus `json:"status"`
	Severity         Severity    `json:"severity"`
	TriggeredAt      time.Time   `json:"triggered_at"`
	AcknowledgedAt   *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string      `json:"acknowledged_by,omitempty"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy       string      `json:"resolved_by,omitempty"`
	EscalatedAt      *time.Time  `json:"escalated_at,omitempty"`
	EscalationLevel  int         `json:"escalation_level"`
	NotificationCount int        `json:"notification_count"`
	LastNotifiedAt   *time.Time  `json:"last_notified_at,omitempty"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	MetricContext    MetricContext `json:"metric_context"`
	Routing          Routing       `json:"routing"`
}

// HistoryEntry is one recorded lifecycle transition.
type HistoryEntry struct {
	AlertID string    `json:"alert_id"`
	From    AlertStatus `json:"from"`
	To      AlertStatus `json:"to"`
	At      time.Time `json:"at"`
	Actor   string    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// DedupRecord tracks repeat occurrences of the same logical alert.
type DedupRecord struct {
	DedupKey        string    `json:"dedup_key"`
	FirstAlertID    string    `json:"first_alert_id"`
	FirstTriggeredAt time.Time `json:"first_triggered_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Count           int       `json:"count"`
}

// TenantStats aggregates alert counts and timing statistics for a tenant.
type TenantStats struct {
	TenantID       string                 `json:"tenant_id"`
	CountByStatus  map[AlertStatus]int    `json:"count_by_status"`
	CountBySeverity map[Severity]int      `json:"count_by_severity"`
	MTTR           time.Duration          `json:"mttr"`
	MTFR           time.Duration          `json:"mtfr"`
}
