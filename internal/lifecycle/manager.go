// Package lifecycle implements the alert lifecycle state machine (spec
// §4.15): acknowledge/resolve/escalate/record_notification, the
// escalation/reminder scan loops, transition history, and per-tenant
// MTTR/MTFR statistics. The per-id mutex generalizes the teacher's single
// Alerter.mu (internal/pulse/alerter.go) into a sharded table so unrelated
// alerts don't serialize against each other.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// Store is the persistence surface for alert states and their history.
type Store interface {
	GetState(ctx context.Context, alertID string) (*alerting.State, error)
	SaveState(ctx context.Context, s alerting.State) error
	AppendHistory(ctx context.Context, h alerting.HistoryEntry) error
	ListByStatus(ctx context.Context, statuses ...alerting.AlertStatus) ([]alerting.State, error)
	ListByTenant(ctx context.Context, tenantID string) ([]alerting.State, error)
}

// shardCount controls how many mutexes the per-alert-id lock table uses.
const shardCount = 64

type shardedLocks struct {
	mus [shardCount]sync.Mutex
}

func (s *shardedLocks) lock(id string) func() {
	idx := fnv32(id) % shardCount
	s.mus[idx].Lock()
	return s.mus[idx].Unlock
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Manager drives alert lifecycle transitions.
type Manager struct {
	store             Store
	bus               *eventbus.Bus
	logger            *zap.Logger
	locks             shardedLocks
	escalationTimeout time.Duration
	reminderInterval  time.Duration
	maxEscalationLevel int
}

// Config parameterizes the manager's automated loop thresholds.
type Config struct {
	EscalationTimeout  time.Duration
	ReminderInterval   time.Duration
	MaxEscalationLevel int
}

// New creates a Manager.
func New(store Store, bus *eventbus.Bus, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEscalationLevel <= 0 {
		cfg.MaxEscalationLevel = 3
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = 30 * time.Minute
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = 30 * time.Minute
	}
	return &Manager{
		store:              store,
		bus:                bus,
		logger:             logger,
		escalationTimeout:  cfg.EscalationTimeout,
		reminderInterval:   cfg.ReminderInterval,
		maxEscalationLevel: cfg.MaxEscalationLevel,
	}
}

// Open creates a new firing alert state from a trigger.
func (m *Manager) Open(ctx context.Context, trigger alerting.Trigger, title, description string) (alerting.State, error) {
	s := alerting.State{
		AlertID:       trigger.AlertID,
		TenantID:      trigger.TenantID,
		RuleID:        trigger.RuleID,
		Status:        alerting.StatusFiring,
		Severity:      trigger.Severity,
		TriggeredAt:   trigger.TriggeredAt,
		Title:         title,
		Description:   description,
		MetricContext: trigger.MetricContext,
		Routing:       trigger.Routing,
	}
	if err := m.store.SaveState(ctx, s); err != nil {
		return alerting.State{}, err
	}
	m.publish(ctx, eventbus.TopicAlertTriggered, s)
	return s, nil
}

var allowedTransitions = map[alerting.AlertStatus]map[alerting.AlertStatus]bool{
	alerting.StatusFiring: {
		alerting.StatusAcknowledged: true,
		alerting.StatusEscalated:    true,
		alerting.StatusResolved:     true,
	},
	alerting.StatusAcknowledged: {
		alerting.StatusResolved: true,
	},
	alerting.StatusEscalated: {
		alerting.StatusAcknowledged: true,
		alerting.StatusEscalated:    true,
		alerting.StatusResolved:     true,
	},
	alerting.StatusResolved: {},
}

func canTransition(from, to alerting.AlertStatus) bool {
	return allowedTransitions[from][to]
}

// Acknowledge transitions an alert from firing/escalated to acknowledged.
// Illegal transitions are no-ops that return the current state unchanged.
func (m *Manager) Acknowledge(ctx context.Context, alertID, actor string) (alerting.State, error) {
	return m.transition(ctx, alertID, alerting.StatusAcknowledged, actor, "", func(s *alerting.State, now time.Time) {
		s.AcknowledgedAt = &now
		s.AcknowledgedBy = actor
	})
}

// Resolve transitions an alert to resolved from any non-terminal state.
// Always allowed until already resolved, per spec §4.15.
func (m *Manager) Resolve(ctx context.Context, alertID, actor, reason string) (alerting.State, error) {
	return m.transition(ctx, alertID, alerting.StatusResolved, actor, reason, func(s *alerting.State, now time.Time) {
		s.ResolvedAt = &now
		s.ResolvedBy = actor
	})
}

// Escalate bumps escalation_level and moves an alert to escalated. Rejected
// once escalation_level reaches max_level; the rejection is itself a no-op
// returning the current state.
func (m *Manager) Escalate(ctx context.Context, alertID, reason string) (alerting.State, error) {
	unlock := m.locks.lock(alertID)
	defer unlock()

	s, err := m.store.GetState(ctx, alertID)
	if err != nil {
		return alerting.State{}, err
	}
	if s == nil {
		return alerting.State{}, nil
	}
	if s.EscalationLevel >= m.maxEscalationLevel {
		m.logger.Warn("escalation rejected at max level", zap.String("alert_id", alertID), zap.Int("level", s.EscalationLevel))
		return *s, nil
	}
	if !canTransition(s.Status, alerting.StatusEscalated) {
		m.logger.Warn("illegal lifecycle transition", zap.String("alert_id", alertID), zap.String("from", string(s.Status)), zap.String("to", string(alerting.StatusEscalated)))
		return *s, nil
	}

	now := time.Now()
	from := s.Status
	s.Status = alerting.StatusEscalated
	s.EscalationLevel++
	s.EscalatedAt = &now

	if err := m.store.SaveState(ctx, *s); err != nil {
		return alerting.State{}, err
	}
	m.store.AppendHistory(ctx, alerting.HistoryEntry{AlertID: alertID, From: from, To: alerting.StatusEscalated, At: now, Reason: reason})
	m.publish(ctx, eventbus.TopicAlertEscalated, *s)
	return *s, nil
}

// RecordNotification increments the notification counter and stamps
// last_notified_at.
func (m *Manager) RecordNotification(ctx context.Context, alertID string) (alerting.State, error) {
	unlock := m.locks.lock(alertID)
	defer unlock()

	s, err := m.store.GetState(ctx, alertID)
	if err != nil || s == nil {
		return alerting.State{}, err
	}
	now := time.Now()
	s.NotificationCount++
	s.LastNotifiedAt = &now
	if err := m.store.SaveState(ctx, *s); err != nil {
		return alerting.State{}, err
	}
	return *s, nil
}

func (m *Manager) transition(ctx context.Context, alertID string, to alerting.AlertStatus, actor, reason string, mutate func(*alerting.State, time.Time)) (alerting.State, error) {
	unlock := m.locks.lock(alertID)
	defer unlock()

	s, err := m.store.GetState(ctx, alertID)
	if err != nil {
		return alerting.State{}, err
	}
	if s == nil {
		return alerting.State{}, nil
	}
	if s.Status == alerting.StatusResolved {
		return *s, nil
	}
	if !canTransition(s.Status, to) {
		m.logger.Warn("illegal lifecycle transition", zap.String("alert_id", alertID), zap.String("from", string(s.Status)), zap.String("to", string(to)))
		return *s, nil
	}

	now := time.Now()
	from := s.Status
	s.Status = to
	mutate(s, now)

	if err := m.store.SaveState(ctx, *s); err != nil {
		return alerting.State{}, err
	}
	m.store.AppendHistory(ctx, alerting.HistoryEntry{AlertID: alertID, From: from, To: to, At: now, Actor: actor, Reason: reason})

	topic := eventbus.TopicAlertAcknowledged
	if to == alerting.StatusResolved {
		topic = eventbus.TopicAlertResolved
	}
	m.publish(ctx, topic, *s)
	return *s, nil
}

func (m *Manager) publish(ctx context.Context, topic string, s alerting.State) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(ctx, eventbus.Event{Topic: topic, Source: "lifecycle", Timestamp: time.Now().UnixMilli(), Payload: s})
}

// CheckEscalations selects firing alerts whose triggered_at predates now -
// escalation_timeout and whose escalation_level is below max, escalating
// each (spec §4.15).
func (m *Manager) CheckEscalations(ctx context.Context, now time.Time) ([]alerting.State, error) {
	firing, err := m.store.ListByStatus(ctx, alerting.StatusFiring)
	if err != nil {
		return nil, err
	}

	var escalated []alerting.State
	for _, s := range firing {
		if s.EscalationLevel >= m.maxEscalationLevel {
			continue
		}
		if now.Sub(s.TriggeredAt) <= m.escalationTimeout {
			continue
		}
		updated, err := m.Escalate(ctx, s.AlertID, "escalation timeout exceeded")
		if err != nil {
			m.logger.Warn("escalation check failed", zap.String("alert_id", s.AlertID), zap.Error(err))
			continue
		}
		escalated = append(escalated, updated)
	}
	return escalated, nil
}

// CheckReminders returns firing/escalated alerts due for a reminder
// notification (spec §4.15).
func (m *Manager) CheckReminders(ctx context.Context, now time.Time) ([]alerting.State, error) {
	candidates, err := m.store.ListByStatus(ctx, alerting.StatusFiring, alerting.StatusEscalated)
	if err != nil {
		return nil, err
	}

	var due []alerting.State
	for _, s := range candidates {
		if s.LastNotifiedAt == nil || now.Sub(*s.LastNotifiedAt) >= m.reminderInterval {
			due = append(due, s)
		}
	}
	return due, nil
}

// Stats computes per-tenant alert counts and MTTR/MTFR.
func (m *Manager) Stats(ctx context.Context, tenantID string) (alerting.TenantStats, error) {
	states, err := m.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return alerting.TenantStats{}, err
	}

	stats := alerting.TenantStats{
		TenantID:        tenantID,
		CountByStatus:   map[alerting.AlertStatus]int{},
		CountBySeverity: map[alerting.Severity]int{},
	}

	var mttrSum, mtfrSum time.Duration
	var mttrN, mtfrN int

	for _, s := range states {
		stats.CountByStatus[s.Status]++
		stats.CountBySeverity[s.Severity]++

		if s.ResolvedAt != nil {
			mttrSum += s.ResolvedAt.Sub(s.TriggeredAt)
			mttrN++
		}
		if s.AcknowledgedAt != nil {
			mtfrSum += s.AcknowledgedAt.Sub(s.TriggeredAt)
			mtfrN++
		}
	}

	if mttrN > 0 {
		stats.MTTR = mttrSum / time.Duration(mttrN)
	}
	if mtfrN > 0 {
		stats.MTFR = mtfrSum / time.Duration(mtfrN)
	}
	return stats, nil
}
