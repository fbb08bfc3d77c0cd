package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

type memStore struct {
	mu      sync.Mutex
	states  map[string]alerting.State
	history []alerting.HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]alerting.State)}
}

func (s *memStore) GetState(ctx context.Context, alertID string) (*alerting.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[alertID]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (s *memStore) SaveState(ctx context.Context, st alerting.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.AlertID] = st
	return nil
}

func (s *memStore) AppendHistory(ctx context.Context, h alerting.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...alerting.AlertStatus) ([]alerting.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[alerting.AlertStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []alerting.State
	for _, st := range s.states {
		if want[st.Status] {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *memStore) ListByTenant(ctx context.Context, tenantID string) ([]alerting.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerting.State
	for _, st := range s.states {
		if st.TenantID == tenantID {
			out = append(out, st)
		}
	}
	return out, nil
}

func newManager() (*Manager, *memStore) {
	store := newMemStore()
	return New(store, nil, nil, Config{}), store
}

func openAlert(m *Manager, t *testing.T) alerting.State {
	t.Helper()
	s, err := m.Open(context.Background(), alerting.Trigger{AlertID: "a1", TenantID: "t1", TriggeredAt: time.Now()}, "cpu high", "desc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAcknowledgeFromFiring(t *testing.T) {
	m, _ := newManager()
	openAlert(m, t)

	s, err := m.Acknowledge(context.Background(), "a1", "alice")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if s.Status != alerting.StatusAcknowledged {
		t.Fatalf("status = %v, want acknowledged", s.Status)
	}
	if s.AcknowledgedBy != "alice" {
		t.Fatalf("AcknowledgedBy = %q, want alice", s.AcknowledgedBy)
	}
}

func TestResolveTerminalAndIdempotent(t *testing.T) {
	m, _ := newManager()
	openAlert(m, t)

	s, err := m.Resolve(context.Background(), "a1", "bob", "fixed")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Status != alerting.StatusResolved {
		t.Fatalf("status = %v, want resolved", s.Status)
	}

	// Further transitions are no-ops.
	s2, err := m.Acknowledge(context.Background(), "a1", "carol")
	if err != nil {
		t.Fatalf("Acknowledge after resolve: %v", err)
	}
	if s2.Status != alerting.StatusResolved {
		t.Fatalf("expected resolved to remain terminal, got %v", s2.Status)
	}
}

func TestEscalateIncrementsLevelAndRejectsAtMax(t *testing.T) {
	store := newMemStore()
	m := New(store, nil, nil, Config{MaxEscalationLevel: 2})
	openAlert(m, t)

	s, err := m.Escalate(context.Background(), "a1", "slow response")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if s.EscalationLevel != 1 || s.Status != alerting.StatusEscalated {
		t.Fatalf("unexpected state after first escalate: %+v", s)
	}

	s, err = m.Escalate(context.Background(), "a1", "still slow")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if s.EscalationLevel != 2 || s.Status != alerting.StatusEscalated {
		t.Fatalf("unexpected state after second escalate: %+v", s)
	}

	s, err = m.Escalate(context.Background(), "a1", "past max")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if s.EscalationLevel != 2 {
		t.Fatalf("expected escalation at max level 2 to be rejected, got level %d", s.EscalationLevel)
	}

	s, _ = m.Acknowledge(context.Background(), "a1", "dave")
	if s.Status != alerting.StatusAcknowledged {
		t.Fatalf("expected escalated->acknowledged to be legal, got %v", s.Status)
	}
}

func TestEscalateRejectedAtMaxLevel(t *testing.T) {
	store := newMemStore()
	m := New(store, nil, nil, Config{MaxEscalationLevel: 1})
	openAlert(m, t)

	s, _ := m.Escalate(context.Background(), "a1", "r1")
	if s.EscalationLevel != 1 {
		t.Fatalf("expected level 1, got %d", s.EscalationLevel)
	}

	s2, err := m.Escalate(context.Background(), "a1", "r2")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if s2.EscalationLevel != 1 {
		t.Fatalf("expected escalation at max level to be a no-op, got level %d", s2.EscalationLevel)
	}
}

func TestRecordNotificationIncrementsCounter(t *testing.T) {
	m, _ := newManager()
	openAlert(m, t)

	s, err := m.RecordNotification(context.Background(), "a1")
	if err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}
	if s.NotificationCount != 1 || s.LastNotifiedAt == nil {
		t.Fatalf("unexpected state: %+v", s)
	}
}

func TestCheckEscalationsSelectsOverdueFiringAlerts(t *testing.T) {
	store := newMemStore()
	m := New(store, nil, nil, Config{EscalationTimeout: time.Minute, MaxEscalationLevel: 3})

	old := alerting.State{AlertID: "old", TenantID: "t1", Status: alerting.StatusFiring, TriggeredAt: time.Now().Add(-time.Hour)}
	fresh := alerting.State{AlertID: "fresh", TenantID: "t1", Status: alerting.StatusFiring, TriggeredAt: time.Now()}
	store.SaveState(context.Background(), old)
	store.SaveState(context.Background(), fresh)

	escalated, err := m.CheckEscalations(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("CheckEscalations: %v", err)
	}
	if len(escalated) != 1 || escalated[0].AlertID != "old" {
		t.Fatalf("expected only the old alert to escalate, got %+v", escalated)
	}
}

func TestCheckRemindersSelectsDueAlerts(t *testing.T) {
	store := newMemStore()
	m := New(store, nil, nil, Config{ReminderInterval: time.Minute})

	old := time.Now().Add(-time.Hour)
	needsReminder := alerting.State{AlertID: "a", TenantID: "t1", Status: alerting.StatusFiring, LastNotifiedAt: &old}
	justNotified := time.Now()
	recentlyNotified := alerting.State{AlertID: "b", TenantID: "t1", Status: alerting.StatusFiring, LastNotifiedAt: &justNotified}
	neverNotified := alerting.State{AlertID: "c", TenantID: "t1", Status: alerting.StatusEscalated}

	store.SaveState(context.Background(), needsReminder)
	store.SaveState(context.Background(), recentlyNotified)
	store.SaveState(context.Background(), neverNotified)

	due, err := m.CheckReminders(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("CheckReminders: %v", err)
	}
	ids := map[string]bool{}
	for _, d := range due {
		ids[d.AlertID] = true
	}
	if !ids["a"] || !ids["c"] || ids["b"] {
		t.Fatalf("unexpected reminder set: %+v", due)
	}
}

func TestStatsComputesMTTRAndMTFR(t *testing.T) {
	store := newMemStore()
	m := New(store, nil, nil, Config{})

	triggered := time.Now().Add(-time.Hour)
	acked := triggered.Add(10 * time.Minute)
	resolved := triggered.Add(30 * time.Minute)

	store.SaveState(context.Background(), alerting.State{
		AlertID: "a1", TenantID: "t1", Status: alerting.StatusResolved, Severity: alerting.SeverityWarning,
		TriggeredAt: triggered, AcknowledgedAt: &acked, ResolvedAt: &resolved,
	})

	stats, err := m.Stats(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MTTR != 30*time.Minute {
		t.Fatalf("MTTR = %v, want 30m", stats.MTTR)
	}
	if stats.MTFR != 10*time.Minute {
		t.Fatalf("MTFR = %v, want 10m", stats.MTFR)
	}
	if stats.CountByStatus[alerting.StatusResolved] != 1 {
		t.Fatalf("expected 1 resolved alert in counts, got %+v", stats.CountByStatus)
	}
}

func TestConcurrentTransitionsOnDifferentAlertsDoNotDeadlock(t *testing.T) {
	m, _ := newManager()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := "alert-" + string(rune('a'+i))
		m.Open(context.Background(), alerting.Trigger{AlertID: id, TenantID: "t1", TriggeredAt: time.Now()}, "x", "y")
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Acknowledge(context.Background(), id, "actor")
		}(id)
	}
	wg.Wait()
}
