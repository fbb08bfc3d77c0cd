package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

func testSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := dbpool.Open(":memory:", 1)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Drain(context.Background(), time.Second) })

	store := NewSQLStore(pool)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func sampleState(id, tenant string) alerting.State {
	return alerting.State{
		AlertID:     id,
		TenantID:    tenant,
		RuleID:      "rule-1",
		Status:      alerting.StatusFiring,
		Severity:    alerting.SeverityWarning,
		TriggeredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Title:       "cpu too high",
	}
}

func TestSQLStoreSaveAndGetState(t *testing.T) {
	s := testSQLStore(t)
	st := sampleState("alert-1", "tenant-a")

	if err := s.SaveState(context.Background(), st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetState(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AlertID != st.AlertID || got.Status != alerting.StatusFiring {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestSQLStoreGetMissingStateReturnsNil(t *testing.T) {
	s := testSQLStore(t)
	got, err := s.GetState(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSQLStoreListByStatus(t *testing.T) {
	s := testSQLStore(t)
	firing := sampleState("alert-1", "tenant-a")
	resolved := sampleState("alert-2", "tenant-a")
	resolved.Status = alerting.StatusResolved

	s.SaveState(context.Background(), firing)
	s.SaveState(context.Background(), resolved)

	got, err := s.ListByStatus(context.Background(), alerting.StatusFiring)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].AlertID != "alert-1" {
		t.Fatalf("expected only the firing alert, got %+v", got)
	}
}

func TestSQLStoreListByTenant(t *testing.T) {
	s := testSQLStore(t)
	s.SaveState(context.Background(), sampleState("alert-1", "tenant-a"))
	s.SaveState(context.Background(), sampleState("alert-2", "tenant-b"))

	got, err := s.ListByTenant(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].AlertID != "alert-1" {
		t.Fatalf("expected only tenant-a's alert, got %+v", got)
	}
}

func TestSQLStoreAppendAndListHistory(t *testing.T) {
	s := testSQLStore(t)
	entries := []alerting.HistoryEntry{
		{AlertID: "alert-1", From: alerting.StatusFiring, To: alerting.StatusAcknowledged, At: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)},
		{AlertID: "alert-1", From: alerting.StatusAcknowledged, To: alerting.StatusResolved, At: time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)},
	}
	for _, e := range entries {
		if err := s.AppendHistory(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.ListHistory(context.Background(), "alert-1")
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(got))
	}
	if got[0].To != alerting.StatusAcknowledged || got[1].To != alerting.StatusResolved {
		t.Fatalf("expected history ordered oldest first, got %+v", got)
	}
}
