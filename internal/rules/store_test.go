package rules

import (
	"context"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

func testStore(t *testing.T) *SQLStore {
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

func sampleRule(id, tenant string) alerting.Rule {
	return alerting.Rule{
		RuleID:    id,
		TenantID:  tenant,
		Name:      "cpu too high",
		Enabled:   true,
		MetricKey: "cpu.usage",
		Condition: alerting.Condition{
			Kind:      alerting.ConditionThreshold,
			Threshold: &alerting.ThresholdCondition{Op: alerting.OpGT, Value: 0.9},
		},
		Severity: alerting.SeverityWarning,
	}
}

func TestSaveAndGetRule(t *testing.T) {
	s := testStore(t)
	r := sampleRule("rule-1", "tenant-a")

	if err := s.Save(context.Background(), r); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.RuleID != r.RuleID || got.Condition.Threshold.Value != 0.9 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestGetMissingRuleReturnsNil(t *testing.T) {
	s := testStore(t)
	got, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestListByTenantFiltersCorrectly(t *testing.T) {
	s := testStore(t)
	if err := s.Save(context.Background(), sampleRule("rule-1", "tenant-a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(context.Background(), sampleRule("rule-2", "tenant-b")); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.ListByTenant(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].RuleID != "rule-1" {
		t.Fatalf("expected only tenant-a's rule, got %+v", got)
	}
}

func TestListRulesReturnsEveryTenant(t *testing.T) {
	s := testStore(t)
	s.Save(context.Background(), sampleRule("rule-1", "tenant-a"))
	s.Save(context.Background(), sampleRule("rule-2", "tenant-b"))

	got, err := s.ListRules()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rules across tenants, got %d", len(got))
	}
}

func TestDeleteRemovesRule(t *testing.T) {
	s := testStore(t)
	s.Save(context.Background(), sampleRule("rule-1", "tenant-a"))

	if err := s.Delete(context.Background(), "rule-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.Get(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected rule to be gone, got %+v", got)
	}
}

func TestSaveUpsertsExistingRule(t *testing.T) {
	s := testStore(t)
	r := sampleRule("rule-1", "tenant-a")
	s.Save(context.Background(), r)

	r.Enabled = false
	r.Name = "renamed"
	if err := s.Save(context.Background(), r); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Enabled || got.Name != "renamed" {
		t.Fatalf("expected upsert to overwrite fields, got %+v", got)
	}
}
