package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/internal/health"
	"github.com/sentrypulse/sentrypulse/internal/ingest"
	"github.com/sentrypulse/sentrypulse/internal/lifecycle"
	"github.com/sentrypulse/sentrypulse/internal/metricstore"
	"github.com/sentrypulse/sentrypulse/internal/rules"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

// testRouter wires the full HTTP surface against real :memory: SQLite
// stores, the same single-pooled-connection pattern internal/ingest and
// internal/analysis's tests use.
func testRouter(t *testing.T) http.Handler {
	t.Helper()
	pool, err := dbpool.Open(":memory:", 1)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Drain(context.Background(), time.Second) })

	ms := metricstore.New(pool)
	if err := ms.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate metricstore: %v", err)
	}
	ingestStore := ingest.NewSQLStore(pool)
	if err := ingestStore.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate ingest store: %v", err)
	}
	ruleStore := rules.NewSQLStore(pool)
	if err := ruleStore.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate rules store: %v", err)
	}
	historyStore := lifecycle.NewSQLStore(pool)
	if err := historyStore.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate lifecycle store: %v", err)
	}

	norm := telemetry.NewNormalizer("v1")
	ingestHandler := ingest.New(norm, ms, ingestStore, ingestStore, ingestStore, zap.NewNop(), ingest.Config{})

	rulesEngine := rules.New(ruleStore, func() string { return "alert-http-1" }, zap.NewNop())

	bus := eventbus.New(zap.NewNop())
	lifecycleMgr := lifecycle.New(historyStore, bus, zap.NewNop(), lifecycle.Config{})

	healthMonitor := health.New(10)

	return NewRouter(Deps{
		Ingest:    ingestHandler,
		Rules:     rulesEngine,
		RuleStore: ruleStore,
		Lifecycle: lifecycleMgr,
		History:   historyStore,
		Health:    healthMonitor,
		Bus:       bus,
		Logger:    zap.NewNop(),
		DevMode:   false,
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndReadyz(t *testing.T) {
	h := testRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200 with no registered probes, got %d", rec.Code)
	}
}

func TestIngestThenListRulesRoundTrip(t *testing.T) {
	h := testRouter(t)

	ingestBody := ingest.Request{
		TenantID: "tenant-a",
		SourceID: "source-1",
		Metrics:  []telemetry.RawPoint{{MetricKey: "cpu.usage", Value: 0.5}},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/ingest", ingestBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ingestResp ingest.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &ingestResp); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}
	if !ingestResp.Success || ingestResp.Accepted != 1 {
		t.Fatalf("expected 1 accepted point, got %+v", ingestResp)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/rules?tenant_id=tenant-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list rules: expected 200, got %d", rec.Code)
	}
	var listed []alerting.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode rule list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no rules yet, got %d", len(listed))
	}
}

func TestRuleCRUD(t *testing.T) {
	h := testRouter(t)

	rule := alerting.Rule{
		TenantID:  "tenant-b",
		Name:      "high latency",
		Enabled:   true,
		MetricKey: "latency.p99",
		Condition: alerting.Condition{
			Kind:      alerting.ConditionThreshold,
			Threshold: &alerting.ThresholdCondition{Op: alerting.OpGT, Value: 500},
		},
		Severity: alerting.SeverityWarning,
	}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/rules/", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created alerting.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	if created.RuleID == "" {
		t.Fatal("expected a generated rule id")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/rules/"+created.RuleID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get rule: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/rules/"+created.RuleID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete rule: expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/rules/"+created.RuleID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted rule: expected 404, got %d", rec.Code)
	}
}

func TestAcknowledgeUnknownAlertReturnsNotFound(t *testing.T) {
	h := testRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/alerts/does-not-exist/acknowledge", actorRequest{Actor: "oncall"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown alert, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	h := testRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected Prometheus text exposition content type, got %q", ct)
	}
}
