package forecastremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/breaker"
	"github.com/sentrypulse/sentrypulse/internal/forecast"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	br := breaker.New(breaker.Config{Name: "test-remote-forecast", FailureThreshold: 10})
	return New(Config{ID: "remote-1", BaseURL: url, APIKey: "secret", MaxRetries: 3, CallTimeout: 2 * time.Second}, br)
}

func TestForecastSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") == "" {
			t.Error("expected request to be signed")
		}
		json.NewEncoder(w).Encode(forecastResponse{
			Predictions: []forecast.PredictedPoint{{Timestamp: time.Now(), Value: 42}},
			ModelInfo:   forecast.ModelInfo{Name: "remote-model"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Forecast(context.Background(), forecast.Request{Horizon: 1})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(res.Predictions) != 1 || res.Predictions[0].Value != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForecastRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(forecastResponse{ModelInfo: forecast.ModelInfo{Name: "remote-model"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Forecast(context.Background(), forecast.Request{Horizon: 1})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestForecastDoesNotRetryClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Forecast(context.Background(), forecast.Request{Horizon: 1})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retriable error, got %d", calls)
	}
}

func TestForecastExhaustsRetriesOnPersistentServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Forecast(context.Background(), forecast.Request{Horizon: 1})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (MaxRetries), got %d", calls)
	}
}

func TestHealthCheckReportsFailureOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail")
	}
}

func TestHealthCheckSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestRefreshCapabilitiesPopulatesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(forecast.Capabilities{MaxHorizon: 168, SupportsIntervals: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if got := c.Capabilities(); got.MaxHorizon != 0 {
		t.Fatalf("expected zero-value capabilities before refresh, got %+v", got)
	}
	if err := c.RefreshCapabilities(context.Background()); err != nil {
		t.Fatalf("RefreshCapabilities: %v", err)
	}
	if got := c.Capabilities(); got.MaxHorizon != 168 || !got.SupportsIntervals {
		t.Fatalf("unexpected cached capabilities: %+v", got)
	}
}

func TestForecastUnsignedWhenNoAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") != "" {
			t.Error("expected no signature header without an API key")
		}
		json.NewEncoder(w).Encode(forecastResponse{})
	}))
	defer srv.Close()

	br := breaker.New(breaker.Config{Name: "unsigned", FailureThreshold: 10})
	c := New(Config{ID: "remote-2", BaseURL: srv.URL}, br)
	if _, err := c.Forecast(context.Background(), forecast.Request{Horizon: 1}); err != nil {
		t.Fatalf("Forecast: %v", err)
	}
}
