package forecast

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	id      string
	healthy bool
	caps    Capabilities

	lastConfidences []string
}

func (f *fakeBackend) ID() string { return f.id }
func (f *fakeBackend) Forecast(ctx context.Context, req Request) (*Result, error) {
	f.lastConfidences = req.Confidences
	return &Result{ModelInfo: ModelInfo{Name: f.id}}, nil
}
func (f *fakeBackend) HealthCheck(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return errors.New("unhealthy")
}
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func TestRegistryGetDefaultPrefersHealthyDefault(t *testing.T) {
	r := NewRegistry()
	primary := &fakeBackend{id: "primary", healthy: true}
	fallback := &fakeBackend{id: "fallback", healthy: true}

	_ = r.Register("primary", primary, 10, true)
	_ = r.Register("fallback", fallback, 5, false)
	r.CheckHealth(context.Background())

	if got := r.GetDefault().ID(); got != "primary" {
		t.Fatalf("GetDefault() = %q, want primary", got)
	}
}

func TestRegistryFallsBackWhenDefaultUnhealthy(t *testing.T) {
	r := NewRegistry()
	primary := &fakeBackend{id: "primary", healthy: false}
	fallback := &fakeBackend{id: "fallback", healthy: true}

	_ = r.Register("primary", primary, 10, true)
	_ = r.Register("fallback", fallback, 5, false)
	r.CheckHealth(context.Background())

	if got := r.GetDefault().ID(); got != "fallback" {
		t.Fatalf("GetDefault() = %q, want fallback", got)
	}
}

func TestRegistryNoopWhenNoneHealthy(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("primary", &fakeBackend{id: "primary", healthy: false}, 10, true)
	r.CheckHealth(context.Background())

	if got := r.GetDefault().ID(); got != "noop" {
		t.Fatalf("GetDefault() = %q, want noop", got)
	}
}

func TestRegistryDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("a", &fakeBackend{id: "a"}, 1, false)
	if err := r.Register("a", &fakeBackend{id: "a"}, 1, false); err == nil {
		t.Fatal("expected error registering duplicate id")
	}
}

func TestForecastTrimsConfidencesWhenUnsupported(t *testing.T) {
	r := NewRegistry()
	backend := &fakeBackend{id: "a", healthy: true, caps: Capabilities{SupportsIntervals: false}}
	_ = r.Register("a", backend, 1, true)

	_, err := r.Forecast(context.Background(), "a", Request{Confidences: []string{"095"}})
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(backend.lastConfidences) != 0 {
		t.Fatalf("expected confidences trimmed for a backend without interval support, got %v", backend.lastConfidences)
	}
}
