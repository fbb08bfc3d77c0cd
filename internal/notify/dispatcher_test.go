package notify

import (
	"context"
	"testing"
	"time"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

type fakeChannel struct {
	typ         alerting.ChannelType
	resultQueue []Result
	calls       int
}

func (f *fakeChannel) Type() alerting.ChannelType { return f.typ }

func (f *fakeChannel) Send(ctx context.Context, in SendInput) Result {
	idx := f.calls
	if idx >= len(f.resultQueue) {
		idx = len(f.resultQueue) - 1
	}
	f.calls++
	return f.resultQueue[idx]
}

func testAlert() alerting.State {
	return alerting.State{AlertID: "a1", TenantID: "t1", Severity: alerting.SeverityWarning, Status: alerting.StatusFiring, Title: "cpu high"}
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	ch := &fakeChannel{typ: alerting.ChannelWebhook, resultQueue: []Result{{Success: true}}}
	d := New([]Channel{ch}, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: true} }, nil)
	d.sleep = func(time.Duration) {}

	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelWebhook}}})
	if len(results) != 1 || !results[0].Result.Success {
		t.Fatalf("expected a single successful result, got %+v", results)
	}
	if results[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", results[0].Attempts)
	}
}

func TestDispatchRetriesOnRetryableFailure(t *testing.T) {
	ch := &fakeChannel{typ: alerting.ChannelWebhook, resultQueue: []Result{
		{Success: false, Retryable: true, Error: "timeout"},
		{Success: false, Retryable: true, Error: "timeout"},
		{Success: true},
	}}
	d := New([]Channel{ch}, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: true} }, nil)
	d.sleep = func(time.Duration) {} // skip real backoff sleeps in test

	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelWebhook}}})
	if !results[0].Result.Success {
		t.Fatalf("expected eventual success, got %+v", results[0])
	}
	if results[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", results[0].Attempts)
	}
}

func TestDispatchStopsRetryingOnNonRetryableFailure(t *testing.T) {
	ch := &fakeChannel{typ: alerting.ChannelWebhook, resultQueue: []Result{
		{Success: false, Retryable: false, Error: "bad request"},
	}}
	d := New([]Channel{ch}, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: true} }, nil)
	d.sleep = func(time.Duration) {}

	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelWebhook}}})
	if results[0].Attempts != 1 {
		t.Fatalf("expected no retries on a non-retryable failure, got %d attempts", results[0].Attempts)
	}
}

func TestDispatchExhaustsRetriesAndReportsFailure(t *testing.T) {
	ch := &fakeChannel{typ: alerting.ChannelWebhook, resultQueue: []Result{
		{Success: false, Retryable: true, Error: "timeout"},
	}}
	d := New([]Channel{ch}, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: true} }, nil)
	d.sleep = func(time.Duration) {}

	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelWebhook}}})
	if results[0].Result.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if results[0].Attempts != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, results[0].Attempts)
	}
}

func TestDispatchSkipsDisabledChannel(t *testing.T) {
	ch := &fakeChannel{typ: alerting.ChannelWebhook, resultQueue: []Result{{Success: true}}}
	d := New([]Channel{ch}, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: false} }, nil)

	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelWebhook}}})
	if results[0].Result.Success {
		t.Fatal("expected disabled channel to not be sent to")
	}
	if ch.calls != 0 {
		t.Fatalf("expected 0 calls to a disabled channel, got %d", ch.calls)
	}
}

func TestDispatchUnknownChannelTypeReportsError(t *testing.T) {
	d := New(nil, func(ref alerting.ChannelRef) ChannelConfig { return ChannelConfig{Enabled: true} }, nil)
	results := d.Dispatch(context.Background(), testAlert(), nil, alerting.Routing{Channels: []alerting.ChannelRef{{Type: alerting.ChannelPager}}})
	if results[0].Result.Success || results[0].Result.Error == "" {
		t.Fatalf("expected an error result for an unregistered channel type, got %+v", results[0])
	}
}

func TestColorForUnknownSeverityFallsBackToDefault(t *testing.T) {
	if got := colorFor(alerting.Severity("unknown")); got != chatDefaultColor {
		t.Fatalf("colorFor(unknown) = %q, want %q", got, chatDefaultColor)
	}
}
