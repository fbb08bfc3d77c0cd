package notify

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// ChannelResult pairs a routing entry's channel ref with the final result
// of dispatching to it.
type ChannelResult struct {
	Channel alerting.ChannelRef
	Result  Result
	Attempts int
}

// ChannelConfigResolver maps a routing entry to the delivery config a
// Channel implementation needs (destination override, secrets, policy).
type ChannelConfigResolver func(ref alerting.ChannelRef) ChannelConfig

// Dispatcher fans an alert out to every channel in its routing, retrying
// each independently (spec §4.14).
type Dispatcher struct {
	channels map[alerting.ChannelType]Channel
	resolve  ChannelConfigResolver
	logger   *zap.Logger
	sleep    func(d time.Duration)
}

// New creates a Dispatcher. resolve supplies per-channel-ref delivery
// config (destination, secret, timeout, retries).
func New(channels []Channel, resolve ChannelConfigResolver, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	byType := make(map[alerting.ChannelType]Channel, len(channels))
	for _, c := range channels {
		byType[c.Type()] = c
	}
	return &Dispatcher{
		channels: byType,
		resolve:  resolve,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// Dispatch sends alert to every channel in routing.Channels, retrying a
// failed-and-retryable send with exponential backoff for up to the
// channel config's Retries attempts in total (3 when unset). The
// dispatcher never returns an error: per-channel failures are captured in
// the returned results.
func (d *Dispatcher) Dispatch(ctx context.Context, alert alerting.State, trigger *alerting.Trigger, routing alerting.Routing) []ChannelResult {
	results := make([]ChannelResult, 0, len(routing.Channels))
	for _, ref := range routing.Channels {
		results = append(results, d.dispatchOne(ctx, alert, trigger, ref))
	}
	return results
}

const maxRetries = 3

func (d *Dispatcher) dispatchOne(ctx context.Context, alert alerting.State, trigger *alerting.Trigger, ref alerting.ChannelRef) ChannelResult {
	channel, ok := d.channels[ref.Type]
	if !ok {
		return ChannelResult{Channel: ref, Result: Result{Success: false, Retryable: false, Error: "no channel registered for type " + string(ref.Type)}}
	}

	cfg := d.resolve(ref)
	if !cfg.Enabled {
		return ChannelResult{Channel: ref, Result: Result{Success: false, Retryable: false, Error: "channel disabled"}}
	}

	var last Result
	attempts := 0
	limit := cfg.retries()
	for attempt := 1; attempt <= limit; attempt++ {
		attempts = attempt
		last = channel.Send(ctx, SendInput{Alert: alert, Trigger: trigger, ChannelConfig: cfg, Attempt: attempt})
		if last.Success || !last.Retryable {
			break
		}

		d.logger.Warn("notification send failed, will retry",
			zap.String("channel_type", string(ref.Type)),
			zap.String("alert_id", alert.AlertID),
			zap.Int("attempt", attempt),
			zap.String("error", last.Error),
		)

		if attempt < limit {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			d.sleep(backoff)
		}
	}

	return ChannelResult{Channel: ref, Result: last, Attempts: attempts}
}
