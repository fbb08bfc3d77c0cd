// Package eventbus is an in-memory publish/subscribe bus connecting the
// ingest, forecast/anomaly, and alerting subsystems. Adapted directly from
// the teacher's internal/event.Bus, with the plugin.EventBus interface
// inlined here since SentryPulse has no plugin host to define it
// externally.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Topic names used across SentryPulse's subsystems.
const (
	TopicMetricsIngested  = "metrics.ingested"
	TopicForecastProduced = "forecast.produced"
	TopicAnomalyDetected  = "anomaly.detected"
	TopicAlertTriggered   = "alert.triggered"
	TopicAlertAcknowledged = "alert.acknowledged"
	TopicAlertEscalated   = "alert.escalated"
	TopicAlertResolved    = "alert.resolved"
	TopicAlertSuppressed  = "alert.suppressed"
	TopicNotificationSent = "notification.sent"
)

// Event is a typed message carried on the bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp int64 // unix millis; callers stamp it, the bus never reads the clock
	Payload   any
}

// Handler processes an event delivered by the bus.
type Handler func(ctx context.Context, event Event)

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus.
type Subscriber interface {
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

// Bus provides typed publish/subscribe for inter-component communication.
// Publish is synchronous (handlers run in the caller's goroutine); PublishAsync
// dispatches handlers in separate goroutines. Both recover from handler
// panics so a broken subscriber cannot take down the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	allSubs  []handlerEntry
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// New creates a new in-memory event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	topicHandlers, allHandlers := b.snapshot(event.Topic)
	for _, h := range topicHandlers {
		b.safeCall(ctx, h.handler, event)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h.handler, event)
	}
	return nil
}

// PublishAsync dispatches an event asynchronously to all matching handlers.
func (b *Bus) PublishAsync(ctx context.Context, event Event) {
	topicHandlers, allHandlers := b.snapshot(event.Topic)
	for _, h := range topicHandlers {
		go b.safeCall(ctx, h.handler, event)
	}
	for _, h := range allHandlers {
		go b.safeCall(ctx, h.handler, event)
	}
}

func (b *Bus) snapshot(topic string) (topicHandlers, allHandlers []handlerEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topicHandlers = make([]handlerEntry, len(b.handlers[topic]))
	copy(topicHandlers, b.handlers[topic])
	allHandlers = make([]handlerEntry, len(b.allSubs))
	copy(allHandlers, b.allSubs)
	return topicHandlers, allHandlers
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for all topics. Returns an unsubscribe func.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
