package alertfilter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

func newTestRedisStore(t *testing.T) *RedisDedupStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDedupStore(client)
}

func TestRedisDedupStoreInsertAndGet(t *testing.T) {
	store := newTestRedisStore(t)
	now := time.Now()
	rec := alerting.DedupRecord{DedupKey: "t1\x1fcpu", FirstAlertID: "a1", FirstTriggeredAt: now, ExpiresAt: now.Add(time.Minute), Count: 1}

	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := store.Get(context.Background(), rec.DedupKey, now)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.FirstAlertID != "a1" {
		t.Fatalf("FirstAlertID = %q, want a1", got.FirstAlertID)
	}
}

func TestRedisDedupStoreExpiry(t *testing.T) {
	store := newTestRedisStore(t)
	now := time.Now()
	rec := alerting.DedupRecord{DedupKey: "t1\x1fcpu", ExpiresAt: now.Add(time.Minute), Count: 1}
	store.Insert(context.Background(), rec)

	_, ok, err := store.Get(context.Background(), rec.DedupKey, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected expired record to be treated as absent")
	}
}

func TestRedisDedupStoreIncrement(t *testing.T) {
	store := newTestRedisStore(t)
	now := time.Now()
	rec := alerting.DedupRecord{DedupKey: "t1\x1fcpu", ExpiresAt: now.Add(time.Minute), Count: 1}
	store.Insert(context.Background(), rec)

	count, err := store.Increment(context.Background(), rec.DedupKey, now)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestRedisDedupStoreCountSince(t *testing.T) {
	store := newTestRedisStore(t)
	now := time.Now()
	store.Insert(context.Background(), alerting.DedupRecord{DedupKey: "t1\x1fcpu", FirstTriggeredAt: now, ExpiresAt: now.Add(time.Minute)})
	store.Insert(context.Background(), alerting.DedupRecord{DedupKey: "t1\x1fmem", FirstTriggeredAt: now, ExpiresAt: now.Add(time.Minute)})
	store.Insert(context.Background(), alerting.DedupRecord{DedupKey: "t2\x1fcpu", FirstTriggeredAt: now, ExpiresAt: now.Add(time.Minute)})

	count, err := store.CountSince(context.Background(), "t1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
