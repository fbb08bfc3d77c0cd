package alertfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// RedisDedupStore is a DedupStore backed by go-redis, for deployments
// running more than one ingest/rules instance against a shared cache. Keys
// are namespaced under "sentrypulse:dedup:" and expire via Redis TTL rather
// than the periodic Cleanup sweep (Cleanup is a no-op here).
type RedisDedupStore struct {
	client *redis.Client
	prefix string
}

// NewRedisDedupStore wraps an existing go-redis client.
func NewRedisDedupStore(client *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{client: client, prefix: "sentrypulse:dedup:"}
}

func (s *RedisDedupStore) key(k string) string { return s.prefix + k }

func (s *RedisDedupStore) Get(ctx context.Context, key string, now time.Time) (alerting.DedupRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return alerting.DedupRecord{}, false, nil
	}
	if err != nil {
		return alerting.DedupRecord{}, false, fmt.Errorf("redis get dedup record: %w", err)
	}
	var rec alerting.DedupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return alerting.DedupRecord{}, false, fmt.Errorf("unmarshal dedup record: %w", err)
	}
	if !rec.ExpiresAt.After(now) {
		return alerting.DedupRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisDedupStore) Increment(ctx context.Context, key string, now time.Time) (int, error) {
	rec, ok, err := s.Get(ctx, key, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	rec.Count++
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.save(ctx, rec, ttl); err != nil {
		return 0, err
	}
	return rec.Count, nil
}

func (s *RedisDedupStore) Insert(ctx context.Context, rec alerting.DedupRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.save(ctx, rec, ttl)
}

func (s *RedisDedupStore) save(ctx context.Context, rec alerting.DedupRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dedup record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.DedupKey), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set dedup record: %w", err)
	}
	return nil
}

// CountSince scans the tenant's dedup keys via SCAN + MATCH. Acceptable
// since registration (rule creation) is rare relative to evaluation and
// the key space per tenant stays bounded by the dedup TTL.
func (s *RedisDedupStore) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	iter := s.client.Scan(ctx, 0, s.key(tenantID)+"\x1f*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec alerting.DedupRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.FirstTriggeredAt.Before(since) {
			count++
		}
	}
	return count, iter.Err()
}

// Cleanup is a no-op: Redis TTLs handle expiry natively.
func (s *RedisDedupStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
