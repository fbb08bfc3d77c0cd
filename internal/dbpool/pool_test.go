package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func openTestPool(t *testing.T, maxSize int) *Pool {
	t.Helper()
	p, err := Open(":memory:", maxSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = p.db.Close() })
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := openTestPool(t, 2)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	stats := p.Stats()
	if stats.InUse != 1 {
		t.Fatalf("InUse = %d, want 1", stats.InUse)
	}
	p.Release(h)
	stats = p.Stats()
	if stats.InUse != 0 {
		t.Fatalf("InUse after release = %d, want 0", stats.InUse)
	}
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(h)

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned before timeout elapsed: %s", elapsed)
	}
}

func TestDrainRejectsNewAcquisitions(t *testing.T) {
	p := openTestPool(t, 2)
	ctx := context.Background()

	if err := p.Drain(ctx, time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	_, err := p.Acquire(ctx, time.Second)
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestDrainWaitsForReleases(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(h)
	}()

	if err := p.Drain(ctx, time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	p := openTestPool(t, 1)
	if err := p.HealthCheck(context.Background(), time.Second); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestMigrateSkipsApplied(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	calls := 0
	migrations := []Migration{
		{Version: 1, Description: "create widgets", Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY)")
			return err
		}},
	}

	if err := p.Migrate(ctx, "widget", migrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := p.Migrate(ctx, "widget", migrations); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}
	if calls != 1 {
		t.Fatalf("Up called %d times, want 1", calls)
	}
}

func TestCheckVersionRejectsOlderBinary(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	if err := p.CheckVersion(ctx, "1.2.0"); err != nil {
		t.Fatalf("CheckVersion (first): %v", err)
	}
	if err := p.CheckVersion(ctx, "1.1.0"); !errors.Is(err, ErrNewerSchema) {
		t.Fatalf("expected ErrNewerSchema, got %v", err)
	}
}

func TestCheckVersionDevBypass(t *testing.T) {
	p := openTestPool(t, 1)
	ctx := context.Background()

	if err := p.CheckVersion(ctx, "2.0.0"); err != nil {
		t.Fatalf("CheckVersion: %v", err)
	}
	if err := p.CheckVersion(ctx, "dev"); err != nil {
		t.Fatalf("CheckVersion dev bypass: %v", err)
	}
}
