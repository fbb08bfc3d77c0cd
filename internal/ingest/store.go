package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
)

// IdempotencyStore persists request-level idempotency records.
type IdempotencyStore interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Save(ctx context.Context, rec IdempotencyRecord) error
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// DeadLetterStore persists failed ingest requests for retry.
type DeadLetterStore interface {
	Insert(ctx context.Context, e DeadLetterEntry) error
	Due(ctx context.Context, now time.Time) ([]DeadLetterEntry, error)
	Update(ctx context.Context, e DeadLetterEntry) error
}

// TenantStore ensures a tenant row exists before points are stored under it.
type TenantStore interface {
	EnsureTenant(ctx context.Context, tenantID string) error
}

// SQLStore is the modernc.org/sqlite-backed implementation of
// IdempotencyStore, DeadLetterStore, and TenantStore, grounded on the
// teacher's internal/pulse/store.go manual database/sql idiom.
type SQLStore struct {
	pool *dbpool.Pool
}

// NewSQLStore creates a SQLStore backed by pool.
func NewSQLStore(pool *dbpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// Migrations returns the schema migrations for organizations, idempotency
// keys, and the dead-letter queue.
func Migrations() []dbpool.Migration {
	return []dbpool.Migration{
		{
			Version:     1,
			Description: "create ingest support tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS organizations (
						tenant_id  TEXT PRIMARY KEY,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE TABLE IF NOT EXISTS idempotency_keys (
						key               TEXT PRIMARY KEY,
						request_id        TEXT NOT NULL,
						created_at        DATETIME NOT NULL,
						expires_at        DATETIME NOT NULL,
						original_response TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at)`,
					`CREATE TABLE IF NOT EXISTS dead_letter (
						id               TEXT PRIMARY KEY,
						original_request TEXT NOT NULL,
						error            TEXT NOT NULL,
						failed_at        DATETIME NOT NULL,
						retry_count      INTEGER NOT NULL DEFAULT 0,
						next_retry_at    DATETIME NOT NULL,
						status           TEXT NOT NULL DEFAULT 'pending'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_dead_letter_due ON dead_letter(status, next_retry_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Migrate applies the ingest package's schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.pool.Migrate(ctx, "ingest", Migrations())
}

// EnsureTenant inserts a tenant row if one doesn't already exist.
func (s *SQLStore) EnsureTenant(ctx context.Context, tenantID string) error {
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO organizations (tenant_id) VALUES (?)`, tenantID)
		if err != nil {
			return fmt.Errorf("ensure tenant: %w", err)
		}
		return nil
	})
}

// Get returns the stored idempotency record for key if it exists and has
// not expired as of now.
func (s *SQLStore) Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var respJSON string
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT key, request_id, created_at, expires_at, original_response
			 FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
			key, now.UTC())
		return row.Scan(&rec.Key, &rec.RequestID, &rec.CreatedAt, &rec.ExpiresAt, &respJSON)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if err := json.Unmarshal([]byte(respJSON), &rec.OriginalResponse); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency response: %w", err)
	}
	return &rec, nil
}

// Save upserts an idempotency record.
func (s *SQLStore) Save(ctx context.Context, rec IdempotencyRecord) error {
	respJSON, err := json.Marshal(rec.OriginalResponse)
	if err != nil {
		return fmt.Errorf("marshal idempotency response: %w", err)
	}
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO idempotency_keys (key, request_id, created_at, expires_at, original_response)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Key, rec.RequestID, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), string(respJSON))
		if err != nil {
			return fmt.Errorf("save idempotency record: %w", err)
		}
		return nil
	})
}

// Cleanup deletes expired idempotency records, returning the count removed.
func (s *SQLStore) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Insert adds a dead-letter entry.
func (s *SQLStore) Insert(ctx context.Context, e DeadLetterEntry) error {
	reqJSON, err := json.Marshal(e.OriginalRequest)
	if err != nil {
		return fmt.Errorf("marshal dead letter request: %w", err)
	}
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO dead_letter (id, original_request, error, failed_at, retry_count, next_retry_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(reqJSON), e.Error, e.FailedAt.UTC(), e.RetryCount, e.NextRetryAt.UTC(), e.Status)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

// Due returns pending dead-letter entries whose next_retry_at has elapsed.
func (s *SQLStore) Due(ctx context.Context, now time.Time) ([]DeadLetterEntry, error) {
	var entries []DeadLetterEntry
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, original_request, error, failed_at, retry_count, next_retry_at, status
			 FROM dead_letter WHERE status = ? AND next_retry_at <= ?`,
			DeadLetterPending, now.UTC())
		if err != nil {
			return fmt.Errorf("query due dead letters: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e DeadLetterEntry
			var reqJSON string
			if err := rows.Scan(&e.ID, &reqJSON, &e.Error, &e.FailedAt, &e.RetryCount, &e.NextRetryAt, &e.Status); err != nil {
				return fmt.Errorf("scan dead letter row: %w", err)
			}
			if err := json.Unmarshal([]byte(reqJSON), &e.OriginalRequest); err != nil {
				return fmt.Errorf("unmarshal dead letter request: %w", err)
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// Update persists a dead-letter entry's retry bookkeeping.
func (s *SQLStore) Update(ctx context.Context, e DeadLetterEntry) error {
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE dead_letter SET retry_count = ?, next_retry_at = ?, status = ? WHERE id = ?`,
			e.RetryCount, e.NextRetryAt.UTC(), e.Status, e.ID)
		if err != nil {
			return fmt.Errorf("update dead letter: %w", err)
		}
		return nil
	})
}
