// Package dbpool implements the bounded database connection pool (spec §4.1)
// backed by modernc.org/sqlite, generalizing the teacher's single-writer
// SQLite constraint (internal/store/store.go: db.SetMaxOpenConns(1), "SQLite
// performs best with a single write connection") into an explicit pool of
// checked-out *sql.Conn handles drawn from one *sql.DB, gated by a buffered
// channel used as a FIFO semaphore -- the same shape as the teacher's
// pulse.Scheduler.tick worker semaphore.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite"
)

// Sentinel errors returned at the pool boundary (spec §4.1).
var (
	ErrTimeout      = errors.New("timeout")
	ErrShuttingDown = errors.New("shutting down")
	ErrNewerSchema  = errors.New("database was created by a newer version of sentrypulse")
)

// Handle is a borrowed database connection. Callers must call Release
// exactly once, normally via Pool.WithHandle.
type Handle struct {
	conn *sql.Conn
	pool *Pool
}

// Conn exposes the underlying *sql.Conn for queries.
func (h *Handle) Conn() *sql.Conn { return h.conn }

// Stats is a snapshot of pool utilization.
type Stats struct {
	MaxSize     int
	InUse       int
	Available   int
	WaitersBlocked int
}

// Migration is one versioned, idempotent schema change for a component.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Pool is a fixed-size pool of *sql.Conn handles over a single *sql.DB.
type Pool struct {
	db   *sql.DB
	sem  chan struct{}
	size int

	mu        sync.Mutex
	inUse     int
	draining  bool
	once      sync.Once // guards _migrations table creation
	migMu     sync.Mutex
}

// Open creates (or opens) a SQLite database at path, applies WAL pragmas,
// and returns a Pool bounded to maxSize concurrently-borrowed handles.
func Open(path string, maxSize int) (*Pool, error) {
	if maxSize <= 0 {
		maxSize = 10
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(maxSize)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-20000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	return &Pool{
		db:   db,
		sem:  make(chan struct{}, maxSize),
		size: maxSize,
	}, nil
}

// DB returns the underlying *sql.DB for callers that need raw access
// (e.g. sqlmock-backed tests construct a Pool around an injected *sql.DB
// via NewFromDB instead).
func (p *Pool) DB() *sql.DB { return p.db }

// NewFromDB wraps an already-open *sql.DB (used by tests with go-sqlmock).
func NewFromDB(db *sql.DB, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &Pool{db: db, sem: make(chan struct{}, maxSize), size: maxSize}
}

// Acquire borrows a handle, blocking up to timeout. Returns ErrTimeout if
// none becomes available in time, ErrShuttingDown if the pool is draining.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p.mu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-deadline.Done():
		if errors.Is(deadline.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, deadline.Err()
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()

	return &Handle{conn: conn, pool: p}, nil
}

// Release returns a handle to the pool. Safe to call once per Acquire.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.conn == nil {
		return
	}
	_ = h.conn.Close()
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	<-p.sem
}

// WithHandle acquires a handle, runs fn, and releases the handle regardless
// of fn's outcome.
func (p *Pool) WithHandle(ctx context.Context, timeout time.Duration, fn func(*sql.Conn) error) error {
	h, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.conn)
}

// Tx runs fn within a transaction on a pooled connection, committing on nil
// and rolling back otherwise.
func (p *Pool) Tx(ctx context.Context, timeout time.Duration, fn func(tx *sql.Tx) error) error {
	return p.WithHandle(ctx, timeout, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
			}
			return err
		}
		return tx.Commit()
	})
}

// Stats returns a snapshot of current pool utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:   p.size,
		InUse:     p.inUse,
		Available: p.size - p.inUse,
	}
}

// HealthCheck borrows a handle and runs a trivial query.
func (p *Pool) HealthCheck(ctx context.Context, timeout time.Duration) error {
	return p.WithHandle(ctx, timeout, func(conn *sql.Conn) error {
		var one int
		return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// Drain stops accepting new acquisitions (further Acquire calls return
// ErrShuttingDown) and waits until all outstanding handles are released or
// deadline elapses, then closes the underlying database.
func (p *Pool) Drain(ctx context.Context, deadline time.Duration) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeoutAt := time.Now().Add(deadline)

	for {
		p.mu.Lock()
		inUse := p.inUse
		p.mu.Unlock()
		if inUse == 0 {
			return p.db.Close()
		}
		if time.Now().After(timeoutAt) {
			_ = p.db.Close()
			return fmt.Errorf("drain: %w after waiting %s with %d handles still in use", ErrTimeout, deadline, inUse)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Migrate runs pending migrations for the named component, skipping those
// already recorded in the shared _migrations table. Migrations must be
// supplied in ascending Version order.
func (p *Pool) Migrate(ctx context.Context, component string, migrations []Migration) error {
	if err := p.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	p.migMu.Lock()
	defer p.migMu.Unlock()

	for _, m := range migrations {
		applied, err := p.isMigrationApplied(ctx, component, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, component, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", component, m.Version, m.Description, err)
		}
	}
	return nil
}

func (p *Pool) ensureMigrationsTable(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		_, err = p.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				component   TEXT    NOT NULL,
				version     INTEGER NOT NULL,
				description TEXT    NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (component, version)
			)
		`)
	})
	return err
}

func (p *Pool) isMigrationApplied(ctx context.Context, component string, version int) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM _migrations WHERE component = ? AND version = ?",
		component, version,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s/%d: %w", component, version, err)
	}
	return count > 0, nil
}

func (p *Pool) applyMigration(ctx context.Context, component string, m Migration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (component, version, description) VALUES (?, ?, ?)",
		component, m.Version, m.Description,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CheckVersion guards against an older binary opening a database created by
// a newer one. The special version "dev" always passes.
func (p *Pool) CheckVersion(ctx context.Context, currentVersion string) error {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _schema_meta (
			id          INTEGER  PRIMARY KEY CHECK (id = 1),
			app_version TEXT     NOT NULL,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("ensure schema meta table: %w", err)
	}

	var stored string
	err := p.db.QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = p.db.ExecContext(ctx,
			"INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)", currentVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	if stored == "dev" || currentVersion == "dev" {
		_, err = p.db.ExecContext(ctx,
			"UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1", currentVersion)
		return err
	}

	cur, sto := normalizeVersion(currentVersion), normalizeVersion(stored)
	if semver.Compare(cur, sto) < 0 {
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, currentVersion)
	}
	if semver.Compare(cur, sto) > 0 {
		_, err = p.db.ExecContext(ctx,
			"UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1", currentVersion)
		return err
	}
	return nil
}

func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
