package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// SQLStore persists alert states and their transition history, grounded on
// the teacher's internal/pulse/store.go manual database/sql idiom. State is
// kept as a JSON blob (mirroring internal/rules.SQLStore) since alerting.State
// nests MetricContext/Routing; alert_id, tenant_id, and status are broken
// out as real columns for filtering.
type SQLStore struct {
	pool *dbpool.Pool
}

// NewSQLStore creates a SQLStore backed by pool.
func NewSQLStore(pool *dbpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// Migrations returns the schema migrations for alert state and history.
func Migrations() []dbpool.Migration {
	return []dbpool.Migration{
		{
			Version:     1,
			Description: "create alert state and history tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS alert_state (
						alert_id   TEXT PRIMARY KEY,
						tenant_id  TEXT NOT NULL,
						status     TEXT NOT NULL,
						body_json  TEXT NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_alert_state_tenant ON alert_state(tenant_id)`,
					`CREATE INDEX IF NOT EXISTS idx_alert_state_status ON alert_state(status)`,
					`CREATE TABLE IF NOT EXISTS alert_history (
						id       INTEGER PRIMARY KEY AUTOINCREMENT,
						alert_id TEXT NOT NULL,
						body_json TEXT NOT NULL,
						at       DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id, at)`,
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

// Migrate applies the lifecycle package's schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.pool.Migrate(ctx, "lifecycle", Migrations())
}

// GetState returns the stored state for alertID, or nil if it doesn't exist.
func (s *SQLStore) GetState(ctx context.Context, alertID string) (*alerting.State, error) {
	var body string
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT body_json FROM alert_state WHERE alert_id = ?`, alertID).Scan(&body)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert state: %w", err)
	}
	var st alerting.State
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("unmarshal alert state: %w", err)
	}
	return &st, nil
}

// SaveState upserts an alert state.
func (s *SQLStore) SaveState(ctx context.Context, st alerting.State) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal alert state: %w", err)
	}
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO alert_state (alert_id, tenant_id, status, body_json, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			st.AlertID, st.TenantID, string(st.Status), string(body), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("save alert state: %w", err)
		}
		return nil
	})
}

// AppendHistory records one lifecycle transition.
func (s *SQLStore) AppendHistory(ctx context.Context, h alerting.HistoryEntry) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO alert_history (alert_id, body_json, at) VALUES (?, ?, ?)`,
			h.AlertID, string(body), h.At.UTC())
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		return nil
	})
}

// ListHistory returns every transition recorded for alertID, ordered
// oldest first (supplemented feature, spec §4.15: "every transition appends
// a history entry" implies a corresponding read path).
func (s *SQLStore) ListHistory(ctx context.Context, alertID string) ([]alerting.HistoryEntry, error) {
	var entries []alerting.HistoryEntry
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT body_json FROM alert_history WHERE alert_id = ? ORDER BY at ASC`, alertID)
		if err != nil {
			return fmt.Errorf("query history: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return fmt.Errorf("scan history row: %w", err)
			}
			var h alerting.HistoryEntry
			if err := json.Unmarshal([]byte(body), &h); err != nil {
				return fmt.Errorf("unmarshal history entry: %w", err)
			}
			entries = append(entries, h)
		}
		return rows.Err()
	})
	return entries, err
}

// ListByStatus returns states matching any of the given statuses.
func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...alerting.AlertStatus) ([]alerting.State, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := fmt.Sprintf(`SELECT body_json FROM alert_state WHERE status IN (%s)`, strings.Join(placeholders, ", "))
	return s.query(ctx, query, args)
}

// ListByTenant returns all states for one tenant.
func (s *SQLStore) ListByTenant(ctx context.Context, tenantID string) ([]alerting.State, error) {
	return s.query(ctx, `SELECT body_json FROM alert_state WHERE tenant_id = ?`, []any{tenantID})
}

func (s *SQLStore) query(ctx context.Context, query string, args []any) ([]alerting.State, error) {
	var states []alerting.State
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query alert states: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return fmt.Errorf("scan alert state row: %w", err)
			}
			var st alerting.State
			if err := json.Unmarshal([]byte(body), &st); err != nil {
				return fmt.Errorf("unmarshal alert state: %w", err)
			}
			states = append(states, st)
		}
		return rows.Err()
	})
	return states, err
}
