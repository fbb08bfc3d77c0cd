package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// SQLStore persists alert rules, grounded on the teacher's
// internal/pulse/store.go manual database/sql idiom. The rule body is kept
// as a JSON blob (Condition/Routing/Suppression are tagged unions that
// don't map cleanly onto relational columns) with tenant_id, metric_key,
// and enabled broken out as real columns for filtering.
type SQLStore struct {
	pool *dbpool.Pool
}

// NewSQLStore creates a SQLStore backed by pool.
func NewSQLStore(pool *dbpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// Migrations returns the schema migrations for the rules table.
func Migrations() []dbpool.Migration {
	return []dbpool.Migration{
		{
			Version:     1,
			Description: "create rules table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS rules (
						rule_id    TEXT PRIMARY KEY,
						tenant_id  TEXT NOT NULL,
						metric_key TEXT NOT NULL,
						enabled    INTEGER NOT NULL DEFAULT 1,
						body_json  TEXT NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_rules_tenant ON rules(tenant_id)`,
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

// Migrate applies the rules package's schema migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.pool.Migrate(ctx, "rules", Migrations())
}

// ListRules satisfies Engine's Store interface, returning every rule
// regardless of tenant (the engine filters by tenant at read time).
func (s *SQLStore) ListRules() ([]alerting.Rule, error) {
	return s.list(context.Background(), "")
}

func (s *SQLStore) list(ctx context.Context, tenantID string) ([]alerting.Rule, error) {
	var rules []alerting.Rule
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		query := `SELECT body_json FROM rules`
		args := []any{}
		if tenantID != "" {
			query += ` WHERE tenant_id = ?`
			args = append(args, tenantID)
		}
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query rules: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return fmt.Errorf("scan rule row: %w", err)
			}
			var r alerting.Rule
			if err := json.Unmarshal([]byte(body), &r); err != nil {
				return fmt.Errorf("unmarshal rule: %w", err)
			}
			rules = append(rules, r)
		}
		return rows.Err()
	})
	return rules, err
}

// ListByTenant returns rules scoped to one tenant.
func (s *SQLStore) ListByTenant(ctx context.Context, tenantID string) ([]alerting.Rule, error) {
	return s.list(ctx, tenantID)
}

// Get returns one rule by id, or nil if it doesn't exist.
func (s *SQLStore) Get(ctx context.Context, ruleID string) (*alerting.Rule, error) {
	var body string
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT body_json FROM rules WHERE rule_id = ?`, ruleID).Scan(&body)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	var r alerting.Rule
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &r, nil
}

// Save upserts a rule.
func (s *SQLStore) Save(ctx context.Context, r alerting.Rule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO rules (rule_id, tenant_id, metric_key, enabled, body_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.RuleID, r.TenantID, r.MetricKey, enabled, string(body), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("save rule: %w", err)
		}
		return nil
	})
}

// Delete removes a rule by id.
func (s *SQLStore) Delete(ctx context.Context, ruleID string) error {
	return s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM rules WHERE rule_id = ?`, ruleID)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		return nil
	})
}
