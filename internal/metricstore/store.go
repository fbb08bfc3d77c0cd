// Package metricstore implements the canonical metric store (C7): chunked
// batch insert with per-point primary-key dedup, range queries, and series
// projection for the forecast/anomaly backends. Grounded on the teacher's
// internal/pulse/store.go: plain database/sql, manual row scanning, ordered
// query helpers; the dedup-by-ignore idiom inverts the teacher's own
// INSERT OR REPLACE pattern since duplicate points must be silently
// coalesced rather than overwritten (spec §4.7).
package metricstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/internal/forecast"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

// DefaultChunkSize is the number of points written per INSERT statement
// (spec §4.7: "single statement per chunk of 100").
const DefaultChunkSize = 100

// Store persists canonical metric points in SQLite via a dbpool.Pool.
type Store struct {
	pool      *dbpool.Pool
	chunkSize int
}

// New creates a Store backed by pool.
func New(pool *dbpool.Pool) *Store {
	return &Store{pool: pool, chunkSize: DefaultChunkSize}
}

// SetChunkSize overrides the per-statement batch size used by StoreBatch.
// Callers such as the ingest handler wire this to their own configured
// chunk size (spec §4.6 step 5).
func (s *Store) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

// Migrations returns the schema migrations for the metrics table.
func Migrations() []dbpool.Migration {
	return []dbpool.Migration{
		{
			Version:     1,
			Description: "create metrics table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS metrics (
						tenant_id       TEXT NOT NULL,
						metric_key      TEXT NOT NULL,
						timestamp       DATETIME NOT NULL,
						value           REAL NOT NULL,
						dimensions_json TEXT NOT NULL DEFAULT '{}',
						provenance_json TEXT NOT NULL DEFAULT '{}',
						PRIMARY KEY (tenant_id, metric_key, timestamp, dimensions_json)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_metrics_range ON metrics(tenant_id, metric_key, timestamp)`,
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

// Migrate applies the metric store's schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.pool.Migrate(ctx, "metricstore", Migrations())
}

// BatchResult reports how many points from a StoreBatch call were newly
// inserted versus silently coalesced as duplicates (spec §4.7: "reported as
// duplicates, not errors").
type BatchResult struct {
	Inserted   int
	Duplicates int
}

// canonicalDimensionsJSON renders dims into a stable JSON string used both
// for the table's primary key and for round-tripping typed values back out
// of storage. json.Marshal sorts string map keys, so this is deterministic
// across calls with the same dimension set.
func canonicalDimensionsJSON(dims map[string]telemetry.DimensionValue) (string, error) {
	if len(dims) == 0 {
		return "{}", nil
	}
	raw := make(map[string]any, len(dims))
	for k, v := range dims {
		switch v.Is {
		case "string":
			raw[k] = v.S
		case "bool":
			raw[k] = v.B
		case "number":
			raw[k] = v.N
		default:
			raw[k] = v.String()
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("marshal dimensions: %w", err)
	}
	return string(b), nil
}

func decodeDimensionsJSON(s string) (map[string]telemetry.DimensionValue, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal dimensions: %w", err)
	}
	out := make(map[string]telemetry.DimensionValue, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = telemetry.StringDim(val)
		case bool:
			out[k] = telemetry.BoolDim(val)
		case float64:
			out[k] = telemetry.NumberDim(val)
		}
	}
	return out, nil
}

func canonicalProvenanceJSON(p telemetry.Provenance) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal provenance: %w", err)
	}
	return string(b), nil
}

func decodeProvenanceJSON(s string) telemetry.Provenance {
	var p telemetry.Provenance
	_ = json.Unmarshal([]byte(s), &p)
	return p
}

// StorePoint inserts a single point, silently ignoring it if an identical
// (tenant_id, metric_key, timestamp, dimensions_json) row already exists.
func (s *Store) StorePoint(ctx context.Context, p telemetry.Point) (BatchResult, error) {
	return s.StoreBatch(ctx, []telemetry.Point{p})
}

// StoreBatch inserts points in chunks of chunkSize, one multi-row INSERT OR
// IGNORE statement per chunk (spec §4.7).
func (s *Store) StoreBatch(ctx context.Context, points []telemetry.Point) (BatchResult, error) {
	var total BatchResult
	for start := 0; start < len(points); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(points) {
			end = len(points)
		}
		chunk := points[start:end]
		res, err := s.insertChunk(ctx, chunk)
		if err != nil {
			return total, err
		}
		total.Inserted += res.Inserted
		total.Duplicates += res.Duplicates
	}
	return total, nil
}

func (s *Store) insertChunk(ctx context.Context, chunk []telemetry.Point) (BatchResult, error) {
	if len(chunk) == 0 {
		return BatchResult{}, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT OR IGNORE INTO metrics (tenant_id, metric_key, timestamp, value, dimensions_json, provenance_json) VALUES ")
	args := make([]any, 0, len(chunk)*6)
	for i, p := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")

		dimsJSON, err := canonicalDimensionsJSON(p.Dimensions)
		if err != nil {
			return BatchResult{}, err
		}
		provJSON, err := canonicalProvenanceJSON(p.Provenance)
		if err != nil {
			return BatchResult{}, err
		}
		args = append(args, p.TenantID, p.MetricKey, p.Timestamp.UTC(), p.Value, dimsJSON, provJSON)
	}

	var affected int64
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("insert metrics chunk: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return BatchResult{}, err
	}

	return BatchResult{Inserted: int(affected), Duplicates: len(chunk) - int(affected)}, nil
}

// DimFilter restricts a query to points whose dimension value equals want
// for every named key.
type DimFilter map[string]telemetry.DimensionValue

// QueryParams selects a window of points for one tenant.
type QueryParams struct {
	TenantID  string
	MetricKey string // empty matches all metric keys
	From      *time.Time
	To        *time.Time
	DimFilter DimFilter
	Limit     int
	Offset    int
}

// Query returns points ordered by timestamp ascending, applying dimension
// filters in memory after the base range query (spec §4.7).
func (s *Store) Query(ctx context.Context, params QueryParams) ([]telemetry.Point, error) {
	var sb strings.Builder
	sb.WriteString("SELECT tenant_id, metric_key, timestamp, value, dimensions_json, provenance_json FROM metrics WHERE tenant_id = ?")
	args := []any{params.TenantID}

	if params.MetricKey != "" {
		sb.WriteString(" AND metric_key = ?")
		args = append(args, params.MetricKey)
	}
	if params.From != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, params.From.UTC())
	}
	if params.To != nil {
		sb.WriteString(" AND timestamp < ?")
		args = append(args, params.To.UTC())
	}
	sb.WriteString(" ORDER BY timestamp ASC")

	// Over-fetch when a dim filter is present, since matches are sparse
	// and applied after the round trip; the final limit/offset is enforced
	// in memory once dims are decoded.
	fetchLimit := params.Limit
	if len(params.DimFilter) > 0 && fetchLimit > 0 {
		fetchLimit = 0
	}
	if fetchLimit > 0 {
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, fetchLimit, params.Offset)
	}

	var points []telemetry.Point
	err := s.pool.WithHandle(ctx, 10*time.Second, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("query metrics: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				p                  telemetry.Point
				dimsJSON, provJSON string
			)
			if err := rows.Scan(&p.TenantID, &p.MetricKey, &p.Timestamp, &p.Value, &dimsJSON, &provJSON); err != nil {
				return fmt.Errorf("scan metric row: %w", err)
			}
			p.Timestamp = p.Timestamp.UTC()
			dims, err := decodeDimensionsJSON(dimsJSON)
			if err != nil {
				return err
			}
			p.Dimensions = dims
			p.Provenance = decodeProvenanceJSON(provJSON)
			points = append(points, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if len(params.DimFilter) > 0 {
		points = filterByDimensions(points, params.DimFilter)
		if params.Limit > 0 {
			lo := params.Offset
			if lo > len(points) {
				lo = len(points)
			}
			hi := lo + params.Limit
			if hi > len(points) {
				hi = len(points)
			}
			points = points[lo:hi]
		}
	}
	return points, nil
}

func filterByDimensions(points []telemetry.Point, filter DimFilter) []telemetry.Point {
	out := points[:0]
	for _, p := range points {
		match := true
		for k, want := range filter {
			got, ok := p.Dimensions[k]
			if !ok || got.String() != want.String() {
				match = false
				break
			}
		}
		if match {
			out = append(out, p)
		}
	}
	return out
}

// AsSeries projects a query result into the (timestamp, value) pairs the
// forecast and anomaly backends consume, sorted ascending.
func (s *Store) AsSeries(ctx context.Context, params QueryParams) ([]forecast.SeriesPoint, error) {
	points, err := s.Query(ctx, params)
	if err != nil {
		return nil, err
	}
	series := make([]forecast.SeriesPoint, len(points))
	for i, p := range points {
		series[i] = forecast.SeriesPoint{Timestamp: p.Timestamp, Value: p.Value}
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	return series, nil
}
