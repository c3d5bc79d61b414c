package candles

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

type querier interface {
	query(ctx context.Context, q string, args ...any) (rowScanner, error)
}

type connQuerier struct {
	conn driver.Conn
}

func (c connQuerier) query(ctx context.Context, q string, args ...any) (rowScanner, error) {
	return c.conn.Query(ctx, q, args...)
}

// ClickHouseSource loads bars from a ClickHouse table with columns
// symbol, timeframe, time, open, high, low, close, volume.
type ClickHouseSource struct {
	db    querier
	table string
	close func() error
}

// NewClickHouseSource connects using a clickhouse:// DSN
func NewClickHouseSource(ctx context.Context, dsn, table string) (*ClickHouseSource, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &ClickHouseSource{db: connQuerier{conn: conn}, table: table, close: conn.Close}, nil
}

// Close releases the connection
func (s *ClickHouseSource) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *ClickHouseSource) buildQuery(q Query) (string, []any) {
	sql := fmt.Sprintf("SELECT time, open, high, low, close, volume FROM %s WHERE symbol = ? AND timeframe = ?", s.table)
	args := []any{q.Symbol, string(q.Timeframe)}
	if !q.From.IsZero() {
		sql += " AND time >= ?"
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		sql += " AND time < ?"
		args = append(args, q.To)
	}
	sql += " ORDER BY time"
	return sql, args
}

// Load implements Source
func (s *ClickHouseSource) Load(ctx context.Context, q Query) ([]Bar, error) {
	sql, args := s.buildQuery(q)
	rows, err := s.db.query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var (
			b   Bar
			vol uint64
		)
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Time = b.Time.UTC()
		b.Volume = int64(vol)
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bars: %w", err)
	}
	return FilterBars(bars, Query{Limit: q.Limit}), nil
}
