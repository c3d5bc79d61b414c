package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the run tables. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS fx_runs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		fill_policy TEXT NOT NULL,
		exit_semantics TEXT NOT NULL,
		first_bar TIMESTAMPTZ NOT NULL,
		last_bar TIMESTAMPTZ NOT NULL,
		params JSONB NOT NULL,
		trades INTEGER NOT NULL,
		win_rate DOUBLE PRECISION NOT NULL,
		profit_factor DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL,
		max_drawdown_pct DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS fx_runs_symbol_idx ON fx_runs (symbol, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS fx_trades (
		run_id BIGINT NOT NULL REFERENCES fx_runs(id) ON DELETE CASCADE,
		position_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		signal_time TIMESTAMPTZ NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL,
		lot_size DOUBLE PRECISION NOT NULL,
		exit_reason TEXT NOT NULL,
		gross_pnl DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL,
		r_multiple DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, position_id)
	)`,
	`CREATE TABLE IF NOT EXISTS fx_equity (
		run_id BIGINT NOT NULL REFERENCES fx_runs(id) ON DELETE CASCADE,
		ts TIMESTAMPTZ NOT NULL,
		balance DOUBLE PRECISION NOT NULL,
		unrealized_pnl DOUBLE PRECISION NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, ts)
	)`,
}

// Migrate applies Schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
