package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/fxrun/internal/persistence"
)

// ErrDuplicateRun is returned when a run_id is already stored
var ErrDuplicateRun = errors.New("duplicate run")

// runsRepo implements RunRepository for PostgreSQL
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a new PostgreSQL run repository
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepository {
	return &runsRepo{
		db:      db,
		timeout: timeout,
	}
}

const insertRunQuery = `
		INSERT INTO fx_runs (run_id, kind, symbol, timeframe, fill_policy, exit_semantics,
			first_bar, last_bar, params, trades, win_rate, profit_factor, net_pnl,
			max_drawdown, max_drawdown_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`

const insertTradeQuery = `
		INSERT INTO fx_trades (run_id, position_id, direction, signal_time, entry_time, exit_time,
			entry_price, exit_price, stop_loss, lot_size, exit_reason, gross_pnl, net_pnl, r_multiple)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

const insertEquityQuery = `
		INSERT INTO fx_equity (run_id, ts, balance, unrealized_pnl, equity)
		VALUES ($1, $2, $3, $4, $5)`

// SaveRun writes the run, its trades and its equity curve in one transaction
func (r *runsRepo) SaveRun(ctx context.Context, run persistence.RunRecord, trades []persistence.TradeRow, equity []persistence.EquityRow) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, insertRunQuery,
		run.RunID, run.Kind, run.Symbol, run.Timeframe, run.FillPolicy, run.ExitSemantics,
		run.FirstBar, run.LastBar, run.Params, run.Trades, run.WinRate, run.ProfitFactor,
		run.NetPnL, run.MaxDrawdown, run.MaxDrawdownPct).
		Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateRun, run.RunID)
		}
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	if len(trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertTradeQuery)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare trade statement: %w", err)
		}
		defer stmt.Close()

		for i, t := range trades {
			_, err = stmt.ExecContext(ctx, run.ID, t.PositionID, t.Direction,
				t.SignalTime, t.EntryTime, t.ExitTime, t.EntryPrice, t.ExitPrice,
				t.StopLoss, t.LotSize, t.ExitReason, t.GrossPnL, t.NetPnL, t.RMultiple)
			if err != nil {
				return 0, fmt.Errorf("failed to insert trade %d: %w", i, err)
			}
		}
	}

	if len(equity) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertEquityQuery)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare equity statement: %w", err)
		}
		defer stmt.Close()

		for i, e := range equity {
			_, err = stmt.ExecContext(ctx, run.ID, e.Time, e.Balance, e.Unrealized, e.Equity)
			if err != nil {
				return 0, fmt.Errorf("failed to insert equity point %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	return run.ID, nil
}

const selectRunColumns = `id, run_id, kind, symbol, timeframe, fill_policy, exit_semantics,
		first_bar, last_bar, params, trades, win_rate, profit_factor, net_pnl,
		max_drawdown, max_drawdown_pct, created_at`

// GetRun retrieves a run by id
func (r *runsRepo) GetRun(ctx context.Context, id int64) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + selectRunColumns + ` FROM fx_runs WHERE id = $1`

	var run persistence.RunRecord
	err := r.db.QueryRowxContext(ctx, query, id).StructScan(&run)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the newest runs first
func (r *runsRepo) ListRuns(ctx context.Context, symbol string, limit int) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + selectRunColumns + ` FROM fx_runs
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	var runs []persistence.RunRecord
	if err := r.db.SelectContext(ctx, &runs, query, symbol, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Trades returns the closed positions of a run ordered by exit time
func (r *runsRepo) Trades(ctx context.Context, runID int64) ([]persistence.TradeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT run_id, position_id, direction, signal_time, entry_time, exit_time,
			entry_price, exit_price, stop_loss, lot_size, exit_reason, gross_pnl, net_pnl, r_multiple
		FROM fx_trades
		WHERE run_id = $1
		ORDER BY exit_time ASC, position_id ASC`

	var trades []persistence.TradeRow
	if err := r.db.SelectContext(ctx, &trades, query, runID); err != nil {
		return nil, fmt.Errorf("failed to query trades for run %d: %w", runID, err)
	}
	return trades, nil
}
