package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fxrun/internal/persistence"
)

func newMockRepo(t *testing.T) (persistence.RunRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewRunsRepo(sqlx.NewDb(mockDB, "postgres"), 5*time.Second), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func sampleRun() (persistence.RunRecord, []persistence.TradeRow, []persistence.EquityRow) {
	t0 := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	run := persistence.RunRecord{
		RunID:         "7b7c1f7e-8d0e-4f43-9f6b-1b5d1c0f9a11",
		Kind:          "backtest",
		Symbol:        "EURUSD",
		Timeframe:     "H1",
		FillPolicy:    "NEXT_OPEN",
		ExitSemantics: "open_only",
		FirstBar:      t0,
		LastBar:       t0.Add(300 * time.Hour),
		Params:        []byte(`{"min_confidence":0.7}`),
		Trades:        1,
		WinRate:       1,
		ProfitFactor:  2.5,
		NetPnL:        12.4,
	}
	trades := []persistence.TradeRow{{
		PositionID: 1, Direction: "BUY", SignalTime: t0, EntryTime: t0.Add(time.Hour),
		ExitTime: t0.Add(5 * time.Hour), EntryPrice: 1.1009, ExitPrice: 1.1030,
		StopLoss: 1.0990, LotSize: 0.01, ExitReason: "TP2", GrossPnL: 2.1, NetPnL: 1.8, RMultiple: 1.1,
	}}
	equity := []persistence.EquityRow{
		{Time: t0, Balance: 10000, Equity: 10000},
		{Time: t0.Add(time.Hour), Balance: 10000, Unrealized: 0.4, Equity: 10000.4},
	}
	return run, trades, equity
}

func TestSaveRun_WritesAllRowsInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	run, trades, equity := sampleRun()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	runArgs := anyArgs(15)
	runArgs[0] = run.RunID
	runArgs[2] = "EURUSD"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO fx_runs").
		WithArgs(runArgs...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), created))

	tradeArgs := anyArgs(14)
	tradeArgs[0] = int64(42)
	tradeArgs[10] = "TP2"
	prepTrades := mock.ExpectPrepare("INSERT INTO fx_trades")
	prepTrades.ExpectExec().WithArgs(tradeArgs...).WillReturnResult(sqlmock.NewResult(0, 1))

	prepEquity := mock.ExpectPrepare("INSERT INTO fx_equity")
	for _, e := range equity {
		prepEquity.ExpectExec().
			WithArgs(int64(42), e.Time, e.Balance, e.Unrealized, e.Equity).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	id, err := repo.SaveRun(context.Background(), run, trades, equity)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRun_DuplicateRunID(t *testing.T) {
	repo, mock := newMockRepo(t)
	run, _, _ := sampleRun()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO fx_runs").
		WithArgs(anyArgs(15)...).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := repo.SaveRun(context.Background(), run, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRun))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRun_RollsBackOnTradeFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	run, trades, equity := sampleRun()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO fx_runs").
		WithArgs(anyArgs(15)...).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectPrepare("INSERT INTO fx_trades").
		ExpectExec().WithArgs(anyArgs(14)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.SaveRun(context.Background(), run, trades, equity)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert trade 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

var runColumns = []string{
	"id", "run_id", "kind", "symbol", "timeframe", "fill_policy", "exit_semantics",
	"first_bar", "last_bar", "params", "trades", "win_rate", "profit_factor", "net_pnl",
	"max_drawdown", "max_drawdown_pct", "created_at",
}

func TestGetRun(t *testing.T) {
	repo, mock := newMockRepo(t)
	run, _, _ := sampleRun()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .* FROM fx_runs WHERE id = \\$1").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
			int64(42), run.RunID, run.Kind, run.Symbol, run.Timeframe, run.FillPolicy, run.ExitSemantics,
			run.FirstBar, run.LastBar, run.Params, int64(1), 1.0, 2.5, 12.4, 3.0, 0.03, created))

	got, err := repo.GetRun(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, 1, got.Trades)
	assert.Equal(t, 2.5, got.ProfitFactor)
	assert.JSONEq(t, `{"min_confidence":0.7}`, string(got.Params))
	assert.Equal(t, created, got.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .* FROM fx_runs").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(runColumns))

	got, err := repo.GetRun(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns_DefaultLimit(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .* FROM fx_runs").
		WithArgs("", 50).
		WillReturnRows(sqlmock.NewRows(runColumns))

	runs, err := repo.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrades(t *testing.T) {
	repo, mock := newMockRepo(t)
	_, trades, _ := sampleRun()
	tr := trades[0]

	cols := []string{"run_id", "position_id", "direction", "signal_time", "entry_time", "exit_time",
		"entry_price", "exit_price", "stop_loss", "lot_size", "exit_reason", "gross_pnl", "net_pnl", "r_multiple"}
	mock.ExpectQuery("SELECT .* FROM fx_trades").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(42), int64(1), tr.Direction, tr.SignalTime, tr.EntryTime, tr.ExitTime,
			tr.EntryPrice, tr.ExitPrice, tr.StopLoss, tr.LotSize, tr.ExitReason, tr.GrossPnL, tr.NetPnL, tr.RMultiple))

	got, err := repo.Trades(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "TP2", got[0].ExitReason)
	assert.Equal(t, int64(42), got[0].RunID)
	assert.Equal(t, 1.1030, got[0].ExitPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	for range Schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Migrate(context.Background(), sqlx.NewDb(mockDB, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
