package persistence

import (
	"context"
	"time"
)

// TimeRange is a time window for queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RunRecord is one stored backtest or walk-forward run with its summary
type RunRecord struct {
	ID             int64     `json:"id" db:"id"`
	RunID          string    `json:"run_id" db:"run_id"`
	Kind           string    `json:"kind" db:"kind"`
	Symbol         string    `json:"symbol" db:"symbol"`
	Timeframe      string    `json:"timeframe" db:"timeframe"`
	FillPolicy     string    `json:"fill_policy" db:"fill_policy"`
	ExitSemantics  string    `json:"exit_semantics" db:"exit_semantics"`
	FirstBar       time.Time `json:"first_bar" db:"first_bar"`
	LastBar        time.Time `json:"last_bar" db:"last_bar"`
	Params         []byte    `json:"params" db:"params"`
	Trades         int       `json:"trades" db:"trades"`
	WinRate        float64   `json:"win_rate" db:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor" db:"profit_factor"`
	NetPnL         float64   `json:"net_pnl" db:"net_pnl"`
	MaxDrawdown    float64   `json:"max_drawdown" db:"max_drawdown"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct" db:"max_drawdown_pct"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TradeRow is one closed position of a run
type TradeRow struct {
	RunID      int64     `json:"run_id" db:"run_id"`
	PositionID int       `json:"position_id" db:"position_id"`
	Direction  string    `json:"direction" db:"direction"`
	SignalTime time.Time `json:"signal_time" db:"signal_time"`
	EntryTime  time.Time `json:"entry_time" db:"entry_time"`
	ExitTime   time.Time `json:"exit_time" db:"exit_time"`
	EntryPrice float64   `json:"entry_price" db:"entry_price"`
	ExitPrice  float64   `json:"exit_price" db:"exit_price"`
	StopLoss   float64   `json:"stop_loss" db:"stop_loss"`
	LotSize    float64   `json:"lot_size" db:"lot_size"`
	ExitReason string    `json:"exit_reason" db:"exit_reason"`
	GrossPnL   float64   `json:"gross_pnl" db:"gross_pnl"`
	NetPnL     float64   `json:"net_pnl" db:"net_pnl"`
	RMultiple  float64   `json:"r_multiple" db:"r_multiple"`
}

// EquityRow is one equity curve point of a run
type EquityRow struct {
	RunID      int64     `json:"run_id" db:"run_id"`
	Time       time.Time `json:"time" db:"ts"`
	Balance    float64   `json:"balance" db:"balance"`
	Unrealized float64   `json:"unrealized_pnl" db:"unrealized_pnl"`
	Equity     float64   `json:"equity" db:"equity"`
}

// RunRepository stores completed runs. A run, its trades and its equity
// curve are written atomically.
type RunRepository interface {
	// SaveRun inserts the run and its rows and returns the new id
	SaveRun(ctx context.Context, run RunRecord, trades []TradeRow, equity []EquityRow) (int64, error)

	// GetRun returns nil without error when id is unknown
	GetRun(ctx context.Context, id int64) (*RunRecord, error)

	// ListRuns returns the newest runs, optionally for one symbol
	ListRuns(ctx context.Context, symbol string, limit int) ([]RunRecord, error)

	// Trades returns a run's trades in closing order
	Trades(ctx context.Context, runID int64) ([]TradeRow, error)
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
