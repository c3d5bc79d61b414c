package backtest

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/stats"
)

// EquityPoint is the account state after a processed bar
type EquityPoint struct {
	Time       time.Time `json:"time"`
	Balance    float64   `json:"balance"`
	Unrealized float64   `json:"unrealized_pnl"`
	Equity     float64   `json:"equity"`
}

// Result is the read-only outcome of a completed run
type Result struct {
	Config         Config             `json:"config"`
	Data           candles.Metadata   `json:"data"`
	Trades         []*broker.Position `json:"trades"`
	Equity         []EquityPoint      `json:"equity"`
	Signals        SignalCounters     `json:"signals"`
	OracleFailures []time.Time        `json:"oracle_failures,omitempty"`
	Summary        stats.Summary      `json:"summary"`
	Duration       time.Duration      `json:"duration"`
}

// PnLs returns per-trade net P&L in closing order
func (r *Result) PnLs() []float64 {
	out := make([]float64, len(r.Trades))
	for i, t := range r.Trades {
		out[i] = t.RealizedNet
	}
	return out
}

// StrictOracleError fails a strict run and lists every bar whose oracle
// call failed. The engine does not stop at the first failure: it simulates
// the whole series with failed bars treated as no-signal, then discards the
// result and returns this error. Err is the last oracle error seen.
type StrictOracleError struct {
	Bars []time.Time
	Err  error
}

func (e *StrictOracleError) Error() string {
	times := make([]string, 0, len(e.Bars))
	for _, t := range e.Bars {
		times = append(times, t.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("oracle failed on %d bar(s) in strict mode [%s]: %v", len(e.Bars), strings.Join(times, ", "), e.Err)
}

func (e *StrictOracleError) Unwrap() error { return e.Err }
