// Package signal produces candidate trade setups from a window of closed
// bars. An Oracle is either the local support/resistance rejection
// detector or a client for a remote signal service.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/costs"
)

// ErrOracleUnavailable is returned while a remote oracle's breaker is open
var ErrOracleUnavailable = errors.New("signal oracle unavailable")

// Params is the tunable bundle passed to an Oracle on every evaluation
type Params struct {
	MinConfidence            float64     `yaml:"min_confidence" json:"min_confidence"`
	BrokenLevelCooldownHours float64     `yaml:"broken_level_cooldown_hours" json:"broken_level_cooldown_hours"`
	BrokenLevelBreakPips     float64     `yaml:"broken_level_break_pips" json:"broken_level_break_pips"`
	MinEdgePips              float64     `yaml:"min_edge_pips" json:"min_edge_pips"`
	SignalCooldownHours      float64     `yaml:"signal_cooldown_hours" json:"signal_cooldown_hours"`
	Costs                    costs.Model `yaml:"costs" json:"costs"`
	LotSize                  float64     `yaml:"lot_size" json:"lot_size"`
}

// DefaultParams returns the production thresholds for symbol
func DefaultParams(symbol string) Params {
	return Params{
		MinConfidence:            0.70,
		BrokenLevelCooldownHours: 24,
		BrokenLevelBreakPips:     15,
		MinEdgePips:              0,
		SignalCooldownHours:      4,
		Costs:                    costs.DefaultModel(symbol),
		LotSize:                  0.01,
	}
}

// Request asks an Oracle for a decision at the last bar of Bars
type Request struct {
	Symbol    string
	Timeframe candles.Timeframe
	Bars      []candles.Bar
	Params    Params
}

// DecisionTime is the time of the bar the decision is made at
func (r Request) DecisionTime() time.Time {
	if len(r.Bars) == 0 {
		return time.Time{}
	}
	return r.Bars[len(r.Bars)-1].Time
}

// Decision is an Oracle answer. Setup is nil when there is no trade and
// Reason then says why.
type Decision struct {
	Setup  *TradeSetup `json:"setup,omitempty"`
	Reason string      `json:"reason"`
}

// Hold builds a no-trade decision
func Hold(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Oracle evaluates a bar window. Implementations must only read the bars
// they are given.
type Oracle interface {
	Evaluate(ctx context.Context, req Request) (Decision, error)
	// Lookback is the minimum window length the oracle needs
	Lookback() int
}

// OracleError wraps a failed evaluation at a specific bar
type OracleError struct {
	BarTime time.Time
	Err     error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle failed at %s: %v", e.BarTime.UTC().Format(time.RFC3339), e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }
