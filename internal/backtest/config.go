package backtest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/signal"
)

// ErrInvalidConfig wraps every configuration problem
var ErrInvalidConfig = errors.New("invalid backtest config")

// FillPolicy decides where an accepted setup is filled
type FillPolicy string

const (
	// NextOpen fills at the open of the bar after the decision bar
	NextOpen FillPolicy = "NEXT_OPEN"
	// SignalClose fills at the decision bar's close
	SignalClose FillPolicy = "SIGNAL_CLOSE"
)

// ParseFillPolicy accepts NEXT_OPEN / SIGNAL_CLOSE in any case
func ParseFillPolicy(s string) (FillPolicy, error) {
	switch FillPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case NextOpen:
		return NextOpen, nil
	case SignalClose:
		return SignalClose, nil
	}
	return "", fmt.Errorf("%w: fill policy %q (want %s or %s)", ErrInvalidConfig, s, NextOpen, SignalClose)
}

// Config describes one backtest run
type Config struct {
	Symbol         string               `yaml:"symbol" json:"symbol"`
	Timeframe      candles.Timeframe    `yaml:"timeframe" json:"timeframe"`
	FillPolicy     FillPolicy           `yaml:"fill_policy" json:"fill_policy"`
	ExitSemantics  broker.ExitSemantics `yaml:"exit_semantics" json:"exit_semantics"`
	Params         signal.Params        `yaml:"params" json:"params"`
	InitialBalance float64              `yaml:"initial_balance" json:"initial_balance"`
	Warmup         int                  `yaml:"warmup" json:"warmup"`
	MaxConcurrent  int                  `yaml:"max_concurrent" json:"max_concurrent"`
	// StrictOracle fails the run with a StrictOracleError when any oracle
	// call failed. The run still covers every bar before failing.
	StrictOracle bool `yaml:"strict_oracle" json:"strict_oracle"`
}

// DefaultConfig returns the documented defaults for symbol
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		Timeframe:      candles.H1,
		FillPolicy:     NextOpen,
		ExitSemantics:  broker.OpenOnly,
		Params:         signal.DefaultParams(symbol),
		InitialBalance: 10000,
		Warmup:         200,
		MaxConcurrent:  1,
	}
}

// Validate checks the config against the oracle lookback and the number of
// bars available.
func (c Config) Validate(lookback, bars int) error {
	if _, err := ParseFillPolicy(string(c.FillPolicy)); err != nil {
		return err
	}
	if _, err := broker.ParseExitSemantics(string(c.ExitSemantics)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Params.Costs.Validate(); err != nil {
		return fmt.Errorf("%w: costs: %v", ErrInvalidConfig, err)
	}
	switch {
	case c.Params.LotSize <= 0 || math.IsNaN(c.Params.LotSize):
		return fmt.Errorf("%w: lot size must be positive, got %v", ErrInvalidConfig, c.Params.LotSize)
	case c.InitialBalance <= 0:
		return fmt.Errorf("%w: initial balance must be positive, got %v", ErrInvalidConfig, c.InitialBalance)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max concurrent positions must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrent)
	case c.Warmup < lookback:
		return fmt.Errorf("%w: warm-up %d is shorter than oracle lookback %d", ErrInvalidConfig, c.Warmup, lookback)
	case bars < c.Warmup:
		return fmt.Errorf("%w: %d bars cannot cover warm-up of %d", ErrInvalidConfig, bars, c.Warmup)
	}
	return nil
}
