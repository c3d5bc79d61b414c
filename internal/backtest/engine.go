// Package backtest replays a validated candle series bar by bar against a
// signal oracle and a simulated broker.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/signal"
	"github.com/sawpanic/fxrun/internal/stats"
)

// RunObserver receives completed-run telemetry; internal/metrics
// implements it.
type RunObserver interface {
	ObserveRun(status string, d time.Duration)
	ObserveTrade(exitReason string)
}

// Clock is injectable for tests
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Engine runs backtests for one Config. It holds no per-run state, so one
// Engine may run many series, but each run needs its own oracle whenever
// the oracle keeps cooldown state.
type Engine struct {
	cfg      Config
	observer RunObserver
	clock    Clock
}

// Option customises an Engine
type Option func(*Engine)

// WithObserver reports run outcomes to obs
func WithObserver(obs RunObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithClock replaces the wall clock used for run durations
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine for cfg
func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, clock: realClock{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the run configuration
func (e *Engine) Config() Config { return e.cfg }

// Run simulates series from the warm-up index to the end. The oracle sees
// only bars up to and including the bar being decided on. Open positions
// are closed at the last close with reason MANUAL. Nothing is returned for
// a cancelled or failed run.
func (e *Engine) Run(ctx context.Context, series *candles.Series, oracle signal.Oracle) (*Result, error) {
	start := e.clock.Now()
	res, err := e.run(ctx, series, oracle)
	elapsed := e.clock.Now().Sub(start)

	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	if e.observer != nil {
		e.observer.ObserveRun(status, elapsed)
	}
	if err != nil {
		return nil, err
	}

	res.Duration = elapsed
	if e.observer != nil {
		for _, t := range res.Trades {
			e.observer.ObserveTrade(string(t.ExitReason))
		}
	}
	log.Info().
		Str("symbol", e.cfg.Symbol).
		Int("bars", series.Len()).
		Int("trades", len(res.Trades)).
		Float64("net_pnl", res.Summary.NetPnL).
		Float64("win_rate", res.Summary.WinRate).
		Dur("duration", elapsed).
		Msg("backtest complete")
	return res, nil
}

func (e *Engine) run(ctx context.Context, series *candles.Series, oracle signal.Oracle) (*Result, error) {
	cfg := e.cfg
	if series == nil {
		return nil, fmt.Errorf("%w: nil series", ErrInvalidConfig)
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: nil oracle", ErrInvalidConfig)
	}
	if err := cfg.Validate(oracle.Lookback(), series.Len()); err != nil {
		return nil, err
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = series.Timeframe()
	}

	n := series.Len()
	sess, err := newSession(cfg, oracle, n-cfg.Warmup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var lastOracleErr error
	for i := cfg.Warmup; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := series.At(i)
		sess.Broker.OnBar(bar)

		if sess.Broker.OpenCount() < cfg.MaxConcurrent {
			if err := e.decide(ctx, sess, series, i); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastOracleErr = err
			}
		}
		e.recordEquity(sess, bar)
	}

	if n > cfg.Warmup {
		last := series.Last()
		if ids := sess.Broker.CloseAll(last.Time, last.Close); len(ids) > 0 {
			log.Debug().Ints("positions", ids).Time("bar_time", last.Time).Msg("force closed at end of data")
			// the final point reflects the forced exits
			p := &sess.equity[len(sess.equity)-1]
			p.Balance = cfg.InitialBalance + sess.Broker.RealizedPnL()
			p.Unrealized = 0
			p.Equity = p.Balance
		}
	}

	if cfg.StrictOracle && len(sess.failures) > 0 {
		return nil, &StrictOracleError{Bars: sess.failures, Err: lastOracleErr}
	}

	trades := sess.Broker.Closed()
	return &Result{
		Config:         cfg,
		Data:           series.Metadata(),
		Trades:         trades,
		Equity:         sess.equity,
		Signals:        sess.Counters,
		OracleFailures: sess.failures,
		Summary:        stats.Summarize(stats.FromPositions(trades), cfg.InitialBalance),
	}, nil
}

// decide asks the oracle at bar i and opens a position for an accepted
// setup. A returned error is an oracle failure already recorded on sess.
func (e *Engine) decide(ctx context.Context, sess *Session, series *candles.Series, i int) error {
	cfg := e.cfg
	bar := series.At(i)
	req := signal.Request{
		Symbol:    cfg.Symbol,
		Timeframe: series.Timeframe(),
		Bars:      series.Window(i),
		Params:    cfg.Params,
	}

	d, err := sess.Oracle.Evaluate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		sess.Counters.Failed++
		sess.failures = append(sess.failures, bar.Time)
		log.Warn().Err(err).Str("symbol", cfg.Symbol).Time("bar_time", bar.Time).Msg("oracle failed, treating bar as no signal")
		return err
	}
	sess.count(d)
	if d.Setup == nil {
		return nil
	}

	setup := *d.Setup
	if err := signal.ValidateGeometry(setup); err != nil {
		sess.Counters.Rejected++
		log.Warn().
			Err(err).
			Time("bar_time", bar.Time).
			Str("direction", setup.Direction.String()).
			Float64("entry", setup.EntryPrice).
			Float64("sl", setup.StopLoss).
			Floats64("tp", setup.TakeProfit[:]).
			Floats64("tp_percent", setup.TPPercent[:]).
			Msg("setup rejected")
		return nil
	}

	if i+1 >= series.Len() {
		sess.Counters.Skipped++
		return nil
	}
	entryTime, rawEntry := bar.Time, bar.Close
	if cfg.FillPolicy == NextOpen {
		next := series.At(i + 1)
		entryTime, rawEntry = next.Time, next.Open
	}

	if _, err := sess.Broker.OpenPosition(setup, bar.Time, entryTime, rawEntry, cfg.Params.LotSize); err != nil {
		sess.Counters.Rejected++
		log.Warn().Err(err).Time("bar_time", bar.Time).Msg("broker refused setup")
	}
	return nil
}

func (e *Engine) recordEquity(sess *Session, bar candles.Bar) {
	balance := e.cfg.InitialBalance + sess.Broker.RealizedPnL()
	u := sess.Broker.Unrealized(bar)
	sess.equity = append(sess.equity, EquityPoint{
		Time:       bar.Time,
		Balance:    balance,
		Unrealized: u,
		Equity:     balance + u,
	})
}
