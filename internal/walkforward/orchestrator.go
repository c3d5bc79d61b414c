// Package walkforward selects oracle thresholds on training windows and
// measures them on later, disjoint test windows.
package walkforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/signal"
	"github.com/sawpanic/fxrun/internal/stats"
)

// OracleFactory builds a fresh oracle per run so no cooldown state leaks
// between runs.
type OracleFactory func() signal.Oracle

// Observer tracks in-flight runs; internal/metrics implements it
type Observer interface {
	RunStarted()
	RunFinished()
}

// Config configures the orchestrator
type Config struct {
	Backtest backtest.Config `yaml:"backtest" json:"backtest"`
	Grid     Grid            `yaml:"grid" json:"grid"`
	Workers  int             `yaml:"workers" json:"workers"`
	// MinTrades excludes sparse runs from selection unless no run has
	// that many trades. Zero, the default, ranks the whole grid so the
	// selection has the best training profit factor of all candidates.
	MinTrades int       `yaml:"min_trades" json:"min_trades"`
	Objective Objective `yaml:"objective" json:"objective"`
}

// DefaultConfig returns orchestrator defaults around the backtest
// defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Backtest:  backtest.DefaultConfig(symbol),
		Workers:   4,
		Objective: ObjectiveProfitFactor,
	}
}

// RunResult is one backtest of one parameter combination
type RunResult struct {
	Params  ParamSet      `json:"params"`
	Summary stats.Summary `json:"summary"`
	trades  []*broker.Position
}

// Selection is the parameter choice made on a split's training window.
// Eligible counts the candidates it was ranked against.
type Selection struct {
	Params   ParamSet      `json:"params"`
	Train    stats.Summary `json:"train"`
	Eligible int           `json:"eligible"`
	split    *Split
}

// SplitResult is the outcome of one train/test split
type SplitResult struct {
	Split       string             `json:"split"`
	TrainFrom   time.Time          `json:"train_from"`
	TrainTo     time.Time          `json:"train_to"`
	TestFrom    time.Time          `json:"test_from"`
	TestTo      time.Time          `json:"test_to"`
	Selected    ParamSet           `json:"selected"`
	Eligible    int                `json:"eligible"`
	Candidates  []RunResult        `json:"candidates"`
	Train       stats.Summary      `json:"train"`
	Test        stats.Summary      `json:"test"`
	Degradation stats.Ratio        `json:"degradation"`
	TestTrades  []*broker.Position `json:"-"`
}

// Report aggregates a walk-forward
type Report struct {
	Splits      []SplitResult `json:"splits"`
	OutOfSample stats.Summary `json:"out_of_sample"`
}

// Orchestrator runs grids of backtests on a bounded worker pool
type Orchestrator struct {
	cfg      Config
	factory  OracleFactory
	observer Observer
}

// New creates an orchestrator. Workers below 1 run one at a time.
func New(cfg Config, factory OracleFactory, obs Observer) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Objective == "" {
		cfg.Objective = ObjectiveProfitFactor
	}
	return &Orchestrator{cfg: cfg, factory: factory, observer: obs}
}

// WalkForward selects on every split's training window and then runs the
// selection once on its test window.
func (o *Orchestrator) WalkForward(ctx context.Context, splits []*Split) (*Report, error) {
	if len(splits) == 0 {
		return nil, ErrNoSplits
	}
	rep := &Report{Splits: make([]SplitResult, 0, len(splits))}
	var oos []stats.Outcome
	for _, sp := range splits {
		if sp.warmup != o.cfg.Backtest.Warmup {
			return nil, fmt.Errorf("split %s was built with warm-up %d, backtest uses %d", sp.Name, sp.warmup, o.cfg.Backtest.Warmup)
		}
		sel, candidates, err := o.Select(ctx, sp)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", sp.Name, err)
		}

		testSeries, err := sp.Test(sel)
		if err != nil {
			return nil, err
		}
		test, err := o.run(ctx, testSeries, sel.Params)
		if err != nil {
			return nil, fmt.Errorf("split %s test run: %w", sp.Name, err)
		}

		r := SplitResult{
			Split:       sp.Name,
			TrainFrom:   sp.TrainFrom,
			TrainTo:     sp.TrainTo,
			TestFrom:    sp.TestFrom,
			TestTo:      sp.TestTo,
			Selected:    sel.Params,
			Eligible:    sel.Eligible,
			Candidates:  candidates,
			Train:       sel.Train,
			Test:        test.Summary,
			Degradation: stats.Ratio(Degradation(float64(sel.Train.ProfitFactor), float64(test.Summary.ProfitFactor))),
			TestTrades:  test.trades,
		}
		rep.Splits = append(rep.Splits, r)
		oos = append(oos, stats.FromPositions(test.trades)...)

		log.Info().
			Str("split", sp.Name).
			Str("selected", sel.Params.String()).
			Int("eligible", sel.Eligible).
			Float64("train_pf", float64(sel.Train.ProfitFactor)).
			Float64("test_pf", float64(test.Summary.ProfitFactor)).
			Float64("test_net", test.Summary.NetPnL).
			Msg("walk-forward split complete")
	}
	rep.OutOfSample = stats.Summarize(oos, o.cfg.Backtest.InitialBalance)
	return rep, nil
}

// Select runs the grid on the split's training series only and picks the
// best training profit factor among the eligible candidates, ties broken by
// net P&L.
func (o *Orchestrator) Select(ctx context.Context, sp *Split) (*Selection, []RunResult, error) {
	results, err := o.runGrid(ctx, sp.Train())
	if err != nil {
		return nil, nil, err
	}
	best, eligible := pickBest(results, o.cfg.MinTrades)
	return &Selection{Params: best.Params, Train: best.Summary, Eligible: eligible, split: sp}, results, nil
}

// GridSearch runs every combination on series and returns them best first
// by the configured objective.
func (o *Orchestrator) GridSearch(ctx context.Context, series *candles.Series) ([]RunResult, error) {
	results, err := o.runGrid(ctx, series)
	if err != nil {
		return nil, err
	}
	key := objectiveKey(o.cfg.Objective)
	sort.SliceStable(results, func(i, j int) bool {
		a, b := key(results[i].Summary), key(results[j].Summary)
		if a != b {
			return a > b
		}
		return results[i].Summary.NetPnL > results[j].Summary.NetPnL
	})
	return results, nil
}

func (o *Orchestrator) runGrid(ctx context.Context, series *candles.Series) ([]RunResult, error) {
	combos := o.cfg.Grid.Combinations(o.cfg.Backtest.Params)
	results := make([]RunResult, len(combos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, ps := range combos {
		i, ps := i, ps
		g.Go(func() error {
			r, err := o.run(gctx, series, ps)
			if err != nil {
				return fmt.Errorf("%s: %w", ps, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) run(ctx context.Context, series *candles.Series, ps ParamSet) (RunResult, error) {
	if o.observer != nil {
		o.observer.RunStarted()
		defer o.observer.RunFinished()
	}
	cfg := o.cfg.Backtest
	cfg.Params = ps.Apply(cfg.Params)
	var opts []backtest.Option
	if ro, ok := o.observer.(backtest.RunObserver); ok {
		opts = append(opts, backtest.WithObserver(ro))
	}
	oracle := o.factory()
	if c, ok := oracle.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Str("params", ps.String()).Msg("failed to close oracle session")
			}
		}()
	}
	res, err := backtest.NewEngine(cfg, opts...).Run(ctx, series, oracle)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Params: ps, Summary: res.Summary, trades: res.Trades}, nil
}

// pickBest returns the best run and the number of runs it was chosen from
func pickBest(results []RunResult, minTrades int) (RunResult, int) {
	eligible := results
	if minTrades > 0 {
		eligible = nil
		for _, r := range results {
			if r.Summary.TotalTrades >= minTrades {
				eligible = append(eligible, r)
			}
		}
		if len(eligible) == 0 {
			eligible = results
		}
	}
	best := eligible[0]
	for _, r := range eligible[1:] {
		pf, bpf := float64(r.Summary.ProfitFactor), float64(best.Summary.ProfitFactor)
		if pf > bpf || (pf == bpf && r.Summary.NetPnL > best.Summary.NetPnL) {
			best = r
		}
	}
	return best, len(eligible)
}

func objectiveKey(obj Objective) func(stats.Summary) float64 {
	switch obj {
	case ObjectiveNetPnL:
		return func(s stats.Summary) float64 { return s.NetPnL }
	case ObjectiveWinRate:
		return func(s stats.Summary) float64 { return s.WinRate }
	case ObjectiveExpectancy:
		return func(s stats.Summary) float64 { return s.Expectancy }
	}
	return func(s stats.Summary) float64 { return float64(s.ProfitFactor) }
}

// Degradation is test/train profit factor. Two infinite factors give 1,
// an infinite training factor against a finite test factor gives 0, and
// a zero training factor gives 0.
func Degradation(trainPF, testPF float64) float64 {
	switch {
	case math.IsInf(trainPF, 1) && math.IsInf(testPF, 1):
		return 1
	case math.IsInf(trainPF, 1), trainPF == 0:
		return 0
	}
	return testPF / trainPF
}

// ErrNoSplits is returned when a walk-forward has nothing to run
var ErrNoSplits = errors.New("no walk-forward splits")
