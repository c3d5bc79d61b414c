package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/config"
	"github.com/sawpanic/fxrun/internal/report"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

func newWalkForwardCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "walkforward",
		Aliases: []string{"wf"},
		Short:   "Select parameters on training windows and test them out of sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()
			start := time.Now()

			series, err := a.loadSeries(ctx)
			if err != nil {
				return err
			}
			splits, err := a.splits(series)
			if err != nil {
				return err
			}
			factory, err := a.oracleFactory()
			if err != nil {
				return err
			}

			orch := walkforward.New(a.cfg.WalkForwardOrchestrator(), factory, a.metrics)
			log.Info().
				Int("splits", len(splits)).
				Int("grid", a.cfg.WalkForward.Grid.Size()).
				Int("workers", a.cfg.WalkForward.Workers).
				Msg("walk-forward started")

			rep, err := orch.WalkForward(ctx, splits)
			if err != nil {
				return err
			}

			w, err := report.NewWriter(a.run.outDir)
			if err != nil {
				return err
			}
			files, err := w.WriteWalkForward(rep)
			if err != nil {
				return err
			}

			oos := rep.OutOfSample
			log.Info().
				Int("oos_trades", oos.TotalTrades).
				Float64("oos_profit_factor", float64(oos.ProfitFactor)).
				Float64("oos_net_pnl", oos.NetPnL).
				Strs("files", files).
				Int64("elapsed_ms", elapsed(start)).
				Msg("walk-forward complete")
			return nil
		},
	}
	return cmd
}

// splits builds year or rolling bar splits from the walk-forward section
func (a *app) splits(series *candles.Series) ([]*walkforward.Split, error) {
	wf := a.cfg.WalkForward
	warmup := a.cfg.Backtest.Warmup
	if wf.Split == config.SplitBars {
		step := wf.StepBars
		if step <= 0 {
			step = wf.TestBars
		}
		return walkforward.BarSplits(series, wf.TrainBars, wf.TestBars, step, warmup)
	}
	return walkforward.YearSplits(series, wf.TrainYears, warmup)
}
