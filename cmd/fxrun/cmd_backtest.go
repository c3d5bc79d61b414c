package main

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/report"
	"github.com/sawpanic/fxrun/internal/stats"
)

// robustnessFlags control the Monte Carlo checks run after a backtest
type robustnessFlags struct {
	iterations int
	seed       int64
}

func newBacktestCmd(a *app) *cobra.Command {
	var rf robustnessFlags

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a single bar-by-bar backtest",
		Long:  "Replays the configured bars through the signal oracle and broker and writes trades, equity, summary and a markdown report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptContext()
			defer cancel()
			start := time.Now()

			series, err := a.loadSeries(ctx)
			if err != nil {
				return err
			}
			factory, err := a.oracleFactory()
			if err != nil {
				return err
			}

			oracle := factory()
			res, err := a.newEngine(a.cfg.Backtest).Run(ctx, series, oracle)
			closeOracle(oracle)
			var strict *backtest.StrictOracleError
			if errors.As(err, &strict) {
				log.Error().Int("failures", len(strict.Bars)).Msg("strict oracle mode aborted the run")
			}
			if err != nil {
				return err
			}

			rc := report.RobustnessCheck{}
			if rf.iterations > 0 && len(res.Trades) > 0 {
				pnls := res.PnLs()
				mc := stats.MonteCarlo(pnls, res.Summary.MaxDrawdown, rf.iterations, rf.seed)
				bs := stats.Bootstrap(pnls, res.Summary.MaxDrawdown, rf.iterations, rf.seed)
				rc.MonteCarlo, rc.Bootstrap = &mc, &bs
			}

			w, err := report.NewWriter(a.run.outDir)
			if err != nil {
				return err
			}
			files, err := w.WriteBacktest(res, rc)
			if err != nil {
				return err
			}
			if err := a.saveRun(ctx, "backtest", res); err != nil {
				return err
			}

			s := res.Summary
			log.Info().
				Int("trades", s.TotalTrades).
				Float64("win_rate", s.WinRate).
				Float64("profit_factor", float64(s.ProfitFactor)).
				Float64("net_pnl", s.NetPnL).
				Float64("max_drawdown_pct", s.MaxDrawdownPct).
				Strs("files", files).
				Int64("elapsed_ms", elapsed(start)).
				Msg("backtest complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&rf.iterations, "mc-iterations", 1000, "Monte Carlo and bootstrap iterations (0 to skip)")
	cmd.Flags().Int64Var(&rf.seed, "seed", 42, "random seed for Monte Carlo")
	return cmd
}
