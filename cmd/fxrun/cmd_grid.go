package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fxrun/internal/report"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

func newGridCmd(a *app) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Backtest every parameter combination over the full range",
		Long:  "Runs the walk-forward grid in-sample on all loaded bars and ranks the combinations by the configured objective. In-sample results overfit; use walkforward for selection.",
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

			orch := walkforward.New(a.cfg.WalkForwardOrchestrator(), factory, a.metrics)
			results, err := orch.GridSearch(ctx, series)
			if err != nil {
				return err
			}

			w, err := report.NewWriter(a.run.outDir)
			if err != nil {
				return err
			}
			files, err := w.WriteGrid(results)
			if err != nil {
				return err
			}

			for i, r := range results {
				if i >= top {
					break
				}
				log.Info().
					Int("rank", i+1).
					Str("params", r.Params.String()).
					Int("trades", r.Summary.TotalTrades).
					Float64("profit_factor", float64(r.Summary.ProfitFactor)).
					Float64("net_pnl", r.Summary.NetPnL).
					Msg("grid result")
			}
			log.Info().
				Int("combinations", len(results)).
				Strs("files", files).
				Int64("elapsed_ms", elapsed(start)).
				Msg("grid search complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&top, "top", 5, "number of best combinations to log")
	return cmd
}
