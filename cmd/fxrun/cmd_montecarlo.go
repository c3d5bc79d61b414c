package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fxrun/internal/report"
	"github.com/sawpanic/fxrun/internal/stats"
)

// robustnessReport is printed by the montecarlo command
type robustnessReport struct {
	Source     string                 `json:"source"`
	Summary    stats.Summary          `json:"summary"`
	MonteCarlo stats.MonteCarloResult `json:"monte_carlo"`
	Bootstrap  stats.MonteCarloResult `json:"bootstrap"`
}

func newMonteCarloCmd(a *app) *cobra.Command {
	var rf robustnessFlags

	cmd := &cobra.Command{
		Use:   "montecarlo <trades.csv>",
		Short: "Reshuffle and resample the trades of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rf.iterations <= 0 {
				return fmt.Errorf("--mc-iterations must be positive, got %d", rf.iterations)
			}
			records, err := report.ReadTrades(args[0])
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("%s has no trades", args[0])
			}

			outcomes := report.Outcomes(records)
			summary := stats.Summarize(outcomes, a.cfg.Backtest.InitialBalance)
			pnls := make([]float64, len(outcomes))
			for i, o := range outcomes {
				pnls[i] = o.NetPnL
			}

			rep := robustnessReport{
				Source:     args[0],
				Summary:    summary,
				MonteCarlo: stats.MonteCarlo(pnls, summary.MaxDrawdown, rf.iterations, rf.seed),
				Bootstrap:  stats.Bootstrap(pnls, summary.MaxDrawdown, rf.iterations, rf.seed),
			}
			log.Info().
				Int("trades", len(pnls)).
				Float64("p95_drawdown", rep.MonteCarlo.P95Drawdown).
				Float64("prob_loss", rep.Bootstrap.ProbLoss).
				Msg("robustness check complete")

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}

	cmd.Flags().IntVar(&rf.iterations, "mc-iterations", 1000, "iterations per simulation")
	cmd.Flags().Int64Var(&rf.seed, "seed", 42, "random seed")
	return cmd
}
