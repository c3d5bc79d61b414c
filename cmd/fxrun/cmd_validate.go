package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	var configOnly bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the run file and, unless --config-only, the bar data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			log.Info().
				Str("symbol", cfg.Backtest.Symbol).
				Float64("pip_size", cfg.Costs.PipSize).
				Float64("round_trip_cost_pips", cfg.Costs.RoundTripCostPips()).
				Int("lookback", cfg.Lookback()).
				Int("warmup", cfg.Backtest.Warmup).
				Msg("configuration valid")
			if configOnly {
				return nil
			}

			ctx, cancel := interruptContext()
			defer cancel()
			series, err := a.loadSeries(ctx)
			if err != nil {
				return err
			}
			// bar count is known now, so the full backtest check can run
			if err := cfg.Backtest.Validate(cfg.Lookback(), series.Len()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d bars from %s to %s OK\n",
				cfg.Backtest.Symbol, cfg.Backtest.Timeframe, series.Len(),
				series.At(0).Time.Format("2006-01-02 15:04"), series.Last().Time.Format("2006-01-02 15:04"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&configOnly, "config-only", false, "skip loading bars")
	return cmd
}
