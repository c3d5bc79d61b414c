package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/config"
	"github.com/sawpanic/fxrun/internal/metrics"
)

// app carries state shared by every subcommand
type app struct {
	configPath string
	envFiles   []string
	logLevel   string

	run     runFlags
	cfg     *config.Config
	metrics *metrics.Registry
}

// runFlags override the run file from the command line
type runFlags struct {
	symbol        string
	timeframe     string
	from          string
	to            string
	dataDir       string
	csvPath       string
	outDir        string
	fillPolicy    string
	exitSemantics string
	oracle        string
	strict        bool
	save          bool
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.symbol, "symbol", "s", "", "currency pair, e.g. EURUSD")
	fs.StringVarP(&f.timeframe, "timeframe", "t", "", "bar timeframe (M1,M5,M15,M30,H1,H4,D1,W1)")
	fs.StringVar(&f.from, "from", "", "first bar date (2006-01-02 or RFC3339)")
	fs.StringVar(&f.to, "to", "", "end date, exclusive")
	fs.StringVar(&f.dataDir, "data-dir", "", "directory of <SYMBOL>_<TF>.csv files")
	fs.StringVar(&f.csvPath, "csv", "", "read bars from this CSV file")
	fs.StringVarP(&f.outDir, "out", "o", "out", "output directory for reports")
	fs.StringVar(&f.fillPolicy, "fill-policy", "", "NEXT_OPEN or SIGNAL_CLOSE")
	fs.StringVar(&f.exitSemantics, "exit-semantics", "", "open_only or ohlc_intrabar")
	fs.StringVar(&f.oracle, "oracle", "", "local or remote")
	fs.BoolVar(&f.strict, "strict-oracle", false, "abort the run on any oracle failure")
	fs.BoolVar(&f.save, "save", false, "store the run in postgres")
}

// apply overlays explicitly set flags on cfg
func (f *runFlags) apply(cfg *config.Config) error {
	if f.symbol != "" {
		sym := strings.ToUpper(f.symbol)
		if sym != cfg.Backtest.Symbol {
			// symbol drives pip size and default costs
			fresh := config.Default(sym)
			cfg.Costs.PipSize = fresh.Costs.PipSize
			cfg.Backtest.Params.Costs.PipSize = fresh.Costs.PipSize
		}
		cfg.Backtest.Symbol = sym
	}
	if f.timeframe != "" {
		tf, err := candles.ParseTimeframe(f.timeframe)
		if err != nil {
			return err
		}
		cfg.Backtest.Timeframe = tf
	}
	if f.from != "" {
		cfg.Data.From = f.from
	}
	if f.to != "" {
		cfg.Data.To = f.to
	}
	if f.dataDir != "" {
		cfg.Data.Source = config.SourceCSV
		cfg.Data.Dir = f.dataDir
	}
	if f.fillPolicy != "" {
		p, err := backtest.ParseFillPolicy(f.fillPolicy)
		if err != nil {
			return err
		}
		cfg.Backtest.FillPolicy = p
	}
	if f.exitSemantics != "" {
		s, err := broker.ParseExitSemantics(f.exitSemantics)
		if err != nil {
			return err
		}
		cfg.Backtest.ExitSemantics = s
	}
	if f.oracle != "" {
		cfg.Oracle.Mode = strings.ToLower(f.oracle)
	}
	if f.strict {
		cfg.Backtest.StrictOracle = true
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Forex S/R rejection signal backtester",
		Long:          "fxrun backtests a support/resistance rejection-candle strategy bar by bar, runs walk-forward parameter searches and serves live signals.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML run file (defaults when empty)")
	pf.StringSliceVar(&a.envFiles, "env-file", nil, ".env files to load (default ./.env if present)")
	pf.StringVar(&a.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	a.run.register(pf)

	root.AddCommand(
		newBacktestCmd(a),
		newWalkForwardCmd(a),
		newGridCmd(a),
		newMonteCarloCmd(a),
		newServeCmd(a),
		newValidateCmd(a),
	)
	return root
}

// init loads env files and the run file and applies flag overrides
func (a *app) init() error {
	if err := setLogLevel(a.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	if err := config.LoadEnv(a.envFiles...); err != nil {
		return err
	}

	var cfg *config.Config
	if a.configPath != "" {
		parsed, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = parsed
	} else {
		d := config.Default("EURUSD")
		config.ApplyEnv(&d)
		cfg = &d
	}
	if err := a.run.apply(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.metrics = metrics.NewRegistry()
	log.Debug().
		Str("symbol", cfg.Backtest.Symbol).
		Str("timeframe", string(cfg.Backtest.Timeframe)).
		Str("oracle", cfg.Oracle.Mode).
		Msg("configuration loaded")
	return nil
}
