package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/cache"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/config"
	"github.com/sawpanic/fxrun/internal/persistence"
	"github.com/sawpanic/fxrun/internal/persistence/postgres"
	fxsignal "github.com/sawpanic/fxrun/internal/signal"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

// interruptContext is cancelled on SIGINT or SIGTERM
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadSeries reads bars from the configured source and validates them
func (a *app) loadSeries(ctx context.Context) (*candles.Series, error) {
	cfg := a.cfg
	bars, err := a.loadBars(ctx)
	if err != nil {
		return nil, err
	}

	opts := cfg.ValidationOptions()
	series, err := candles.Validate(bars, opts)
	if err != nil {
		return nil, err
	}
	meta := series.Metadata()
	log.Info().
		Str("symbol", meta.Symbol).
		Str("timeframe", string(meta.Timeframe)).
		Int("bars", meta.BarCount).
		Time("from", meta.FirstTime).
		Time("to", meta.LastTime).
		Msg("bars loaded")
	return series, nil
}

func (a *app) loadBars(ctx context.Context) ([]candles.Bar, error) {
	cfg := a.cfg
	from, to, err := cfg.Data.Range()
	if err != nil {
		return nil, err
	}
	q := candles.Query{
		Symbol:    cfg.Backtest.Symbol,
		Timeframe: cfg.Backtest.Timeframe,
		From:      from,
		To:        to,
	}

	if a.run.csvPath != "" {
		f, err := os.Open(a.run.csvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bars: %w", err)
		}
		defer f.Close()
		bars, err := candles.ReadCSV(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.run.csvPath, err)
		}
		return candles.FilterBars(bars, q), nil
	}

	switch cfg.Data.Source {
	case config.SourceClickHouse:
		src, err := candles.NewClickHouseSource(ctx, cfg.Data.ClickHouseDSN, cfg.Data.ClickHouseTable)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return src.Load(ctx, q)
	default:
		return candles.NewCSVSource(cfg.Data.Dir).Load(ctx, q)
	}
}

// oracleFactory returns a fresh oracle per call. Local oracles get their
// own Tracker; remote oracles share one client but each call opens a new
// service session, so no cooldown state leaks between runs.
func (a *app) oracleFactory() (walkforward.OracleFactory, error) {
	cfg := a.cfg
	if cfg.Oracle.Mode != config.OracleRemote {
		local := cfg.Oracle.Local
		return func() fxsignal.Oracle {
			return fxsignal.NewLocalOracle(local, fxsignal.NewTracker())
		}, nil
	}

	remote, err := fxsignal.NewRemoteOracle(cfg.Oracle.Remote,
		fxsignal.WithCache(cache.New(cfg.Cache)),
		fxsignal.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", cfg.Oracle.Remote.BaseURL).Msg("using remote signal oracle")
	return func() fxsignal.Oracle { return remote.NewSession() }, nil
}

// closeOracle ends a remote session; local oracles hold nothing to release
func closeOracle(oracle fxsignal.Oracle) {
	if remote, ok := oracle.(*fxsignal.RemoteOracle); ok {
		st := remote.Stats()
		log.Info().
			Str("session", remote.Session()).
			Int("requests", st.Requests).
			Int("failures", st.Failures).
			Int("retries", st.Retries).
			Int("cache_hits", st.CacheHits).
			Int("throttled", st.Throttled).
			Dur("avg_latency", st.AvgLatency()).
			Float64("limiter_tokens", st.Limiter.Tokens).
			Msg("oracle session summary")
	}
	c, ok := oracle.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close oracle session")
	}
}

// newEngine builds an engine that reports into the metrics registry
func (a *app) newEngine(cfg backtest.Config) *backtest.Engine {
	return backtest.NewEngine(cfg, backtest.WithObserver(a.metrics))
}

// saveRun stores a completed run when persistence is enabled or --save is set
func (a *app) saveRun(ctx context.Context, kind string, res *backtest.Result) error {
	pcfg := a.cfg.Persistence
	if a.run.save {
		pcfg.Enabled = true
	}
	if !pcfg.Enabled {
		return nil
	}

	mgr, err := postgres.NewManager(ctx, pcfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	run, trades, equity, err := persistence.FromResult(kind, res)
	if err != nil {
		return err
	}
	id, err := mgr.Runs().SaveRun(ctx, run, trades, equity)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	log.Info().Int64("id", id).Str("run_id", run.RunID).Int("trades", len(trades)).Msg("run saved")
	return nil
}

func elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
