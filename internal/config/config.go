package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/cache"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/costs"
	"github.com/sawpanic/fxrun/internal/persistence/postgres"
	"github.com/sawpanic/fxrun/internal/signal"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

// Config is a complete run file
type Config struct {
	Data        DataConfig        `yaml:"data"`
	Costs       costs.Model       `yaml:"costs"`
	Backtest    backtest.Config   `yaml:"backtest"`
	Oracle      OracleConfig      `yaml:"oracle"`
	WalkForward WalkForwardConfig `yaml:"walkforward"`
	Persistence postgres.Config   `yaml:"persistence"`
	Cache       cache.Config      `yaml:"cache"`
	Server      ServerConfig      `yaml:"server"`
}

// DataConfig selects where bars come from and how they are validated
type DataConfig struct {
	Source          string `yaml:"source"` // csv or clickhouse
	Dir             string `yaml:"dir"`
	ClickHouseDSN   string `yaml:"clickhouse_dsn"`
	ClickHouseTable string `yaml:"clickhouse_table"`
	From            string `yaml:"from"` // RFC3339 or 2006-01-02, empty for unbounded
	To              string `yaml:"to"`
	MinBars         int    `yaml:"min_bars"`
	MaxGapPeriods   int    `yaml:"max_gap_periods"`
	AllowGaps       bool   `yaml:"allow_gaps"`
}

// OracleConfig selects the signal source
type OracleConfig struct {
	Mode   string              `yaml:"mode"` // local or remote
	Local  signal.LocalConfig  `yaml:"local"`
	Remote signal.RemoteConfig `yaml:"remote"`
}

// WalkForwardConfig configures splits and the parameter grid
type WalkForwardConfig struct {
	Split      string           `yaml:"split"` // years or bars
	TrainYears int              `yaml:"train_years"`
	TrainBars  int              `yaml:"train_bars"`
	TestBars   int              `yaml:"test_bars"`
	StepBars   int              `yaml:"step_bars"`
	Workers    int              `yaml:"workers"`
	MinTrades  int              `yaml:"min_trades"`
	Objective  string           `yaml:"objective"`
	Grid       walkforward.Grid `yaml:"grid"`
}

// ServerConfig configures the signal HTTP server
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

const (
	SourceCSV        = "csv"
	SourceClickHouse = "clickhouse"
	OracleLocal      = "local"
	OracleRemote     = "remote"
	SplitYears       = "years"
	SplitBars        = "bars"
)

// Default returns the documented defaults for symbol
func Default(symbol string) Config {
	vo := candles.DefaultValidationOptions()
	bt := backtest.DefaultConfig(symbol)
	wf := walkforward.DefaultConfig(symbol)
	return Config{
		Data: DataConfig{
			Source:          SourceCSV,
			Dir:             "data",
			ClickHouseTable: "fx_bars",
			MinBars:         vo.MinBars,
			MaxGapPeriods:   vo.MaxGapPeriods,
			AllowGaps:       vo.AllowGaps,
		},
		Costs:    bt.Params.Costs,
		Backtest: bt,
		Oracle: OracleConfig{
			Mode:   OracleLocal,
			Local:  signal.DefaultLocalConfig(),
			Remote: signal.DefaultRemoteConfig(),
		},
		WalkForward: WalkForwardConfig{
			Split:      SplitYears,
			TrainYears: 2,
			Workers:    wf.Workers,
			MinTrades:  wf.MinTrades,
			Objective:  string(wf.Objective),
			Grid: walkforward.Grid{
				MinConfidence:            []float64{0.65, 0.70, 0.75},
				BrokenLevelCooldownHours: []float64{12, 24, 48},
				MinEdgePips:              []float64{0, 2},
			},
		},
		Persistence: postgres.DefaultConfig(),
		Cache: cache.Config{
			Prefix: "fxrun:",
			TTL:    24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:           ":8000",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML run file over the defaults for its symbol, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating
func Parse(data []byte) (*Config, error) {
	// the symbol decides pip size, so it is read before the defaults are built
	var head struct {
		Backtest struct {
			Symbol string `yaml:"symbol"`
		} `yaml:"backtest"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	symbol := strings.ToUpper(strings.TrimSpace(head.Backtest.Symbol))
	if symbol == "" {
		symbol = "EURUSD"
	}

	cfg := Default(symbol)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Backtest.Symbol = symbol
	cfg.Backtest.Params.Costs = cfg.Costs
	return &cfg, nil
}

// Validate ensures the configuration is complete and consistent
func (c *Config) Validate() error {
	var errs []error

	switch c.Data.Source {
	case SourceCSV:
		if c.Data.Dir == "" {
			errs = append(errs, errors.New("data.dir cannot be empty for csv source"))
		}
	case SourceClickHouse:
		if c.Data.ClickHouseDSN == "" {
			errs = append(errs, errors.New("data.clickhouse_dsn is required for clickhouse source"))
		}
	default:
		errs = append(errs, fmt.Errorf("data.source must be csv or clickhouse, got %q", c.Data.Source))
	}
	if _, _, err := c.Data.Range(); err != nil {
		errs = append(errs, err)
	}
	if c.Data.MinBars <= 0 {
		errs = append(errs, fmt.Errorf("data.min_bars must be positive, got %d", c.Data.MinBars))
	}
	if _, err := candles.ParseTimeframe(string(c.Backtest.Timeframe)); err != nil {
		errs = append(errs, fmt.Errorf("backtest.timeframe: %w", err))
	}

	switch c.Oracle.Mode {
	case OracleLocal, OracleRemote:
	default:
		errs = append(errs, fmt.Errorf("oracle.mode must be local or remote, got %q", c.Oracle.Mode))
	}
	if c.Oracle.Mode == OracleRemote && c.Oracle.Remote.BaseURL == "" {
		errs = append(errs, errors.New("oracle.remote.base_url cannot be empty"))
	}

	// bar count is unknown until data is loaded, so warm-up stands in for it
	if err := c.Backtest.Validate(c.Lookback(), c.Backtest.Warmup); err != nil {
		errs = append(errs, err)
	}

	if err := c.WalkForward.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Persistence.Enabled && c.Persistence.DSN == "" {
		errs = append(errs, errors.New("persistence.dsn is required when enabled"))
	}
	return errors.Join(errs...)
}

func (w WalkForwardConfig) validate() error {
	switch w.Split {
	case SplitYears:
		if w.TrainYears < 1 {
			return fmt.Errorf("walkforward.train_years must be >= 1, got %d", w.TrainYears)
		}
	case SplitBars:
		if w.TrainBars <= 0 || w.TestBars <= 0 {
			return fmt.Errorf("walkforward train_bars and test_bars must be positive, got %d/%d", w.TrainBars, w.TestBars)
		}
	default:
		return fmt.Errorf("walkforward.split must be years or bars, got %q", w.Split)
	}
	if w.Workers < 1 {
		return fmt.Errorf("walkforward.workers must be >= 1, got %d", w.Workers)
	}
	if _, err := walkforward.ParseObjective(w.Objective); err != nil {
		return fmt.Errorf("walkforward.objective: %w", err)
	}
	return nil
}

// Lookback is the window the configured oracle needs
func (c *Config) Lookback() int {
	if c.Oracle.Mode == OracleRemote {
		return c.Oracle.Remote.LookbackBars
	}
	return signal.NewLocalOracle(c.Oracle.Local, nil).Lookback()
}

// ValidationOptions converts the data section for candles.Validate
func (c *Config) ValidationOptions() candles.ValidationOptions {
	return candles.ValidationOptions{
		Symbol:        c.Backtest.Symbol,
		Timeframe:     c.Backtest.Timeframe,
		MinBars:       c.Data.MinBars,
		MaxGapPeriods: c.Data.MaxGapPeriods,
		AllowGaps:     c.Data.AllowGaps,
	}
}

// WalkForwardOrchestrator converts the walk-forward section
func (c *Config) WalkForwardOrchestrator() walkforward.Config {
	obj, _ := walkforward.ParseObjective(c.WalkForward.Objective)
	return walkforward.Config{
		Backtest:  c.Backtest,
		Grid:      c.WalkForward.Grid,
		Workers:   c.WalkForward.Workers,
		MinTrades: c.WalkForward.MinTrades,
		Objective: obj,
	}
}

// Range parses From and To. Zero times mean unbounded.
func (d DataConfig) Range() (from, to time.Time, err error) {
	if from, err = parseTime(d.From); err != nil {
		return from, to, fmt.Errorf("data.from: %w", err)
	}
	if to, err = parseTime(d.To); err != nil {
		return from, to, fmt.Errorf("data.to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return from, to, fmt.Errorf("data.to %s must be after data.from %s", d.To, d.From)
	}
	return from, to, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
