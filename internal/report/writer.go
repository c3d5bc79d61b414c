// Package report exports backtest and walk-forward results as CSV, JSON,
// JSONL and markdown, and reads the trade and equity tables back.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/stats"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

// Artifact file names
const (
	TradesFile  = "trades.csv"
	EquityFile  = "equity.csv"
	SummaryFile = "summary.json"
	ResultsFile = "results.jsonl"
	ReportFile  = "report.md"
)

var tradeHeader = []string{
	"id", "direction", "signal_time", "entry_time", "exit_time",
	"entry_price", "exit_price", "stop_loss", "tp1", "tp2", "tp3",
	"lot_size", "exit_reason", "gross_pnl", "net_pnl", "r_multiple", "confidence", "legs",
}

var equityHeader = []string{"time", "balance", "unrealized_pnl", "equity"}

// Writer writes run artifacts into one directory
type Writer struct {
	dir string
}

// NewWriter creates dir if needed
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir is the output directory
func (w *Writer) Dir() string { return w.dir }

// BacktestSummary is the content of summary.json for a backtest
type BacktestSummary struct {
	Config         backtest.Config         `json:"config"`
	Data           candles.Metadata        `json:"data"`
	Signals        backtest.SignalCounters `json:"signals"`
	OracleFailures []time.Time             `json:"oracle_failures,omitempty"`
	Summary        stats.Summary           `json:"summary"`
	MonteCarlo     *stats.MonteCarloResult `json:"monte_carlo,omitempty"`
	Bootstrap      *stats.MonteCarloResult `json:"bootstrap,omitempty"`
	DurationMS     int64                   `json:"duration_ms"`
}

// RobustnessCheck holds optional Monte Carlo results for a backtest report
type RobustnessCheck struct {
	MonteCarlo *stats.MonteCarloResult
	Bootstrap  *stats.MonteCarloResult
}

// WriteBacktest writes trades.csv, equity.csv, summary.json and report.md
func (w *Writer) WriteBacktest(res *backtest.Result, rc RobustnessCheck) ([]string, error) {
	files := []string{}

	tradesPath := filepath.Join(w.dir, TradesFile)
	if err := writeFile(tradesPath, func(f io.Writer) error { return WriteTradesCSV(f, res.Trades) }); err != nil {
		return nil, fmt.Errorf("failed to write trades: %w", err)
	}
	files = append(files, tradesPath)

	equityPath := filepath.Join(w.dir, EquityFile)
	if err := writeFile(equityPath, func(f io.Writer) error { return WriteEquityCSV(f, res.Equity) }); err != nil {
		return nil, fmt.Errorf("failed to write equity: %w", err)
	}
	files = append(files, equityPath)

	summary := BacktestSummary{
		Config:         res.Config,
		Data:           res.Data,
		Signals:        res.Signals,
		OracleFailures: res.OracleFailures,
		Summary:        res.Summary,
		MonteCarlo:     rc.MonteCarlo,
		Bootstrap:      rc.Bootstrap,
		DurationMS:     res.Duration.Milliseconds(),
	}
	summaryPath := filepath.Join(w.dir, SummaryFile)
	if err := writeJSON(summaryPath, summary); err != nil {
		return nil, err
	}
	files = append(files, summaryPath)

	mdPath := filepath.Join(w.dir, ReportFile)
	if err := renderMarkdown(mdPath, backtestTemplate, summary); err != nil {
		return nil, err
	}
	files = append(files, mdPath)

	log.Info().
		Str("dir", w.dir).
		Int("trades", len(res.Trades)).
		Strs("files", files).
		Msg("Backtest report written")
	return files, nil
}

// WriteWalkForward writes one results.jsonl line per split, the
// out-of-sample summary.json and report.md
func (w *Writer) WriteWalkForward(rep *walkforward.Report) ([]string, error) {
	files := []string{}

	resultsPath := filepath.Join(w.dir, ResultsFile)
	if err := writeFile(resultsPath, func(f io.Writer) error { return writeJSONL(f, rep.Splits) }); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}
	files = append(files, resultsPath)

	summaryPath := filepath.Join(w.dir, SummaryFile)
	if err := writeJSON(summaryPath, rep.OutOfSample); err != nil {
		return nil, err
	}
	files = append(files, summaryPath)

	var oos []*broker.Position
	for _, s := range rep.Splits {
		oos = append(oos, s.TestTrades...)
	}
	tradesPath := filepath.Join(w.dir, TradesFile)
	if err := writeFile(tradesPath, func(f io.Writer) error { return WriteTradesCSV(f, oos) }); err != nil {
		return nil, fmt.Errorf("failed to write trades: %w", err)
	}
	files = append(files, tradesPath)

	mdPath := filepath.Join(w.dir, ReportFile)
	if err := renderMarkdown(mdPath, walkForwardTemplate, rep); err != nil {
		return nil, err
	}
	files = append(files, mdPath)

	log.Info().
		Str("dir", w.dir).
		Int("splits", len(rep.Splits)).
		Int("oos_trades", rep.OutOfSample.TotalTrades).
		Msg("Walk-forward report written")
	return files, nil
}

// WriteGrid writes ranked grid results as results.jsonl and report.md
func (w *Writer) WriteGrid(results []walkforward.RunResult) ([]string, error) {
	resultsPath := filepath.Join(w.dir, ResultsFile)
	if err := writeFile(resultsPath, func(f io.Writer) error { return writeJSONL(f, results) }); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}
	mdPath := filepath.Join(w.dir, ReportFile)
	if err := renderMarkdown(mdPath, gridTemplate, results); err != nil {
		return nil, err
	}
	return []string{resultsPath, mdPath}, nil
}

// WriteTradesCSV writes closed positions, prices at 5 dp and money at 2 dp
func WriteTradesCSV(out io.Writer, trades []*broker.Position) error {
	w := csv.NewWriter(out)
	if err := w.Write(tradeHeader); err != nil {
		return err
	}
	for _, p := range trades {
		row := []string{
			strconv.Itoa(p.ID),
			p.Direction.String(),
			p.SignalTime.UTC().Format(time.RFC3339),
			p.EntryTime.UTC().Format(time.RFC3339),
			p.ExitTime.UTC().Format(time.RFC3339),
			price(p.EntryPrice),
			price(p.ExitPrice),
			price(p.StopLoss),
			price(p.TakeProfit[0]),
			price(p.TakeProfit[1]),
			price(p.TakeProfit[2]),
			ratio(p.LotSize),
			string(p.ExitReason),
			money(p.RealizedGross),
			money(p.RealizedNet),
			ratio(p.RMultiple()),
			ratio(p.Confidence),
			strconv.Itoa(len(p.Legs)),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteEquityCSV writes one row per equity point
func WriteEquityCSV(out io.Writer, equity []backtest.EquityPoint) error {
	w := csv.NewWriter(out)
	if err := w.Write(equityHeader); err != nil {
		return err
	}
	for _, e := range equity {
		row := []string{
			e.Time.UTC().Format(time.RFC3339),
			money(e.Balance),
			money(e.Unrealized),
			money(e.Equity),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// writeFile streams into path.tmp and renames it over path, so readers never
// see a half-written artifact.
func writeFile(path string, fn func(io.Writer) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	err = writeFile(path, func(out io.Writer) error {
		_, err := out.Write(append(data, '\n'))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONL[T any](out io.Writer, rows []T) error {
	enc := json.NewEncoder(out)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func renderMarkdown(path, text string, data any) error {
	tmpl := template.Must(template.New(filepath.Base(path)).Funcs(templateFuncs).Parse(text))

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	if err := writeFile(path, func(out io.Writer) error { _, err := buf.WriteTo(out); return err }); err != nil {
		return fmt.Errorf("failed to write markdown file: %w", err)
	}
	return nil
}
