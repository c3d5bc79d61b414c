package report

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/costs"
	"github.com/sawpanic/fxrun/internal/fx"
	"github.com/sawpanic/fxrun/internal/signal"
	"github.com/sawpanic/fxrun/internal/stats"
	"github.com/sawpanic/fxrun/internal/walkforward"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Hour) }

// closedTrades runs one winner through all three targets and one loser to
// its stop.
func closedTrades(t *testing.T) []*broker.Position {
	t.Helper()
	b, err := broker.New(broker.OHLCIntrabar, costs.DefaultModel("EURUSD"))
	require.NoError(t, err)

	win := signal.TradeSetup{
		Direction:  fx.Buy,
		EntryPrice: 1.10000,
		StopLoss:   1.09950,
		TakeProfit: [3]float64{1.10070, 1.10140, 1.10210},
		TPPercent:  [3]float64{0.4, 0.4, 0.2},
		Confidence: 0.8,
	}
	_, err = b.OpenPosition(win, at(-1), at(0), 1.10000, 0.01)
	require.NoError(t, err)
	b.OnBar(candles.Bar{Time: at(0), Open: 1.10000, High: 1.10250, Low: 1.09990, Close: 1.10200})

	loss := signal.TradeSetup{
		Direction:  fx.Sell,
		EntryPrice: 1.10200,
		StopLoss:   1.10250,
		TakeProfit: [3]float64{1.10130, 1.10060, 1.09990},
		TPPercent:  [3]float64{0.4, 0.4, 0.2},
		Confidence: 0.75,
	}
	_, err = b.OpenPosition(loss, at(0), at(1), 1.10200, 0.01)
	require.NoError(t, err)
	b.OnBar(candles.Bar{Time: at(1), Open: 1.10200, High: 1.10300, Low: 1.10180, Close: 1.10280})

	require.Len(t, b.Closed(), 2)
	return b.Closed()
}

func sampleResult(t *testing.T) *backtest.Result {
	trades := closedTrades(t)
	pnls := []float64{trades[0].RealizedNet, trades[1].RealizedNet}
	return &backtest.Result{
		Config: backtest.DefaultConfig("EURUSD"),
		Data: candles.Metadata{
			Symbol: "EURUSD", Timeframe: candles.H1, BarCount: 2,
			FirstTime: at(0), LastTime: at(1),
		},
		Trades: trades,
		Equity: []backtest.EquityPoint{
			{Time: at(0), Balance: 10000 + pnls[0], Equity: 10000 + pnls[0]},
			{Time: at(1), Balance: 10000 + pnls[0] + pnls[1], Equity: 10000 + pnls[0] + pnls[1]},
		},
		Signals:  backtest.SignalCounters{Evaluated: 2, Buy: 1, Sell: 1},
		Summary:  stats.Summarize(stats.FromPositions(trades), 10000),
		Duration: 1500 * time.Millisecond,
	}
}

func TestTradesRoundTrip(t *testing.T) {
	trades := closedTrades(t)

	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, trades))

	got, err := ParseTrades(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(trades))

	for i, p := range trades {
		r := got[i]
		assert.Equal(t, p.ID, r.ID)
		assert.Equal(t, p.Direction.String(), r.Direction)
		assert.True(t, p.EntryTime.Equal(r.EntryTime))
		assert.True(t, p.ExitTime.Equal(r.ExitTime))
		assert.InDelta(t, p.EntryPrice, r.EntryPrice, 5e-6)
		assert.InDelta(t, p.ExitPrice, r.ExitPrice, 5e-6)
		assert.InDelta(t, p.StopLoss, r.StopLoss, 5e-6)
		assert.Equal(t, string(p.ExitReason), r.ExitReason)
		assert.InDelta(t, p.RealizedNet, r.NetPnL, 0.005)
		assert.InDelta(t, p.RealizedGross, r.GrossPnL, 0.005)
		assert.InDelta(t, p.RMultiple(), r.RMultiple, 5e-5)
		assert.Equal(t, len(p.Legs), r.Legs)
	}
	assert.Equal(t, "TP3", got[0].ExitReason)
	assert.Equal(t, "SL", got[1].ExitReason)
	assert.Equal(t, 3, got[0].Legs)
}

func TestTradesCSVFixedPrecision(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTradesCSV(&buf, closedTrades(t)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(tradeHeader, ","), lines[0])

	cols := strings.Split(lines[1], ",")
	assert.Equal(t, "1", cols[0])
	assert.Equal(t, "BUY", cols[1])
	assert.Equal(t, "1.09950", cols[7])
	assert.Equal(t, "1.10070", cols[8])
	assert.Regexp(t, `^-?\d+\.\d{2}$`, cols[14])
}

func TestSummaryFromReadBackMatches(t *testing.T) {
	res := sampleResult(t)
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = w.WriteBacktest(res, RobustnessCheck{})
	require.NoError(t, err)

	records, err := ReadTrades(filepath.Join(w.Dir(), TradesFile))
	require.NoError(t, err)
	again := stats.Summarize(Outcomes(records), 10000)

	assert.Equal(t, res.Summary.TotalTrades, again.TotalTrades)
	assert.Equal(t, res.Summary.Wins, again.Wins)
	assert.Equal(t, res.Summary.ExitsByReason, again.ExitsByReason)
	assert.InDelta(t, res.Summary.NetPnL, again.NetPnL, 0.01)
	assert.InDelta(t, res.Summary.MaxDrawdown, again.MaxDrawdown, 0.01)
}

func TestEquityRoundTrip(t *testing.T) {
	res := sampleResult(t)

	var buf bytes.Buffer
	require.NoError(t, WriteEquityCSV(&buf, res.Equity))
	got, err := ParseEquity(&buf)
	require.NoError(t, err)

	require.Len(t, got, len(res.Equity))
	for i, e := range res.Equity {
		assert.True(t, e.Time.Equal(got[i].Time))
		assert.InDelta(t, e.Balance, got[i].Balance, 0.005)
		assert.InDelta(t, e.Equity, got[i].Equity, 0.005)
	}
}

func TestWriteBacktestArtifacts(t *testing.T) {
	res := sampleResult(t)
	w, err := NewWriter(filepath.Join(t.TempDir(), "nested", "run"))
	require.NoError(t, err)

	pnls := res.PnLs()
	mc := stats.MonteCarlo(pnls, res.Summary.MaxDrawdown, 100, 42)
	files, err := w.WriteBacktest(res, RobustnessCheck{MonteCarlo: &mc})
	require.NoError(t, err)
	require.Len(t, files, 4)
	for _, f := range files {
		assert.FileExists(t, f)
	}
	leftovers, err := filepath.Glob(filepath.Join(w.Dir(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	data, err := os.ReadFile(filepath.Join(w.Dir(), SummaryFile))
	require.NoError(t, err)
	var summary BacktestSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 2, summary.Summary.TotalTrades)
	assert.Equal(t, int64(1500), summary.DurationMS)
	require.NotNil(t, summary.MonteCarlo)
	assert.Equal(t, 100, summary.MonteCarlo.Iterations)
	assert.Nil(t, summary.Bootstrap)

	md, err := os.ReadFile(filepath.Join(w.Dir(), ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Backtest EURUSD H1")
	assert.Contains(t, string(md), "- SL: 1")
	assert.Contains(t, string(md), "- TP3: 1")
	assert.Contains(t, string(md), "## Monte Carlo (100 shuffles)")
	assert.NotContains(t, string(md), "Bootstrap")
}

func TestWriteWalkForward(t *testing.T) {
	trades := closedTrades(t)
	rep := &walkforward.Report{
		Splits: []walkforward.SplitResult{{
			Split:       "2023",
			TrainFrom:   time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			TrainTo:     time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
			TestFrom:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			TestTo:      time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			Selected:    walkforward.ParamSet{MinConfidence: 0.7, BrokenLevelCooldownHours: 24},
			Train:       stats.Summary{TotalTrades: 12, ProfitFactor: stats.Ratio(math.Inf(1))},
			Test:        stats.Summarize(stats.FromPositions(trades), 10000),
			Degradation: stats.Ratio(0),
			TestTrades:  trades,
		}},
		OutOfSample: stats.Summarize(stats.FromPositions(trades), 10000),
	}

	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	files, err := w.WriteWalkForward(rep)
	require.NoError(t, err)
	require.Len(t, files, 4)

	data, err := os.ReadFile(filepath.Join(w.Dir(), ResultsFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var split walkforward.SplitResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &split))
	assert.Equal(t, "2023", split.Split)
	assert.True(t, math.IsInf(float64(split.Train.ProfitFactor), 1))

	records, err := ReadTrades(filepath.Join(w.Dir(), TradesFile))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	md, err := os.ReadFile(filepath.Join(w.Dir(), ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "| 2023 | 2021-01-01 to 2022-12-31 |")
	assert.Contains(t, string(md), "| inf |")
}

func TestWriteGrid(t *testing.T) {
	results := []walkforward.RunResult{
		{Params: walkforward.ParamSet{MinConfidence: 0.7}, Summary: stats.Summary{TotalTrades: 4, ProfitFactor: 2}},
		{Params: walkforward.ParamSet{MinConfidence: 0.8}, Summary: stats.Summary{TotalTrades: 2, ProfitFactor: 1}},
	}
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	files, err := w.WriteGrid(results)
	require.NoError(t, err)
	require.Len(t, files, 2)

	md, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Contains(t, string(md), "| 1 | conf=0.70")
	assert.Contains(t, string(md), "| 2 | conf=0.80")
}

func TestParseErrors(t *testing.T) {
	_, err := ParseTrades(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ParseEquity(strings.NewReader("time,balance,unrealized,equity\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected column")

	_, err = ParseEquity(strings.NewReader("time,balance,unrealized_pnl,equity\nyesterday,1,0,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equity row 2")
}

func TestFixedHandlesNonFinite(t *testing.T) {
	assert.Equal(t, "+Inf", money(math.Inf(1)))
	v, err := parseNumber("+Inf")
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))
	assert.Equal(t, "1.23457", price(1.234567))
	assert.Equal(t, "-0.50", money(-0.5))
}
