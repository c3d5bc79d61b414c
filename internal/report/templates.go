package report

import (
	"math"
	"sort"
	"text/template"
	"time"

	"github.com/sawpanic/fxrun/internal/stats"
)

var templateFuncs = template.FuncMap{
	"money": money,
	"price": price,
	"pct":   func(v float64) string { return fixed(v*100, 1) + "%" },
	"pct2":  func(v float64) string { return fixed(v, 2) + "%" },
	"pf": func(r stats.Ratio) string {
		if math.IsInf(float64(r), 1) {
			return "inf"
		}
		return fixed(float64(r), 2)
	},
	"reasons": func(m map[string]int) []reasonCount {
		out := make([]reasonCount, 0, len(m))
		for k, v := range m {
			out = append(out, reasonCount{k, v})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
		return out
	},
	"date": func(t time.Time) string { return t.UTC().Format("2006-01-02") },
	"inc":  func(i int) int { return i + 1 },
}

type reasonCount struct {
	Reason string
	Count  int
}

const backtestTemplate = `# Backtest {{.Config.Symbol}} {{.Config.Timeframe}}

- Bars: {{.Data.BarCount}} ({{date .Data.FirstTime}} to {{date .Data.LastTime}})
- Fill policy: {{.Config.FillPolicy}}
- Exit semantics: {{.Config.ExitSemantics}}
- Min confidence: {{.Config.Params.MinConfidence}}
- Initial balance: {{money .Config.InitialBalance}}

## Performance

| Metric | Value |
|---|---|
| Trades | {{.Summary.TotalTrades}} |
| Win rate | {{pct .Summary.WinRate}} |
| Profit factor | {{pf .Summary.ProfitFactor}} |
| Net P&L | {{money .Summary.NetPnL}} |
| Total costs | {{money .Summary.TotalCosts}} |
| Expectancy | {{money .Summary.Expectancy}} |
| Avg win / loss | {{money .Summary.AvgWin}} / {{money .Summary.AvgLoss}} |
| Max drawdown | {{money .Summary.MaxDrawdown}} ({{pct2 .Summary.MaxDrawdownPct}}) |
| Return | {{pct2 .Summary.ReturnPct}} |

## Exits
{{range reasons .Summary.ExitsByReason}}
- {{.Reason}}: {{.Count}}{{end}}

## Signals

| Evaluated | Buy | Sell | Hold | Rejected | Failed | Skipped |
|---|---|---|---|---|---|---|
| {{.Signals.Evaluated}} | {{.Signals.Buy}} | {{.Signals.Sell}} | {{.Signals.Hold}} | {{.Signals.Rejected}} | {{.Signals.Failed}} | {{.Signals.Skipped}} |
{{with .MonteCarlo}}
## Monte Carlo ({{.Iterations}} shuffles)

- Observed max drawdown: {{money .ObservedDrawdown}}
- Median / p95 max drawdown: {{money .MedianDrawdown}} / {{money .P95Drawdown}}
- P(worse drawdown): {{pct .ProbWorseDrawdown}}
{{end}}{{with .Bootstrap}}
## Bootstrap ({{.Iterations}} resamples)

- Final P&L median: {{money .MedianFinal}} (p5 {{money .P5Final}}, p95 {{money .P95Final}})
- P(loss): {{pct .ProbLoss}}
{{end}}`

const walkForwardTemplate = `# Walk-forward

| Split | Train | Test | Selected | Train PF | Test PF | Test trades | Test net | Degradation |
|---|---|---|---|---|---|---|---|---|
{{range .Splits}}| {{.Split}} | {{date .TrainFrom}} to {{date .TrainTo}} | {{date .TestFrom}} to {{date .TestTo}} | {{.Selected}} | {{pf .Train.ProfitFactor}} | {{pf .Test.ProfitFactor}} | {{.Test.TotalTrades}} | {{money .Test.NetPnL}} | {{pf .Degradation}} |
{{end}}
## Out of sample

- Trades: {{.OutOfSample.TotalTrades}}
- Win rate: {{pct .OutOfSample.WinRate}}
- Profit factor: {{pf .OutOfSample.ProfitFactor}}
- Net P&L: {{money .OutOfSample.NetPnL}}
- Max drawdown: {{money .OutOfSample.MaxDrawdown}}
`

const gridTemplate = `# Grid search

| Rank | Params | Trades | Win rate | PF | Net P&L | Max DD |
|---|---|---|---|---|---|---|
{{range $i, $r := .}}| {{inc $i}} | {{$r.Params}} | {{$r.Summary.TotalTrades}} | {{pct $r.Summary.WinRate}} | {{pf $r.Summary.ProfitFactor}} | {{money $r.Summary.NetPnL}} | {{money $r.Summary.MaxDrawdown}} |
{{end}}`
