// Package stats derives performance metrics from closed trades and checks
// their sequence risk with Monte Carlo reshuffles.
package stats

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/sawpanic/fxrun/internal/broker"
)

// Ratio is a float that survives JSON when infinite
type Ratio float64

// MarshalJSON writes +Inf as the string "inf"
func (r Ratio) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(r), 1) {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(r))
}

// UnmarshalJSON accepts numbers and "inf"
func (r *Ratio) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*r = Ratio(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Ratio(v)
	return nil
}

// Outcome is the part of a closed trade the metrics need. It can be built
// from a broker.Position or read back from an exported trade table.
type Outcome struct {
	ExitTime   time.Time
	ExitReason string
	GrossPnL   float64
	NetPnL     float64
	RMultiple  float64
}

// FromPositions converts closed positions in closing order
func FromPositions(ps []*broker.Position) []Outcome {
	out := make([]Outcome, 0, len(ps))
	for _, p := range ps {
		out = append(out, Outcome{
			ExitTime:   p.ExitTime,
			ExitReason: string(p.ExitReason),
			GrossPnL:   p.RealizedGross,
			NetPnL:     p.RealizedNet,
			RMultiple:  p.RMultiple(),
		})
	}
	return out
}

// Summary is the scalar performance record of a run
type Summary struct {
	TotalTrades    int            `json:"total_trades"`
	Wins           int            `json:"wins"`
	Losses         int            `json:"losses"`
	WinRate        float64        `json:"win_rate"`
	GrossProfit    float64        `json:"gross_profit"`
	GrossLoss      float64        `json:"gross_loss"`
	ProfitFactor   Ratio          `json:"profit_factor"`
	NetPnL         float64        `json:"net_pnl"`
	GrossPnL       float64        `json:"gross_pnl"`
	TotalCosts     float64        `json:"total_costs"`
	Expectancy     float64        `json:"expectancy"`
	AvgWin         float64        `json:"avg_win"`
	AvgLoss        float64        `json:"avg_loss"`
	LargestWin     float64        `json:"largest_win"`
	LargestLoss    float64        `json:"largest_loss"`
	AvgR           float64        `json:"avg_r"`
	MaxDrawdown    float64        `json:"max_drawdown"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	InitialBalance float64        `json:"initial_balance"`
	FinalBalance   float64        `json:"final_balance"`
	ReturnPct      float64        `json:"return_pct"`
	ExitsByReason  map[string]int `json:"exits_by_reason"`
}

// Summarize computes the summary of trades in chronological order. A trade
// is a win when its net P&L after costs is positive, whatever exit fired.
func Summarize(trades []Outcome, initialBalance float64) Summary {
	s := Summary{
		TotalTrades:    len(trades),
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		ExitsByReason:  make(map[string]int),
	}
	if len(trades) == 0 {
		return s
	}

	pnls := make([]float64, len(trades))
	var sumR float64
	for i, t := range trades {
		pnls[i] = t.NetPnL
		s.NetPnL += t.NetPnL
		s.GrossPnL += t.GrossPnL
		sumR += t.RMultiple
		s.ExitsByReason[t.ExitReason]++

		switch {
		case t.NetPnL > 0:
			s.Wins++
			s.GrossProfit += t.NetPnL
			s.LargestWin = math.Max(s.LargestWin, t.NetPnL)
		case t.NetPnL < 0:
			s.Losses++
			s.GrossLoss += -t.NetPnL
			s.LargestLoss = math.Min(s.LargestLoss, t.NetPnL)
		}
	}

	n := float64(len(trades))
	s.WinRate = float64(s.Wins) / n
	s.ProfitFactor = Ratio(ProfitFactor(s.GrossProfit, s.GrossLoss))
	s.TotalCosts = s.GrossPnL - s.NetPnL
	s.Expectancy = s.NetPnL / n
	s.AvgR = sumR / n
	if s.Wins > 0 {
		s.AvgWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -s.GrossLoss / float64(s.Losses)
	}
	s.MaxDrawdown = MaxDrawdown(pnls)
	s.MaxDrawdownPct = MaxDrawdownPct(pnls, initialBalance)
	s.FinalBalance = initialBalance + s.NetPnL
	if initialBalance > 0 {
		s.ReturnPct = s.NetPnL / initialBalance * 100
	}
	return s
}

// ProfitFactor is profit/loss with +Inf when only profit exists and 0 when
// neither does.
func ProfitFactor(profit, loss float64) float64 {
	if loss == 0 {
		if profit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return profit / loss
}

// MaxDrawdown is the largest peak-to-trough fall of the cumulative P&L
// curve, which starts at zero.
func MaxDrawdown(pnls []float64) float64 {
	var cum, peak, dd float64
	for _, p := range pnls {
		cum += p
		peak = math.Max(peak, cum)
		dd = math.Max(dd, peak-cum)
	}
	return dd
}

// MaxDrawdownPct is MaxDrawdown relative to the running peak balance
func MaxDrawdownPct(pnls []float64, initialBalance float64) float64 {
	bal := initialBalance
	peak := initialBalance
	var dd float64
	for _, p := range pnls {
		bal += p
		peak = math.Max(peak, bal)
		if peak > 0 {
			dd = math.Max(dd, (peak-bal)/peak*100)
		}
	}
	return dd
}
