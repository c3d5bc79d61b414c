package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sawpanic/fxrun/internal/backtest"
)

// FromResult flattens a backtest result into storable rows
func FromResult(kind string, res *backtest.Result) (RunRecord, []TradeRow, []EquityRow, error) {
	params, err := json.Marshal(res.Config.Params)
	if err != nil {
		return RunRecord{}, nil, nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	s := res.Summary
	run := RunRecord{
		RunID:          uuid.NewString(),
		Kind:           kind,
		Symbol:         res.Config.Symbol,
		Timeframe:      string(res.Data.Timeframe),
		FillPolicy:     string(res.Config.FillPolicy),
		ExitSemantics:  string(res.Config.ExitSemantics),
		FirstBar:       res.Data.FirstTime,
		LastBar:        res.Data.LastTime,
		Params:         params,
		Trades:         s.TotalTrades,
		WinRate:        s.WinRate,
		ProfitFactor:   float64(s.ProfitFactor),
		NetPnL:         s.NetPnL,
		MaxDrawdown:    s.MaxDrawdown,
		MaxDrawdownPct: s.MaxDrawdownPct,
	}

	trades := make([]TradeRow, 0, len(res.Trades))
	for _, p := range res.Trades {
		trades = append(trades, TradeRow{
			PositionID: p.ID,
			Direction:  p.Direction.String(),
			SignalTime: p.SignalTime,
			EntryTime:  p.EntryTime,
			ExitTime:   p.ExitTime,
			EntryPrice: p.EntryPrice,
			ExitPrice:  p.ExitPrice,
			StopLoss:   p.StopLoss,
			LotSize:    p.LotSize,
			ExitReason: string(p.ExitReason),
			GrossPnL:   p.RealizedGross,
			NetPnL:     p.RealizedNet,
			RMultiple:  p.RMultiple(),
		})
	}

	equity := make([]EquityRow, 0, len(res.Equity))
	for _, e := range res.Equity {
		equity = append(equity, EquityRow{Time: e.Time, Balance: e.Balance, Unrealized: e.Unrealized, Equity: e.Equity})
	}
	return run, trades, equity, nil
}
