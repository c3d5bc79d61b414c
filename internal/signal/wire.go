package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/fx"
)

// WireBar is a bar in the /signal JSON contract; time is unix seconds
type WireBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// WireRequest is the POST /signal body
type WireRequest struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Data      []WireBar `json:"data"`
	// SessionID scopes server-side cooldown state to one client run
	SessionID                string   `json:"session_id,omitempty"`
	LookbackBars             int      `json:"lookback_bars,omitempty"`
	MinConfidence            *float64 `json:"min_confidence,omitempty"`
	BrokenLevelCooldownHours *float64 `json:"broken_level_cooldown_hours,omitempty"`
	BrokenLevelBreakPips     *float64 `json:"broken_level_break_pips,omitempty"`
	MinEdgePips              *float64 `json:"min_edge_pips,omitempty"`
	SignalCooldownHours      *float64 `json:"signal_cooldown_hours,omitempty"`
	SpreadPips               *float64 `json:"spread_pips,omitempty"`
	SlippagePips             *float64 `json:"slippage_pips,omitempty"`
	CommissionPerSidePerLot  *float64 `json:"commission_per_side_per_lot,omitempty"`
	USDPerPipPerLot          *float64 `json:"usd_per_pip_per_lot,omitempty"`
	LotSize                  *float64 `json:"lot_size,omitempty"`
}

// WireResponse is the /signal answer. Signal is BUY, SELL or HOLD.
type WireResponse struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Entry      float64 `json:"entry"`
	SL         float64 `json:"sl"`
	TP1        float64 `json:"tp1"`
	TP2        float64 `json:"tp2"`
	TP3        float64 `json:"tp3"`
	TP1Percent float64 `json:"tp1_percent"`
	TP2Percent float64 `json:"tp2_percent"`
	TP3Percent float64 `json:"tp3_percent"`
	Reason     string  `json:"reason"`
}

func ptr(v float64) *float64 { return &v }

// NewWireRequest encodes req, sending at most lookback trailing bars
func NewWireRequest(req Request, lookback int) WireRequest {
	bars := req.Bars
	if lookback > 0 && len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	data := make([]WireBar, len(bars))
	for i, b := range bars {
		data[i] = WireBar{Time: b.Time.Unix(), Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	p := req.Params
	return WireRequest{
		Symbol:                   req.Symbol,
		Timeframe:                string(req.Timeframe),
		Data:                     data,
		LookbackBars:             lookback,
		MinConfidence:            ptr(p.MinConfidence),
		BrokenLevelCooldownHours: ptr(p.BrokenLevelCooldownHours),
		BrokenLevelBreakPips:     ptr(p.BrokenLevelBreakPips),
		MinEdgePips:              ptr(p.MinEdgePips),
		SignalCooldownHours:      ptr(p.SignalCooldownHours),
		SpreadPips:               ptr(p.Costs.SpreadPips),
		SlippagePips:             ptr(p.Costs.SlippagePips),
		CommissionPerSidePerLot:  ptr(p.Costs.CommissionPerSidePerLot),
		USDPerPipPerLot:          ptr(p.Costs.USDPerPipPerLot),
		LotSize:                  ptr(p.LotSize),
	}
}

// Decode turns a wire request into a Request, filling unset parameters
// from DefaultParams.
func (w WireRequest) Decode() (Request, error) {
	if w.Symbol == "" {
		return Request{}, fmt.Errorf("symbol is required")
	}
	tf, err := candles.ParseTimeframe(w.Timeframe)
	if err != nil {
		return Request{}, err
	}
	bars := make([]candles.Bar, len(w.Data))
	for i, b := range w.Data {
		bars[i] = candles.Bar{Time: time.Unix(b.Time, 0).UTC(), Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}

	p := DefaultParams(w.Symbol)
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.MinConfidence, w.MinConfidence)
	set(&p.BrokenLevelCooldownHours, w.BrokenLevelCooldownHours)
	set(&p.BrokenLevelBreakPips, w.BrokenLevelBreakPips)
	set(&p.MinEdgePips, w.MinEdgePips)
	set(&p.SignalCooldownHours, w.SignalCooldownHours)
	set(&p.Costs.SpreadPips, w.SpreadPips)
	set(&p.Costs.SlippagePips, w.SlippagePips)
	set(&p.Costs.CommissionPerSidePerLot, w.CommissionPerSidePerLot)
	set(&p.Costs.USDPerPipPerLot, w.USDPerPipPerLot)
	set(&p.LotSize, w.LotSize)

	return Request{Symbol: w.Symbol, Timeframe: tf, Bars: bars, Params: p}, nil
}

// EncodeDecision renders a decision; tpPercents fill the HOLD response
func EncodeDecision(d Decision, tpPercents [3]float64) WireResponse {
	if d.Setup == nil {
		return WireResponse{
			Signal:     "HOLD",
			TP1Percent: tpPercents[0],
			TP2Percent: tpPercents[1],
			TP3Percent: tpPercents[2],
			Reason:     d.Reason,
		}
	}
	s := d.Setup
	return WireResponse{
		Signal:     s.Direction.String(),
		Confidence: s.Confidence,
		Entry:      s.EntryPrice,
		SL:         s.StopLoss,
		TP1:        s.TakeProfit[0],
		TP2:        s.TakeProfit[1],
		TP3:        s.TakeProfit[2],
		TP1Percent: s.TPPercent[0],
		TP2Percent: s.TPPercent[1],
		TP3Percent: s.TPPercent[2],
		Reason:     d.Reason,
	}
}

// Decision converts a wire response. Geometry is not checked here.
func (w WireResponse) Decision() (Decision, error) {
	switch strings.ToUpper(w.Signal) {
	case "HOLD", "":
		return Decision{Reason: w.Reason}, nil
	}
	dir, err := fx.ParseDirection(w.Signal)
	if err != nil {
		return Decision{}, fmt.Errorf("malformed oracle response: %w", err)
	}
	return Decision{
		Setup: &TradeSetup{
			Direction:  dir,
			EntryPrice: w.Entry,
			StopLoss:   w.SL,
			TakeProfit: [3]float64{w.TP1, w.TP2, w.TP3},
			TPPercent:  [3]float64{w.TP1Percent, w.TP2Percent, w.TP3Percent},
			Confidence: w.Confidence,
			Reason:     w.Reason,
		},
		Reason: w.Reason,
	}, nil
}
