package broker

import (
	"fmt"
	"time"

	"github.com/sawpanic/fxrun/internal/costs"
	"github.com/sawpanic/fxrun/internal/fx"
	"github.com/sawpanic/fxrun/internal/signal"
)

// ExitReason records why a leg or position closed
type ExitReason string

const (
	ExitNone   ExitReason = ""
	ExitSL     ExitReason = "SL"
	ExitTP1    ExitReason = "TP1"
	ExitTP2    ExitReason = "TP2"
	ExitTP3    ExitReason = "TP3"
	ExitManual ExitReason = "MANUAL"
)

var tpReasons = [3]ExitReason{ExitTP1, ExitTP2, ExitTP3}

// State is the lifecycle stage of a Position
type State int

const (
	StateOpen State = iota
	StatePartiallyClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StatePartiallyClosed:
		return "PARTIALLY_CLOSED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// lots below this are treated as fully closed
const lotEpsilon = 1e-9

// Fill is one exit leg of a position
type Fill struct {
	Reason ExitReason `json:"reason"`
	Time   time.Time  `json:"time"`
	costs.Leg
}

// Position is a single trade from entry to full closure. Its fields are
// read-only to callers; all transitions go through the Broker.
type Position struct {
	ID              int          `json:"id"`
	Direction       fx.Direction `json:"direction"`
	SignalTime      time.Time    `json:"signal_time"`
	EntryTime       time.Time    `json:"entry_time"`
	RawEntry        float64      `json:"raw_entry"`
	EntryPrice      float64      `json:"entry_price"`
	StopLoss        float64      `json:"stop_loss"`
	TakeProfit      [3]float64   `json:"take_profit"`
	TPPercent       [3]float64   `json:"tp_percent"`
	Confidence      float64      `json:"confidence"`
	LotSize         float64      `json:"lot_size"`
	RemainingLots   float64      `json:"remaining_lots"`
	ClosedLots      float64      `json:"closed_lots"`
	RealizedGross   float64      `json:"realized_gross_pnl"`
	RealizedNet     float64      `json:"realized_net_pnl"`
	EntryCommission float64      `json:"entry_commission"`
	ExitReason      ExitReason   `json:"exit_reason"`
	ExitTime        time.Time    `json:"exit_time"`
	ExitPrice       float64      `json:"exit_price"`
	Legs            []Fill       `json:"legs"`

	tpHit [3]bool
	state State
	model costs.Model
}

func newPosition(id int, setup signal.TradeSetup, signalTime, entryTime time.Time, rawEntry, lots float64, model costs.Model) *Position {
	return &Position{
		ID:              id,
		Direction:       setup.Direction,
		SignalTime:      signalTime,
		EntryTime:       entryTime,
		RawEntry:        rawEntry,
		EntryPrice:      model.FillEntry(setup.Direction, rawEntry),
		StopLoss:        setup.StopLoss,
		TakeProfit:      setup.TakeProfit,
		TPPercent:       setup.TPPercent,
		Confidence:      setup.Confidence,
		LotSize:         lots,
		RemainingLots:   lots,
		EntryCommission: model.CommissionUSD(lots),
		state:           StateOpen,
		model:           model,
	}
}

// State returns the lifecycle stage
func (p *Position) State() State { return p.state }

// IsClosed reports whether the position reached its terminal state
func (p *Position) IsClosed() bool { return p.state == StateClosed }

// TPHit reports whether take-profit level k (0-based) has filled
func (p *Position) TPHit(k int) bool { return p.tpHit[k] }

// RiskPips is the distance from raw entry to stop in pips
func (p *Position) RiskPips() float64 {
	return fx.Pips(p.Direction, p.StopLoss, p.RawEntry, p.model.PipSize)
}

// RMultiple expresses lot-weighted net pips as a multiple of the initial risk
func (p *Position) RMultiple() float64 {
	risk := p.RiskPips()
	if risk <= 0 || p.ClosedLots <= 0 {
		return 0
	}
	var weighted float64
	for _, l := range p.Legs {
		weighted += l.NetPips * l.Lots
	}
	return weighted / p.ClosedLots / risk
}

// NetPips is the lot-weighted average net pips across legs
func (p *Position) NetPips() float64 {
	if p.ClosedLots <= 0 {
		return 0
	}
	var weighted float64
	for _, l := range p.Legs {
		weighted += l.NetPips * l.Lots
	}
	return weighted / p.ClosedLots
}

// Unrealized marks the remaining lots at price, net of the entry fill
func (p *Position) Unrealized(price float64) float64 {
	if p.IsClosed() {
		return 0
	}
	pips := fx.Pips(p.Direction, p.EntryPrice, price, p.model.PipSize)
	return p.model.PipsToUSD(pips, p.RemainingLots)
}

// closeLeg books an exit of lots at rawPrice. A leg that would leave less
// than lotEpsilon open, or any SL/MANUAL leg, closes everything remaining.
func (p *Position) closeLeg(reason ExitReason, t time.Time, rawPrice, lots float64) (Fill, error) {
	if p.state == StateClosed {
		return Fill{}, fmt.Errorf("position %d already closed", p.ID)
	}
	if lots <= 0 {
		return Fill{}, fmt.Errorf("position %d: non-positive leg size %v", p.ID, lots)
	}

	final := reason == ExitSL || reason == ExitManual || p.RemainingLots-lots <= lotEpsilon
	if final || lots > p.RemainingLots {
		lots = p.RemainingLots
	}

	fill := Fill{Reason: reason, Time: t, Leg: p.model.PriceLeg(p.Direction, p.RawEntry, rawPrice, lots)}
	p.Legs = append(p.Legs, fill)
	p.RealizedGross += fill.GrossPnL
	p.RealizedNet += fill.NetPnL

	if final {
		p.RemainingLots = 0
		p.ClosedLots = p.LotSize
		p.state = StateClosed
		p.ExitReason = reason
		if isTP(reason) {
			p.ExitReason = p.highestTP()
		}
		p.ExitTime = t
		p.ExitPrice = p.averageExit()
	} else {
		p.RemainingLots -= lots
		p.ClosedLots = p.LotSize - p.RemainingLots
		p.state = StatePartiallyClosed
	}
	return fill, nil
}

func (p *Position) remainingTPs() int {
	n := 0
	for _, hit := range p.tpHit {
		if !hit {
			n++
		}
	}
	return n
}

func isTP(r ExitReason) bool {
	return r == ExitTP1 || r == ExitTP2 || r == ExitTP3
}

func (p *Position) highestTP() ExitReason {
	for k := 2; k >= 0; k-- {
		if p.tpHit[k] {
			return tpReasons[k]
		}
	}
	return ExitTP1
}

func (p *Position) averageExit() float64 {
	var num, den float64
	for _, l := range p.Legs {
		num += l.FillExit * l.Lots
		den += l.Lots
	}
	if den == 0 {
		return 0
	}
	return num / den
}
