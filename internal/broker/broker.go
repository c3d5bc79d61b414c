// Package broker simulates order fills for backtests. A Broker owns open
// positions and advances them bar by bar under one exit semantics policy.
package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/costs"
	"github.com/sawpanic/fxrun/internal/fx"
	"github.com/sawpanic/fxrun/internal/signal"
)

// ExitSemantics selects how stops and targets are evaluated against a bar
type ExitSemantics string

const (
	// OpenOnly checks only the bar open, once per bar. A position cannot
	// exit on the bar it was entered on.
	OpenOnly ExitSemantics = "open_only"
	// OHLCIntrabar checks the bar high/low range with the stop taking
	// priority. A position can exit on its entry bar.
	OHLCIntrabar ExitSemantics = "ohlc_intrabar"
)

// ParseExitSemantics accepts open_only / ohlc_intrabar in any case
func ParseExitSemantics(s string) (ExitSemantics, error) {
	switch ExitSemantics(strings.ToLower(strings.TrimSpace(s))) {
	case OpenOnly:
		return OpenOnly, nil
	case OHLCIntrabar:
		return OHLCIntrabar, nil
	}
	return "", fmt.Errorf("invalid exit semantics %q (want %s or %s)", s, OpenOnly, OHLCIntrabar)
}

// Broker owns open positions for a single backtest run. It is not safe for
// concurrent use; each run constructs its own.
type Broker struct {
	semantics ExitSemantics
	model     costs.Model
	open      []*Position
	closed    []*Position
	nextID    int
	realized  float64
}

// New creates a broker with the given exit policy and cost model
func New(semantics ExitSemantics, model costs.Model) (*Broker, error) {
	if _, err := ParseExitSemantics(string(semantics)); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cost model: %w", err)
	}
	return &Broker{semantics: semantics, model: model, nextID: 1}, nil
}

// Semantics returns the exit policy this broker was built with
func (b *Broker) Semantics() ExitSemantics { return b.semantics }

// OpenCount returns the number of positions not yet closed
func (b *Broker) OpenCount() int { return len(b.open) }

// Open returns the open positions in id order
func (b *Broker) Open() []*Position { return b.open }

// Closed returns closed positions in closing order
func (b *Broker) Closed() []*Position { return b.closed }

// RealizedPnL is the net P&L booked across all legs so far
func (b *Broker) RealizedPnL() float64 { return b.realized }

// OpenPosition opens a position for setup filled at rawEntry on entryTime.
// signalTime is the decision bar; the setup geometry must already be valid.
func (b *Broker) OpenPosition(setup signal.TradeSetup, signalTime, entryTime time.Time, rawEntry, lots float64) (int, error) {
	if lots <= 0 {
		return 0, fmt.Errorf("lot size must be positive, got %v", lots)
	}
	if err := signal.ValidateGeometry(setup); err != nil {
		return 0, err
	}

	p := newPosition(b.nextID, setup, signalTime, entryTime, rawEntry, lots, b.model)
	b.nextID++
	b.open = append(b.open, p)

	log.Debug().
		Int("position", p.ID).
		Str("direction", p.Direction.String()).
		Time("entry_time", entryTime).
		Float64("raw_entry", rawEntry).
		Float64("entry", p.EntryPrice).
		Float64("sl", p.StopLoss).
		Float64("lots", lots).
		Msg("position opened")
	return p.ID, nil
}

// OnBar evaluates every open position against bar and returns the ids of
// positions that closed on it.
func (b *Broker) OnBar(bar candles.Bar) []int {
	var closedIDs []int
	still := b.open[:0]
	for _, p := range b.open {
		b.evaluate(p, bar)
		if p.IsClosed() {
			b.closed = append(b.closed, p)
			closedIDs = append(closedIDs, p.ID)
			continue
		}
		still = append(still, p)
	}
	b.open = still
	return closedIDs
}

// CloseAll force-closes every open position at price with reason MANUAL
func (b *Broker) CloseAll(t time.Time, price float64) []int {
	var ids []int
	for _, p := range b.open {
		b.fill(p, ExitManual, t, price, p.RemainingLots)
		b.closed = append(b.closed, p)
		ids = append(ids, p.ID)
	}
	b.open = nil
	return ids
}

// Unrealized marks open positions entered at or before bar to its close
func (b *Broker) Unrealized(bar candles.Bar) float64 {
	var u float64
	for _, p := range b.open {
		if p.EntryTime.After(bar.Time) {
			continue
		}
		u += p.Unrealized(bar.Close)
	}
	return u
}

func (b *Broker) evaluate(p *Position, bar candles.Bar) {
	if bar.Time.Before(p.EntryTime) {
		return
	}
	switch b.semantics {
	case OpenOnly:
		if !bar.Time.After(p.EntryTime) {
			return
		}
		b.evaluateAt(p, bar.Time, bar.Open, bar.Open, bar.Open, false)
	case OHLCIntrabar:
		b.evaluateAt(p, bar.Time, bar.Low, bar.High, 0, true)
	}
}

// evaluateAt applies stop then targets. For BUY adverse is the lowest
// price seen and favourable the highest; SELL swaps them. When atLevel is
// set fills happen at the stop/target price, otherwise at px.
func (b *Broker) evaluateAt(p *Position, t time.Time, low, high, px float64, atLevel bool) {
	adverse, favourable := low, high
	if p.Direction == fx.Sell {
		adverse, favourable = high, low
	}
	sign := p.Direction.Sign()

	if sign*adverse <= sign*p.StopLoss {
		price := px
		if atLevel {
			price = p.StopLoss
		}
		b.fill(p, ExitSL, t, price, p.RemainingLots)
		return
	}

	for k := 2; k >= 0 && !p.IsClosed(); k-- {
		if p.tpHit[k] || sign*favourable < sign*p.TakeProfit[k] {
			continue
		}
		p.tpHit[k] = true
		lots := p.LotSize * p.TPPercent[k]
		if p.remainingTPs() == 0 {
			lots = p.RemainingLots
		}
		if lots <= 0 {
			continue
		}
		price := px
		if atLevel {
			price = p.TakeProfit[k]
		}
		b.fill(p, tpReasons[k], t, price, lots)
	}
}

func (b *Broker) fill(p *Position, reason ExitReason, t time.Time, price, lots float64) {
	f, err := p.closeLeg(reason, t, price, lots)
	if err != nil {
		log.Error().Err(err).Int("position", p.ID).Msg("fill rejected")
		return
	}
	b.realized += f.NetPnL

	ev := log.Debug().
		Int("position", p.ID).
		Str("reason", string(reason)).
		Time("time", t).
		Float64("price", price).
		Float64("lots", f.Lots).
		Float64("net", f.NetPnL)
	if p.IsClosed() {
		ev.Float64("realized_net", p.RealizedNet).Msg("position closed")
		return
	}
	ev.Float64("remaining", p.RemainingLots).Msg("partial exit")
}
