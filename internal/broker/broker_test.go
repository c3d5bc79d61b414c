package broker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/costs"
	"github.com/sawpanic/fxrun/internal/fx"
	"github.com/sawpanic/fxrun/internal/signal"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Hour) }

func scenarioSetup() signal.TradeSetup {
	return signal.TradeSetup{
		Direction:  fx.Buy,
		EntryPrice: 1.10000,
		StopLoss:   1.09950,
		TakeProfit: [3]float64{1.10070, 1.10140, 1.10210},
		TPPercent:  [3]float64{0.4, 0.4, 0.2},
		Confidence: 0.8,
	}
}

func newBroker(t *testing.T, sem ExitSemantics) *Broker {
	t.Helper()
	b, err := New(sem, costs.DefaultModel("EURUSD"))
	require.NoError(t, err)
	return b
}

func bar(i int, o, h, l, c float64) candles.Bar {
	return candles.Bar{Time: at(i), Open: o, High: h, Low: l, Close: c}
}

func TestScenarioAOptimisticFillsTP1SameBar(t *testing.T) {
	b := newBroker(t, OHLCIntrabar)
	_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, 1.0)
	require.NoError(t, err)

	closed := b.OnBar(bar(0, 1.10000, 1.10080, 1.09980, 1.10020))
	assert.Empty(t, closed)

	p := b.Open()[0]
	require.Len(t, p.Legs, 1)
	leg := p.Legs[0]
	assert.Equal(t, ExitTP1, leg.Reason)
	assert.InDelta(t, 0.4, leg.Lots, 1e-12)
	assert.InDelta(t, 7.0, leg.GrossPips, 1e-9)

	m := costs.DefaultModel("EURUSD")
	assert.InDelta(t, 7.0-m.EntryCostPips()-m.ExitCostPips(), leg.NetPips, 1e-9)
	assert.Equal(t, StatePartiallyClosed, p.State())
	assert.True(t, p.TPHit(0))
	assert.InDelta(t, 0.6, p.RemainingLots, 1e-12)
}

func TestScenarioAConservativeHoldsOnEntryBar(t *testing.T) {
	b := newBroker(t, OpenOnly)
	_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, 1.0)
	require.NoError(t, err)

	assert.Empty(t, b.OnBar(bar(0, 1.10000, 1.10080, 1.09980, 1.10020)))
	p := b.Open()[0]
	assert.Empty(t, p.Legs)
	assert.Equal(t, StateOpen, p.State())

	// a later bar whose open sits between stop and TP1 still does nothing
	assert.Empty(t, b.OnBar(bar(1, 1.10020, 1.10300, 1.09800, 1.10000)))
	assert.Empty(t, p.Legs)

	// open through TP1 fills at the open
	assert.Empty(t, b.OnBar(bar(2, 1.10075, 1.10080, 1.10060, 1.10070)))
	require.Len(t, p.Legs, 1)
	assert.InDelta(t, 1.10075, p.Legs[0].RawExit, 1e-12)
}

func TestStopLossPriority(t *testing.T) {
	for _, sem := range []ExitSemantics{OHLCIntrabar, OpenOnly} {
		t.Run(string(sem), func(t *testing.T) {
			b := newBroker(t, sem)
			_, err := b.OpenPosition(scenarioSetup(), at(-1), at(-1), 1.10000, 1.0)
			require.NoError(t, err)

			// bar range touches both the stop and every target
			var ids []int
			if sem == OHLCIntrabar {
				ids = b.OnBar(bar(0, 1.10000, 1.10300, 1.09900, 1.10000))
			} else {
				ids = b.OnBar(bar(0, 1.09940, 1.10300, 1.09900, 1.10000))
			}
			require.Equal(t, []int{1}, ids)

			p := b.Closed()[0]
			require.Len(t, p.Legs, 1)
			assert.Equal(t, ExitSL, p.ExitReason)
			assert.Equal(t, ExitSL, p.Legs[0].Reason)
			for k := 0; k < 3; k++ {
				assert.False(t, p.TPHit(k))
			}
			assert.Less(t, p.RealizedNet, 0.0)
		})
	}
}

func TestSellSymmetry(t *testing.T) {
	b := newBroker(t, OHLCIntrabar)
	setup := signal.TradeSetup{
		Direction:  fx.Sell,
		EntryPrice: 1.10000,
		StopLoss:   1.10050,
		TakeProfit: [3]float64{1.09930, 1.09860, 1.09790},
		TPPercent:  [3]float64{0.4, 0.4, 0.2},
		Confidence: 0.7,
	}
	_, err := b.OpenPosition(setup, at(-1), at(0), 1.10000, 1.0)
	require.NoError(t, err)

	b.OnBar(bar(0, 1.10000, 1.10020, 1.09920, 1.09950))
	p := b.Open()[0]
	require.Len(t, p.Legs, 1)
	assert.Equal(t, ExitTP1, p.Legs[0].Reason)
	assert.InDelta(t, 7.0, p.Legs[0].GrossPips, 1e-9)

	ids := b.OnBar(bar(1, 1.09950, 1.10060, 1.09940, 1.10000))
	assert.Equal(t, []int{1}, ids)
	assert.Equal(t, ExitSL, p.ExitReason)
	assert.Len(t, p.Legs, 2)
	assert.InDelta(t, 0.6, p.Legs[1].Lots, 1e-12)
}

func TestAllTargetsInOneBar(t *testing.T) {
	b := newBroker(t, OHLCIntrabar)
	_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, 0.01)
	require.NoError(t, err)

	ids := b.OnBar(bar(0, 1.10000, 1.10300, 1.09990, 1.10250))
	require.Equal(t, []int{1}, ids)

	p := b.Closed()[0]
	require.Len(t, p.Legs, 3)
	assert.Equal(t, ExitTP3, p.Legs[0].Reason)
	assert.Equal(t, ExitTP2, p.Legs[1].Reason)
	assert.Equal(t, ExitTP1, p.Legs[2].Reason)
	assert.Equal(t, ExitTP3, p.ExitReason)
	assert.Equal(t, p.LotSize, p.ClosedLots)
	assert.Zero(t, p.RemainingLots)
}

func TestTargetsFireOnce(t *testing.T) {
	b := newBroker(t, OHLCIntrabar)
	_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, 1.0)
	require.NoError(t, err)

	b.OnBar(bar(0, 1.10000, 1.10080, 1.09990, 1.10050))
	b.OnBar(bar(1, 1.10050, 1.10090, 1.10000, 1.10050))
	b.OnBar(bar(2, 1.10050, 1.10100, 1.10000, 1.10050))
	p := b.Open()[0]
	assert.Len(t, p.Legs, 1, "TP1 must not refire")

	b.OnBar(bar(3, 1.10050, 1.10150, 1.10000, 1.10100))
	assert.Len(t, p.Legs, 2)
	assert.Equal(t, ExitTP2, p.Legs[1].Reason)
}

func TestCloseAllAndUnrealized(t *testing.T) {
	b := newBroker(t, OpenOnly)
	_, err := b.OpenPosition(scenarioSetup(), at(0), at(1), 1.10000, 1.0)
	require.NoError(t, err)

	// position filling on the next bar contributes nothing yet
	assert.Zero(t, b.Unrealized(bar(0, 1.1, 1.1, 1.1, 1.10040)))

	u := b.Unrealized(bar(1, 1.1, 1.1005, 1.0999, 1.10040))
	m := costs.DefaultModel("EURUSD")
	assert.InDelta(t, m.PipsToUSD(4.0-m.EntryCostPips(), 1.0), u, 1e-9)

	ids := b.CloseAll(at(5), 1.10040)
	assert.Equal(t, []int{1}, ids)
	assert.Zero(t, b.OpenCount())
	p := b.Closed()[0]
	assert.Equal(t, ExitManual, p.ExitReason)
	assert.Equal(t, StateClosed, p.State())
	assert.InDelta(t, p.RealizedNet, b.RealizedPnL(), 1e-12)
}

func TestOpenPositionRejectsBadGeometry(t *testing.T) {
	b := newBroker(t, OpenOnly)
	s := scenarioSetup()
	s.StopLoss = 1.10010
	_, err := b.OpenPosition(s, at(0), at(1), 1.1, 1.0)
	assert.Error(t, err)

	_, err = b.OpenPosition(scenarioSetup(), at(0), at(1), 1.1, 0)
	assert.Error(t, err)
	assert.Zero(t, b.OpenCount())
}

func TestNewRejectsUnknownSemantics(t *testing.T) {
	_, err := New("tick", costs.DefaultModel("EURUSD"))
	assert.Error(t, err)

	sem, err := ParseExitSemantics("OHLC_INTRABAR")
	require.NoError(t, err)
	assert.Equal(t, OHLCIntrabar, sem)
}

func TestLotConservationRandomPaths(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, sem := range []ExitSemantics{OpenOnly, OHLCIntrabar} {
		for trial := 0; trial < 200; trial++ {
			b := newBroker(t, sem)
			lots := []float64{0.01, 0.03, 0.1, 1.0}[trial%4]
			_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, lots)
			require.NoError(t, err)

			price := 1.10000
			for i := 0; i < 300 && b.OpenCount() > 0; i++ {
				o := price
				c := o + (rng.Float64()-0.5)*0.0006
				h := max(o, c) + rng.Float64()*0.0004
				l := min(o, c) - rng.Float64()*0.0004
				b.OnBar(bar(i, o, h, l, c))
				price = c

				for _, p := range b.Open() {
					assert.InDelta(t, p.LotSize-p.ClosedLots, p.RemainingLots, 1e-12)
				}
			}
			b.CloseAll(at(400), price)

			p := b.Closed()[0]
			var legLots, legNet float64
			for _, l := range p.Legs {
				legLots += l.Lots
				legNet += l.NetPnL
			}
			assert.Equal(t, p.LotSize, p.ClosedLots)
			assert.Zero(t, p.RemainingLots)
			assert.InDelta(t, p.LotSize, legLots, 1e-12)
			assert.InDelta(t, p.RealizedNet, legNet, 1e-9)
			assert.LessOrEqual(t, len(p.Legs), 4)
		}
	}
}

func TestPartialLegsReconcileWithBlendedExit(t *testing.T) {
	b := newBroker(t, OHLCIntrabar)
	_, err := b.OpenPosition(scenarioSetup(), at(-1), at(0), 1.10000, 0.01)
	require.NoError(t, err)

	b.OnBar(bar(0, 1.10000, 1.10075, 1.09990, 1.10050))
	b.OnBar(bar(1, 1.10050, 1.10145, 1.10040, 1.10100))
	b.OnBar(bar(2, 1.10100, 1.10215, 1.10090, 1.10200))
	require.Equal(t, 1, len(b.Closed()))
	p := b.Closed()[0]

	var weighted float64
	for _, l := range p.Legs {
		weighted += l.RawExit * l.Lots
	}
	m := costs.DefaultModel("EURUSD")
	blended := m.PriceLeg(fx.Buy, p.RawEntry, weighted/p.LotSize, p.LotSize)
	assert.InDelta(t, blended.NetPnL, p.RealizedNet, 1e-9)
	assert.InDelta(t, blended.GrossPnL, p.RealizedGross, 1e-9)
	assert.Greater(t, p.RMultiple(), 0.0)
}
