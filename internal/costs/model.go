// Package costs prices fills and P&L legs. Every fill pays half the spread
// plus slippage against the trader; each side pays commission per lot.
package costs

import (
	"fmt"

	"github.com/sawpanic/fxrun/internal/fx"
)

// Model holds transaction cost parameters
type Model struct {
	SpreadPips              float64 `yaml:"spread_pips" json:"spread_pips"`
	SlippagePips            float64 `yaml:"slippage_pips" json:"slippage_pips"`
	CommissionPerSidePerLot float64 `yaml:"commission_per_side_per_lot" json:"commission_per_side_per_lot"`
	USDPerPipPerLot         float64 `yaml:"usd_per_pip_per_lot" json:"usd_per_pip_per_lot"`
	PipSize                 float64 `yaml:"pip_size" json:"pip_size"`
}

// DefaultModel returns retail ECN-like costs for symbol
func DefaultModel(symbol string) Model {
	return Model{
		SpreadPips:              1.5,
		SlippagePips:            0.5,
		CommissionPerSidePerLot: 3.5,
		USDPerPipPerLot:         10.0,
		PipSize:                 fx.PipSize(symbol),
	}
}

// Validate rejects negative costs and non-positive pip values
func (m Model) Validate() error {
	if m.SpreadPips < 0 || m.SlippagePips < 0 || m.CommissionPerSidePerLot < 0 {
		return fmt.Errorf("costs must be non-negative: spread=%v slippage=%v commission=%v",
			m.SpreadPips, m.SlippagePips, m.CommissionPerSidePerLot)
	}
	if m.USDPerPipPerLot <= 0 {
		return fmt.Errorf("usd_per_pip_per_lot must be positive, got %v", m.USDPerPipPerLot)
	}
	if m.PipSize <= 0 {
		return fmt.Errorf("pip_size must be positive, got %v", m.PipSize)
	}
	return nil
}

// FillCostPips is the adverse adjustment applied to a single fill
func (m Model) FillCostPips() float64 {
	return m.SpreadPips/2 + m.SlippagePips
}

// EntryCostPips is the adverse adjustment on entry
func (m Model) EntryCostPips() float64 { return m.FillCostPips() }

// ExitCostPips is the adverse adjustment on each exit leg
func (m Model) ExitCostPips() float64 { return m.FillCostPips() }

// CommissionUSD is the one-side commission for lots
func (m Model) CommissionUSD(lots float64) float64 {
	return m.CommissionPerSidePerLot * lots
}

// RoundTripCommissionUSD is entry plus exit commission for lots
func (m Model) RoundTripCommissionUSD(lots float64) float64 {
	return 2 * m.CommissionUSD(lots)
}

// RoundTripCostPips expresses spread, both slippages and both commissions in pips
func (m Model) RoundTripCostPips() float64 {
	return m.SpreadPips + 2*m.SlippagePips + 2*m.CommissionPerSidePerLot/m.USDPerPipPerLot
}

// PipsToUSD converts a pip amount on lots to dollars
func (m Model) PipsToUSD(pips, lots float64) float64 {
	return pips * lots * m.USDPerPipPerLot
}

// FillEntry returns the price actually paid for an entry at raw
func (m Model) FillEntry(d fx.Direction, raw float64) float64 {
	return raw + d.Sign()*m.FillCostPips()*m.PipSize
}

// FillExit returns the price actually received for an exit at raw
func (m Model) FillExit(d fx.Direction, raw float64) float64 {
	return raw - d.Sign()*m.FillCostPips()*m.PipSize
}

// Leg is the accounting for one exit leg of a position
type Leg struct {
	Lots               float64 `json:"lots"`
	RawExit            float64 `json:"raw_exit"`
	FillExit           float64 `json:"fill_exit"`
	GrossPips          float64 `json:"gross_pips"`
	NetPips            float64 `json:"net_pips"`
	GrossPnL           float64 `json:"gross_pnl"`
	SpreadSlippageUSD  float64 `json:"spread_slippage_usd"`
	EntryCommissionUSD float64 `json:"entry_commission_usd"`
	ExitCommissionUSD  float64 `json:"exit_commission_usd"`
	NetPnL             float64 `json:"net_pnl"`
}

// PriceLeg prices closing lots of a position entered at rawEntry by an exit
// at rawExit. The entry commission is amortized in proportion to lots, so
// legs of one position sum to the same total as a single blended exit.
func (m Model) PriceLeg(d fx.Direction, rawEntry, rawExit, lots float64) Leg {
	fillEntry := m.FillEntry(d, rawEntry)
	fillExit := m.FillExit(d, rawExit)

	grossPips := fx.Pips(d, rawEntry, rawExit, m.PipSize)
	netPips := fx.Pips(d, fillEntry, fillExit, m.PipSize)

	leg := Leg{
		Lots:               lots,
		RawExit:            rawExit,
		FillExit:           fillExit,
		GrossPips:          grossPips,
		NetPips:            netPips,
		GrossPnL:           m.PipsToUSD(grossPips, lots),
		SpreadSlippageUSD:  m.PipsToUSD(m.EntryCostPips()+m.ExitCostPips(), lots),
		EntryCommissionUSD: m.CommissionUSD(lots),
		ExitCommissionUSD:  m.CommissionUSD(lots),
	}
	leg.NetPnL = m.PipsToUSD(netPips, lots) - leg.EntryCommissionUSD - leg.ExitCommissionUSD
	return leg
}
