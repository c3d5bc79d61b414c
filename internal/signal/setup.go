package signal

import (
	"errors"
	"fmt"
	"math"

	"github.com/sawpanic/fxrun/internal/fx"
)

// ErrZeroRisk marks a setup whose stop equals its entry
var ErrZeroRisk = errors.New("zero risk distance")

// TradeSetup is a candidate trade produced by an Oracle
type TradeSetup struct {
	Direction  fx.Direction `json:"direction"`
	EntryPrice float64      `json:"entry_price"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit [3]float64   `json:"take_profit"`
	TPPercent  [3]float64   `json:"tp_percent"`
	Confidence float64      `json:"confidence"`
	Level      float64      `json:"level,omitempty"`
	LevelScore float64      `json:"level_score,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// RiskPips returns the entry to stop distance in pips
func (s TradeSetup) RiskPips(pip float64) float64 {
	return math.Abs(s.EntryPrice-s.StopLoss) / pip
}

// GeometryError reports a setup whose stop/target ordering is inconsistent
type GeometryError struct {
	Setup  TradeSetup
	Reason string
}

func (e *GeometryError) Error() string {
	s := e.Setup
	return fmt.Sprintf("invalid %s geometry (%s): entry=%.5f sl=%.5f tp1=%.5f tp2=%.5f tp3=%.5f pct=%v",
		s.Direction, e.Reason, s.EntryPrice, s.StopLoss, s.TakeProfit[0], s.TakeProfit[1], s.TakeProfit[2], s.TPPercent)
}

func (e *GeometryError) Unwrap() error {
	if e.Reason == ErrZeroRisk.Error() {
		return ErrZeroRisk
	}
	return nil
}

const percentTolerance = 1e-9

// ValidateGeometry checks the ordering stop < entry < tp1 < tp2 < tp3 for
// BUY (reversed for SELL), that TP percents partition the position and
// that confidence lies in [0, 1].
func ValidateGeometry(s TradeSetup) error {
	fail := func(reason string) error { return &GeometryError{Setup: s, Reason: reason} }

	if !s.Direction.Valid() {
		return fail("unknown direction")
	}
	for _, v := range []float64{s.EntryPrice, s.StopLoss, s.TakeProfit[0], s.TakeProfit[1], s.TakeProfit[2]} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fail("non-positive or non-finite price")
		}
	}
	if s.EntryPrice == s.StopLoss {
		return fail(ErrZeroRisk.Error())
	}

	// normalise to the BUY orientation
	sign := s.Direction.Sign()
	seq := []float64{sign * s.StopLoss, sign * s.EntryPrice, sign * s.TakeProfit[0], sign * s.TakeProfit[1], sign * s.TakeProfit[2]}
	for i := 1; i < len(seq); i++ {
		if seq[i] <= seq[i-1] {
			return fail("stop/target ordering violated")
		}
	}

	sum := 0.0
	for _, p := range s.TPPercent {
		if p < 0 || p > 1 {
			return fail("tp percent out of range")
		}
		sum += p
	}
	if math.Abs(sum-1) > percentTolerance {
		return fail(fmt.Sprintf("tp percents sum to %.6f", sum))
	}
	if s.Confidence < 0 || s.Confidence > 1 || math.IsNaN(s.Confidence) {
		return fail("confidence out of range")
	}
	return nil
}
