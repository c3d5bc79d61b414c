package signal

import (
	"fmt"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/fx"
)

// Trend classifies the prevailing direction
type Trend string

const (
	Uptrend   Trend = "UPTREND"
	Downtrend Trend = "DOWNTREND"
	Sideways  Trend = "SIDEWAYS"
)

// TrendInfo is the result of the dual EMA trend filter
type TrendInfo struct {
	Trend     Trend
	Strength  float64
	EMAFast   float64
	EMASlow   float64
	AllowBuy  bool
	AllowSell bool
	Reason    string
}

// Allows reports whether d is permitted in this trend
func (t TrendInfo) Allows(d fx.Direction) bool {
	if d == fx.Buy {
		return t.AllowBuy
	}
	return t.AllowSell
}

// EMA returns the span-based exponential moving average of closes, seeded
// with the first close.
func EMA(bars []candles.Bar, span int) []float64 {
	out := make([]float64, len(bars))
	if len(bars) == 0 {
		return out
	}
	alpha := 2 / (float64(span) + 1)
	out[0] = bars[0].Close
	for i := 1; i < len(bars); i++ {
		out[i] = alpha*bars[i].Close + (1-alpha)*out[i-1]
	}
	return out
}

// DetectTrend classifies price against EMA(fast) and EMA(slow). At least
// slow+10 bars are required; with fewer the trend is SIDEWAYS and blocks
// both directions.
func DetectTrend(bars []candles.Bar, fast, slow int) TrendInfo {
	if len(bars) < slow+10 {
		return TrendInfo{Trend: Sideways, Reason: fmt.Sprintf("insufficient data (need %d bars)", slow+10)}
	}
	ef := EMA(bars, fast)[len(bars)-1]
	es := EMA(bars, slow)[len(bars)-1]
	price := bars[len(bars)-1].Close

	info := TrendInfo{Trend: Sideways, EMAFast: ef, EMASlow: es}
	switch {
	case price > ef && ef > es:
		info.Trend = Uptrend
		info.Strength = min((ef-es)/es*100, 1)
		info.AllowBuy = true
		info.Reason = fmt.Sprintf("price %.5f > EMA%d %.5f > EMA%d %.5f", price, fast, ef, slow, es)
	case price < ef && ef < es:
		info.Trend = Downtrend
		info.Strength = min((es-ef)/es*100, 1)
		info.AllowSell = true
		info.Reason = fmt.Sprintf("price %.5f < EMA%d %.5f < EMA%d %.5f", price, fast, ef, slow, es)
	case ef < es:
		info.Reason = fmt.Sprintf("EMAs bearish but price %.5f above EMA%d %.5f", price, fast, ef)
	case ef > es:
		info.Reason = fmt.Sprintf("EMAs bullish but price %.5f below EMA%d %.5f", price, fast, ef)
	default:
		info.Reason = "EMAs crossed, trend unclear"
	}
	return info
}
