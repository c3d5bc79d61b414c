package signal

import (
	"math"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/fx"
)

// RejectionConfig tunes rejection candle detection
type RejectionConfig struct {
	MinWickBodyRatio float64 `yaml:"min_wick_body_ratio"`
	MaxDistancePips  float64 `yaml:"max_distance_pips"`
	MinClosePosBuy   float64 `yaml:"close_position_buy"`
	MaxClosePosSell  float64 `yaml:"close_position_sell"`
	LookbackCandles  int     `yaml:"lookback_candles"`
}

// CandleShape describes the wick/body geometry of a bar
type CandleShape struct {
	Body          float64
	UpperWick     float64
	LowerWick     float64
	WickBodyRatio float64
	ClosePosition float64 // 0 at the low, 1 at the high
}

// Shape measures a bar
func Shape(b candles.Bar) CandleShape {
	s := CandleShape{Body: math.Abs(b.Close - b.Open)}
	top, bottom := math.Max(b.Open, b.Close), math.Min(b.Open, b.Close)
	s.UpperWick = b.High - top
	s.LowerWick = bottom - b.Low
	if s.Body > 0 {
		s.WickBodyRatio = math.Max(s.UpperWick, s.LowerWick) / s.Body
	}
	s.ClosePosition = 0.5
	if r := b.High - b.Low; r > 0 {
		s.ClosePosition = (b.Close - b.Low) / r
	}
	return s
}

// Rejection is a rejection candle found at a level
type Rejection struct {
	Direction  fx.Direction
	Level      Level
	BarIndex   int
	Shape      CandleShape
	Confidence float64
}

func isSupportRejection(b candles.Bar, level float64, cfg RejectionConfig, pip float64) bool {
	if math.Abs(b.Low-level) > cfg.MaxDistancePips*pip {
		return false
	}
	s := Shape(b)
	return s.WickBodyRatio >= cfg.MinWickBodyRatio &&
		s.LowerWick >= s.UpperWick &&
		s.ClosePosition >= cfg.MinClosePosBuy
}

func isResistanceRejection(b candles.Bar, level float64, cfg RejectionConfig, pip float64) bool {
	if math.Abs(b.High-level) > cfg.MaxDistancePips*pip {
		return false
	}
	s := Shape(b)
	return s.WickBodyRatio >= cfg.MinWickBodyRatio &&
		s.UpperWick >= s.LowerWick &&
		s.ClosePosition <= cfg.MaxClosePosSell
}

// FindRejection scans the last cfg.LookbackCandles bars against every
// level and returns the highest-confidence rejection. Ties go to the newest
// bar, then to the earlier level in levels.
func FindRejection(bars []candles.Bar, levels []Level, cfg RejectionConfig, pip float64) (Rejection, bool) {
	if len(levels) == 0 || len(bars) < cfg.LookbackCandles {
		return Rejection{}, false
	}
	var best Rejection
	found := false
	start := len(bars) - cfg.LookbackCandles
	for i := len(bars) - 1; i >= start; i-- {
		b := bars[i]
		for _, lvl := range levels {
			var dir fx.Direction
			switch {
			case lvl.Type == Support && isSupportRejection(b, lvl.Price, cfg, pip):
				dir = fx.Buy
			case lvl.Type == Resistance && isResistanceRejection(b, lvl.Price, cfg, pip):
				dir = fx.Sell
			default:
				continue
			}
			shape := Shape(b)
			conf := fx.Round(math.Min((lvl.Score/100+shape.WickBodyRatio/10)/2, 1), 2)
			if found && conf <= best.Confidence {
				continue
			}
			best = Rejection{
				Direction:  dir,
				Level:      lvl,
				BarIndex:   i,
				Shape:      shape,
				Confidence: conf,
			}
			found = true
		}
	}
	return best, found
}
