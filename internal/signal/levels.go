package signal

import (
	"math"
	"sort"

	"github.com/sawpanic/fxrun/internal/candles"
)

// LevelType is support or resistance
type LevelType string

const (
	Support    LevelType = "support"
	Resistance LevelType = "resistance"
)

// Level is a support/resistance price inferred from swing points
type Level struct {
	Price   float64   `json:"level"`
	Type    LevelType `json:"type"`
	Touches int       `json:"touches"`
	Score   float64   `json:"score"`
}

// LevelConfig tunes level detection
type LevelConfig struct {
	Lookback    int     `yaml:"lookback"`
	SwingWindow int     `yaml:"swing_window"`
	MinTouches  int     `yaml:"min_touches"`
	ClusterPips float64 `yaml:"cluster_pips"`
	MinScore    float64 `yaml:"min_score"`
}

// DetectLevels finds swing highs and lows in the last cfg.Lookback bars,
// clusters them within cfg.ClusterPips and scores each cluster from its
// touch count and recency. Levels below the current close are support,
// the rest resistance. Result is sorted by score, best first.
func DetectLevels(bars []candles.Bar, cfg LevelConfig, pip float64) []Level {
	if len(bars) > cfg.Lookback {
		bars = bars[len(bars)-cfg.Lookback:]
	}
	half := cfg.SwingWindow / 2
	if half < 1 {
		half = 1
	}
	if len(bars) < 2*half+1 {
		return nil
	}

	var swings []float64
	for i := half; i < len(bars)-half; i++ {
		isHigh, isLow := true, true
		for j := i - half; j <= i+half; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
		}
		if isHigh {
			swings = append(swings, bars[i].High)
		}
		if isLow {
			swings = append(swings, bars[i].Low)
		}
	}
	if len(swings) == 0 {
		return nil
	}
	sort.Float64s(swings)

	dist := cfg.ClusterPips * pip
	var clusters [][]float64
	for _, s := range swings {
		n := len(clusters)
		if n > 0 && s-mean(clusters[n-1]) <= dist {
			clusters[n-1] = append(clusters[n-1], s)
			continue
		}
		clusters = append(clusters, []float64{s})
	}

	last := bars[len(bars)-1]
	var levels []Level
	for _, c := range clusters {
		price := mean(c)
		typ := Resistance
		if price < last.Close {
			typ = Support
		}

		touches, lastTouch := 0, -1
		for i, b := range bars {
			edge := b.High
			if typ == Support {
				edge = b.Low
			}
			if math.Abs(edge-price) <= dist {
				touches++
				lastTouch = i
			}
		}
		if touches < cfg.MinTouches {
			continue
		}

		touchScore := math.Min(float64(touches)/6, 1) * 70
		age := float64(len(bars) - 1 - lastTouch)
		recency := math.Max(0, 1-age/float64(len(bars))) * 30
		score := math.Round((touchScore+recency)*10) / 10
		if score < cfg.MinScore {
			continue
		}
		levels = append(levels, Level{Price: roundPrice(price), Type: typ, Touches: touches, Score: score})
	}

	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Score > levels[j].Score })
	return levels
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func roundPrice(p float64) float64 {
	return math.Round(p*1e5) / 1e5
}
