package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/fx"
)

// SessionWindow is a [Start, End) range of UTC hours
type SessionWindow struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// LocalConfig holds the detection thresholds of the local oracle
type LocalConfig struct {
	Levels         LevelConfig     `yaml:"levels"`
	Rejection      RejectionConfig `yaml:"rejection"`
	SessionFilter  bool            `yaml:"session_filter"`
	Sessions       []SessionWindow `yaml:"sessions"`
	TrendFilter    bool            `yaml:"trend_filter"`
	EMAFast        int             `yaml:"ema_fast"`
	EMASlow        int             `yaml:"ema_slow"`
	OverrideConf   float64         `yaml:"override_confidence"`
	OverrideScore  float64         `yaml:"override_level_score"`
	BrokenLookback int             `yaml:"broken_lookback"`
	SLPipsBeyond   float64         `yaml:"sl_pips_beyond"`
	MaxSLPips      float64         `yaml:"max_sl_pips"`
	MinRR          float64         `yaml:"min_rr"`
	TPRatios       [3]float64      `yaml:"tp_ratios"`
	TPPercents     [3]float64      `yaml:"tp_percents"`
}

// DefaultLocalConfig returns the production thresholds
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Levels: LevelConfig{
			Lookback:    50,
			SwingWindow: 5,
			MinTouches:  3,
			ClusterPips: 10,
			MinScore:    60,
		},
		Rejection: RejectionConfig{
			MinWickBodyRatio: 1.5,
			MaxDistancePips:  10,
			MinClosePosBuy:   0.60,
			MaxClosePosSell:  0.40,
			LookbackCandles:  5,
		},
		SessionFilter:  true,
		Sessions:       []SessionWindow{{Start: 3, End: 11}, {Start: 8, End: 16}},
		TrendFilter:    true,
		EMAFast:        20,
		EMASlow:        50,
		OverrideConf:   0.85,
		OverrideScore:  80,
		BrokenLookback: 10,
		SLPipsBeyond:   10,
		MaxSLPips:      20,
		MinRR:          2,
		TPRatios:       [3]float64{1, 2, 3},
		TPPercents:     [3]float64{0.4, 0.4, 0.2},
	}
}

// LocalOracle detects rejection candles at support/resistance levels. Its
// cooldown state lives in the Tracker it was built with.
type LocalOracle struct {
	cfg     LocalConfig
	tracker *Tracker
}

// NewLocalOracle creates an oracle bound to tracker. A nil tracker gets a
// fresh one.
func NewLocalOracle(cfg LocalConfig, tracker *Tracker) *LocalOracle {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &LocalOracle{cfg: cfg, tracker: tracker}
}

// Tracker returns the session state
func (o *LocalOracle) Tracker() *Tracker { return o.tracker }

// Lookback implements Oracle
func (o *LocalOracle) Lookback() int {
	n := o.cfg.Levels.Lookback
	if o.cfg.TrendFilter && o.cfg.EMASlow+10 > n {
		n = o.cfg.EMASlow + 10
	}
	if o.cfg.BrokenLookback > n {
		n = o.cfg.BrokenLookback
	}
	if o.cfg.Rejection.LookbackCandles > n {
		n = o.cfg.Rejection.LookbackCandles
	}
	return n
}

func (o *LocalOracle) inSession(t time.Time) bool {
	h := t.UTC().Hour()
	for _, w := range o.cfg.Sessions {
		if h >= w.Start && h < w.End {
			return true
		}
	}
	return false
}

// Evaluate implements Oracle
func (o *LocalOracle) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if len(req.Bars) < o.Lookback() {
		return Hold("insufficient bars: %d < %d", len(req.Bars), o.Lookback()), nil
	}
	p := req.Params
	pip := p.Costs.PipSize
	if pip <= 0 {
		pip = fx.PipSize(req.Symbol)
	}
	last := req.Bars[len(req.Bars)-1]
	now := last.Time

	if o.cfg.SessionFilter && !o.inSession(now) {
		return Hold("outside trading session"), nil
	}

	var trend TrendInfo
	if o.cfg.TrendFilter {
		trend = DetectTrend(req.Bars, o.cfg.EMAFast, o.cfg.EMASlow)
	}

	levels := DetectLevels(req.Bars, o.cfg.Levels, pip)
	if len(levels) == 0 {
		return Hold("no significant S/R levels"), nil
	}
	levels = o.validateLevels(levels, req.Bars, p, pip, now)
	if len(levels) == 0 {
		return Hold("all S/R levels broken or in cooldown"), nil
	}

	rej, ok := FindRejection(req.Bars, levels, o.cfg.Rejection, pip)
	if !ok {
		return Hold("no rejection pattern at S/R levels"), nil
	}
	if rej.Confidence < p.MinConfidence {
		return Hold("confidence too low (%.2f < %.2f)", rej.Confidence, p.MinConfidence), nil
	}

	if o.cfg.TrendFilter && !trend.Allows(rej.Direction) {
		override := rej.Confidence > o.cfg.OverrideConf && rej.Level.Score >= o.cfg.OverrideScore
		if !override {
			return Hold("%s rejected by trend filter: %s", rej.Direction, trend.Reason), nil
		}
	}

	cooldown := time.Duration(p.SignalCooldownHours * float64(time.Hour))
	if active, left := o.tracker.SignalCooldown(req.Symbol, now, cooldown); active {
		return Hold("signal cooldown active (%.1fh remaining)", left.Hours()), nil
	}

	setup, reason := o.buildSetup(rej, last.Close, pip)
	if setup == nil {
		return Hold("%s", reason), nil
	}

	edge := fx.Pips(setup.Direction, setup.EntryPrice, setup.TakeProfit[0], pip) - p.Costs.RoundTripCostPips()
	if edge < p.MinEdgePips {
		return Hold("insufficient edge after costs (%.1f < %.1f pips)", edge, p.MinEdgePips), nil
	}

	o.tracker.RecordSignal(req.Symbol, now)
	return Decision{Setup: setup, Reason: setup.Reason}, nil
}

func (o *LocalOracle) validateLevels(levels []Level, bars []candles.Bar, p Params, pip float64, now time.Time) []Level {
	cooldown := time.Duration(p.BrokenLevelCooldownHours * float64(time.Hour))
	breakDist := p.BrokenLevelBreakPips * pip
	recent := bars
	if n := o.cfg.BrokenLookback; len(recent) > n {
		recent = recent[len(recent)-n:]
	}

	valid := levels[:0:0]
	for _, lvl := range levels {
		if in, _ := o.tracker.InCooldown(lvl.Price, now, cooldown); in {
			continue
		}
		broken := false
		for _, b := range recent {
			if (lvl.Type == Support && b.Close < lvl.Price-breakDist) ||
				(lvl.Type == Resistance && b.Close > lvl.Price+breakDist) {
				broken = true
				break
			}
		}
		if broken {
			o.tracker.MarkBroken(lvl.Price, now)
			log.Debug().Float64("level", lvl.Price).Str("type", string(lvl.Type)).Time("bar_time", now).Msg("level broken")
			continue
		}
		valid = append(valid, lvl)
	}
	return valid
}

// buildSetup places the stop beyond the level and targets at R multiples
// from the decision close.
func (o *LocalOracle) buildSetup(rej Rejection, entry, pip float64) (*TradeSetup, string) {
	sign := rej.Direction.Sign()
	sl := rej.Level.Price - sign*o.cfg.SLPipsBeyond*pip
	risk := sign * (entry - sl)
	if risk <= 0 {
		return nil, fmt.Sprintf("entry %.5f already beyond stop %.5f", entry, sl)
	}
	riskPips := risk / pip
	if o.cfg.MaxSLPips > 0 && riskPips > o.cfg.MaxSLPips {
		return nil, fmt.Sprintf("stop too wide (%.1f > %.1f pips)", riskPips, o.cfg.MaxSLPips)
	}

	var tps [3]float64
	for k, r := range o.cfg.TPRatios {
		tps[k] = fx.Round(entry+sign*r*risk, 5)
	}
	rr := math.Abs(tps[1]-entry) / risk
	if rr < o.cfg.MinRR-1e-6 {
		return nil, fmt.Sprintf("risk:reward %.2f below %.2f", rr, o.cfg.MinRR)
	}

	kind := "Support"
	if rej.Direction == fx.Sell {
		kind = "Resistance"
	}
	return &TradeSetup{
		Direction:  rej.Direction,
		EntryPrice: entry,
		StopLoss:   fx.Round(sl, 5),
		TakeProfit: tps,
		TPPercent:  o.cfg.TPPercents,
		Confidence: rej.Confidence,
		Level:      rej.Level.Price,
		LevelScore: rej.Level.Score,
		Reason:     fmt.Sprintf("%s bounce at %.5f, score %.1f", kind, rej.Level.Price, rej.Level.Score),
	}, ""
}
