package backtest

import (
	"time"

	"github.com/sawpanic/fxrun/internal/broker"
	"github.com/sawpanic/fxrun/internal/signal"
)

// SignalCounters tallies oracle decisions over a run
type SignalCounters struct {
	Evaluated int `json:"evaluated"`
	Buy       int `json:"buy"`
	Sell      int `json:"sell"`
	Hold      int `json:"hold"`
	// Rejected setups failed the geometry check
	Rejected int `json:"rejected"`
	// Failed oracle calls, treated as no-signal
	Failed int `json:"failed"`
	// Skipped setups arrived on the final bar with nothing left to fill on
	Skipped int `json:"skipped"`
}

// Session is the mutable state of one run. It is built fresh by every
// Engine.Run and never shared between runs.
type Session struct {
	Broker   *broker.Broker
	Oracle   signal.Oracle
	Counters SignalCounters

	equity   []EquityPoint
	failures []time.Time
}

func newSession(cfg Config, oracle signal.Oracle, bars int) (*Session, error) {
	b, err := broker.New(cfg.ExitSemantics, cfg.Params.Costs)
	if err != nil {
		return nil, err
	}
	return &Session{
		Broker: b,
		Oracle: oracle,
		equity: make([]EquityPoint, 0, bars),
	}, nil
}

func (s *Session) count(d signal.Decision) {
	s.Counters.Evaluated++
	switch {
	case d.Setup == nil:
		s.Counters.Hold++
	case d.Setup.Direction.Sign() > 0:
		s.Counters.Buy++
	default:
		s.Counters.Sell++
	}
}
