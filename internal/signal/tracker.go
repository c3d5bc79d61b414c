package signal

import (
	"math"
	"sync"
	"time"
)

// Tracker holds the mutable state a local oracle accumulates across
// decisions: broken levels and the last signal per symbol. Create one per
// backtest run or walk-forward split. Times are bar times, never wall
// clock, so replays are deterministic.
type Tracker struct {
	mu          sync.Mutex
	broken      map[float64]time.Time
	lastSignals map[string]time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		broken:      make(map[float64]time.Time),
		lastSignals: make(map[string]time.Time),
	}
}

// Reset forgets all state
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = make(map[float64]time.Time)
	t.lastSignals = make(map[string]time.Time)
}

func levelKey(price float64) float64 {
	return math.Round(price*1e5) / 1e5
}

// MarkBroken records that level broke at ts
func (t *Tracker) MarkBroken(level float64, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken[levelKey(level)] = ts
}

// InCooldown reports whether level broke less than cooldown before now.
// Expired entries are dropped.
func (t *Tracker) InCooldown(level float64, now time.Time, cooldown time.Duration) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := levelKey(level)
	brokenAt, ok := t.broken[key]
	if !ok {
		return false, 0
	}
	elapsed := now.Sub(brokenAt)
	if elapsed < cooldown {
		return true, cooldown - elapsed
	}
	delete(t.broken, key)
	return false, 0
}

// BrokenCount returns the number of remembered broken levels
func (t *Tracker) BrokenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.broken)
}

// RecordSignal stores the time of the latest signal for symbol
func (t *Tracker) RecordSignal(symbol string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSignals[symbol] = ts
}

// SignalCooldown reports the remaining cooldown for symbol at now
func (t *Tracker) SignalCooldown(symbol string, now time.Time, cooldown time.Duration) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSignals[symbol]
	if !ok {
		return false, 0
	}
	if elapsed := now.Sub(last); elapsed < cooldown {
		return true, cooldown - elapsed
	}
	return false, 0
}
