package candles

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Bar is a single closed OHLCV candle
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Timeframe is the nominal bar period of a series
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
	W1  Timeframe = "W1"
)

var timeframeSeconds = map[Timeframe]int64{
	M1:  60,
	M5:  300,
	M15: 900,
	M30: 1800,
	H1:  3600,
	H4:  14400,
	D1:  86400,
	W1:  604800,
}

// ParseTimeframe parses a timeframe name such as "h1" or "M15"
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Seconds returns the bar period in seconds, or 0 for an unknown timeframe
func (tf Timeframe) Seconds() int64 {
	return timeframeSeconds[tf]
}

// Duration returns the bar period
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// Metadata describes a validated series
type Metadata struct {
	Symbol           string    `json:"symbol,omitempty"`
	Timeframe        Timeframe `json:"timeframe"`
	TimeframeSeconds int64     `json:"timeframe_seconds"`
	BarCount         int       `json:"bar_count"`
	FirstTime        time.Time `json:"first_time"`
	LastTime         time.Time `json:"last_time"`
	DecisionBarTime  time.Time `json:"decision_bar_time"`
	DecisionClose    float64   `json:"decision_close"`
}

// Series is a validated, time-ordered and read-only sequence of bars.
// It can only be built by Validate or derived from another Series.
type Series struct {
	bars []Bar
	meta Metadata
}

// Len returns the number of bars
func (s *Series) Len() int {
	return len(s.bars)
}

// At returns the bar at index i
func (s *Series) At(i int) Bar {
	return s.bars[i]
}

// Last returns the final bar
func (s *Series) Last() Bar {
	return s.bars[len(s.bars)-1]
}

// Metadata returns the series metadata
func (s *Series) Metadata() Metadata {
	return s.meta
}

// Timeframe returns the nominal bar period
func (s *Series) Timeframe() Timeframe {
	return s.meta.Timeframe
}

// Window returns bars [0, i]. The slice capacity is clipped so callers
// cannot reach bars after i through append or reslicing.
func (s *Series) Window(i int) []Bar {
	return s.bars[: i+1 : i+1]
}

// Tail returns at most n bars ending at index i
func (s *Series) Tail(i, n int) []Bar {
	start := i + 1 - n
	if start < 0 {
		start = 0
	}
	return s.bars[start : i+1 : i+1]
}

// Bars returns a copy of all bars
func (s *Series) Bars() []Bar {
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Slice returns the sub-series [from, to). The result shares no
// mutable state with s and carries recomputed metadata.
func (s *Series) Slice(from, to int) *Series {
	if from < 0 {
		from = 0
	}
	if to > len(s.bars) {
		to = len(s.bars)
	}
	if from > to {
		from = to
	}
	bars := make([]Bar, to-from)
	copy(bars, s.bars[from:to])
	return newSeries(bars, s.meta.Symbol, s.meta.Timeframe)
}

// Between returns the sub-series with from <= time < to
func (s *Series) Between(from, to time.Time) *Series {
	return s.Slice(s.Index(from), s.Index(to))
}

// Index returns the first index whose bar time is not before t, or Len()
// when every bar is earlier.
func (s *Series) Index(t time.Time) int {
	return sort.Search(len(s.bars), func(i int) bool { return !s.bars[i].Time.Before(t) })
}

// Years returns the distinct UTC calendar years present, ascending
func (s *Series) Years() []int {
	var years []int
	for _, b := range s.bars {
		y := b.Time.UTC().Year()
		if len(years) == 0 || years[len(years)-1] != y {
			years = append(years, y)
		}
	}
	return years
}

func newSeries(bars []Bar, symbol string, tf Timeframe) *Series {
	meta := Metadata{
		Symbol:           symbol,
		Timeframe:        tf,
		TimeframeSeconds: tf.Seconds(),
		BarCount:         len(bars),
	}
	if len(bars) > 0 {
		last := bars[len(bars)-1]
		meta.FirstTime = bars[0].Time
		meta.LastTime = last.Time
		meta.DecisionBarTime = last.Time
		meta.DecisionClose = last.Close
	}
	return &Series{bars: bars, meta: meta}
}
