package candles

import (
	"fmt"
	"math"
)

// DataValidationError reports malformed, insufficient or discontinuous bars.
// Index is the offending bar position, or -1 when the error concerns the
// series as a whole.
type DataValidationError struct {
	Reason string
	Index  int
}

func (e *DataValidationError) Error() string {
	if e.Index < 0 {
		return "data validation failed: " + e.Reason
	}
	return fmt.Sprintf("data validation failed at bar %d: %s", e.Index, e.Reason)
}

// ValidationOptions configures Validate
type ValidationOptions struct {
	Symbol        string
	Timeframe     Timeframe
	MinBars       int  // minimum bar count (default 200)
	MaxGapPeriods int  // largest allowed gap in bar periods (default 168)
	AllowGaps     bool // when false every gap must be exactly one period
}

// DefaultValidationOptions returns options for an H1 series that tolerate
// weekend and holiday gaps up to one week.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		Timeframe:     H1,
		MinBars:       200,
		MaxGapPeriods: 168,
		AllowGaps:     true,
	}
}

// Validate checks raw bars and returns them as a Series. It must run before
// any backtest or live evaluation; the last bar is treated as the decision bar
// and is assumed closed.
func Validate(bars []Bar, opts ValidationOptions) (*Series, error) {
	period := opts.Timeframe.Seconds()
	if period == 0 {
		return nil, &DataValidationError{Reason: fmt.Sprintf("unknown timeframe %q", opts.Timeframe), Index: -1}
	}
	if opts.MaxGapPeriods <= 0 {
		opts.MaxGapPeriods = 168
	}
	if len(bars) == 0 || len(bars) < opts.MinBars {
		return nil, &DataValidationError{
			Reason: fmt.Sprintf("insufficient bars: got %d, need at least %d", len(bars), opts.MinBars),
			Index:  -1,
		}
	}

	for i, b := range bars {
		if b.Time.IsZero() || b.Time.Unix() <= 0 {
			return nil, &DataValidationError{Reason: "zero timestamp", Index: i}
		}
		if !finitePositive(b.Open, b.High, b.Low, b.Close) {
			return nil, &DataValidationError{
				Reason: fmt.Sprintf("non-finite or non-positive price o=%v h=%v l=%v c=%v", b.Open, b.High, b.Low, b.Close),
				Index:  i,
			}
		}
		if b.High < b.Low || b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
			return nil, &DataValidationError{
				Reason: fmt.Sprintf("inconsistent OHLC o=%.5f h=%.5f l=%.5f c=%.5f", b.Open, b.High, b.Low, b.Close),
				Index:  i,
			}
		}
		if i == 0 {
			continue
		}

		gap := b.Time.Unix() - bars[i-1].Time.Unix()
		switch {
		case gap == 0:
			return nil, &DataValidationError{Reason: fmt.Sprintf("duplicate timestamp %s", b.Time.UTC()), Index: i}
		case gap < 0:
			return nil, &DataValidationError{Reason: fmt.Sprintf("non-increasing timestamp %s", b.Time.UTC()), Index: i}
		case gap%period != 0:
			return nil, &DataValidationError{
				Reason: fmt.Sprintf("gap of %ds is not a multiple of the %ds period", gap, period),
				Index:  i,
			}
		}

		periods := gap / period
		if !opts.AllowGaps && periods != 1 {
			return nil, &DataValidationError{Reason: fmt.Sprintf("gap of %d periods with gaps disallowed", periods), Index: i}
		}
		if periods > int64(opts.MaxGapPeriods) {
			return nil, &DataValidationError{
				Reason: fmt.Sprintf("gap of %d periods exceeds maximum %d", periods, opts.MaxGapPeriods),
				Index:  i,
			}
		}
	}

	owned := make([]Bar, len(bars))
	copy(owned, bars)
	return newSeries(owned, opts.Symbol, opts.Timeframe), nil
}

func finitePositive(prices ...float64) bool {
	for _, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return false
		}
	}
	return true
}
