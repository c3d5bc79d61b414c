package walkforward

import (
	"fmt"
	"time"

	"github.com/sawpanic/fxrun/internal/candles"
)

// Split is one train/test window pair. Only the training series is
// reachable directly; the test series is released by Test in exchange for
// a Selection made on this split's training data.
type Split struct {
	Name      string    `json:"name"`
	TrainFrom time.Time `json:"train_from"`
	TrainTo   time.Time `json:"train_to"`
	TestFrom  time.Time `json:"test_from"`
	TestTo    time.Time `json:"test_to"`

	train  *candles.Series
	test   *candles.Series
	warmup int
}

// Train returns the training series
func (s *Split) Train() *candles.Series { return s.train }

// Test returns the test series for a selection made on this split
func (s *Split) Test(sel *Selection) (*candles.Series, error) {
	if sel == nil || sel.split != s {
		return nil, fmt.Errorf("split %s: test data requires a selection made on its own training window", s.Name)
	}
	return s.test, nil
}

// BarSplits rolls a train window of trainBars followed by a test window of
// testBars across series, advancing by step bars. Each test series is
// prefixed with the warmup bars before it so the oracle has history; those
// bars are never decided on.
func BarSplits(series *candles.Series, trainBars, testBars, step, warmup int) ([]*Split, error) {
	if trainBars <= warmup || testBars <= 0 || step <= 0 {
		return nil, fmt.Errorf("invalid bar split sizes: train=%d test=%d step=%d warmup=%d", trainBars, testBars, step, warmup)
	}
	var out []*Split
	for start := 0; start+trainBars+testBars <= series.Len(); start += step {
		trainEnd := start + trainBars
		testEnd := trainEnd + testBars
		out = append(out, newSplit(fmt.Sprintf("bars-%d", len(out)+1), series, start, trainEnd, testEnd, warmup))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("series of %d bars too short for train=%d test=%d", series.Len(), trainBars, testBars)
	}
	return out, nil
}

// YearSplits tests each calendar year that has trainYears full preceding
// years of data, training on those years.
func YearSplits(series *candles.Series, trainYears, warmup int) ([]*Split, error) {
	if trainYears < 1 {
		return nil, fmt.Errorf("train years must be >= 1, got %d", trainYears)
	}
	years := series.Years()
	have := make(map[int]bool, len(years))
	for _, y := range years {
		have[y] = true
	}

	var out []*Split
	for _, y := range years {
		ok := true
		for k := 1; k <= trainYears; k++ {
			ok = ok && have[y-k]
		}
		if !ok {
			continue
		}
		trainStart := series.Index(jan1(y - trainYears))
		testStart := series.Index(jan1(y))
		testEnd := series.Index(jan1(y + 1))
		if testStart-trainStart <= warmup || testEnd <= testStart {
			continue
		}
		out = append(out, newSplit(fmt.Sprintf("%d", y), series, trainStart, testStart, testEnd, warmup))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no year has %d preceding years of data (years: %v)", trainYears, years)
	}
	return out, nil
}

func jan1(y int) time.Time { return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC) }

func newSplit(name string, series *candles.Series, trainStart, testStart, testEnd, warmup int) *Split {
	prefix := testStart - warmup
	if prefix < 0 {
		prefix = 0
	}
	return &Split{
		Name:      name,
		TrainFrom: series.At(trainStart).Time,
		TrainTo:   series.At(testStart - 1).Time,
		TestFrom:  series.At(testStart).Time,
		TestTo:    series.At(testEnd - 1).Time,
		train:     series.Slice(trainStart, testStart),
		test:      series.Slice(prefix, testEnd),
		warmup:    testStart - prefix,
	}
}
