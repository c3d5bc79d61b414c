package candles

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Query selects bars for one symbol and timeframe. Zero From/To leave the
// range open; Limit > 0 keeps only the last Limit bars.
type Query struct {
	Symbol    string
	Timeframe Timeframe
	From      time.Time
	To        time.Time
	Limit     int
}

// Source loads raw bars from an external store
type Source interface {
	Load(ctx context.Context, q Query) ([]Bar, error)
}

// CSVSource reads bars from <Dir>/<SYMBOL>_<TF>.csv, or from Path when set.
// Expected columns: time,open,high,low,close[,volume]; time is unix seconds
// or RFC3339.
type CSVSource struct {
	Dir  string
	Path string
}

// NewCSVSource creates a CSV source rooted at dir
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{Dir: dir}
}

func (s *CSVSource) path(q Query) string {
	if s.Path != "" {
		return s.Path
	}
	return fmt.Sprintf("%s/%s_%s.csv", strings.TrimRight(s.Dir, "/"), strings.ToUpper(q.Symbol), q.Timeframe)
}

// Load implements Source
func (s *CSVSource) Load(ctx context.Context, q Query) ([]Bar, error) {
	f, err := os.Open(s.path(q))
	if err != nil {
		return nil, fmt.Errorf("failed to open bar file: %w", err)
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return FilterBars(bars, q), nil
}

// ReadCSV parses bars from r. A header row is skipped when its first
// column is not numeric and not a timestamp.
func ReadCSV(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var bars []Bar
	line := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line++
		if len(rec) < 5 {
			return nil, fmt.Errorf("csv line %d: expected at least 5 columns, got %d", line, len(rec))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}

		bar, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseRecord(rec []string) (Bar, error) {
	ts, err := parseTime(rec[0])
	if err != nil {
		return Bar{}, err
	}
	var px [4]float64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
		if err != nil {
			return Bar{}, fmt.Errorf("invalid price %q: %w", rec[i+1], err)
		}
		px[i] = v
	}
	var vol int64
	if len(rec) > 5 && strings.TrimSpace(rec[5]) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[5]), 64)
		if err != nil {
			return Bar{}, fmt.Errorf("invalid volume %q: %w", rec[5], err)
		}
		vol = int64(f)
	}
	return Bar{Time: ts, Open: px[0], High: px[1], Low: px[2], Close: px[3], Volume: vol}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006.01.02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// FilterBars keeps bars in [q.From, q.To) and then the last q.Limit of them
func FilterBars(bars []Bar, q Query) []Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if !q.From.IsZero() && b.Time.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !b.Time.Before(q.To) {
			continue
		}
		out = append(out, b)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
