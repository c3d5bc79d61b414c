package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/fxrun/internal/backtest"
	"github.com/sawpanic/fxrun/internal/stats"
)

// TradeRecord is one row of trades.csv
type TradeRecord struct {
	ID         int
	Direction  string
	SignalTime time.Time
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	StopLoss   float64
	TakeProfit [3]float64
	LotSize    float64
	ExitReason string
	GrossPnL   float64
	NetPnL     float64
	RMultiple  float64
	Confidence float64
	Legs       int
}

// Outcome converts the record for stats
func (r TradeRecord) Outcome() stats.Outcome {
	return stats.Outcome{
		ExitTime:   r.ExitTime,
		ExitReason: r.ExitReason,
		GrossPnL:   r.GrossPnL,
		NetPnL:     r.NetPnL,
		RMultiple:  r.RMultiple,
	}
}

// Outcomes converts records in file order
func Outcomes(records []TradeRecord) []stats.Outcome {
	out := make([]stats.Outcome, len(records))
	for i, r := range records {
		out[i] = r.Outcome()
	}
	return out
}

// ReadTrades loads a trades.csv written by WriteTradesCSV
func ReadTrades(path string) ([]TradeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTrades(f)
}

// ParseTrades decodes trades.csv content
func ParseTrades(in io.Reader) ([]TradeRecord, error) {
	rows, err := readTable(in, tradeHeader)
	if err != nil {
		return nil, err
	}
	out := make([]TradeRecord, 0, len(rows))
	for n, row := range rows {
		p := rowParser{row: row}
		rec := TradeRecord{
			ID:         p.integer(0),
			Direction:  row[1],
			SignalTime: p.timestamp(2),
			EntryTime:  p.timestamp(3),
			ExitTime:   p.timestamp(4),
			EntryPrice: p.num(5),
			ExitPrice:  p.num(6),
			StopLoss:   p.num(7),
			TakeProfit: [3]float64{p.num(8), p.num(9), p.num(10)},
			LotSize:    p.num(11),
			ExitReason: row[12],
			GrossPnL:   p.num(13),
			NetPnL:     p.num(14),
			RMultiple:  p.num(15),
			Confidence: p.num(16),
			Legs:       p.integer(17),
		}
		if p.err != nil {
			return nil, fmt.Errorf("trades row %d: %w", n+2, p.err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadEquity loads an equity.csv written by WriteEquityCSV
func ReadEquity(path string) ([]backtest.EquityPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseEquity(f)
}

// ParseEquity decodes equity.csv content
func ParseEquity(in io.Reader) ([]backtest.EquityPoint, error) {
	rows, err := readTable(in, equityHeader)
	if err != nil {
		return nil, err
	}
	out := make([]backtest.EquityPoint, 0, len(rows))
	for n, row := range rows {
		p := rowParser{row: row}
		pt := backtest.EquityPoint{
			Time:       p.timestamp(0),
			Balance:    p.num(1),
			Unrealized: p.num(2),
			Equity:     p.num(3),
		}
		if p.err != nil {
			return nil, fmt.Errorf("equity row %d: %w", n+2, p.err)
		}
		out = append(out, pt)
	}
	return out, nil
}

func readTable(in io.Reader, header []string) ([][]string, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = len(header)
	got, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, err
	}
	for i, h := range header {
		if got[i] != h {
			return nil, fmt.Errorf("unexpected column %d: got %q, want %q", i, got[i], h)
		}
	}
	return r.ReadAll()
}

// rowParser keeps the first conversion error of a row
type rowParser struct {
	row []string
	err error
}

func (p *rowParser) num(i int) float64 {
	v, err := parseNumber(p.row[i])
	p.fail(i, err)
	return v
}

func (p *rowParser) integer(i int) int {
	v, err := strconv.Atoi(p.row[i])
	p.fail(i, err)
	return v
}

func (p *rowParser) timestamp(i int) time.Time {
	t, err := time.Parse(time.RFC3339, p.row[i])
	p.fail(i, err)
	return t
}

func (p *rowParser) fail(i int, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("column %d: %w", i, err)
	}
}
