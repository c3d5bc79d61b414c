// Package fx holds the small vocabulary shared by the simulation packages:
// trade direction and pip arithmetic.
package fx

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Direction is the side of a trade
type Direction int

const (
	Buy Direction = iota + 1
	Sell
)

// ParseDirection accepts BUY/SELL in any case
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// Sign is +1 for Buy and -1 for Sell
func (d Direction) Sign() float64 {
	if d == Sell {
		return -1
	}
	return 1
}

// Valid reports whether d is Buy or Sell
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDirection(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// PipSize returns the pip increment for a pair: 0.01 for JPY crosses,
// 0.0001 otherwise.
func PipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// Pips converts a signed price move in the trade's favour into pips
func Pips(d Direction, from, to, pip float64) float64 {
	return d.Sign() * (to - from) / pip
}

// Round rounds v to n decimal places
func Round(v float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(v*p) / p
}
