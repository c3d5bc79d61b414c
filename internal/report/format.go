package report

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	pricePlaces = 5
	moneyPlaces = 2
	ratioPlaces = 4
)

// fixed renders v with a fixed number of decimals. Non-finite values are
// written the way strconv spells them so they survive a read-back.
func fixed(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

func price(v float64) string { return fixed(v, pricePlaces) }
func money(v float64) string { return fixed(v, moneyPlaces) }
func ratio(v float64) string { return fixed(v, ratioPlaces) }

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return strconv.ParseFloat(s, 64)
	}
	v, _ := d.Float64()
	return v, nil
}
