package main

import (
	"github.com/shopspring/decimal"
)

// pricePlaces is the tick precision for US equities: cents at or above $1,
// sub-penny below.
func pricePlaces(p float64) int32 {
	if p < 1 {
		return 4
	}
	return 2
}

// roundPrice snaps p to the exchange tick.
func roundPrice(p float64) float64 {
	if p <= 0 || !finite(p) {
		return p
	}
	return decimal.NewFromFloat(p).Round(pricePlaces(p)).InexactFloat64()
}

func formatPrice(p float64) string {
	if !finite(p) {
		return "0"
	}
	return decimal.NewFromFloat(p).StringFixed(pricePlaces(p))
}
