// FILE: indicators.go
// Package main – Bar-history helpers for the metrics engine and the conditions.
//
// This file implements the small numeric helpers everything else leans on:
//   • smaTail(vals, n)           – SMA of the last min(n, len) values (go-talib)
//   • maxDrawdownPct(bars, since) – worst low vs running max high, in percent
//   • newSessionLow/High(bars)   – did the second-to-last bar print a session extreme
//   • rangeMovePct(bars, n)      – high-low span of the trailing n bars, in percent
//
// Notes
//   - Nothing here returns NaN: callers get ok=false (or the fallback) instead.
//   - Keep these allocation-light; they run on every 15s bar for every symbol.
package main

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
)

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// safeDiv returns num/den, or prev when den is zero or the result is not finite.
func safeDiv(num, den, prev float64) float64 {
	if den == 0 {
		return prev
	}
	v := num / den
	if !finite(v) {
		return prev
	}
	return v
}

// smaTail averages the trailing min(n, len(vals)) values.
func smaTail(vals []float64, n int) (float64, bool) {
	if n > len(vals) {
		n = len(vals)
	}
	if n <= 0 {
		return 0, false
	}
	tail := vals[len(vals)-n:]
	if n == 1 {
		return tail[0], finite(tail[0])
	}
	out := talib.Sma(tail, n)
	v := out[len(out)-1]
	return v, finite(v)
}

// maxDrawdownPct is the minimum over bars at or after since of
// (low[i] - runningMaxHigh) * 100 / runningMaxHigh.
func maxDrawdownPct(bars []Bar, since time.Time) (float64, bool) {
	runMax := 0.0
	worst := 0.0
	seen := false
	for _, b := range bars {
		if b.Time.Before(since) {
			continue
		}
		if b.High > runMax {
			runMax = b.High
		}
		if runMax <= 0 {
			continue
		}
		dd := (b.Low - runMax) * 100 / runMax
		if !seen || dd < worst {
			worst = dd
			seen = true
		}
	}
	return worst, seen
}

// newSessionLow reports whether the second-to-last bar printed a low under
// every earlier bar of the session.
func newSessionLow(bars []Bar) bool {
	n := len(bars)
	if n < 3 {
		return false
	}
	cand := bars[n-2].Low
	for _, b := range bars[:n-2] {
		if b.Low <= cand {
			return false
		}
	}
	return true
}

func newSessionHigh(bars []Bar) bool {
	n := len(bars)
	if n < 3 {
		return false
	}
	cand := bars[n-2].High
	for _, b := range bars[:n-2] {
		if b.High >= cand {
			return false
		}
	}
	return true
}

// rangeMovePct is (max high - min low) * 100 / min low over the trailing n bars.
func rangeMovePct(bars []Bar, n int) (float64, bool) {
	if n <= 0 || len(bars) == 0 {
		return 0, false
	}
	if n > len(bars) {
		n = len(bars)
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, b := range bars[len(bars)-n:] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	if lo <= 0 {
		return 0, false
	}
	return (hi - lo) * 100 / lo, true
}
