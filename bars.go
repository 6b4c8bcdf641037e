// FILE: bars.go
// Package main – Bar types shared by the feeds, the metrics engine and the brokers.
//
// What’s here:
//   • Cadence   : 15s / 1m / daily bar cadences
//   • Bar       : one closed OHLCV bar (Time is the bar start)
//   • Consolidator : folds 15s bars into 1m bars for feeds that only deliver 15s
package main

import (
	"fmt"
	"math"
	"time"
)

// Cadence is the bar period of a stream.
type Cadence int

const (
	Cadence15s Cadence = iota
	Cadence1m
	CadenceDaily
)

func (c Cadence) String() string {
	switch c {
	case Cadence15s:
		return "15s"
	case Cadence1m:
		return "1m"
	case CadenceDaily:
		return "1d"
	}
	return fmt.Sprintf("cadence(%d)", int(c))
}

// Duration is the nominal bar length. Daily bars report 24h.
func (c Cadence) Duration() time.Duration {
	switch c {
	case Cadence15s:
		return 15 * time.Second
	case Cadence1m:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// Bar is immutable once closed.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Typical is the (H+L+C)/3 price used for VWAP accumulation.
func (b Bar) Typical() float64 { return (b.High + b.Low + b.Close) / 3 }

func (b Bar) valid() bool {
	return finite(b.Open, b.High, b.Low, b.Close, b.Volume) && b.High >= b.Low && b.Open > 0
}

// Consolidator folds sub-bars into period-aligned bars.
type Consolidator struct {
	sub    time.Duration
	period time.Duration
	cur    Bar
	start  time.Time
	open   bool
	last   time.Time // start of the newest emitted period
}

func NewConsolidator(sub, period time.Duration) *Consolidator {
	return &Consolidator{sub: sub, period: period}
}

// Add folds b into the current period. It returns a completed bar when b is the
// last sub-bar of its period, or when b opens a new period while an older one is
// still partial (gap in the feed).
func (c *Consolidator) Add(b Bar) (Bar, bool) {
	start := b.Time.Truncate(c.period)
	if !c.last.IsZero() && !start.After(c.last) {
		return Bar{}, false // its period was already emitted
	}
	var out Bar
	var ok bool
	if c.open && !start.Equal(c.start) {
		out, ok = c.cur, true
		c.open = false
		c.last = c.start
	}
	if !c.open {
		c.cur = Bar{Time: start, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		c.start = start
		c.open = true
	} else {
		c.cur.High = math.Max(c.cur.High, b.High)
		c.cur.Low = math.Min(c.cur.Low, b.Low)
		c.cur.Close = b.Close
		c.cur.Volume += b.Volume
	}
	if !b.Time.Add(c.sub).Before(start.Add(c.period)) {
		// partial bar from a gap takes precedence; the completed one is
		// emitted on the next call.
		if ok {
			return out, true
		}
		c.open = false
		c.last = start
		return c.cur, true
	}
	return out, ok
}

// Due reports whether the partial period ended at least one sub-bar before now.
func (c *Consolidator) Due(now time.Time) bool {
	return c.open && !now.Before(c.start.Add(c.period+c.sub))
}

// Flush returns the partial bar, if any. Sub-bars of a flushed period are
// dropped when they arrive late.
func (c *Consolidator) Flush() (Bar, bool) {
	if !c.open {
		return Bar{}, false
	}
	c.open = false
	c.last = c.start
	return c.cur, true
}
