// FILE: rally.go
// Package main – Rally detector (pivot → extreme → retrace).
//
// longRally: pivot is the session's lowest low, extreme the highest high from
// the pivot on, retrace the latest bar's low. X measures pivot→extreme and Y
// extreme→retrace, both as a fraction of today's range. shortRally mirrors it.
//
// Results are pure functions of the minute bars plus the current metrics, cached
// per (symbol, direction) until the next 15s tick.
package main

import (
	"math"
	"time"
)

// RallyState is one evaluation of the detector.
type RallyState struct {
	Direction    Direction
	PivotIdx     int
	ExtremeIdx   int
	PivotPrice   float64
	ExtremePrice float64
	RetracePrice float64
	X            float64
	Y            float64
	Confirmed    bool
	Reset        bool // X above rallyXMax: the move is over-extended
}

type rallyKey struct {
	symbol string
	dir    Direction
}

type rallyEntry struct {
	at     time.Time
	bars   int
	params *Params
	state  RallyState
}

// RallyDetector caches rally evaluations per bar.
type RallyDetector struct {
	cache map[rallyKey]rallyEntry
}

func NewRallyDetector() *RallyDetector {
	return &RallyDetector{cache: make(map[rallyKey]rallyEntry)}
}

// Evaluate returns the rally for dir, recomputing at most once per tick.
func (d *RallyDetector) Evaluate(symbol string, dir Direction, bars []Bar, m SymbolMetrics, p *Params) RallyState {
	k := rallyKey{symbol, dir}
	if e, ok := d.cache[k]; ok && e.at.Equal(m.Time) && e.bars == len(bars) && e.params == p {
		return e.state
	}
	var st RallyState
	if dir == Short {
		st = shortRally(bars, m, p)
	} else {
		st = longRally(bars, m, p)
	}
	d.cache[k] = rallyEntry{at: m.Time, bars: len(bars), params: p, state: st}
	return st
}

// Reset drops every cached evaluation (session rollover).
func (d *RallyDetector) Reset() {
	clear(d.cache)
}

func longRally(bars []Bar, m SymbolMetrics, p *Params) RallyState {
	st := RallyState{Direction: Long, PivotIdx: -1, ExtremeIdx: -1}
	if len(bars) == 0 || !(m.RangePct > 0) || !finite(m.RangePct) {
		return st
	}
	piv := 0
	for i := range bars {
		if bars[i].Low < bars[piv].Low {
			piv = i
		}
	}
	if bars[piv].Low <= 0 {
		return st
	}
	ext := piv
	for i := piv + 1; i < len(bars); i++ {
		if bars[i].High > bars[ext].High {
			ext = i
		}
	}
	retr := bars[len(bars)-1]
	pivot, extreme := bars[piv], bars[ext]

	st.PivotIdx, st.ExtremeIdx = piv, ext
	st.PivotPrice, st.ExtremePrice, st.RetracePrice = pivot.Low, extreme.High, retr.Low
	st.X = (extreme.High - pivot.Low) * 100 / pivot.Low / m.RangePct
	st.Y = math.Abs(extreme.High-retr.Low) * 100 / extreme.High / m.RangePct
	st.Reset = st.X > p.RallyXMax
	st.Confirmed = confirmRally(st, pivot.Time, retr.Time, m, p)
	return st
}

func shortRally(bars []Bar, m SymbolMetrics, p *Params) RallyState {
	st := RallyState{Direction: Short, PivotIdx: -1, ExtremeIdx: -1}
	if len(bars) == 0 || !(m.RangePct > 0) || !finite(m.RangePct) {
		return st
	}
	piv := 0
	for i := range bars {
		if bars[i].High > bars[piv].High {
			piv = i
		}
	}
	if bars[piv].High <= 0 {
		return st
	}
	ext := piv
	for i := piv + 1; i < len(bars); i++ {
		if bars[i].Low < bars[ext].Low {
			ext = i
		}
	}
	retr := bars[len(bars)-1]
	pivot, extreme := bars[piv], bars[ext]
	if extreme.Low <= 0 {
		return st
	}

	st.PivotIdx, st.ExtremeIdx = piv, ext
	st.PivotPrice, st.ExtremePrice, st.RetracePrice = pivot.High, extreme.Low, retr.High
	st.X = (pivot.High - extreme.Low) * 100 / pivot.High / m.RangePct
	st.Y = math.Abs(retr.High-extreme.Low) * 100 / extreme.Low / m.RangePct
	st.Reset = st.X > p.RallyXMax
	st.Confirmed = confirmRally(st, pivot.Time, retr.Time, m, p)
	return st
}

func confirmRally(st RallyState, pivotAt, retraceAt time.Time, m SymbolMetrics, p *Params) bool {
	if !finite(st.X, st.Y) {
		return false
	}
	if st.X < p.RallyXMin || st.X > p.RallyXMax || st.Y < p.RallyYMin {
		return false
	}
	if m.RangeMultiplier > p.TimeConstraintThreshold {
		need := time.Duration(p.MinDurationMinutes * float64(time.Minute))
		return retraceAt.Sub(pivotAt) >= need
	}
	return true
}
