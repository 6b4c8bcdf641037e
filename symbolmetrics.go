// FILE: symbolmetrics.go
// Package main – Rolling metrics engine.
//
// One symbolSeries per symbol holds today's regular-session bars (15s and 1m),
// the rolling daily window, the VWAP accumulators and the derived SymbolMetrics.
// SymbolMetrics is mutated only here, once per 15s bar; everyone else gets copies.
//
// Baselines (range30DMA, range7DMA, Vol7DMA) come from daily bars strictly before
// the current session. When the feed never supplies a daily bar for a finished
// session, the session itself is appended on rollover.
package main

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const maxDailyBars = 105

// SymbolMetrics is the derived per-symbol view of the current session.
type SymbolMetrics struct {
	Symbol      string
	Time        time.Time // start of the latest 15s bar
	SessionDate time.Time

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	RangePct    float64
	PctFromOpen float64
	Range30DMA  float64
	Range7DMA   float64

	VWAP             float64
	VWAPDeviationPct float64

	Vol7DMA          float64
	Liquidity        float64 // dollars traded per second at today's price
	Gap1Day          float64
	SharpMovementPct float64
	RangeMultiplier  float64

	AlgoEligible     bool
	IneligibleReason string
}

// ready reports whether conditions may read m. Anything else is fail-closed.
func (m SymbolMetrics) ready() bool {
	return m.Range30DMA > 0 && m.Open > 0 &&
		finite(m.RangePct, m.PctFromOpen, m.Range30DMA, m.Range7DMA, m.VWAPDeviationPct, m.Close)
}

type symbolSeries struct {
	metrics     SymbolMetrics
	intraday    []Bar // 15s, regular session only
	minute      []Bar // 1m, regular session only
	daily       []Bar // ascending by date
	sessionDate time.Time
	pv          float64
	vol         float64
	prevClose   float64
}

// barUpdate tells the engine what a bar changed.
type barUpdate struct {
	Updated     bool      // a 15s bar refreshed SymbolMetrics
	Rolled      bool      // the bar opened a new session for this symbol
	SessionDate time.Time // session of the bar
	Ineligible  string    // non-empty when this bar flipped algoEligible off
}

// MetricsEngine owns all symbolSeries.
type MetricsEngine struct {
	session Session
	series  map[string]*symbolSeries
}

func NewMetricsEngine(s Session) *MetricsEngine {
	return &MetricsEngine{session: s, series: make(map[string]*symbolSeries)}
}

func (e *MetricsEngine) get(symbol string) *symbolSeries {
	s, ok := e.series[symbol]
	if !ok {
		s = &symbolSeries{metrics: SymbolMetrics{Symbol: symbol, AlgoEligible: true}}
		e.series[symbol] = s
	}
	return s
}

// Metrics returns a copy of the symbol's current metrics.
func (e *MetricsEngine) Metrics(symbol string) (SymbolMetrics, bool) {
	s, ok := e.series[symbol]
	if !ok || s.metrics.Time.IsZero() {
		return SymbolMetrics{}, false
	}
	return s.metrics, true
}

// Intraday returns today's 15s bars. Callers must not modify the slice.
func (e *MetricsEngine) Intraday(symbol string) []Bar {
	if s, ok := e.series[symbol]; ok {
		return s.intraday
	}
	return nil
}

// Minute returns today's 1m bars. Callers must not modify the slice.
func (e *MetricsEngine) Minute(symbol string) []Bar {
	if s, ok := e.series[symbol]; ok {
		return s.minute
	}
	return nil
}

// Daily returns the rolling daily window.
func (e *MetricsEngine) Daily(symbol string) []Bar {
	if s, ok := e.series[symbol]; ok {
		return s.daily
	}
	return nil
}

// OnBar folds one bar of any cadence into the symbol's state.
func (e *MetricsEngine) OnBar(symbol string, cadence Cadence, bar Bar, p *Params) barUpdate {
	s := e.get(symbol)
	if !bar.valid() {
		log.Debug().Str("symbol", symbol).Str("cadence", cadence.String()).Time("t", bar.Time).Msg("metrics: dropping invalid bar")
		return barUpdate{}
	}
	if cadence == CadenceDaily {
		s.addDaily(e.session.Date(bar.Time), bar)
		s.refreshBaselines()
		return barUpdate{}
	}
	if !e.session.Regular(bar.Time) {
		return barUpdate{}
	}

	var upd barUpdate
	upd.SessionDate = e.session.Date(bar.Time)
	if !upd.SessionDate.Equal(s.sessionDate) {
		if upd.SessionDate.Before(s.sessionDate) {
			log.Warn().Str("symbol", symbol).Time("t", bar.Time).Msg("metrics: bar from a past session ignored")
			return barUpdate{}
		}
		s.roll(upd.SessionDate)
		upd.Rolled = true
	}

	switch cadence {
	case Cadence1m:
		s.minute = append(s.minute, bar)
	case Cadence15s:
		s.intraday = append(s.intraday, bar)
		wasEligible := s.metrics.AlgoEligible
		s.update(bar, p)
		upd.Updated = true
		if wasEligible && !s.metrics.AlgoEligible {
			upd.Ineligible = s.metrics.IneligibleReason
		}
	}
	return upd
}

// roll closes the previous session and resets the session aggregates.
func (s *symbolSeries) roll(date time.Time) {
	m := s.metrics
	if !s.sessionDate.IsZero() && m.Open > 0 {
		s.addDaily(s.sessionDate, Bar{Time: s.sessionDate, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume})
	}
	s.sessionDate = date
	s.intraday = s.intraday[:0]
	s.minute = s.minute[:0]
	s.pv, s.vol = 0, 0
	s.metrics = SymbolMetrics{
		Symbol:       m.Symbol,
		SessionDate:  date,
		AlgoEligible: true,
		// baselines carry over until refreshed below
		Range30DMA: m.Range30DMA,
		Range7DMA:  m.Range7DMA,
		Vol7DMA:    m.Vol7DMA,
	}
	s.refreshBaselines()
}

// addDaily inserts or replaces the bar for date, keeping the window sorted and capped.
func (s *symbolSeries) addDaily(date time.Time, b Bar) {
	b.Time = date
	i := sort.Search(len(s.daily), func(i int) bool { return !s.daily[i].Time.Before(date) })
	switch {
	case i < len(s.daily) && s.daily[i].Time.Equal(date):
		s.daily[i] = b
	case i == len(s.daily):
		s.daily = append(s.daily, b)
	default:
		s.daily = append(s.daily, Bar{})
		copy(s.daily[i+1:], s.daily[i:])
		s.daily[i] = b
	}
	if len(s.daily) > maxDailyBars {
		s.daily = append(s.daily[:0], s.daily[len(s.daily)-maxDailyBars:]...)
	}
}

// refreshBaselines recomputes the daily-window averages from days before the
// current session. Values without history keep their previous value.
func (s *symbolSeries) refreshBaselines() {
	ranges := make([]float64, 0, len(s.daily))
	vols := make([]float64, 0, len(s.daily))
	prevClose := 0.0
	for _, d := range s.daily {
		if !s.sessionDate.IsZero() && !d.Time.Before(s.sessionDate) {
			break
		}
		if d.Open > 0 {
			ranges = append(ranges, (d.High-d.Low)*100/d.Open)
		}
		vols = append(vols, d.Volume)
		prevClose = d.Close
	}
	m := &s.metrics
	if v, ok := smaTail(ranges, 30); ok {
		m.Range30DMA = v
	}
	if v, ok := smaTail(ranges, 7); ok {
		m.Range7DMA = v
	}
	if v, ok := smaTail(vols, 7); ok {
		m.Vol7DMA = v
	}
	if prevClose > 0 {
		s.prevClose = prevClose
	}
}

// update recomputes SymbolMetrics for a new 15s bar.
func (s *symbolSeries) update(bar Bar, p *Params) {
	m := &s.metrics
	if m.Open == 0 {
		m.Open, m.High, m.Low = bar.Open, bar.High, bar.Low
	} else {
		m.High = math.Max(m.High, bar.High)
		m.Low = math.Min(m.Low, bar.Low)
	}
	m.Close = bar.Close
	m.Volume += bar.Volume
	m.Time = bar.Time
	m.SessionDate = s.sessionDate

	m.RangePct = safeDiv((m.High-m.Low)*100, m.Open, m.RangePct)
	m.PctFromOpen = safeDiv((m.Close-m.Open)*100, m.Open, m.PctFromOpen)

	if bar.Volume > 0 {
		s.pv += bar.Typical() * bar.Volume
		s.vol += bar.Volume
	}
	m.VWAP = safeDiv(s.pv, s.vol, m.VWAP)
	if m.VWAP > 0 {
		m.VWAPDeviationPct = safeDiv((m.Close-m.VWAP)*100, m.VWAP, m.VWAPDeviationPct)
	}

	m.Liquidity = safeDiv(m.Vol7DMA*m.Close, secondsPerTradingDay, m.Liquidity)
	if s.prevClose > 0 {
		m.Gap1Day = safeDiv((m.Open-s.prevClose)*100, s.prevClose, m.Gap1Day)
	}
	if v, ok := rangeMovePct(s.intraday, p.SharpMovementBars); ok {
		m.SharpMovementPct = v
	}
	m.RangeMultiplier = safeDiv(m.RangePct, m.Range30DMA, m.RangeMultiplier)

	if m.AlgoEligible {
		if reason := eligibilityBreach(*m, p); reason != "" {
			m.AlgoEligible = false
			m.IneligibleReason = reason
			log.Warn().Str("symbol", m.Symbol).Str("reason", reason).
				Float64("range_mult", m.RangeMultiplier).Float64("liquidity", m.Liquidity).
				Float64("gap", m.Gap1Day).Float64("sharp", m.SharpMovementPct).
				Msg("symbol ineligible for new entries this session")
			IncIneligible(reason)
		}
	}
}

// eligibilityBreach returns the first breached threshold, or "".
func eligibilityBreach(m SymbolMetrics, p *Params) string {
	switch {
	case p.MaxRangeMultiplier > 0 && m.RangeMultiplier > p.MaxRangeMultiplier:
		return "range_multiplier"
	case p.MinLiquidity > 0 && m.Liquidity < p.MinLiquidity:
		return "liquidity"
	case p.MaxGapPct > 0 && math.Abs(m.Gap1Day) > p.MaxGapPct:
		return "gap"
	case p.MaxSharpMovementPct > 0 && m.SharpMovementPct > p.MaxSharpMovementPct:
		return "sharp_movement"
	}
	return ""
}
