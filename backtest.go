// FILE: backtest.go
// Package main – CSV loader and backtest runner.
//
// What’s here:
//   • loadCSV(path, loc) -> []Bar   : reads time,open,high,low,close,volume
//   • runBacktest(ctx, dir, ...)    : replays <SYM>_15s.csv (and <SYM>_1d.csv for
//     the daily window) through the Engine against the PaperBroker
//
// Per 15s bar, in time order across symbols:
//   1) daily bars dated before the bar's session are fed to the engine
//   2) the paper broker matches resting orders against the bar; its events go
//      to the engine first
//   3) the engine handles the bar (which may place/cancel/modify orders)
//   4) events produced by those calls are handed back immediately
//
// Notes:
//   • Time column accepts RFC3339, "2006-01-02 15:04:05", "2006-01-02" (in the
//     session time zone) or UNIX seconds.
//   • Unknown columns are ignored; headers are case-insensitive.

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// loadCSV reads a generic bar CSV with headers:
// time|timestamp|date, open, high, low, close, volume
func loadCSV(path string, loc *time.Location) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []Bar
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(row, "time", "timestamp", "date")
		op := first(row, "open")
		hp := first(row, "high")
		lp := first(row, "low")
		cp := first(row, "close")
		vp := first(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts, loc)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, Bar{Time: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sortBars(out)
	return out, nil
}

// parseTimeFlexible supports RFC3339, local date/time in loc, or UNIX seconds.
func parseTimeFlexible(s string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortBars ensures ascending time.
func sortBars(b []Bar) {
	sort.SliceStable(b, func(i, j int) bool { return b[i].Time.Before(b[j].Time) })
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// condStats aggregates the exits of one condition.
type condStats struct {
	Trades int
	Wins   int
	Losses int
	PnL    float64
}

// BacktestSummary is what a backtest run reports.
type BacktestSummary struct {
	Bars   int
	Exits  []ExitRecord
	ByCond map[ConditionID]*condStats
	NAV    map[string]float64
}

// summaryObserver collects exits for the summary.
type summaryObserver struct {
	sum *BacktestSummary
}

func (o summaryObserver) ObserveMetrics(SymbolMetrics) {}

func (o summaryObserver) ObserveExit(rec ExitRecord) {
	o.sum.Exits = append(o.sum.Exits, rec)
	st, ok := o.sum.ByCond[rec.Cond]
	if !ok {
		st = &condStats{}
		o.sum.ByCond[rec.Cond] = st
	}
	st.Trades++
	st.PnL += rec.PnL
	switch {
	case rec.PnL > 0:
		st.Wins++
	case rec.PnL < 0:
		st.Losses++
	}
}

// Log writes the summary, one line per condition.
func (s BacktestSummary) Log() {
	total := 0.0
	for _, id := range allConditions {
		st, ok := s.ByCond[id]
		if !ok {
			continue
		}
		total += st.PnL
		log.Info().Str("cond", id.String()).Int("trades", st.Trades).Int("wins", st.Wins).
			Int("losses", st.Losses).Float64("pnl", st.PnL).Msg("backtest condition")
	}
	for a, nav := range s.NAV {
		log.Info().Str("account", a).Float64("nav", nav).Msg("backtest account")
	}
	log.Info().Int("bars", s.Bars).Int("exits", len(s.Exits)).Float64("pnl", total).Msg("backtest complete")
}

type symbolData struct {
	symbol string
	intra  []Bar
	daily  []Bar
	next   int // next daily bar to feed
}

// loadBacktestData reads the CSVs for every symbol in dir.
func loadBacktestData(dir string, symbols []string, loc *time.Location) ([]*symbolData, error) {
	out := make([]*symbolData, 0, len(symbols))
	for _, sym := range symbols {
		intra, err := loadCSV(filepath.Join(dir, sym+"_15s.csv"), loc)
		if err != nil {
			return nil, fmt.Errorf("%s intraday: %w", sym, err)
		}
		daily, err := loadCSV(filepath.Join(dir, sym+"_1d.csv"), loc)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s daily: %w", sym, err)
		}
		if len(daily) == 0 {
			log.Warn().Str("symbol", sym).Msg("backtest: no daily bars, baselines build from replayed sessions only")
		}
		out = append(out, &symbolData{symbol: sym, intra: intra, daily: daily})
	}
	return out, nil
}

// runBacktest replays dir through a fresh Engine and PaperBroker.
func runBacktest(ctx context.Context, dir string, cfg Config, s Session, p *Params, opts ...EngineOption) (BacktestSummary, error) {
	data, err := loadBacktestData(dir, cfg.Symbols, s.Loc)
	if err != nil {
		return BacktestSummary{}, err
	}
	sum := BacktestSummary{ByCond: make(map[ConditionID]*condStats), NAV: make(map[string]float64)}

	broker := NewPaperBroker(cfg.Accounts, cfg.PaperStartingCash)
	opts = append(opts, WithObserver(summaryObserver{sum: &sum}))
	eng := NewEngine(cfg, s, p, broker, opts...)

	type item struct {
		sd  *symbolData
		bar Bar
	}
	var bars []item
	for _, sd := range data {
		for _, b := range sd.intra {
			bars = append(bars, item{sd, b})
		}
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].bar.Time.Before(bars[j].bar.Time) })

	deliver := func() {
		for _, ev := range broker.Drain() {
			eng.Handle(ctx, ev)
		}
	}
	for i, it := range bars {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		date := s.Date(it.bar.Time)
		for it.sd.next < len(it.sd.daily) && s.Date(it.sd.daily[it.sd.next].Time).Before(date) {
			eng.Handle(ctx, BarEvent{Symbol: it.sd.symbol, Cadence: CadenceDaily, Bar: it.sd.daily[it.sd.next]})
			it.sd.next++
		}
		ev := BarEvent{Symbol: it.sd.symbol, Cadence: Cadence15s, Bar: it.bar}
		broker.OnBar(it.sd.symbol, it.bar, ev.When())
		deliver()
		eng.Handle(ctx, ev)
		deliver()
		sum.Bars++
		if i > 0 && i%50000 == 0 {
			log.Info().Int("bars", i).Time("t", it.bar.Time).Msg("backtest progress")
		}
	}
	for _, a := range cfg.Accounts {
		nav, err := broker.NetLiquidation(ctx, a)
		if err != nil {
			return sum, err
		}
		sum.NAV[a] = nav
	}
	return sum, nil
}
