// ---------------------------------------------------------------------------------------------
// FILE: step.go – Event loop of the Engine
//
// Overview
//   Run consumes one channel of events (bars, broker order events, clock ticks) and hands each
//   to Handle. Everything the engine owns is mutated from that single goroutine, so no
//   component needs its own lock.
//
// Deterministic Flow (per 15s bar)
//   1) Session rollover when the bar opens a new regular session
//   2) 15s bar folded into the 1m consolidator; completed 1m bars go to the metrics first
//   3) SymbolMetrics refreshed from the 15s bar
//   4) Periodic work: end-of-day close-out, throttled daily-limit checks, reconciliation
//   5) Per account: order Tick (invalidation / trail / time actions / ratchet), then, with no
//      order in flight, the condition machine; the first ready condition fires
//
// Time
//   "now" is the close of the latest bar (bar start + cadence). Clock events advance it in live
//   mode when bars are sparse. Nothing in here reads the wall clock.
// ---------------------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Event is anything the engine consumes.
type Event interface {
	When() time.Time
}

// BarEvent delivers one bar of a symbol. Replay bars only warm the metrics.
type BarEvent struct {
	Symbol  string
	Cadence Cadence
	Bar     Bar
	Replay  bool
}

func (e BarEvent) When() time.Time { return e.Bar.Time.Add(e.Cadence.Duration()) }

// ClockEvent lets time pass without a bar.
type ClockEvent struct {
	Time time.Time
}

func (e ClockEvent) When() time.Time { return e.Time }

// Run handles events until ctx is done or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Handle(ctx, ev)
		}
	}
}

// Handle processes one event synchronously.
func (e *Engine) Handle(ctx context.Context, ev Event) {
	switch ev := ev.(type) {
	case BarEvent:
		e.onBar(ctx, ev)
	case OrderEvent:
		e.onOrderEvent(ctx, ev)
	case ClockEvent:
		e.onClock(ctx, ev)
	default:
		log.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("engine: unknown event")
	}
}

func (e *Engine) advance(t time.Time) {
	if t.After(e.now) {
		e.now = t
	}
}

func (e *Engine) onBar(ctx context.Context, ev BarEvent) {
	p := e.Params()
	if ev.Cadence == CadenceDaily {
		e.metrics.OnBar(ev.Symbol, CadenceDaily, ev.Bar, p)
		return
	}
	now := ev.When()
	e.advance(now)
	if e.session.Regular(ev.Bar.Time) {
		e.maybeRollSession(e.session.Date(ev.Bar.Time))
	}

	if ev.Cadence == Cadence15s {
		if mb, ok := e.consolidator(ev.Symbol).Add(ev.Bar); ok {
			e.metrics.OnBar(ev.Symbol, Cadence1m, mb, p)
		}
	}
	upd := e.metrics.OnBar(ev.Symbol, ev.Cadence, ev.Bar, p)
	if upd.Ineligible != "" {
		log.Warn().Str("symbol", ev.Symbol).Str("reason", upd.Ineligible).Msg("symbol ineligible for the rest of the session")
		e.notifier.Notify(fmt.Sprintf("%s ineligible today: %s", ev.Symbol, upd.Ineligible))
	}
	if !upd.Updated || ev.Replay {
		return
	}
	m, ok := e.metrics.Metrics(ev.Symbol)
	if !ok {
		return
	}
	if e.observer != nil {
		e.observer.ObserveMetrics(m)
	}
	e.periodic(ctx, now, p)
	e.step(ctx, ev.Symbol, m, now, p)
}

func (e *Engine) onOrderEvent(ctx context.Context, ev OrderEvent) {
	p := e.Params()
	if ev.Kind == EventFill && e.journal != nil {
		if err := e.journal.RecordFill(ctx, ev); err != nil {
			logJournalErr(err, "fill")
		}
	}
	e.orders.OnEvent(ctx, ev, e.now, p)
}

// onClock closes overdue minute bars and runs time-driven work for every
// symbol with an order in flight.
func (e *Engine) onClock(ctx context.Context, ev ClockEvent) {
	e.advance(ev.Time)
	if e.sessionDate.IsZero() || !e.session.Date(e.now).Equal(e.sessionDate) {
		return
	}
	p := e.Params()
	for sym, c := range e.consol {
		if !c.Due(e.now) {
			continue
		}
		if mb, ok := c.Flush(); ok {
			log.Debug().Str("symbol", sym).Time("t", mb.Time).Msg("partial minute flushed by the clock")
			e.metrics.OnBar(sym, Cadence1m, mb, p)
		}
	}
	e.periodic(ctx, e.now, p)
	for _, k := range e.orders.Keys() {
		if m, ok := e.metrics.Metrics(k.Symbol); ok {
			e.orders.Tick(ctx, k, m, e.now, p)
		}
	}
}

// maybeRollSession resets every session-scoped state when date is new.
func (e *Engine) maybeRollSession(date time.Time) {
	if !date.After(e.sessionDate) {
		return
	}
	prev := e.sessionDate
	e.sessionDate = date
	e.eodDone = false
	e.eodRetry = false
	e.conds.ResetSession()
	e.rally.Reset()
	e.risk.ResetSession()
	e.orders.ResetSession()
	if keys := e.orders.Keys(); len(keys) > 0 {
		log.Error().Int("open", len(keys)).Msg("session rolled with orders still tracked from the previous session")
	}
	log.Info().Str("session", date.Format("2006-01-02")).Str("prev", prev.Format("2006-01-02")).Msg("new session")
}

// periodic is the per-tick bookkeeping shared by bars and clock events.
func (e *Engine) periodic(ctx context.Context, now time.Time, p *Params) {
	if !e.eodDone && p.eodReached(e.session, now) {
		e.eodDone = true
		log.Info().Time("now", now).Msg("end of day: cancelling entries, flattening positions")
		e.eodRetry = e.endOfDay(ctx, now) != nil
		e.notifier.Notify("end of day close-out started")
	}

	if l := rate.Every(p.CheckInterval); e.checks.Limit() != l {
		e.checks.SetLimitAt(now, l)
	}
	if !e.checks.AllowN(now, 1) {
		return
	}
	if e.eodRetry {
		e.eodRetry = e.endOfDay(ctx, now) != nil
	}
	for _, a := range e.accounts {
		tripped, err := e.risk.CheckDailyLimit(ctx, a, e.sessionDate, p)
		if err != nil {
			log.Warn().Err(err).Str("account", a).Msg("daily limit check failed")
		} else if tripped {
			e.onDailyLimit(ctx, a, now)
		}
		e.orders.Reconcile(ctx, a, now)
		if nav, err := e.broker.NetLiquidation(ctx, a); err == nil {
			SetEquityMetric(a, nav)
		}
	}
}

func (e *Engine) endOfDay(ctx context.Context, now time.Time) error {
	err := e.orders.EndOfDay(ctx, e.accounts, now)
	if err != nil {
		log.Warn().Err(err).Msg("end of day close-out incomplete, retrying")
	}
	return err
}

func (e *Engine) onDailyLimit(ctx context.Context, account string, now time.Time) {
	st := e.risk.State(account)
	if err := e.orders.Liquidate(ctx, account, now); err != nil {
		log.Warn().Err(err).Str("account", account).Msg("daily limit liquidation incomplete")
	}
	if e.journal != nil {
		if err := e.journal.RecordRiskEvent(ctx, account, st.LimitReason, st.PnLPct, now); err != nil {
			logJournalErr(err, "risk event")
		}
	}
	e.notifier.Notify(fmt.Sprintf("%s: daily limit reached (%s, %.2f%%), positions closed, entries blocked", account, st.LimitReason, st.PnLPct))
}

// step runs orders and conditions for every account trading symbol.
func (e *Engine) step(ctx context.Context, symbol string, m SymbolMetrics, now time.Time, p *Params) {
	intraday := e.metrics.Intraday(symbol)
	minute := e.metrics.Minute(symbol)
	in := evalInput{
		Now:      now,
		Metrics:  m,
		Intraday: intraday,
		Minute:   minute,
		Params:   p,
		Rally: func(d Direction) RallyState {
			return e.rally.Evaluate(symbol, d, minute, m, p)
		},
	}
	entriesOpen := p.inGuardWindow(e.session, now) && !e.eodDone

	for _, acct := range e.accounts {
		k := tradeKey{Symbol: symbol, Account: acct}
		e.orders.Tick(ctx, k, m, now, p)
		if e.orders.InFlight(k) || !m.AlgoEligible {
			continue
		}
		permit := func(ConditionID) bool { return entriesOpen && e.risk.Permits(acct) }
		for _, id := range e.conds.Evaluate(k, in, permit) {
			if e.fire(ctx, k, id, m, now, p) {
				break
			}
		}
	}
}

// fire sizes and submits one entry. It reports whether an order went out.
func (e *Engine) fire(ctx context.Context, k tradeKey, id ConditionID, m SymbolMetrics, now time.Time, p *Params) bool {
	capital, err := e.risk.AvailableCapital(ctx, k.Account, p)
	if err != nil {
		log.Warn().Err(err).Str("key", k.String()).Msg("sizing failed")
		return false
	}
	qty := positionSize(capital, m.Close)
	if qty <= 0 {
		log.Debug().Str("key", k.String()).Str("cond", id.String()).Float64("capital", capital).Msg("no capital for entry")
		return false
	}
	err = e.orders.Fire(ctx, FireRequest{Key: k, Cond: id, Price: m.Close, Qty: qty, Metrics: m, Now: now}, p)
	if err != nil {
		if errors.Is(err, errOrderInFlight) {
			log.Debug().Str("key", k.String()).Str("cond", id.String()).Msg("fire skipped: order in flight")
		} else {
			log.Warn().Err(err).Str("key", k.String()).Str("cond", id.String()).Msg("fire failed")
		}
		return false
	}
	e.conds.MarkFired(k, id, now)
	return true
}
