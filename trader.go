// FILE: trader.go
// Package main – Engine: wiring of metrics, rally detection, conditions,
// risk and order lifecycle for every (symbol, account).
//
// What’s here:
//   • Engine: holds the params pointer, the broker, and one instance of each
//     component; see step.go for the event loop
//   • ExitRecord: one closed bracket, kept in a ring for /exits and the journal
//   • TradeRecorder / MetricsObserver: optional sinks (sqlite, influx)
//
// Concurrency design:
//   - All component state is owned by the single goroutine running Run/Handle.
//   - Params are swapped atomically by the hot-reload watcher; a tick reads
//     the pointer once and uses that snapshot throughout.
//   - The exits ring is the only state read from other goroutines (HTTP),
//     guarded by mu.

package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// maxExitHistory bounds the in-memory exits ring.
const maxExitHistory = 100

// ExitRecord is one closed bracket.
type ExitRecord struct {
	Account    string      `json:"account"`
	Symbol     string      `json:"symbol"`
	Cond       ConditionID `json:"cond"`
	Dir        Direction   `json:"dir"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	Qty        int64       `json:"qty"`
	PnL        float64     `json:"pnl_usd"`
	Reason     string      `json:"reason"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// TradeRecorder persists fills, exits and risk events.
type TradeRecorder interface {
	RecordFill(ctx context.Context, ev OrderEvent) error
	RecordExit(ctx context.Context, rec ExitRecord) error
	RecordRiskEvent(ctx context.Context, account, reason string, pnlPct float64, at time.Time) error
}

// MetricsObserver receives every metrics refresh and every exit.
type MetricsObserver interface {
	ObserveMetrics(m SymbolMetrics)
	ObserveExit(rec ExitRecord)
}

type Engine struct {
	params   atomic.Pointer[Params]
	session  Session
	broker   Broker
	accounts []string
	symbols  []string

	metrics *MetricsEngine
	rally   *RallyDetector
	conds   *ConditionMachine
	risk    *RiskGovernor
	orders  *OrderManager
	consol  map[string]*Consolidator

	journal  TradeRecorder
	observer MetricsObserver
	notifier Notifier

	now         time.Time // close time of the latest bar
	sessionDate time.Time
	eodDone     bool
	eodRetry    bool
	checks      *rate.Limiter

	mu    sync.RWMutex
	exits []ExitRecord
}

// EngineOption customizes NewEngine.
type EngineOption func(*Engine)

func WithJournal(r TradeRecorder) EngineOption { return func(e *Engine) { e.journal = r } }
func WithObserver(o MetricsObserver) EngineOption { return func(e *Engine) { e.observer = o } }
func WithNotifier(n Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

func NewEngine(cfg Config, s Session, p *Params, b Broker, opts ...EngineOption) *Engine {
	e := &Engine{
		session:  s,
		broker:   b,
		accounts: cfg.Accounts,
		symbols:  cfg.Symbols,
		metrics:  NewMetricsEngine(s),
		rally:    NewRallyDetector(),
		conds:    NewConditionMachine(),
		risk:     NewRiskGovernor(b, cfg.Accounts, cfg.Blacklist),
		orders:   NewOrderManager(b),
		consol:   make(map[string]*Consolidator),
		notifier: nopNotifier{},
		checks:   rate.NewLimiter(rate.Every(p.CheckInterval), 1),
	}
	e.params.Store(p)
	for _, o := range opts {
		o(e)
	}
	e.orders.onExit = e.recordExit
	e.orders.onCancel = e.conds.RecordCancel
	return e
}

// Params is the snapshot in force.
func (e *Engine) Params() *Params { return e.params.Load() }

// SetParams swaps in a validated parameter set; the next tick uses it.
func (e *Engine) SetParams(p *Params) {
	if p == nil {
		return
	}
	e.params.Store(p)
}

// Exits returns a copy of the recent exits, oldest first.
func (e *Engine) Exits() []ExitRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ExitRecord, len(e.exits))
	copy(out, e.exits)
	return out
}

// RestoreExits reloads exits journaled earlier in the session containing now,
// so a restart keeps the exit history and the cooldowns they started. Call it
// before Run.
func (e *Engine) RestoreExits(now time.Time, recs []ExitRecord) int {
	e.maybeRollSession(e.session.Date(now))
	p := e.Params()
	n := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range recs {
		if !e.session.Date(rec.ClosedAt).Equal(e.sessionDate) {
			continue
		}
		e.conds.RecordExit(tradeKey{Symbol: rec.Symbol, Account: rec.Account}, rec.Cond, rec.ClosedAt, p)
		e.exits = append(e.exits, rec)
		n++
	}
	if len(e.exits) > maxExitHistory {
		e.exits = append(e.exits[:0:0], e.exits[len(e.exits)-maxExitHistory:]...)
	}
	return n
}

func (e *Engine) consolidator(symbol string) *Consolidator {
	c, ok := e.consol[symbol]
	if !ok {
		c = NewConsolidator(Cadence15s.Duration(), Cadence1m.Duration())
		e.consol[symbol] = c
	}
	return c
}

// recordExit fans one closed bracket out to cooldowns, history and sinks.
func (e *Engine) recordExit(rec ExitRecord) {
	k := tradeKey{Symbol: rec.Symbol, Account: rec.Account}
	e.conds.RecordExit(k, rec.Cond, rec.ClosedAt, e.Params())

	e.mu.Lock()
	e.exits = append(e.exits, rec)
	if n := len(e.exits); n > maxExitHistory {
		e.exits = append(e.exits[:0:0], e.exits[n-maxExitHistory:]...)
	}
	e.mu.Unlock()

	IncExit(rec)
	if e.observer != nil {
		e.observer.ObserveExit(rec)
	}
	if e.journal != nil {
		if err := e.journal.RecordExit(context.Background(), rec); err != nil {
			logJournalErr(err, "exit")
		}
	}
	e.notifier.Notify(formatExit(rec))
}
