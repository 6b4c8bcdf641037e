// FILE: strategy.go
// Package main – Condition state machine.
//
// Five conditions per (symbol, account). Each has a ConditionSlot:
//
//	Idle ──trigger──▶ Armed ──gate ∧ rally ∧ permit──▶ fire (slot back to Idle)
//	  ▲                 │
//	  └──rally reset────┘
//
// A bracket exit puts every slot of the (symbol, account) into Cooldown until
// both the condition cooldown and the same-symbol cooldown have elapsed; cooling
// slots neither arm nor fire. Condition 3 has no Armed phase: it fires on the
// tick its trigger holds.
//
// Dispatch is a fixed table indexed by ConditionID (trigger + confirm gate per
// condition); nothing here parses tags or looks conditions up by name.
package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Direction of an entry.
type Direction int

const (
	Long Direction = iota + 1
	Short
	Neutral // condition 3; trades its long analogue
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	case Neutral:
		return "neutral"
	}
	return "none"
}

// sign is +1 for long-side trades (including Neutral), -1 for short.
func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// EntrySide is the order side that opens a trade in direction d.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return SideSell
	}
	return SideBuy
}

// ConditionID is the closed set of entry conditions.
type ConditionID int

const (
	Cond1 ConditionID = iota + 1
	Cond2
	Cond3
	Cond4
	Cond5
)

var allConditions = [...]ConditionID{Cond1, Cond2, Cond3, Cond4, Cond5}

func (c ConditionID) String() string { return fmt.Sprintf("cond%d", int(c)) }

func (c ConditionID) valid() bool { return c >= Cond1 && c <= Cond5 }

// Direction is fixed per condition.
func (c ConditionID) Direction() Direction {
	if !c.valid() {
		return 0
	}
	return conditionTable[c].dir
}

func parseConditionID(s string) (ConditionID, error) {
	var n int
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "cond%d", &n); err != nil {
		return 0, fmt.Errorf("bad condition %q", s)
	}
	id := ConditionID(n)
	if !id.valid() {
		return 0, fmt.Errorf("bad condition %q", s)
	}
	return id, nil
}

// SlotState is the observable state of a ConditionSlot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotArmed
	SlotCooldown
)

func (s SlotState) String() string {
	switch s {
	case SlotArmed:
		return "armed"
	case SlotCooldown:
		return "cooldown"
	}
	return "idle"
}

// ConditionSlot is one condition's state for a (symbol, account).
// Until is only meaningful in SlotCooldown.
type ConditionSlot struct {
	State    SlotState
	ArmedAt  time.Time
	Until    time.Time
	LastFire time.Time
	LastExit time.Time
}

// expire moves a finished cooldown back to Idle.
func (s *ConditionSlot) expire(now time.Time) {
	if s.State == SlotCooldown && !now.Before(s.Until) {
		s.State = SlotIdle
		s.Until = time.Time{}
	}
}

func (s *ConditionSlot) arm(now time.Time) {
	s.State = SlotArmed
	s.ArmedAt = now
}

func (s *ConditionSlot) disarm() {
	s.State = SlotIdle
	s.ArmedAt = time.Time{}
}

// tradeKey identifies everything that is scoped to a (symbol, account).
type tradeKey struct {
	Symbol  string
	Account string
}

func (k tradeKey) String() string { return k.Symbol + "@" + k.Account }

type slotBook struct {
	slots          [Cond5 + 1]ConditionSlot // indexed by ConditionID
	lastSymbolExit time.Time
}

// evalInput is what one tick of the machine may read.
type evalInput struct {
	Now      time.Time
	Metrics  SymbolMetrics
	Intraday []Bar // 15s
	Minute   []Bar // 1m
	Params   *Params
	Rally    func(Direction) RallyState
}

type conditionSpec struct {
	dir     Direction
	atomic  bool
	trigger func(evalInput) bool
	gate    func(evalInput) bool
}

var conditionTable = [...]conditionSpec{
	Cond1: {dir: Long, trigger: triggerBelowOpen, gate: vwapGateLong},
	Cond2: {dir: Long, trigger: triggerSessionLow, gate: vwapGateLong},
	Cond3: {dir: Neutral, atomic: true, trigger: triggerDrawdown},
	Cond4: {dir: Short, trigger: triggerAboveOpen, gate: vwapGateShort},
	Cond5: {dir: Short, trigger: triggerSessionHigh, gate: vwapGateShort},
}

func triggerBelowOpen(in evalInput) bool {
	m := in.Metrics
	if !m.ready() {
		return false
	}
	return m.PctFromOpen <= -1.0*m.Range30DMA*in.Params.P1/100
}

func triggerAboveOpen(in evalInput) bool {
	m := in.Metrics
	if !m.ready() {
		return false
	}
	return m.PctFromOpen >= 1.0*m.Range30DMA*in.Params.P1/100
}

func triggerSessionLow(in evalInput) bool {
	m := in.Metrics
	if !m.ready() {
		return false
	}
	return newSessionLow(in.Intraday) && m.RangePct >= in.Params.P2/100*m.Range30DMA
}

func triggerSessionHigh(in evalInput) bool {
	m := in.Metrics
	if !m.ready() {
		return false
	}
	return newSessionHigh(in.Intraday) && m.RangePct >= in.Params.P2/100*m.Range30DMA
}

func triggerDrawdown(in evalInput) bool {
	m := in.Metrics
	if !m.ready() {
		return false
	}
	dd, ok := maxDrawdownPct(in.Minute, in.Now.Add(-in.Params.DrawdownWindow))
	if !ok {
		return false
	}
	return dd/m.Range30DMA <= -in.Params.P3/100
}

// vwapThreshold is the |vwapDev| a gate requires, in percent.
func vwapThreshold(pct, range7DMA float64) float64 {
	return pct * range7DMA / 100
}

func vwapGateLong(in evalInput) bool {
	return vwapHolds(Long, in.Metrics, in.Params.VWAPPct)
}

func vwapGateShort(in evalInput) bool {
	return vwapHolds(Short, in.Metrics, in.Params.VWAPPct)
}

// vwapHolds checks the deviation side and magnitude against pct of range7DMA.
func vwapHolds(dir Direction, m SymbolMetrics, pct float64) bool {
	dev := m.VWAPDeviationPct
	if !finite(dev, m.Range7DMA) {
		return false
	}
	th := vwapThreshold(pct, m.Range7DMA)
	if dir == Short {
		return dev > 0 && math.Abs(dev) >= th
	}
	return dev < 0 && math.Abs(dev) >= th
}

// ConditionMachine owns every slotBook.
type ConditionMachine struct {
	books map[tradeKey]*slotBook
}

func NewConditionMachine() *ConditionMachine {
	return &ConditionMachine{books: make(map[tradeKey]*slotBook)}
}

func (cm *ConditionMachine) book(k tradeKey) *slotBook {
	b, ok := cm.books[k]
	if !ok {
		b = &slotBook{}
		cm.books[k] = b
	}
	return b
}

// Slot returns a copy of one slot.
func (cm *ConditionMachine) Slot(k tradeKey, id ConditionID) ConditionSlot {
	return cm.book(k).slots[id]
}

// Evaluate advances every slot of k by one tick and returns, in condition
// order, the conditions that are ready to fire. permit is consulted last and
// covers the order/risk/session preconditions.
func (cm *ConditionMachine) Evaluate(k tradeKey, in evalInput, permit func(ConditionID) bool) []ConditionID {
	b := cm.book(k)
	var ready []ConditionID
	for _, id := range allConditions {
		spec := conditionTable[id]
		slot := &b.slots[id]
		slot.expire(in.Now)
		if !in.Params.Cond(id).Enabled {
			if slot.State == SlotArmed {
				slot.disarm()
			}
			continue
		}
		if slot.State == SlotCooldown || !cm.cooledDown(b, id, in) {
			continue
		}

		if spec.atomic {
			if spec.trigger(in) && permit(id) {
				ready = append(ready, id)
			}
			continue
		}

		if slot.State == SlotIdle {
			if !spec.trigger(in) {
				continue
			}
			slot.arm(in.Now)
			IncConditionEvent(id, "armed")
			log.Info().Str("key", k.String()).Str("cond", id.String()).
				Float64("pct_from_open", in.Metrics.PctFromOpen).Float64("range30", in.Metrics.Range30DMA).
				Msg("condition armed")
		}

		rally := in.Rally(spec.dir)
		if rally.Reset {
			slot.disarm()
			IncConditionEvent(id, "reset")
			log.Info().Str("key", k.String()).Str("cond", id.String()).Float64("rally_x", rally.X).Msg("condition reset: rally over-extended")
			continue
		}
		gate := spec.gate(in)
		log.Debug().Str("key", k.String()).Str("cond", id.String()).
			Bool("vwap_gate", gate).Float64("vwap_dev", in.Metrics.VWAPDeviationPct).
			Bool("rally", rally.Confirmed).Float64("rally_x", rally.X).Float64("rally_y", rally.Y).
			Msg("armed gate check")
		if gate && rally.Confirmed && permit(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// cooledDown re-checks both cooldown clocks against the current params.
func (cm *ConditionMachine) cooledDown(b *slotBook, id ConditionID, in evalInput) bool {
	slot := b.slots[id]
	if !slot.LastExit.IsZero() && in.Now.Sub(slot.LastExit) < in.Params.Cond(id).Cooldown {
		return false
	}
	if !b.lastSymbolExit.IsZero() && in.Now.Sub(b.lastSymbolExit) < in.Params.SameSymbolCooldown {
		return false
	}
	return true
}

// MarkFired records a submitted entry. Firing is an edge: the slot is Idle again.
func (cm *ConditionMachine) MarkFired(k tradeKey, id ConditionID, now time.Time) {
	slot := &cm.book(k).slots[id]
	slot.disarm()
	slot.LastFire = now
	IncConditionEvent(id, "fired")
}

// RecordExit starts the cooldown clocks after a bracket closed.
func (cm *ConditionMachine) RecordExit(k tradeKey, id ConditionID, now time.Time, p *Params) {
	b := cm.book(k)
	b.lastSymbolExit = now
	if id.valid() {
		b.slots[id].LastExit = now
	}
	for _, c := range allConditions {
		slot := &b.slots[c]
		until := now.Add(p.SameSymbolCooldown)
		if c == id {
			if cd := now.Add(p.Cond(c).Cooldown); cd.After(until) {
				until = cd
			}
		}
		if !slot.LastExit.IsZero() {
			if cd := slot.LastExit.Add(p.Cond(c).Cooldown); cd.After(until) {
				until = cd
			}
		}
		if until.After(now) {
			slot.State = SlotCooldown
			slot.Until = until
			slot.ArmedAt = time.Time{}
		} else if slot.State == SlotArmed {
			slot.disarm()
		}
	}
}

// RecordCancel handles an entry that died without a fill: no trade, no cooldown.
func (cm *ConditionMachine) RecordCancel(k tradeKey, id ConditionID) {
	if !id.valid() {
		return
	}
	slot := &cm.book(k).slots[id]
	if slot.State == SlotArmed {
		slot.disarm()
	}
}

// ResetSession clears every slot for a new session.
func (cm *ConditionMachine) ResetSession() {
	for _, b := range cm.books {
		for i := range b.slots {
			b.slots[i] = ConditionSlot{}
		}
		b.lastSymbolExit = time.Time{}
	}
}
