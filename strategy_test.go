package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permitAll(ConditionID) bool  { return true }
func permitNone(ConditionID) bool { return false }

func rallyOf(st RallyState) func(Direction) RallyState {
	return func(Direction) RallyState { return st }
}

func TestVWAPGate(t *testing.T) {
	// vwapPct 55 of a 3% range7DMA: |dev| must reach 1.65%.
	m := SymbolMetrics{Range7DMA: 3}
	tests := []struct {
		name string
		dir  Direction
		dev  float64
		want bool
	}{
		{"long below threshold", Long, -1.6, false},
		{"long at threshold", Long, -1.65, true},
		{"long wrong side", Long, 2.0, false},
		{"short above threshold", Short, 1.7, true},
		{"short wrong side", Short, -1.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.VWAPDeviationPct = tt.dev
			assert.Equal(t, tt.want, vwapHolds(tt.dir, m, 55))
		})
	}
}

func TestCondition1ArmsThenFires(t *testing.T) {
	s := nySession(t)
	p := DefaultParams()
	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}

	m := readyMetrics()
	m.PctFromOpen = -2.5 // p1 120% of a 2% range30DMA is -2.4%
	m.Range7DMA = 3
	m.VWAPDeviationPct = -1.6

	in := evalInput{Now: at(s, 10, 0, 0), Metrics: m, Params: p, Rally: rallyOf(RallyState{})}
	assert.Empty(t, cm.Evaluate(k, in, permitAll))
	slot := cm.Slot(k, Cond1)
	assert.Equal(t, SlotArmed, slot.State)
	assert.True(t, slot.ArmedAt.Equal(at(s, 10, 0, 0)))

	// Rally confirmed but the VWAP gate still fails at 1.6 < 1.65.
	in.Now = at(s, 10, 0, 15)
	in.Rally = rallyOf(RallyState{Confirmed: true, X: 0.4, Y: 0.2})
	assert.Empty(t, cm.Evaluate(k, in, permitAll))

	// Armed slots keep their state even after the trigger fades.
	in.Now = at(s, 10, 0, 30)
	in.Metrics.PctFromOpen = -1
	in.Metrics.VWAPDeviationPct = -1.7
	assert.Empty(t, cm.Evaluate(k, in, permitNone))
	assert.Equal(t, SlotArmed, cm.Slot(k, Cond1).State)

	in.Now = at(s, 10, 0, 45)
	require.Equal(t, []ConditionID{Cond1}, cm.Evaluate(k, in, permitAll))

	cm.MarkFired(k, Cond1, in.Now)
	slot = cm.Slot(k, Cond1)
	assert.Equal(t, SlotIdle, slot.State)
	assert.True(t, slot.LastFire.Equal(at(s, 10, 0, 45)))
}

func TestRallyResetDisarms(t *testing.T) {
	s := nySession(t)
	p := DefaultParams()
	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}

	m := readyMetrics()
	m.PctFromOpen = -3
	in := evalInput{Now: at(s, 10, 0, 0), Metrics: m, Params: p, Rally: rallyOf(RallyState{})}
	cm.Evaluate(k, in, permitAll)
	require.Equal(t, SlotArmed, cm.Slot(k, Cond1).State)

	in.Now = at(s, 10, 0, 15)
	in.Metrics.PctFromOpen = -1
	in.Rally = rallyOf(RallyState{Reset: true, Confirmed: false, X: 0.9})
	assert.Empty(t, cm.Evaluate(k, in, permitAll))
	assert.Equal(t, SlotIdle, cm.Slot(k, Cond1).State)
}

func TestExitCooldownBlocksEverySlot(t *testing.T) {
	s := nySession(t)
	p := DefaultParams() // sameSymbolCooldown 30m, condition cooldown 20m
	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}

	exit := at(s, 10, 0, 0)
	cm.RecordExit(k, Cond1, exit, p)
	for _, id := range allConditions {
		slot := cm.Slot(k, id)
		assert.Equal(t, SlotCooldown, slot.State, id.String())
		assert.True(t, slot.Until.Equal(exit.Add(30*time.Minute)), id.String())
	}

	m := readyMetrics()
	m.PctFromOpen = -3
	in := evalInput{Now: exit.Add(10 * time.Minute), Metrics: m, Params: p, Rally: rallyOf(RallyState{Confirmed: true})}
	assert.Empty(t, cm.Evaluate(k, in, permitAll))
	assert.Equal(t, SlotCooldown, cm.Slot(k, Cond1).State, "cooling slots do not arm")

	in.Now = exit.Add(31 * time.Minute)
	assert.Equal(t, []ConditionID{Cond1}, cm.Evaluate(k, in, permitAll))
}

func TestConditionCooldownLongerThanSymbolCooldown(t *testing.T) {
	s := nySession(t)
	p := DefaultParams()
	c := p.Conditions[Cond4.String()]
	c.Cooldown = 90 * time.Minute
	p.Conditions[Cond4.String()] = c

	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}
	exit := at(s, 10, 0, 0)
	cm.RecordExit(k, Cond4, exit, p)

	assert.True(t, cm.Slot(k, Cond4).Until.Equal(exit.Add(90*time.Minute)))
	assert.True(t, cm.Slot(k, Cond1).Until.Equal(exit.Add(30*time.Minute)))
}

func TestCondition3FiresWithoutArming(t *testing.T) {
	s := nySession(t)
	p := DefaultParams() // p3 150% of a 2% range30DMA: drawdown of -3%
	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}
	now := at(s, 10, 30, 0)

	m := readyMetrics()
	m.PctFromOpen = 0
	in := evalInput{
		Now:     now,
		Metrics: m,
		Params:  p,
		Minute: []Bar{
			{Time: now.Add(-10 * time.Minute), Open: 100, High: 100, Low: 99.5, Close: 99.8},
			{Time: now.Add(-5 * time.Minute), Open: 99, High: 99, Low: 96.5, Close: 97},
		},
		Rally: rallyOf(RallyState{}),
	}
	assert.Empty(t, cm.Evaluate(k, in, permitNone))
	assert.Equal(t, SlotIdle, cm.Slot(k, Cond3).State)

	assert.Equal(t, []ConditionID{Cond3}, cm.Evaluate(k, in, permitAll))

	disableConds(p, Cond3)
	assert.Empty(t, cm.Evaluate(k, in, permitAll))
}

func TestCancelledEntryStartsNoCooldown(t *testing.T) {
	s := nySession(t)
	p := DefaultParams()
	cm := NewConditionMachine()
	k := tradeKey{Symbol: "AAPL", Account: "DU1"}

	m := readyMetrics()
	m.PctFromOpen = -3
	cm.Evaluate(k, evalInput{Now: at(s, 10, 0, 0), Metrics: m, Params: p, Rally: rallyOf(RallyState{})}, permitAll)
	require.Equal(t, SlotArmed, cm.Slot(k, Cond1).State)

	cm.RecordCancel(k, Cond1)
	slot := cm.Slot(k, Cond1)
	assert.Equal(t, SlotIdle, slot.State)
	assert.True(t, slot.LastExit.IsZero())
}

func TestConditionIDAndDirection(t *testing.T) {
	id, err := parseConditionID("COND4")
	require.NoError(t, err)
	assert.Equal(t, Cond4, id)
	assert.Equal(t, Short, id.Direction())
	assert.Equal(t, SideSell, id.Direction().EntrySide())

	assert.Equal(t, Neutral, Cond3.Direction())
	assert.Equal(t, SideBuy, Cond3.Direction().EntrySide())
	assert.Equal(t, 1.0, Cond3.Direction().sign())

	for _, bad := range []string{"cond0", "cond6", "c1", ""} {
		_, err := parseConditionID(bad)
		assert.Error(t, err, bad)
	}
}
