package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderFixture struct {
	ctx       context.Context
	s         Session
	p         *Params
	b         *PaperBroker
	om        *OrderManager
	exits     []ExitRecord
	cancelled []ConditionID
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		ctx: context.Background(),
		s:   nySession(t),
		p:   DefaultParams(),
		b:   NewPaperBroker([]string{"DU1"}, 100000),
	}
	f.om = NewOrderManager(f.b)
	f.om.onExit = func(rec ExitRecord) { f.exits = append(f.exits, rec) }
	f.om.onCancel = func(_ tradeKey, id ConditionID) { f.cancelled = append(f.cancelled, id) }
	return f
}

func (f *orderFixture) key(sym string) tradeKey { return tradeKey{Symbol: sym, Account: "DU1"} }

func (f *orderFixture) fire(t *testing.T, sym string, cond ConditionID) {
	t.Helper()
	err := f.om.Fire(f.ctx, FireRequest{Key: f.key(sym), Cond: cond, Price: 99, Qty: 10, Metrics: readyMetrics(), Now: at(f.s, 10, 0, 0)}, f.p)
	require.NoError(t, err)
}

// openLong fires cond1 on AAPL at 99 (stop 99.30) and fills it at 99.30 on the
// 10:00:15 bar. The bracket starts at 10:00:30.
func (f *orderFixture) openLong(t *testing.T) tradeKey {
	t.Helper()
	f.fire(t, "AAPL", Cond1)
	f.b.OnBar("AAPL", Bar{Time: at(f.s, 10, 0, 15), Open: 99.2, High: 99.6, Low: 99.1, Close: 99.5}, at(f.s, 10, 0, 30))
	f.deliver(at(f.s, 10, 0, 30))
	k := f.key("AAPL")
	_, ok := f.om.Bracket(k)
	require.True(t, ok)
	return k
}

func (f *orderFixture) deliver(now time.Time) []OrderEvent {
	return deliver(f.ctx, f.om, f.b, now, f.p)
}

func (f *orderFixture) openOrders(t *testing.T) []OpenOrder {
	t.Helper()
	open, err := f.b.OpenOrders(f.ctx, "DU1")
	require.NoError(t, err)
	return open
}

func TestFireSubmitsStopEntry(t *testing.T) {
	tests := []struct {
		name  string
		cond  ConditionID
		side  OrderSide
		stop  float64
		prior float64
		tag   string
	}{
		{"long", Cond1, SideBuy, 99.3, 98, "Buy-cond1-AAPL-99.30"},
		{"short", Cond4, SideSell, 98.7, 101, "Sell-cond4-AAPL-98.70"},
		{"neutral trades long with a price offset", Cond3, SideBuy, 99.2, 98, "Buy-cond3-AAPL-99.20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t)
			f.fire(t, "AAPL", tt.cond)

			pe, ok := f.om.Pending(f.key("AAPL"))
			require.True(t, ok)
			assert.Equal(t, tt.side, pe.Side)
			assert.InDelta(t, tt.stop, pe.StopPrice, 1e-9)
			assert.Equal(t, tt.prior, pe.PriorExtreme)
			assert.Equal(t, 99.0, pe.Anchor)

			open := f.openOrders(t)
			require.Len(t, open, 1)
			assert.Equal(t, OrderStop, open[0].Type)
			assert.Equal(t, tt.side, open[0].Side)
			assert.Equal(t, tt.tag, open[0].Tag)
			assert.True(t, f.om.InFlight(f.key("AAPL")))
		})
	}
}

func TestFireRefusesDuplicates(t *testing.T) {
	f := newOrderFixture(t)
	f.fire(t, "AAPL", Cond1)

	req := FireRequest{Key: f.key("AAPL"), Cond: Cond2, Price: 99, Qty: 10, Metrics: readyMetrics(), Now: at(f.s, 10, 0, 5)}
	assert.ErrorIs(t, f.om.Fire(f.ctx, req, f.p), errOrderInFlight)

	// An order the local book does not know about still blocks the symbol.
	_, err := f.b.SubmitEntry(f.ctx, OrderRequest{Account: "DU1", Symbol: "MSFT", Side: SideBuy, Type: OrderStop, Qty: 1, StopPrice: 300})
	require.NoError(t, err)
	req.Key = f.key("MSFT")
	assert.ErrorIs(t, f.om.Fire(f.ctx, req, f.p), errOrderInFlight)

	// So does an existing position.
	_, err = f.b.SubmitMarket(f.ctx, OrderRequest{Account: "DU1", Symbol: "TSLA", Side: SideBuy, Qty: 1})
	require.NoError(t, err)
	f.b.OnBar("TSLA", flat(at(f.s, 10, 0, 0), 200, 10), at(f.s, 10, 0, 15))
	f.b.Drain()
	req.Key = f.key("TSLA")
	assert.ErrorIs(t, f.om.Fire(f.ctx, req, f.p), errOrderInFlight)

	req.Key, req.Qty = f.key("GOOG"), 0
	assert.ErrorIs(t, f.om.Fire(f.ctx, req, f.p), errNoSize)
}

func TestEntryFillOpensSymmetricBracket(t *testing.T) {
	f := newOrderFixture(t)
	k := f.openLong(t)

	ob, _ := f.om.Bracket(k)
	assert.InDelta(t, 99.3, ob.EntryPrice, 1e-9)
	assert.Equal(t, int64(10), ob.Qty)
	assert.Equal(t, int64(10), ob.LegQty)
	// profitTakePct and stopLossPct are both 50% of a 2% range30DMA.
	assert.InDelta(t, 100.29, ob.TPPrice, 1e-9)
	assert.InDelta(t, 98.31, ob.SLPrice, 1e-9)
	assert.InDelta(t, ob.TPPrice-ob.EntryPrice, ob.EntryPrice-ob.SLPrice, 0.011)
	assert.True(t, ob.StartedAt.Equal(at(f.s, 10, 0, 30)))

	_, pending := f.om.Pending(k)
	assert.False(t, pending)

	open := f.openOrders(t)
	require.Len(t, open, 2)
	for _, o := range open {
		assert.Equal(t, ob.OCAGroup, o.OCAGroup)
		assert.Equal(t, SideSell, o.Side)
		tag, err := ParseTag(o.Tag)
		require.NoError(t, err)
		assert.Equal(t, Cond1, tag.Cond)
	}
}

func TestLegFillClosesBracket(t *testing.T) {
	tests := []struct {
		name   string
		bar    Bar
		exit   float64
		reason string
	}{
		{"take profit", Bar{Open: 100, High: 100.5, Low: 99.9, Close: 100.4}, 100.29, "take_profit"},
		{"stop loss", Bar{Open: 99, High: 99, Low: 98, Close: 98.2}, 98.31, "stop_loss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t)
			k := f.openLong(t)

			tt.bar.Time = at(f.s, 10, 1, 0)
			f.b.OnBar("AAPL", tt.bar, at(f.s, 10, 1, 15))
			evs := f.deliver(at(f.s, 10, 1, 15))
			require.Len(t, evs, 2, "leg fill plus OCA cancel")

			require.Len(t, f.exits, 1)
			rec := f.exits[0]
			assert.Equal(t, tt.reason, rec.Reason)
			assert.Equal(t, Cond1, rec.Cond)
			assert.InDelta(t, tt.exit, rec.ExitPrice, 1e-9)
			assert.InDelta(t, (tt.exit-99.3)*10, rec.PnL, 1e-6)
			assert.True(t, rec.ClosedAt.Equal(at(f.s, 10, 1, 15)))

			assert.False(t, f.om.InFlight(k))
			assert.Empty(t, f.om.orphans)
			assert.Empty(t, f.om.orders)
			assert.Empty(t, f.openOrders(t))
		})
	}
}

func TestInvalidationCancelsEntry(t *testing.T) {
	tests := []struct {
		name   string
		cond   ConditionID
		close  float64
		dev    float64
		reason string
	}{
		{"breakout below prior low", Cond1, 97.4, -2, "breakout_margin"},
		{"vwap deviation faded", Cond1, 99, -0.5, "vwap_soft"},
		{"neutral ignores vwap", Cond3, 99, -0.5, ""},
		{"inside margin", Cond1, 97.6, -2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t)
			k := f.key("AAPL")
			f.fire(t, "AAPL", tt.cond)

			m := readyMetrics()
			m.Close, m.Low, m.VWAPDeviationPct = tt.close, min(m.Low, tt.close), tt.dev
			f.om.Tick(f.ctx, k, m, at(f.s, 10, 0, 20), f.p)

			pe, ok := f.om.Pending(k)
			require.True(t, ok, "pending until the broker confirms")
			if tt.reason == "" {
				assert.False(t, pe.cancelRequested)
				assert.Empty(t, f.deliver(at(f.s, 10, 0, 20)))
				return
			}
			assert.True(t, pe.cancelRequested)
			assert.Equal(t, tt.reason, pe.cancelReason)

			f.deliver(at(f.s, 10, 0, 20))
			assert.False(t, f.om.InFlight(k))
			assert.Equal(t, []ConditionID{tt.cond}, f.cancelled)
			assert.Empty(t, f.exits, "a cancelled entry is not a trade")
		})
	}
}

func TestTrailOnlyTightens(t *testing.T) {
	f := newOrderFixture(t)
	k := f.key("AAPL")
	f.fire(t, "AAPL", Cond1)

	tick := func(sec int, close float64) float64 {
		m := readyMetrics()
		m.Close = close
		f.om.Tick(f.ctx, k, m, at(f.s, 10, 0, 0).Add(time.Duration(sec)*time.Second), f.p)
		pe, ok := f.om.Pending(k)
		require.True(t, ok)
		return pe.StopPrice
	}

	assert.InDelta(t, 98.8, tick(20, 98.5), 1e-9, "favourable move pulls the stop down")
	assert.InDelta(t, 98.8, tick(40, 98.7), 1e-9, "adverse move leaves it")
	assert.InDelta(t, 98.5, tick(60, 98.2), 1e-9)

	open := f.openOrders(t)
	require.Len(t, open, 1)
	assert.InDelta(t, 98.5, open[0].StopPrice, 1e-9)
}

func TestAction1MovesLosingLegToBreakeven(t *testing.T) {
	t.Run("in loss: take-profit to entry", func(t *testing.T) {
		f := newOrderFixture(t)
		k := f.openLong(t)
		m := readyMetrics()
		m.Close = 99.0
		f.om.Tick(f.ctx, k, m, at(f.s, 11, 1, 30), f.p)

		ob, _ := f.om.Bracket(k)
		assert.True(t, ob.Action1Done)
		assert.InDelta(t, 99.3, ob.TPPrice, 1e-9)
		assert.InDelta(t, 98.31, ob.SLPrice, 1e-9)
		for _, o := range f.openOrders(t) {
			if o.ID == ob.TPOrderID {
				assert.InDelta(t, 99.3, o.LimitPrice, 1e-9)
			}
		}
	})
	t.Run("in profit: stop-loss to entry, then ratchet", func(t *testing.T) {
		f := newOrderFixture(t)
		k := f.openLong(t)
		m := readyMetrics()
		m.Close = 100.0 // +0.70%, past the 0.5% ratchet trigger
		f.om.Tick(f.ctx, k, m, at(f.s, 11, 1, 30), f.p)

		ob, _ := f.om.Bracket(k)
		assert.True(t, ob.Action1Done)
		assert.InDelta(t, 100.29, ob.TPPrice, 1e-9)
		assert.InDelta(t, 99.4, ob.SLPrice, 1e-9)
		assert.Equal(t, 1, ob.Ratchets)
	})
}

func TestRatchetNeverLoosens(t *testing.T) {
	f := newOrderFixture(t)
	k := f.openLong(t)
	tick := func(minute int, close float64) OpenBracket {
		m := readyMetrics()
		m.Close = close
		f.om.Tick(f.ctx, k, m, at(f.s, 10, minute, 0), f.p)
		ob, ok := f.om.Bracket(k)
		require.True(t, ok)
		return ob
	}

	ob := tick(5, 99.6)
	assert.InDelta(t, 98.31, ob.SLPrice, 1e-9, "0.3% is short of the trigger")
	ob = tick(6, 100.0)
	assert.InDelta(t, 99.4, ob.SLPrice, 1e-9)
	ob = tick(7, 99.5)
	assert.InDelta(t, 99.4, ob.SLPrice, 1e-9)
	ob = tick(8, 101.0)
	assert.InDelta(t, 99.4, ob.SLPrice, 1e-9)
	assert.Equal(t, 1, ob.Ratchets)

	for _, o := range f.openOrders(t) {
		if o.ID == ob.SLOrderID {
			assert.InDelta(t, 99.4, o.StopPrice, 1e-9)
		}
	}
}

func TestAction2FlattensAfterLegsCancel(t *testing.T) {
	f := newOrderFixture(t)
	k := f.openLong(t)
	now := at(f.s, 12, 1, 0)

	m := readyMetrics()
	m.Close = 99.5
	f.om.Tick(f.ctx, k, m, now, f.p)
	ob, _ := f.om.Bracket(k)
	assert.True(t, ob.Action2Done)
	assert.Empty(t, ob.flattenOrderID, "market exit waits for the legs")
	assert.Empty(t, f.openOrders(t))

	f.deliver(now)
	open := f.openOrders(t)
	require.Len(t, open, 1)
	assert.Equal(t, OrderMarket, open[0].Type)
	assert.Equal(t, SideSell, open[0].Side)
	assert.Equal(t, int64(10), open[0].Qty)

	f.b.OnBar("AAPL", flat(at(f.s, 12, 1, 0), 99.6, 100), at(f.s, 12, 1, 15))
	f.deliver(at(f.s, 12, 1, 15))
	require.Len(t, f.exits, 1)
	assert.Equal(t, "action2", f.exits[0].Reason)
	assert.InDelta(t, 3.0, f.exits[0].PnL, 1e-6)
	assert.False(t, f.om.InFlight(k))
}

func TestLegRejectFlattens(t *testing.T) {
	f := newOrderFixture(t)
	k := f.openLong(t)
	ob, _ := f.om.Bracket(k)

	f.om.OnEvent(f.ctx, OrderEvent{Kind: EventReject, OrderID: ob.TPOrderID, Account: "DU1", Symbol: "AAPL", Reason: "margin"}, at(f.s, 10, 0, 45), f.p)
	f.deliver(at(f.s, 10, 0, 45)) // stop-loss cancel confirmation

	ob, _ = f.om.Bracket(k)
	assert.Equal(t, "leg_rejected", ob.flattenReason)
	assert.NotEmpty(t, ob.flattenOrderID)
}

func TestPartialEntryFillBracketsFilledQty(t *testing.T) {
	f := newOrderFixture(t)
	k := f.key("AAPL")
	f.fire(t, "AAPL", Cond1)
	pe, _ := f.om.Pending(k)

	now := at(f.s, 10, 0, 30)
	f.om.OnEvent(f.ctx, OrderEvent{Kind: EventFill, OrderID: pe.OrderID, Account: "DU1", Symbol: "AAPL", Side: SideBuy, Price: 99.3, Qty: 4, Remaining: 6, Time: now}, now, f.p)
	_, stillPending := f.om.Pending(k)
	assert.True(t, stillPending)

	f.om.OnEvent(f.ctx, OrderEvent{Kind: EventCancel, OrderID: pe.OrderID, Account: "DU1", Symbol: "AAPL", Remaining: 6, Time: now}, now, f.p)
	ob, ok := f.om.Bracket(k)
	require.True(t, ok)
	assert.Equal(t, int64(4), ob.Qty)
	assert.Equal(t, int64(4), ob.LegQty)
	assert.Empty(t, f.cancelled, "a partially filled entry is a trade")
}

func TestEndOfDayClosesEverything(t *testing.T) {
	f := newOrderFixture(t)
	aapl := f.openLong(t)
	goog := f.key("GOOG")
	msft := f.key("MSFT")
	f.fire(t, "GOOG", Cond1)

	// A position no bracket owns.
	_, err := f.b.SubmitMarket(f.ctx, OrderRequest{Account: "DU1", Symbol: "MSFT", Side: SideBuy, Qty: 3})
	require.NoError(t, err)
	f.b.OnBar("MSFT", flat(at(f.s, 10, 0, 0), 400, 10), at(f.s, 10, 0, 15))
	f.deliver(at(f.s, 10, 0, 15))

	eod := at(f.s, 15, 55, 0)
	require.NoError(t, f.om.EndOfDay(f.ctx, []string{"DU1"}, eod))
	assert.True(t, f.om.InFlight(msft))
	f.deliver(eod)
	assert.False(t, f.om.InFlight(goog))
	assert.Equal(t, []ConditionID{Cond1}, f.cancelled)

	f.b.OnBar("AAPL", flat(at(f.s, 15, 55, 0), 99.8, 100), at(f.s, 15, 55, 15))
	f.b.OnBar("MSFT", flat(at(f.s, 15, 55, 0), 401, 100), at(f.s, 15, 55, 15))
	f.deliver(at(f.s, 15, 55, 15))

	require.Len(t, f.exits, 1)
	assert.Equal(t, "eod", f.exits[0].Reason)
	for _, k := range []tradeKey{aapl, goog, msft} {
		assert.False(t, f.om.InFlight(k), k.String())
	}
	ps, err := f.b.Positions(f.ctx, "DU1")
	require.NoError(t, err)
	assert.Empty(t, ps)

	req := FireRequest{Key: aapl, Cond: Cond1, Price: 99, Qty: 10, Metrics: readyMetrics(), Now: eod}
	assert.ErrorIs(t, f.om.Fire(f.ctx, req, f.p), errOrderInFlight, "no entries after the close-out")
	f.om.ResetSession()
	assert.NoError(t, f.om.Fire(f.ctx, req, f.p))
}

func TestLateEntryFillAfterCloseOutIsFlattened(t *testing.T) {
	f := newOrderFixture(t)
	k := f.key("AAPL")
	f.fire(t, "AAPL", Cond1)
	pe, _ := f.om.Pending(k)

	eod := at(f.s, 15, 55, 0)
	require.NoError(t, f.om.Liquidate(f.ctx, "DU1", eod))
	f.b.Drain() // the fill raced the cancel; drop the cancel confirmation

	f.om.OnEvent(f.ctx, OrderEvent{Kind: EventFill, OrderID: pe.OrderID, Account: "DU1", Symbol: "AAPL", Side: SideBuy, Price: 99.3, Qty: 10, Time: eod}, eod, f.p)
	ob, ok := f.om.Bracket(k)
	require.True(t, ok)
	assert.Equal(t, KindDailyLimit, ob.flattenKind)
	assert.NotEmpty(t, ob.flattenOrderID)
	assert.Empty(t, ob.TPOrderID, "no exit legs for a halted account")
}

func TestReconcileCancelsDuplicateEntries(t *testing.T) {
	f := newOrderFixture(t)
	k := f.key("AAPL")
	f.fire(t, "AAPL", Cond1)
	pe, _ := f.om.Pending(k)

	dup := OrderTag{Kind: KindEntry, Side: SideBuy, Cond: Cond2, Symbol: "AAPL", Price: 99.5}
	_, err := f.b.SubmitEntry(f.ctx, OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideBuy, Type: OrderStop, Qty: 10, StopPrice: 99.5, Tag: dup.String()})
	require.NoError(t, err)
	require.Len(t, f.openOrders(t), 2)

	f.om.Reconcile(f.ctx, "DU1", at(f.s, 10, 0, 30))
	open := f.openOrders(t)
	require.Len(t, open, 1)
	assert.Equal(t, pe.OrderID, open[0].ID)
}
