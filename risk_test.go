package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableCapital(t *testing.T) {
	tests := []struct {
		name    string
		nav     float64
		used    float64
		cashPct float64
		maxPct  float64
		want    float64
	}{
		{"flat account", 100000, 0, 10, 50, 10000},
		{"fits exactly", 100000, 40000, 10, 50, 10000},
		{"over the cap", 100000, 45000, 10, 50, 0},
		{"no nav", 0, 0, 10, 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, availableCapital(tt.nav, tt.used, tt.cashPct, tt.maxPct), 1e-9)
		})
	}
}

func TestSizingScenario(t *testing.T) {
	capital := availableCapital(100000, 0, 60, 225)
	assert.InDelta(t, 60000.0, capital, 1e-9)
	assert.Equal(t, int64(1200), positionSize(capital, 50))
}

func TestPositionSize(t *testing.T) {
	assert.Equal(t, int64(1200), positionSize(60000, 50))
	assert.Equal(t, int64(98), positionSize(10000, 101.25))
	assert.Equal(t, int64(0), positionSize(100, 101.25))
	assert.Equal(t, int64(0), positionSize(1000, 0))
	assert.Equal(t, int64(0), positionSize(-1000, 10))
}

func TestRiskGovernorAvailableCapitalCountsPositions(t *testing.T) {
	ctx := context.Background()
	s := nySession(t)
	p := DefaultParams()
	b := NewPaperBroker([]string{"DU1"}, 100000)
	g := NewRiskGovernor(b, []string{"DU1"}, nil)

	c, err := g.AvailableCapital(ctx, "DU1", p)
	require.NoError(t, err)
	assert.InDelta(t, 10000.0, c, 1e-9)

	// 45k committed: another 10k would breach the 50% cap.
	_, err = b.SubmitMarket(ctx, OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideBuy, Qty: 450})
	require.NoError(t, err)
	b.OnBar("AAPL", flat(at(s, 10, 0, 0), 100, 1000), at(s, 10, 0, 15))
	c, err = g.AvailableCapital(ctx, "DU1", p)
	require.NoError(t, err)
	assert.Zero(t, c)

	_, err = g.AvailableCapital(ctx, "nope", p)
	assert.ErrorIs(t, err, errUnknownAcct)
}

func TestDailyProfitLimitIsSticky(t *testing.T) {
	ctx := context.Background()
	s := nySession(t)
	p := DefaultParams() // maxDailyPnL 1%
	b := NewPaperBroker([]string{"DU1"}, 100000)
	g := NewRiskGovernor(b, []string{"DU1"}, nil)
	session := s.Date(at(s, 9, 30, 0))

	tripped, err := g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.False(t, tripped, "first check latches the baseline")
	assert.InDelta(t, 100000.0, g.State("DU1").DailyStartingNAV, 1e-9)

	_, err = b.SubmitMarket(ctx, OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideBuy, Qty: 100})
	require.NoError(t, err)
	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 0), Open: 100, High: 101, Low: 100, Close: 101}, at(s, 10, 0, 15))

	tripped, err = g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.InDelta(t, 0.1, g.State("DU1").PnLPct, 1e-9)
	assert.True(t, g.Permits("DU1"))

	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 15), Open: 101, High: 110, Low: 101, Close: 110}, at(s, 10, 0, 30))
	tripped, err = g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.True(t, tripped)
	st := g.State("DU1")
	assert.Equal(t, "daily_profit", st.LimitReason)
	assert.False(t, g.Permits("DU1"))

	// Price falls back: still latched, and the trip is reported only once.
	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 30), Open: 110, High: 110, Low: 100, Close: 100}, at(s, 10, 0, 45))
	tripped, err = g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.False(t, g.Permits("DU1"))

	g.ResetSession()
	assert.True(t, g.Permits("DU1"))
}

func TestDailyLossBreaker(t *testing.T) {
	ctx := context.Background()
	s := nySession(t)
	p := DefaultParams()
	p.MaxDailyLossPct = 0.5
	b := NewPaperBroker([]string{"DU1"}, 100000)
	g := NewRiskGovernor(b, []string{"DU1"}, nil)
	session := s.Date(at(s, 9, 30, 0))

	_, err := g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)

	_, err = b.SubmitMarket(ctx, OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideBuy, Qty: 100})
	require.NoError(t, err)
	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 0), Open: 100, High: 100, Low: 99, Close: 99}, at(s, 10, 0, 15))

	tripped, err := g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.False(t, tripped, "-0.1% is inside the breaker")

	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 15), Open: 99, High: 99, Low: 94, Close: 94}, at(s, 10, 0, 30))
	tripped, err = g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, "daily_loss", g.State("DU1").LimitReason)
}

func TestBlacklistSurvivesSessionReset(t *testing.T) {
	b := NewPaperBroker([]string{"DU1", "DU2"}, 100000)
	g := NewRiskGovernor(b, []string{"DU1", "DU2"}, []string{"DU2"})
	assert.True(t, g.Permits("DU1"))
	assert.False(t, g.Permits("DU2"))
	g.ResetSession()
	assert.False(t, g.Permits("DU2"))
}

func TestDailyProfitLimitAtExactBoundary(t *testing.T) {
	ctx := context.Background()
	s := nySession(t)
	p := DefaultParams()
	p.MaxDailyPnL = 0.27
	b := NewPaperBroker([]string{"DU1"}, 100000)
	g := NewRiskGovernor(b, []string{"DU1"}, nil)
	om := NewOrderManager(b)
	session := s.Date(at(s, 9, 30, 0))

	_, err := g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)

	// 270 shares: each dollar of move is 0.27% of the 100k starting NAV.
	_, err = b.SubmitMarket(ctx, OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideBuy, Qty: 270})
	require.NoError(t, err)
	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 0), Open: 100, High: 101, Low: 100, Close: 100.99}, at(s, 10, 0, 15))
	b.Drain()
	msft := tradeKey{Symbol: "MSFT", Account: "DU1"}
	require.NoError(t, om.Fire(ctx, FireRequest{Key: msft, Cond: Cond1, Price: 99, Qty: 10, Metrics: readyMetrics(), Now: at(s, 10, 0, 15)}, p))

	tripped, err := g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	assert.False(t, tripped, "just under the limit")

	b.OnBar("AAPL", Bar{Time: at(s, 10, 0, 15), Open: 100.99, High: 101, Low: 100.99, Close: 101}, at(s, 10, 0, 30))
	tripped, err = g.CheckDailyLimit(ctx, "DU1", session, p)
	require.NoError(t, err)
	require.True(t, tripped)
	st := g.State("DU1")
	assert.Equal(t, 0.27, st.PnLPct)
	assert.Equal(t, "daily_profit", st.LimitReason)
	assert.False(t, g.Permits("DU1"))

	require.NoError(t, om.Liquidate(ctx, "DU1", at(s, 10, 0, 30)))
	b.OnBar("AAPL", flat(at(s, 10, 0, 30), 101, 100), at(s, 10, 0, 45))
	evs := deliver(ctx, om, b, at(s, 10, 0, 45), p)

	var flattened bool
	for _, ev := range evs {
		if ev.Kind == EventFill && strings.HasPrefix(ev.Tag, "DL:") {
			flattened = true
			assert.Equal(t, int64(270), ev.Qty)
		}
	}
	assert.True(t, flattened)
	ps, err := b.Positions(ctx, "DU1")
	require.NoError(t, err)
	assert.Empty(t, ps)
	open, err := b.OpenOrders(ctx, "DU1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.False(t, om.InFlight(msft))

	err = om.Fire(ctx, FireRequest{Key: msft, Cond: Cond1, Price: 99, Qty: 10, Metrics: readyMetrics(), Now: at(s, 10, 1, 0)}, p)
	assert.ErrorIs(t, err, errOrderInFlight, "entries stay blocked for the session")
}
