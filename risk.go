// FILE: risk.go
// Package main – Position sizer and account risk governor.
//
// availableCapital hands out cashPct of NAV per entry as long as the total
// committed capital stays under maxCapitalPct of NAV. The daily limit latches
// the starting NAV/realized PnL on the first check of a session and trips,
// sticky for the rest of the session, once session PnL reaches maxDailyPnL
// (or drops to -maxDailyLossPct when that breaker is enabled).
//
// AccountRiskState is only touched from the evaluation goroutine.
package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// AccountRiskState is the per-account daily risk record.
type AccountRiskState struct {
	SessionDate              time.Time
	DailyStartingNAV         float64
	DailyStartingRealizedPnL float64
	DailyLimitReached        bool
	LimitReason              string
	Blacklisted              bool
	PnLPct                   float64
	latched                  bool
}

type RiskGovernor struct {
	broker Broker
	states map[string]*AccountRiskState
}

func NewRiskGovernor(b Broker, accounts, blacklist []string) *RiskGovernor {
	g := &RiskGovernor{broker: b, states: make(map[string]*AccountRiskState)}
	for _, a := range accounts {
		g.state(a)
	}
	for _, a := range blacklist {
		g.state(a).Blacklisted = true
	}
	return g
}

func (g *RiskGovernor) state(account string) *AccountRiskState {
	st, ok := g.states[account]
	if !ok {
		st = &AccountRiskState{}
		g.states[account] = st
	}
	return st
}

// State returns a copy of the account's risk record.
func (g *RiskGovernor) State(account string) AccountRiskState { return *g.state(account) }

// Permits reports whether the account may open new trades.
func (g *RiskGovernor) Permits(account string) bool {
	st := g.state(account)
	return !st.DailyLimitReached && !st.Blacklisted
}

// ResetSession clears the daily latch for every account. Blacklisting survives.
func (g *RiskGovernor) ResetSession() {
	for _, st := range g.states {
		*st = AccountRiskState{Blacklisted: st.Blacklisted}
	}
	for a := range g.states {
		setDailyLimitMetric(a, false)
	}
}

// availableCapital is cashPct of NAV if that still fits under maxCapitalPct
// of NAV together with what is already committed, else 0.
func availableCapital(nav, used, cashPct, maxCapitalPct float64) float64 {
	if !finite(nav, used) || nav <= 0 {
		return 0
	}
	cash := cashPct * nav / 100
	maxCash := maxCapitalPct * nav / 100
	if maxCash >= cash+used {
		return cash
	}
	return 0
}

// positionSize is floor(capital/price), never negative.
func positionSize(capital, price float64) int64 {
	if !finite(capital, price) || capital <= 0 || price <= 0 {
		return 0
	}
	return int64(math.Floor(capital / price))
}

// AvailableCapital queries NAV and positions for account.
func (g *RiskGovernor) AvailableCapital(ctx context.Context, account string, p *Params) (float64, error) {
	nav, err := g.broker.NetLiquidation(ctx, account)
	if err != nil {
		IncBrokerError("net_liquidation")
		return 0, fmt.Errorf("net liquidation: %w", err)
	}
	ps, err := g.broker.Positions(ctx, account)
	if err != nil {
		IncBrokerError("positions")
		return 0, fmt.Errorf("positions: %w", err)
	}
	used := 0.0
	for _, pos := range ps {
		used += math.Abs(pos.AvgCost * float64(pos.Qty))
	}
	return availableCapital(nav, used, p.CashPct, p.MaxCapitalPct), nil
}

// CheckDailyLimit runs one daily-limit evaluation. It returns true exactly
// once per session: on the check that trips the limit.
func (g *RiskGovernor) CheckDailyLimit(ctx context.Context, account string, session time.Time, p *Params) (bool, error) {
	st := g.state(account)
	if st.DailyLimitReached {
		return false, nil
	}
	if !st.latched || !st.SessionDate.Equal(session) {
		nav, err := g.broker.NetLiquidation(ctx, account)
		if err != nil {
			IncBrokerError("net_liquidation")
			return false, fmt.Errorf("net liquidation: %w", err)
		}
		realized, err := g.broker.RealizedPnL(ctx, account)
		if err != nil {
			IncBrokerError("realized_pnl")
			return false, fmt.Errorf("realized pnl: %w", err)
		}
		st.SessionDate = session
		st.DailyStartingNAV = nav
		st.DailyStartingRealizedPnL = realized
		st.latched = true
		log.Info().Str("account", account).Float64("nav", nav).Float64("realized", realized).
			Str("session", session.Format("2006-01-02")).Msg("daily risk baseline latched")
		return false, nil
	}
	if st.DailyStartingNAV <= 0 {
		return false, nil
	}

	realized, err := g.broker.RealizedPnL(ctx, account)
	if err != nil {
		IncBrokerError("realized_pnl")
		return false, fmt.Errorf("realized pnl: %w", err)
	}
	ps, err := g.broker.Positions(ctx, account)
	if err != nil {
		IncBrokerError("positions")
		return false, fmt.Errorf("positions: %w", err)
	}
	unrealized := 0.0
	for _, pos := range ps {
		unrealized += pos.UnrealizedPnL
	}
	pnl := (realized - st.DailyStartingRealizedPnL + unrealized) * 100 / st.DailyStartingNAV
	if !finite(pnl) {
		return false, nil
	}
	st.PnLPct = pnl
	setDailyPnLMetric(account, pnl)

	reason := ""
	switch {
	case pnl >= p.MaxDailyPnL:
		reason = "daily_profit"
	case p.MaxDailyLossPct > 0 && pnl <= -p.MaxDailyLossPct:
		reason = "daily_loss"
	}
	if reason == "" {
		return false, nil
	}
	st.DailyLimitReached = true
	st.LimitReason = reason
	setDailyLimitMetric(account, true)
	log.Warn().Str("account", account).Str("reason", reason).Float64("pnl_pct", pnl).
		Msg("daily limit reached: entries blocked for the rest of the session")
	return true, nil
}
