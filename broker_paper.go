// FILE: broker_paper.go
// Package main – In-memory paper broker (no external dependencies).
//
// This broker simulates execution against the bars it is shown. It’s used for
// backtests and paper mode; orders here never leave the process.
//
// Matching (OnBar), per symbol, in this order:
//   • market orders  – fill at the bar open
//   • stop orders    – buy when high ≥ stop at max(stop, open);
//                      sell when low ≤ stop at min(stop, open)
//   • limit orders   – buy when low ≤ limit at min(limit, open);
//                      sell when high ≥ limit at max(limit, open)
// Stops are matched before limits, so a bar touching both legs of a bracket
// takes the stop. A fill cancels the rest of its OCA group.
//
// Fills, cancels and rejects are queued and handed out by Drain.
package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type paperPosition struct {
	qty int64
	avg float64
}

type paperAccount struct {
	cash      float64
	realized  float64
	positions map[string]*paperPosition
}

// PaperBroker is a multi-account simulated broker.
type PaperBroker struct {
	mu       sync.Mutex
	accounts map[string]*paperAccount
	orders   map[string]*OpenOrder
	seq      map[string]int
	next     int
	marks    map[string]float64
	now      time.Time
	events   []OrderEvent
}

func NewPaperBroker(accounts []string, startingCash float64) *PaperBroker {
	b := &PaperBroker{
		accounts: make(map[string]*paperAccount),
		orders:   make(map[string]*OpenOrder),
		seq:      make(map[string]int),
		marks:    make(map[string]float64),
	}
	for _, a := range accounts {
		b.accounts[a] = &paperAccount{cash: startingCash, positions: make(map[string]*paperPosition)}
	}
	return b
}

func (b *PaperBroker) Name() string { return "paper" }

func (b *PaperBroker) SubmitEntry(ctx context.Context, req OrderRequest) (string, error) {
	return b.submit(req)
}

func (b *PaperBroker) SubmitBracketLeg(ctx context.Context, req OrderRequest) (string, error) {
	return b.submit(req)
}

func (b *PaperBroker) SubmitMarket(ctx context.Context, req OrderRequest) (string, error) {
	req.Type = OrderMarket
	return b.submit(req)
}

func (b *PaperBroker) submit(req OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[req.Account]; !ok {
		return "", fmt.Errorf("%w: %s", errUnknownAcct, req.Account)
	}
	if req.Qty <= 0 || req.Symbol == "" || (req.Side != SideBuy && req.Side != SideSell) {
		return "", fmt.Errorf("%w: %+v", errInvalidOrder, req)
	}
	switch req.Type {
	case OrderStop:
		if !(req.StopPrice > 0) {
			return "", fmt.Errorf("%w: stop price %.4f", errInvalidOrder, req.StopPrice)
		}
	case OrderLimit:
		if !(req.LimitPrice > 0) {
			return "", fmt.Errorf("%w: limit price %.4f", errInvalidOrder, req.LimitPrice)
		}
	case OrderMarket:
	default:
		return "", fmt.Errorf("%w: type %q", errInvalidOrder, req.Type)
	}
	id := uuid.NewString()
	b.orders[id] = &OpenOrder{
		ID:         id,
		Account:    req.Account,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		StopPrice:  req.StopPrice,
		LimitPrice: req.LimitPrice,
		Tag:        req.Tag,
		OCAGroup:   req.OCAGroup,
		CreateTime: b.now,
	}
	b.seq[id] = b.next
	b.next++
	return id, nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, account, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok || o.Account != account {
		return fmt.Errorf("%w: %s", errUnknownOrder, orderID)
	}
	b.cancelLocked(o, "cancelled")
	return nil
}

func (b *PaperBroker) ModifyOrder(ctx context.Context, account, orderID string, price float64, qty int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok || o.Account != account {
		return fmt.Errorf("%w: %s", errUnknownOrder, orderID)
	}
	if !(price > 0) {
		return fmt.Errorf("%w: price %.4f", errInvalidOrder, price)
	}
	switch o.Type {
	case OrderStop:
		o.StopPrice = price
	case OrderLimit:
		o.LimitPrice = price
	default:
		return fmt.Errorf("%w: cannot modify %s order", errInvalidOrder, o.Type)
	}
	if qty > 0 {
		o.Qty = qty
	}
	return nil
}

func (b *PaperBroker) OpenOrders(ctx context.Context, account string) ([]OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[account]; !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAcct, account)
	}
	var out []OpenOrder
	for _, o := range b.sortedLocked("") {
		if o.Account == account {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (b *PaperBroker) Positions(ctx context.Context, account string) ([]Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAcct, account)
	}
	syms := make([]string, 0, len(acct.positions))
	for s, p := range acct.positions {
		if p.qty != 0 {
			syms = append(syms, s)
		}
	}
	sort.Strings(syms)
	out := make([]Position, 0, len(syms))
	for _, s := range syms {
		p := acct.positions[s]
		mark := b.marks[s]
		if mark <= 0 {
			mark = p.avg
		}
		out = append(out, Position{
			Account:       account,
			Symbol:        s,
			Qty:           p.qty,
			AvgCost:       p.avg,
			MarketPrice:   mark,
			UnrealizedPnL: float64(p.qty) * (mark - p.avg),
		})
	}
	return out, nil
}

func (b *PaperBroker) NetLiquidation(ctx context.Context, account string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[account]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownAcct, account)
	}
	nav := acct.cash
	for s, p := range acct.positions {
		mark := b.marks[s]
		if mark <= 0 {
			mark = p.avg
		}
		nav += float64(p.qty) * mark
	}
	return nav, nil
}

func (b *PaperBroker) RealizedPnL(ctx context.Context, account string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[account]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownAcct, account)
	}
	return acct.realized, nil
}

// OnBar matches resting orders of symbol against bar and marks the symbol at
// the bar close. at stamps the resulting events.
func (b *PaperBroker) OnBar(symbol string, bar Bar, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = at
	for _, pass := range [...]OrderType{OrderMarket, OrderStop, OrderLimit} {
		for _, o := range b.sortedLocked(symbol) {
			if o.Type != pass {
				continue
			}
			if _, live := b.orders[o.ID]; !live {
				continue // cancelled by an OCA sibling this bar
			}
			if px, ok := matchPrice(o, bar); ok {
				b.fillLocked(o, px)
			}
		}
	}
	b.marks[symbol] = bar.Close
}

// Drain hands out and clears the queued events.
func (b *PaperBroker) Drain() []OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

func matchPrice(o *OpenOrder, bar Bar) (float64, bool) {
	switch o.Type {
	case OrderMarket:
		return bar.Open, true
	case OrderStop:
		if o.Side == SideBuy && bar.High >= o.StopPrice {
			return math.Max(o.StopPrice, bar.Open), true
		}
		if o.Side == SideSell && bar.Low <= o.StopPrice {
			return math.Min(o.StopPrice, bar.Open), true
		}
	case OrderLimit:
		if o.Side == SideBuy && bar.Low <= o.LimitPrice {
			return math.Min(o.LimitPrice, bar.Open), true
		}
		if o.Side == SideSell && bar.High >= o.LimitPrice {
			return math.Max(o.LimitPrice, bar.Open), true
		}
	}
	return 0, false
}

// sortedLocked lists resting orders (of symbol, or all when empty) in submission order.
func (b *PaperBroker) sortedLocked(symbol string) []*OpenOrder {
	out := make([]*OpenOrder, 0, len(b.orders))
	for _, o := range b.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return b.seq[out[i].ID] < b.seq[out[j].ID] })
	return out
}

func (b *PaperBroker) fillLocked(o *OpenOrder, px float64) {
	acct := b.accounts[o.Account]
	pos, ok := acct.positions[o.Symbol]
	if !ok {
		pos = &paperPosition{}
		acct.positions[o.Symbol] = pos
	}
	d := o.Side.delta(o.Qty)
	switch {
	case pos.qty == 0 || (pos.qty > 0) == (d > 0):
		n := absQty(pos.qty) + absQty(d)
		pos.avg = (pos.avg*float64(absQty(pos.qty)) + px*float64(absQty(d))) / float64(n)
		pos.qty += d
	default:
		closed := min(absQty(pos.qty), absQty(d))
		sign := 1.0
		if pos.qty < 0 {
			sign = -1
		}
		acct.realized += float64(closed) * (px - pos.avg) * sign
		pos.qty += d
		switch {
		case pos.qty == 0:
			pos.avg = 0
		case (pos.qty > 0) == (d > 0):
			pos.avg = px // flipped through zero
		}
	}
	acct.cash -= float64(d) * px

	delete(b.orders, o.ID)
	delete(b.seq, o.ID)
	b.events = append(b.events, OrderEvent{
		Kind: EventFill, OrderID: o.ID, Account: o.Account, Symbol: o.Symbol, Side: o.Side,
		Price: px, Qty: o.Qty, Tag: o.Tag, Time: b.now,
	})
	if o.OCAGroup != "" {
		for _, sib := range b.sortedLocked(o.Symbol) {
			if sib.OCAGroup == o.OCAGroup {
				b.cancelLocked(sib, "oca")
			}
		}
	}
}

func (b *PaperBroker) cancelLocked(o *OpenOrder, reason string) {
	delete(b.orders, o.ID)
	delete(b.seq, o.ID)
	b.events = append(b.events, OrderEvent{
		Kind: EventCancel, OrderID: o.ID, Account: o.Account, Symbol: o.Symbol, Side: o.Side,
		Remaining: o.Qty, Tag: o.Tag, Reason: reason, Time: b.now,
	})
}

func absQty(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}
