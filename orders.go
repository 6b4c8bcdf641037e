// FILE: orders.go
// Package main – Order lifecycle manager.
//
// Per (symbol, account): NoOrder → PendingEntry → OpenBracket → NoOrder.
//
//   • Fire          : trailing stop entry, after re-checking that no order or
//                     position exists (local book, broker open orders, positions)
//   • entry fill    : OCO take-profit (limit) + stop-loss (stop) legs
//   • leg fill      : sibling cancelled; flat → exit recorded, cooldown starts
//   • Tick          : invalidation every tick; trailing, time actions and SL
//                     ratchet throttled per key
//   • EndOfDay / Liquidate : cancel entries, flatten positions at market
//
// Cancels are requests. Local state only moves when the broker confirms with
// an event. Broker errors are logged and retried on a later tick.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// cancelResend is how long a cancel request is trusted before it is sent again.
const cancelResend = 30 * time.Second

type orderRole int

const (
	roleEntry orderRole = iota
	roleTakeProfit
	roleStopLoss
	roleFlatten
)

func (r orderRole) String() string {
	switch r {
	case roleEntry:
		return "entry"
	case roleTakeProfit:
		return "take_profit"
	case roleStopLoss:
		return "stop_loss"
	}
	return "flatten"
}

type orderRef struct {
	key     tradeKey
	role    orderRole
	cond    ConditionID
	account string
}

// PendingEntry is a resting stop entry.
type PendingEntry struct {
	Key          tradeKey
	Cond         ConditionID
	Dir          Direction
	Side         OrderSide
	OrderID      string
	Tag          OrderTag
	Qty          int64
	StopPrice    float64
	Anchor       float64 // price the stop is trailing from
	Offset       float64
	PriorExtreme float64 // session low (long) / high (short) when fired
	Range30DMA   float64
	CreatedAt    time.Time

	filledQty       int64
	fillValue       float64
	cancelRequested bool
	cancelReason    string
}

// OpenBracket is a filled entry with its exit legs.
type OpenBracket struct {
	Key        tradeKey
	Cond       ConditionID
	Dir        Direction
	EntrySide  OrderSide
	EntryPrice float64
	Qty        int64
	LegQty     int64
	Range30DMA float64
	OCAGroup   string
	TPOrderID  string
	SLOrderID  string
	TPPrice    float64
	SLPrice    float64
	StartedAt  time.Time

	Action1Done bool
	Action2Done bool
	Ratchets    int

	tpLive, slLive bool
	tpDone, slDone bool // filled or deliberately cancelled: never resubmitted
	exitedQty      int64
	exitValue      float64
	exitReason     string

	flattenWanted  bool
	flattenKind    OrderKind
	flattenReason  string
	flattenOrderID string
}

func (b *OpenBracket) remaining() int64    { return b.Qty - b.exitedQty }
func (b *OpenBracket) exitSide() OrderSide { return b.EntrySide.Opposite() }

type throttle struct {
	trail *rate.Limiter
	check *rate.Limiter
}

// OrderManager owns every PendingEntry and OpenBracket.
type OrderManager struct {
	broker    Broker
	pending   map[tradeKey]*PendingEntry
	brackets  map[tradeKey]*OpenBracket
	orders    map[string]orderRef
	strays    map[tradeKey]string    // flatten orders for positions no bracket owns
	orphans   map[string]string      // live legs of closed brackets → account
	cancels   map[string]time.Time   // cancel requests awaiting confirmation
	halted    map[string]OrderKind   // accounts being closed out for the session
	throttles map[tradeKey]*throttle

	onExit   func(ExitRecord)
	onCancel func(tradeKey, ConditionID)
}

func NewOrderManager(b Broker) *OrderManager {
	return &OrderManager{
		broker:    b,
		pending:   make(map[tradeKey]*PendingEntry),
		brackets:  make(map[tradeKey]*OpenBracket),
		orders:    make(map[string]orderRef),
		strays:    make(map[tradeKey]string),
		orphans:   make(map[string]string),
		cancels:   make(map[string]time.Time),
		halted:    make(map[string]OrderKind),
		throttles: make(map[tradeKey]*throttle),
		onExit:    func(ExitRecord) {},
		onCancel:  func(tradeKey, ConditionID) {},
	}
}

// InFlight reports whether k has any live order or tracked position.
func (om *OrderManager) InFlight(k tradeKey) bool {
	if _, ok := om.pending[k]; ok {
		return true
	}
	if _, ok := om.brackets[k]; ok {
		return true
	}
	_, ok := om.strays[k]
	return ok
}

func (om *OrderManager) Pending(k tradeKey) (PendingEntry, bool) {
	pe, ok := om.pending[k]
	if !ok {
		return PendingEntry{}, false
	}
	return *pe, true
}

func (om *OrderManager) Bracket(k tradeKey) (OpenBracket, bool) {
	ob, ok := om.brackets[k]
	if !ok {
		return OpenBracket{}, false
	}
	return *ob, true
}

// Keys lists every key with a pending entry or bracket, sorted.
func (om *OrderManager) Keys() []tradeKey {
	seen := make(map[tradeKey]struct{}, len(om.pending)+len(om.brackets))
	for k := range om.pending {
		seen[k] = struct{}{}
	}
	for k := range om.brackets {
		seen[k] = struct{}{}
	}
	keys := make([]tradeKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Account < keys[j].Account
	})
	return keys
}

// ResetSession lifts the session close-out.
func (om *OrderManager) ResetSession() {
	clear(om.halted)
}

// FireRequest carries everything Fire needs from the decision side.
type FireRequest struct {
	Key     tradeKey
	Cond    ConditionID
	Price   float64
	Qty     int64
	Metrics SymbolMetrics
	Now     time.Time
}

// entryOffset is the trailing distance for an entry at price.
func entryOffset(cond ConditionID, m SymbolMetrics, price float64, p *Params) float64 {
	if cond == Cond3 {
		return price * p.Cond3OffsetPct / 100
	}
	return (m.High - m.Low) * p.OffsetPct / 100
}

// Fire submits a stop entry for req.
func (om *OrderManager) Fire(ctx context.Context, req FireRequest, p *Params) error {
	k := req.Key
	if om.InFlight(k) {
		return errOrderInFlight
	}
	if _, halted := om.halted[k.Account]; halted {
		return errOrderInFlight
	}
	if req.Qty <= 0 {
		return errNoSize
	}
	open, err := om.broker.OpenOrders(ctx, k.Account)
	if err != nil {
		IncBrokerError("open_orders")
		return fmt.Errorf("open orders: %w", err)
	}
	for _, o := range open {
		if o.Symbol == k.Symbol {
			log.Warn().Str("key", k.String()).Str("order_id", o.ID).Str("tag", o.Tag).
				Msg("fire skipped: broker reports an open order the local book does not know")
			return errOrderInFlight
		}
	}
	ps, err := om.broker.Positions(ctx, k.Account)
	if err != nil {
		IncBrokerError("positions")
		return fmt.Errorf("positions: %w", err)
	}
	if q := positionQty(ps, k.Symbol); q != 0 {
		log.Warn().Str("key", k.String()).Int64("qty", q).Msg("fire skipped: broker reports an open position")
		return errOrderInFlight
	}

	dir := req.Cond.Direction()
	side := dir.EntrySide()
	offset := entryOffset(req.Cond, req.Metrics, req.Price, p)
	if !(offset > 0) || !finite(offset) {
		return fmt.Errorf("trailing offset %.4f for %s", offset, req.Cond)
	}
	stop := roundPrice(req.Price + dir.sign()*offset)
	tag := OrderTag{Kind: KindEntry, Side: side, Cond: req.Cond, Symbol: k.Symbol, Price: stop}
	id, err := om.broker.SubmitEntry(ctx, OrderRequest{
		Account:   k.Account,
		Symbol:    k.Symbol,
		Side:      side,
		Type:      OrderStop,
		Qty:       req.Qty,
		StopPrice: stop,
		Tag:       tag.String(),
	})
	if err != nil {
		IncBrokerError("submit_entry")
		return fmt.Errorf("submit entry: %w", err)
	}

	prior := req.Metrics.Low
	if dir == Short {
		prior = req.Metrics.High
	}
	om.pending[k] = &PendingEntry{
		Key:          k,
		Cond:         req.Cond,
		Dir:          dir,
		Side:         side,
		OrderID:      id,
		Tag:          tag,
		Qty:          req.Qty,
		StopPrice:    stop,
		Anchor:       req.Price,
		Offset:       offset,
		PriorExtreme: prior,
		Range30DMA:   req.Metrics.Range30DMA,
		CreatedAt:    req.Now,
	}
	om.orders[id] = orderRef{key: k, role: roleEntry, cond: req.Cond, account: k.Account}
	IncOrderSubmitted("entry", side)
	log.Info().Str("key", k.String()).Str("cond", req.Cond.String()).Str("side", string(side)).
		Int64("qty", req.Qty).Float64("price", req.Price).Float64("stop", stop).Str("order_id", id).
		Msg("entry submitted")
	return nil
}

// OnEvent routes a broker event to the order it belongs to.
func (om *OrderManager) OnEvent(ctx context.Context, ev OrderEvent, now time.Time, p *Params) {
	at := ev.Time
	if at.IsZero() {
		at = now
	}
	if ev.Kind != EventFill || ev.Remaining == 0 {
		delete(om.cancels, ev.OrderID)
	}
	ref, ok := om.orders[ev.OrderID]
	if !ok {
		log.Debug().Str("order_id", ev.OrderID).Str("kind", string(ev.Kind)).Str("tag", ev.Tag).Msg("event for untracked order")
		return
	}
	switch ref.role {
	case roleEntry:
		om.onEntryEvent(ctx, ref, ev, at, p)
	case roleTakeProfit, roleStopLoss:
		om.onLegEvent(ctx, ref, ev, at)
	case roleFlatten:
		om.onFlattenEvent(ref, ev, at)
	}
}

func (om *OrderManager) onEntryEvent(ctx context.Context, ref orderRef, ev OrderEvent, at time.Time, p *Params) {
	pe := om.pending[ref.key]
	if pe == nil || pe.OrderID != ev.OrderID {
		if ev.Kind == EventFill {
			log.Error().Str("key", ref.key.String()).Str("order_id", ev.OrderID).Msg("fill on an entry that is no longer tracked")
		}
		if ev.Kind != EventFill || ev.Remaining == 0 {
			delete(om.orders, ev.OrderID)
		}
		return
	}
	switch ev.Kind {
	case EventFill:
		pe.filledQty += ev.Qty
		pe.fillValue += ev.Price * float64(ev.Qty)
		if ev.Remaining > 0 {
			log.Info().Str("key", pe.Key.String()).Int64("filled", pe.filledQty).Int64("remaining", ev.Remaining).Msg("entry partially filled")
			return
		}
		delete(om.pending, pe.Key)
		delete(om.orders, ev.OrderID)
		om.openBracket(ctx, pe, at, p)
	case EventCancel, EventReject:
		delete(om.pending, pe.Key)
		delete(om.orders, ev.OrderID)
		if pe.filledQty > 0 {
			log.Info().Str("key", pe.Key.String()).Int64("filled", pe.filledQty).Msg("entry cancelled after partial fill, bracketing the fill")
			om.openBracket(ctx, pe, at, p)
			return
		}
		reason := pe.cancelReason
		if ev.Kind == EventReject {
			reason = "rejected"
			log.Warn().Str("key", pe.Key.String()).Str("order_id", ev.OrderID).Str("reason", ev.Reason).Msg("entry rejected")
		} else {
			if reason == "" {
				reason = "external"
			}
			log.Info().Str("key", pe.Key.String()).Str("cond", pe.Cond.String()).Str("reason", reason).Msg("entry cancelled")
		}
		IncEntryCancelled(reason)
		om.onCancel(pe.Key, pe.Cond)
	}
}

// openBracket turns a filled entry into an OpenBracket and places its legs.
func (om *OrderManager) openBracket(ctx context.Context, pe *PendingEntry, at time.Time, p *Params) {
	fill := pe.fillValue / float64(pe.filledQty)
	sign := pe.Dir.sign()
	cp := p.Cond(pe.Cond)
	ob := &OpenBracket{
		Key:        pe.Key,
		Cond:       pe.Cond,
		Dir:        pe.Dir,
		EntrySide:  pe.Side,
		EntryPrice: fill,
		Qty:        pe.filledQty,
		LegQty:     int64(math.Floor(float64(pe.filledQty) * p.SharesToSell / 100)),
		Range30DMA: pe.Range30DMA,
		OCAGroup:   uuid.NewString(),
		TPPrice:    roundPrice(fill + sign*fill*cp.ProfitTakePct*(pe.Range30DMA/100)/100),
		SLPrice:    roundPrice(fill - sign*fill*p.StopLossPct*(pe.Range30DMA/100)/100),
		StartedAt:  at,
	}
	om.brackets[pe.Key] = ob
	IncOrderFilled("entry", pe.Side)
	log.Info().Str("key", ob.Key.String()).Str("cond", ob.Cond.String()).Float64("fill", fill).
		Int64("qty", ob.Qty).Int64("leg_qty", ob.LegQty).Float64("tp", ob.TPPrice).Float64("sl", ob.SLPrice).
		Msg("entry filled, bracket opened")

	if kind, halted := om.halted[ob.Key.Account]; halted {
		om.beginFlatten(ctx, ob, kind, "session_closed", at)
		return
	}
	if ob.LegQty <= 0 {
		om.beginFlatten(ctx, ob, KindFlatten, "no_leg_qty", at)
		return
	}
	om.ensureLegs(ctx, ob)
}

// ensureLegs (re)submits whichever exit leg is missing.
func (om *OrderManager) ensureLegs(ctx context.Context, ob *OpenBracket) {
	if ob.flattenWanted || ob.LegQty <= 0 {
		return
	}
	side := ob.exitSide()
	if !ob.tpLive && !ob.tpDone {
		tag := OrderTag{Kind: KindTakeProfit, Side: side, Cond: ob.Cond, Symbol: ob.Key.Symbol, Price: ob.TPPrice}
		id, err := om.broker.SubmitBracketLeg(ctx, OrderRequest{
			Account: ob.Key.Account, Symbol: ob.Key.Symbol, Side: side, Type: OrderLimit,
			Qty: ob.LegQty, LimitPrice: ob.TPPrice, Tag: tag.String(), OCAGroup: ob.OCAGroup,
		})
		if err != nil {
			IncBrokerError("submit_leg")
			log.Warn().Err(err).Str("key", ob.Key.String()).Msg("take-profit submit failed, retrying next tick")
		} else {
			ob.TPOrderID, ob.tpLive = id, true
			om.orders[id] = orderRef{key: ob.Key, role: roleTakeProfit, cond: ob.Cond, account: ob.Key.Account}
			IncOrderSubmitted("take_profit", side)
		}
	}
	if !ob.slLive && !ob.slDone {
		tag := OrderTag{Kind: KindStopLoss, Side: side, Cond: ob.Cond, Symbol: ob.Key.Symbol, Price: ob.SLPrice}
		id, err := om.broker.SubmitBracketLeg(ctx, OrderRequest{
			Account: ob.Key.Account, Symbol: ob.Key.Symbol, Side: side, Type: OrderStop,
			Qty: ob.LegQty, StopPrice: ob.SLPrice, Tag: tag.String(), OCAGroup: ob.OCAGroup,
		})
		if err != nil {
			IncBrokerError("submit_leg")
			log.Warn().Err(err).Str("key", ob.Key.String()).Msg("stop-loss submit failed, retrying next tick")
		} else {
			ob.SLOrderID, ob.slLive = id, true
			om.orders[id] = orderRef{key: ob.Key, role: roleStopLoss, cond: ob.Cond, account: ob.Key.Account}
			IncOrderSubmitted("stop_loss", side)
		}
	}
}

func (om *OrderManager) onLegEvent(ctx context.Context, ref orderRef, ev OrderEvent, at time.Time) {
	isTP := ref.role == roleTakeProfit
	ob := om.brackets[ref.key]
	if ob == nil || (isTP && ob.TPOrderID != ev.OrderID) || (!isTP && ob.SLOrderID != ev.OrderID) {
		if ev.Kind == EventFill {
			log.Error().Str("key", ref.key.String()).Str("order_id", ev.OrderID).Str("leg", ref.role.String()).
				Msg("fill on a leg whose bracket is closed; position left for end-of-day flatten")
		}
		if ev.Kind != EventFill || ev.Remaining == 0 {
			delete(om.orders, ev.OrderID)
			delete(om.orphans, ev.OrderID)
		}
		return
	}

	switch ev.Kind {
	case EventFill:
		ob.exitedQty += ev.Qty
		ob.exitValue += ev.Price * float64(ev.Qty)
		if ev.Remaining > 0 {
			return
		}
		delete(om.orders, ev.OrderID)
		ob.exitReason = ref.role.String()
		if isTP {
			ob.tpLive, ob.tpDone = false, true
		} else {
			ob.slLive, ob.slDone = false, true
		}
		IncOrderFilled(ref.role.String(), ob.exitSide())
		om.cancelSibling(ctx, ob, isTP, at)
		if ob.remaining() <= 0 {
			om.closeBracket(ob, at)
			return
		}
		log.Info().Str("key", ob.Key.String()).Int64("remaining", ob.remaining()).
			Msg("bracket leg filled, remainder held until time exit or end of day")
	case EventCancel, EventReject:
		delete(om.orders, ev.OrderID)
		if isTP {
			ob.tpLive = false
		} else {
			ob.slLive = false
		}
		if ev.Kind == EventReject {
			log.Error().Str("key", ob.Key.String()).Str("leg", ref.role.String()).Str("reason", ev.Reason).
				Msg("bracket leg rejected, flattening")
			om.beginFlatten(ctx, ob, KindFlatten, "leg_rejected", at)
			return
		}
		if ob.flattenWanted {
			om.flattenBracket(ctx, ob, at)
		}
	}
}

// cancelSibling is the OCO half of a leg fill.
func (om *OrderManager) cancelSibling(ctx context.Context, ob *OpenBracket, filledTP bool, now time.Time) {
	if filledTP && ob.slLive {
		ob.slDone = true
		_ = om.requestCancel(ctx, ob.Key.Account, ob.SLOrderID, now)
	}
	if !filledTP && ob.tpLive {
		ob.tpDone = true
		_ = om.requestCancel(ctx, ob.Key.Account, ob.TPOrderID, now)
	}
}

// beginFlatten marks ob for liquidation and starts it.
func (om *OrderManager) beginFlatten(ctx context.Context, ob *OpenBracket, kind OrderKind, reason string, now time.Time) {
	if !ob.flattenWanted {
		ob.flattenWanted = true
		ob.flattenKind = kind
		ob.flattenReason = reason
		log.Info().Str("key", ob.Key.String()).Str("reason", reason).Msg("flattening bracket")
	}
	om.flattenBracket(ctx, ob, now)
}

// flattenBracket cancels live legs, and once none are left sends the market exit.
func (om *OrderManager) flattenBracket(ctx context.Context, ob *OpenBracket, now time.Time) {
	if ob.flattenOrderID != "" {
		return
	}
	waiting := false
	if ob.tpLive {
		ob.tpDone = true
		waiting = true
		_ = om.requestCancel(ctx, ob.Key.Account, ob.TPOrderID, now)
	}
	if ob.slLive {
		ob.slDone = true
		waiting = true
		_ = om.requestCancel(ctx, ob.Key.Account, ob.SLOrderID, now)
	}
	if waiting {
		return
	}
	qty := ob.remaining()
	if qty <= 0 {
		om.closeBracket(ob, now)
		return
	}
	side := ob.exitSide()
	tag := OrderTag{Kind: ob.flattenKind, Side: side, Cond: ob.Cond, Symbol: ob.Key.Symbol}
	id, err := om.broker.SubmitMarket(ctx, OrderRequest{
		Account: ob.Key.Account, Symbol: ob.Key.Symbol, Side: side, Type: OrderMarket, Qty: qty, Tag: tag.String(),
	})
	if err != nil {
		IncBrokerError("submit_market")
		log.Warn().Err(err).Str("key", ob.Key.String()).Msg("flatten submit failed, retrying next tick")
		return
	}
	ob.flattenOrderID = id
	om.orders[id] = orderRef{key: ob.Key, role: roleFlatten, cond: ob.Cond, account: ob.Key.Account}
	IncOrderSubmitted("flatten", side)
}

func (om *OrderManager) onFlattenEvent(ref orderRef, ev OrderEvent, at time.Time) {
	ob := om.brackets[ref.key]
	if ob == nil || ob.flattenOrderID != ev.OrderID {
		if ev.Kind != EventFill || ev.Remaining == 0 {
			delete(om.orders, ev.OrderID)
			if om.strays[ref.key] == ev.OrderID {
				delete(om.strays, ref.key)
			}
		}
		if ev.Kind == EventFill {
			IncOrderFilled("flatten", ev.Side)
			log.Info().Str("key", ref.key.String()).Int64("qty", ev.Qty).Float64("price", ev.Price).Msg("untracked position flattened")
		} else {
			log.Warn().Str("key", ref.key.String()).Str("kind", string(ev.Kind)).Str("reason", ev.Reason).Msg("flatten order did not fill")
		}
		return
	}
	switch ev.Kind {
	case EventFill:
		ob.exitedQty += ev.Qty
		ob.exitValue += ev.Price * float64(ev.Qty)
		if ev.Remaining > 0 {
			return
		}
		delete(om.orders, ev.OrderID)
		ob.flattenOrderID = ""
		ob.exitReason = ob.flattenReason
		IncOrderFilled("flatten", ob.exitSide())
		if ob.remaining() <= 0 {
			om.closeBracket(ob, at)
		}
	case EventCancel, EventReject:
		delete(om.orders, ev.OrderID)
		ob.flattenOrderID = ""
		log.Warn().Str("key", ob.Key.String()).Str("kind", string(ev.Kind)).Str("reason", ev.Reason).Msg("flatten order died, retrying next tick")
	}
}

// closeBracket records the exit and hands any live leg to the orphan sweep.
func (om *OrderManager) closeBracket(ob *OpenBracket, at time.Time) {
	delete(om.brackets, ob.Key)
	if ob.tpLive {
		om.orphans[ob.TPOrderID] = ob.Key.Account
	}
	if ob.slLive {
		om.orphans[ob.SLOrderID] = ob.Key.Account
	}
	exit := ob.EntryPrice
	if ob.exitedQty > 0 {
		exit = ob.exitValue / float64(ob.exitedQty)
	}
	reason := ob.exitReason
	if reason == "" {
		reason = "other"
	}
	rec := ExitRecord{
		Account:    ob.Key.Account,
		Symbol:     ob.Key.Symbol,
		Cond:       ob.Cond,
		Dir:        ob.Dir,
		EntryPrice: ob.EntryPrice,
		ExitPrice:  exit,
		Qty:        ob.Qty,
		PnL:        (exit - ob.EntryPrice) * float64(ob.Qty) * ob.Dir.sign(),
		Reason:     reason,
		OpenedAt:   ob.StartedAt,
		ClosedAt:   at,
	}
	log.Info().Str("key", ob.Key.String()).Str("cond", ob.Cond.String()).Str("reason", reason).
		Float64("entry", rec.EntryPrice).Float64("exit", rec.ExitPrice).Float64("pnl", rec.PnL).
		Msg("bracket closed")
	om.onExit(rec)
}

// requestCancel asks the broker to cancel id unless a request is already outstanding.
func (om *OrderManager) requestCancel(ctx context.Context, account, id string, now time.Time) error {
	if id == "" {
		return nil
	}
	if t, ok := om.cancels[id]; ok && now.Sub(t) < cancelResend {
		return nil
	}
	if err := om.broker.CancelOrder(ctx, account, id); err != nil {
		if errors.Is(err, errUnknownOrder) {
			// Gone at the broker: nothing left to sweep or resend.
			delete(om.orphans, id)
			delete(om.cancels, id)
			return nil
		}
		IncBrokerError("cancel")
		log.Warn().Err(err).Str("account", account).Str("order_id", id).Msg("cancel request failed")
		return err
	}
	om.cancels[id] = now
	return nil
}

func (om *OrderManager) cancelPending(ctx context.Context, pe *PendingEntry, reason string, now time.Time) error {
	if err := om.requestCancel(ctx, pe.Key.Account, pe.OrderID, now); err != nil {
		return err
	}
	pe.cancelRequested = true
	pe.cancelReason = reason
	log.Info().Str("key", pe.Key.String()).Str("cond", pe.Cond.String()).Str("reason", reason).Msg("entry cancel requested")
	return nil
}

func (om *OrderManager) throttleFor(k tradeKey, p *Params, now time.Time) *throttle {
	t, ok := om.throttles[k]
	if !ok {
		t = &throttle{
			trail: rate.NewLimiter(rate.Every(p.TrailInterval), 1),
			check: rate.NewLimiter(rate.Every(p.CheckInterval), 1),
		}
		om.throttles[k] = t
	}
	if l := rate.Every(p.TrailInterval); t.trail.Limit() != l {
		t.trail.SetLimitAt(now, l)
	}
	if l := rate.Every(p.CheckInterval); t.check.Limit() != l {
		t.check.SetLimitAt(now, l)
	}
	return t
}

// Tick runs the periodic work for k against the symbol's latest metrics.
func (om *OrderManager) Tick(ctx context.Context, k tradeKey, m SymbolMetrics, now time.Time, p *Params) {
	if pe := om.pending[k]; pe != nil {
		om.checkInvalidation(ctx, pe, m, now, p)
		if !pe.cancelRequested && om.throttleFor(k, p, now).trail.AllowN(now, 1) {
			om.trail(ctx, pe, m, p)
		}
	}
	ob := om.brackets[k]
	if ob == nil {
		return
	}
	if ob.flattenWanted {
		om.flattenBracket(ctx, ob, now)
		return
	}
	om.ensureLegs(ctx, ob)
	if !om.throttleFor(k, p, now).check.AllowN(now, 1) {
		return
	}
	om.timeActions(ctx, ob, m, now, p)
	if om.brackets[k] == ob && !ob.flattenWanted {
		om.ratchet(ctx, ob, m, p)
	}
}

// checkInvalidation cancels an entry whose setup broke down.
func (om *OrderManager) checkInvalidation(ctx context.Context, pe *PendingEntry, m SymbolMetrics, now time.Time, p *Params) {
	if pe.cancelRequested || !m.ready() {
		return
	}
	reason := ""
	margin := p.InvalidationMarginPct * pe.Range30DMA / 100
	if pe.PriorExtreme > 0 {
		if pe.Dir == Short {
			if m.Close > pe.PriorExtreme*(1+margin/100) {
				reason = "breakout_margin"
			}
		} else if m.Close < pe.PriorExtreme*(1-margin/100) {
			reason = "breakout_margin"
		}
	}
	if reason == "" && pe.Cond != Cond3 {
		soft := math.Max(0, p.VWAPPct-p.VWAPSoftMargin)
		if !vwapHolds(pe.Dir, m, soft) {
			reason = "vwap_soft"
		}
	}
	if reason != "" {
		_ = om.cancelPending(ctx, pe, reason, now)
	}
}

// trail re-anchors the entry stop when price moved in the entry's favour.
func (om *OrderManager) trail(ctx context.Context, pe *PendingEntry, m SymbolMetrics, p *Params) {
	price := m.Close
	if !(price > 0) {
		return
	}
	if pe.Dir == Short {
		if price <= pe.Anchor {
			return
		}
	} else if price >= pe.Anchor {
		return
	}
	off := entryOffset(pe.Cond, m, price, p)
	if !(off > 0) {
		return
	}
	stop := roundPrice(price + pe.Dir.sign()*off)
	if pe.Dir.sign()*(pe.StopPrice-stop) <= 0 {
		pe.Anchor = price
		return
	}
	if err := om.broker.ModifyOrder(ctx, pe.Key.Account, pe.OrderID, stop, pe.Qty-pe.filledQty); err != nil {
		IncBrokerError("modify")
		log.Warn().Err(err).Str("key", pe.Key.String()).Msg("trail modify failed")
		return
	}
	log.Debug().Str("key", pe.Key.String()).Float64("from", pe.StopPrice).Float64("to", stop).Msg("entry stop trailed")
	pe.Anchor, pe.StopPrice, pe.Offset = price, stop, off
}

// timeActions applies the action1 breakeven move and the action2 exit.
func (om *OrderManager) timeActions(ctx context.Context, ob *OpenBracket, m SymbolMetrics, now time.Time, p *Params) {
	elapsed := now.Sub(ob.StartedAt)
	if !ob.Action2Done && p.Action2Time > 0 && elapsed >= p.Action2Time {
		ob.Action2Done = true
		om.beginFlatten(ctx, ob, KindFlatten, "action2", now)
		return
	}
	if ob.Action1Done || p.Action1Time <= 0 || elapsed < p.Action1Time || !(m.Close > 0) {
		return
	}
	sign := ob.Dir.sign()
	be := roundPrice(ob.EntryPrice)
	if (m.Close-ob.EntryPrice)*sign > 0 {
		if ob.slLive && sign*(be-ob.SLPrice) > 0 {
			if err := om.broker.ModifyOrder(ctx, ob.Key.Account, ob.SLOrderID, be, ob.LegQty); err != nil {
				IncBrokerError("modify")
				log.Warn().Err(err).Str("key", ob.Key.String()).Msg("action1 stop-loss move failed")
				return
			}
			ob.SLPrice = be
		}
	} else if ob.tpLive {
		if err := om.broker.ModifyOrder(ctx, ob.Key.Account, ob.TPOrderID, be, ob.LegQty); err != nil {
			IncBrokerError("modify")
			log.Warn().Err(err).Str("key", ob.Key.String()).Msg("action1 take-profit move failed")
			return
		}
		ob.TPPrice = be
	}
	ob.Action1Done = true
	log.Info().Str("key", ob.Key.String()).Float64("tp", ob.TPPrice).Float64("sl", ob.SLPrice).Msg("action1: losing leg moved to breakeven")
}

// ratchet tightens the stop-loss once the trade has run far enough. Never loosens.
func (om *OrderManager) ratchet(ctx context.Context, ob *OpenBracket, m SymbolMetrics, p *Params) {
	if !ob.slLive || !(m.Close > 0) || !(ob.EntryPrice > 0) {
		return
	}
	cp := p.Cond(ob.Cond)
	sign := ob.Dir.sign()
	move := (m.Close - ob.EntryPrice) * 100 / ob.EntryPrice * sign
	need := cp.StopLossY * cp.ProfitTakePct * ob.Range30DMA / 100
	if move < need {
		return
	}
	off := cp.StopLossX * ob.Range30DMA / 100
	sl := roundPrice(ob.EntryPrice * (1 + sign*off/100))
	if sign*(sl-ob.SLPrice) <= 0 {
		return
	}
	if err := om.broker.ModifyOrder(ctx, ob.Key.Account, ob.SLOrderID, sl, ob.LegQty); err != nil {
		IncBrokerError("modify")
		log.Warn().Err(err).Str("key", ob.Key.String()).Msg("stop-loss ratchet failed")
		return
	}
	log.Info().Str("key", ob.Key.String()).Float64("from", ob.SLPrice).Float64("to", sl).Float64("move_pct", move).Msg("stop-loss ratcheted")
	ob.SLPrice = sl
	ob.Ratchets++
}

// EndOfDay cancels every resting entry and flattens every position.
func (om *OrderManager) EndOfDay(ctx context.Context, accounts []string, now time.Time) error {
	var errs []error
	for _, a := range accounts {
		if err := om.closeOut(ctx, a, KindEOD, "eod", now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Liquidate is EndOfDay for one account (daily limit).
func (om *OrderManager) Liquidate(ctx context.Context, account string, now time.Time) error {
	return om.closeOut(ctx, account, KindDailyLimit, "daily_limit", now)
}

func (om *OrderManager) closeOut(ctx context.Context, account string, kind OrderKind, reason string, now time.Time) error {
	om.halted[account] = kind
	var errs []error
	for _, k := range om.Keys() {
		if k.Account != account {
			continue
		}
		if pe := om.pending[k]; pe != nil && !pe.cancelRequested {
			if err := om.cancelPending(ctx, pe, reason, now); err != nil {
				errs = append(errs, err)
			}
		}
		if ob := om.brackets[k]; ob != nil {
			om.beginFlatten(ctx, ob, kind, reason, now)
		}
	}
	if err := om.flattenStrays(ctx, account, kind); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flattenStrays closes positions that no bracket owns.
func (om *OrderManager) flattenStrays(ctx context.Context, account string, kind OrderKind) error {
	ps, err := om.broker.Positions(ctx, account)
	if err != nil {
		IncBrokerError("positions")
		return fmt.Errorf("positions %s: %w", account, err)
	}
	var errs []error
	for _, pos := range ps {
		if pos.Qty == 0 {
			continue
		}
		k := tradeKey{Symbol: pos.Symbol, Account: account}
		if _, ok := om.brackets[k]; ok {
			continue
		}
		if _, ok := om.strays[k]; ok {
			continue
		}
		side, qty := SideSell, pos.Qty
		if qty < 0 {
			side, qty = SideBuy, -qty
		}
		tag := OrderTag{Kind: kind, Side: side, Symbol: pos.Symbol}
		id, err := om.broker.SubmitMarket(ctx, OrderRequest{
			Account: account, Symbol: pos.Symbol, Side: side, Type: OrderMarket, Qty: qty, Tag: tag.String(),
		})
		if err != nil {
			IncBrokerError("submit_market")
			errs = append(errs, fmt.Errorf("flatten %s: %w", k, err))
			continue
		}
		om.strays[k] = id
		om.orders[id] = orderRef{key: k, role: roleFlatten, account: account}
		IncOrderSubmitted("flatten", side)
		log.Info().Str("key", k.String()).Int64("qty", qty).Str("kind", string(kind)).Msg("flattening untracked position")
	}
	return errors.Join(errs...)
}

// Reconcile cancels duplicate entry orders and retries cancels of orphaned legs.
func (om *OrderManager) Reconcile(ctx context.Context, account string, now time.Time) {
	for id, a := range om.orphans {
		if a == account {
			_ = om.requestCancel(ctx, a, id, now)
		}
	}
	open, err := om.broker.OpenOrders(ctx, account)
	if err != nil {
		IncBrokerError("open_orders")
		log.Warn().Err(err).Str("account", account).Msg("reconcile: open orders failed")
		return
	}
	entries := make(map[string][]OpenOrder)
	for _, o := range open {
		tag, err := ParseTag(o.Tag)
		if err != nil || tag.Kind != KindEntry {
			continue
		}
		entries[o.Symbol] = append(entries[o.Symbol], o)
	}
	for sym, list := range entries {
		if len(list) < 2 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreateTime.Before(list[j].CreateTime) })
		keep := list[0].ID
		if pe := om.pending[tradeKey{Symbol: sym, Account: account}]; pe != nil {
			keep = pe.OrderID
		}
		for _, o := range list {
			if o.ID == keep {
				continue
			}
			IncDuplicateOrder()
			log.Error().Str("account", account).Str("symbol", sym).Str("order_id", o.ID).Str("kept", keep).
				Msg("duplicate entry order, cancelling")
			_ = om.requestCancel(ctx, account, o.ID, now)
		}
	}
}
