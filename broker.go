// FILE: broker.go
// Package main – Execution collaborator abstractions shared by all backends.
//
// This file defines the surface the engine needs to talk to an execution
// backend (paper or real):
//   • Broker interface: submit entry / bracket leg / market, cancel, modify,
//     open orders, positions, net liquidation, realized PnL
//   • Common types: OrderSide, OrderType, OrderRequest, OpenOrder, Position,
//     OrderEvent (fill / cancel / reject, delivered asynchronously)
//
// Two concrete implementations live in separate files:
//   • broker_paper.go   – in-memory paper broker used by backtests
//   • broker_bridge.go  – HTTP/WebSocket client for the broker sidecar
//
// Every method takes a context and an account: one process trades several
// accounts through the same collaborator. Quantities are whole shares.
package main

import (
	"context"
	"errors"
	"time"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// delta is the signed position change of qty shares on side s.
func (s OrderSide) delta(qty int64) int64 {
	if s == SideSell {
		return -qty
	}
	return qty
}

type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
	OrderStop   OrderType = "STP"
)

// OrderRequest is one order submission.
type OrderRequest struct {
	Account    string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        int64
	StopPrice  float64 // OrderStop trigger
	LimitPrice float64 // OrderLimit price
	Tag        string  // OrderTag.String(); echoed back on events
	OCAGroup   string  // bracket legs share one group
}

// OpenOrder is a resting order as reported by the collaborator.
type OpenOrder struct {
	ID         string
	Account    string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Qty        int64
	StopPrice  float64
	LimitPrice float64
	Tag        string
	OCAGroup   string
	CreateTime time.Time
}

// Position is a signed holding (short < 0).
type Position struct {
	Account       string
	Symbol        string
	Qty           int64
	AvgCost       float64
	MarketPrice   float64
	UnrealizedPnL float64
}

type OrderEventKind string

const (
	EventFill   OrderEventKind = "fill"
	EventCancel OrderEventKind = "cancel"
	EventReject OrderEventKind = "reject"
)

// OrderEvent is an asynchronous notification from the collaborator.
// For fills, Qty/Price describe this execution and Remaining what is still open.
type OrderEvent struct {
	Kind      OrderEventKind
	OrderID   string
	Account   string
	Symbol    string
	Side      OrderSide
	Price     float64
	Qty       int64
	Remaining int64
	Tag       string
	Reason    string
	Time      time.Time
}

// When implements Event.
func (e OrderEvent) When() time.Time { return e.Time }

// Broker is the execution surface the engine operates through.
type Broker interface {
	Name() string
	SubmitEntry(ctx context.Context, req OrderRequest) (string, error)
	SubmitBracketLeg(ctx context.Context, req OrderRequest) (string, error)
	SubmitMarket(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, account, orderID string) error
	// ModifyOrder reprices a resting stop or limit. qty is the open (unfilled)
	// quantity; 0 keeps the current size.
	ModifyOrder(ctx context.Context, account, orderID string, price float64, qty int64) error
	OpenOrders(ctx context.Context, account string) ([]OpenOrder, error)
	Positions(ctx context.Context, account string) ([]Position, error)
	NetLiquidation(ctx context.Context, account string) (float64, error)
	RealizedPnL(ctx context.Context, account string) (float64, error)
}

var (
	errUnknownOrder  = errors.New("unknown order")
	errInvalidOrder  = errors.New("invalid order")
	errUnknownAcct   = errors.New("unknown account")
	errOrderInFlight = errors.New("order or position already open")
	errNoSize        = errors.New("position size is zero")
)

// positionQty finds symbol in ps.
func positionQty(ps []Position, symbol string) int64 {
	for _, p := range ps {
		if p.Symbol == symbol {
			return p.Qty
		}
	}
	return 0
}
