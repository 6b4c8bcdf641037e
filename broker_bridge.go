// FILE: broker_bridge.go
// Package main – HTTP/WebSocket broker that talks to the local broker sidecar.
//
// The sidecar fronts the real brokerage and exposes a small JSON API:
//   • POST   /orders                         {account,symbol,side,type,qty,...} -> {"order_id"}
//   • DELETE /orders/{id}?account=...
//   • PATCH  /orders/{id}                    {account,price,qty}
//   • GET    /accounts/{id}/orders           -> []order
//   • GET    /accounts/{id}/positions        -> []position
//   • GET    /accounts/{id}/summary          -> {"net_liquidation","realized_pnl"}
//   • GET    /bars?symbol=&cadence=&limit=   -> []bar (time,open,high,low,close,volume)
//   • WS     /events                         -> stream of fill/cancel/reject events
//
// A 404 on cancel/modify maps to errUnknownOrder. Every submission carries a
// client_order_id so the sidecar can drop retried duplicates.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// BridgeBroker talks to the local sidecar.
type BridgeBroker struct {
	base string
	hc   *http.Client
}

func NewBridgeBroker(base string) *BridgeBroker {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, " \t#"); i >= 0 { // cut trailing comment/space
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	base = strings.TrimRight(base, "/")
	return &BridgeBroker{
		base: base,
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (bb *BridgeBroker) Name() string { return "bridge" }

type bridgeOrder struct {
	ID            string    `json:"id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	Account       string    `json:"account"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Qty           int64     `json:"qty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	OCAGroup      string    `json:"oca_group,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

type bridgePosition struct {
	Symbol        string  `json:"symbol"`
	Qty           int64   `json:"qty"`
	AvgCost       float64 `json:"avg_cost"`
	MarketPrice   float64 `json:"market_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type bridgeSummary struct {
	NetLiquidation float64 `json:"net_liquidation"`
	RealizedPnL    float64 `json:"realized_pnl"`
}

type bridgeBar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type bridgeEvent struct {
	Kind      OrderEventKind `json:"kind"`
	OrderID   string         `json:"order_id"`
	Account   string         `json:"account"`
	Symbol    string         `json:"symbol"`
	Side      OrderSide      `json:"side"`
	Price     float64        `json:"price"`
	Qty       int64          `json:"qty"`
	Remaining int64          `json:"remaining"`
	Tag       string         `json:"tag"`
	Reason    string         `json:"reason"`
	Time      time.Time      `json:"time"`
}

// httpStatusError keeps the status code for errors.As callers.
type httpStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Op, e.Status, e.Body)
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
func (bb *BridgeBroker) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, bb.base+path, body)
	if err != nil {
		return fmt.Errorf("newrequest %s: %w", path, err)
	}
	req.Header.Set("User-Agent", "rallybot/bridge")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := bb.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &httpStatusError{Op: method + " " + path, Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (bb *BridgeBroker) submit(ctx context.Context, kind string, req OrderRequest) (string, error) {
	if req.Qty <= 0 {
		return "", fmt.Errorf("%w: qty %d", errInvalidOrder, req.Qty)
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	err := bb.do(ctx, http.MethodPost, "/orders", bridgeOrder{
		ClientOrderID: uuid.NewString(),
		Kind:          kind,
		Account:       req.Account,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
		LimitPrice:    req.LimitPrice,
		Tag:           req.Tag,
		OCAGroup:      req.OCAGroup,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("submit %s: empty order id", kind)
	}
	return out.OrderID, nil
}

func (bb *BridgeBroker) SubmitEntry(ctx context.Context, req OrderRequest) (string, error) {
	return bb.submit(ctx, "entry", req)
}

func (bb *BridgeBroker) SubmitBracketLeg(ctx context.Context, req OrderRequest) (string, error) {
	return bb.submit(ctx, "leg", req)
}

func (bb *BridgeBroker) SubmitMarket(ctx context.Context, req OrderRequest) (string, error) {
	req.Type = OrderMarket
	return bb.submit(ctx, "market", req)
}

func notFound(err error) bool {
	var he *httpStatusError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

func (bb *BridgeBroker) CancelOrder(ctx context.Context, account, orderID string) error {
	path := fmt.Sprintf("/orders/%s?account=%s", url.PathEscape(orderID), url.QueryEscape(account))
	err := bb.do(ctx, http.MethodDelete, path, nil, nil)
	if notFound(err) {
		return fmt.Errorf("%w: %s", errUnknownOrder, orderID)
	}
	return err
}

func (bb *BridgeBroker) ModifyOrder(ctx context.Context, account, orderID string, price float64, qty int64) error {
	body := map[string]any{"account": account, "price": price, "qty": qty}
	err := bb.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID), body, nil)
	if notFound(err) {
		return fmt.Errorf("%w: %s", errUnknownOrder, orderID)
	}
	return err
}

func (bb *BridgeBroker) OpenOrders(ctx context.Context, account string) ([]OpenOrder, error) {
	var raw []bridgeOrder
	if err := bb.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/orders", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, OpenOrder{
			ID: o.ID, Account: account, Symbol: o.Symbol, Side: o.Side, Type: o.Type, Qty: o.Qty,
			StopPrice: o.StopPrice, LimitPrice: o.LimitPrice, Tag: o.Tag, OCAGroup: o.OCAGroup, CreateTime: o.CreatedAt,
		})
	}
	return out, nil
}

func (bb *BridgeBroker) Positions(ctx context.Context, account string) ([]Position, error) {
	var raw []bridgePosition
	if err := bb.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, Position{
			Account: account, Symbol: p.Symbol, Qty: p.Qty, AvgCost: p.AvgCost,
			MarketPrice: p.MarketPrice, UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

func (bb *BridgeBroker) summary(ctx context.Context, account string) (bridgeSummary, error) {
	var s bridgeSummary
	err := bb.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/summary", nil, &s)
	return s, err
}

func (bb *BridgeBroker) NetLiquidation(ctx context.Context, account string) (float64, error) {
	s, err := bb.summary(ctx, account)
	return s.NetLiquidation, err
}

func (bb *BridgeBroker) RealizedPnL(ctx context.Context, account string) (float64, error) {
	s, err := bb.summary(ctx, account)
	return s.RealizedPnL, err
}

// GetBars fetches the most recent limit bars of symbol, oldest first.
func (bb *BridgeBroker) GetBars(ctx context.Context, symbol string, cadence Cadence, limit int) ([]Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("cadence", cadence.String())
	q.Set("limit", strconv.Itoa(limit))
	var raw []bridgeBar
	if err := bb.do(ctx, http.MethodGet, "/bars?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}
	sortBars(out)
	return out, nil
}

// eventsURL turns the HTTP base into the ws(s) URL of the event stream.
func (bb *BridgeBroker) eventsURL() string {
	u := bb.base + "/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// StreamEvents forwards order events to out until ctx is done, reconnecting
// with exponential backoff.
func (bb *BridgeBroker) StreamEvents(ctx context.Context, out chan<- Event) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 1.8, Jitter: true}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := bb.consumeEvents(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		d := b.Duration()
		log.Warn().Err(err).Dur("retry_in", d).Msg("bridge event stream disconnected, retrying")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (bb *BridgeBroker) consumeEvents(ctx context.Context, out chan<- Event) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, bb.eventsURL(), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	log.Info().Str("url", bb.eventsURL()).Msg("bridge event stream connected")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Warn().Err(err).Msg("bridge ping failed")
					return
				}
			case <-pingCtx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var ev bridgeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Warn().Err(err).Msg("failed to decode bridge event")
			continue
		}
		oe := OrderEvent(ev)
		select {
		case out <- oe:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
