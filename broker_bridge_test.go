package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeSubmitSendsClientOrderID(t *testing.T) {
	var got bridgeOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"order_id": "b-1"})
	}))
	defer srv.Close()

	bb := NewBridgeBroker(srv.URL + "/  # sidecar")
	id, err := bb.SubmitEntry(context.Background(), OrderRequest{
		Account: "DU1", Symbol: "AAPL", Side: SideBuy, Type: OrderStop, Qty: 10, StopPrice: 99.3, Tag: "Buy-cond1-AAPL-99.30",
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)
	assert.Equal(t, "entry", got.Kind)
	assert.NotEmpty(t, got.ClientOrderID)
	assert.Equal(t, OrderStop, got.Type)
	assert.Equal(t, 99.3, got.StopPrice)

	_, err = bb.SubmitMarket(context.Background(), OrderRequest{Account: "DU1", Symbol: "AAPL", Side: SideSell, Qty: 10})
	require.NoError(t, err)
	assert.Equal(t, "market", got.Kind)
	assert.Equal(t, OrderMarket, got.Type)

	_, err = bb.SubmitEntry(context.Background(), OrderRequest{Account: "DU1", Symbol: "AAPL"})
	assert.ErrorIs(t, err, errInvalidOrder)
}

func TestBridgeCancelAndModifyMapNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/gone":
			http.Error(w, "no such order", http.StatusNotFound)
		case "/orders/live":
			assert.Equal(t, "DU1", r.URL.Query().Get("account"))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	bb := NewBridgeBroker(srv.URL)
	assert.ErrorIs(t, bb.CancelOrder(ctx, "DU1", "gone"), errUnknownOrder)
	assert.ErrorIs(t, bb.ModifyOrder(ctx, "DU1", "gone", 1, 1), errUnknownOrder)
	assert.NoError(t, bb.CancelOrder(ctx, "DU1", "live"))

	err := bb.CancelOrder(ctx, "DU1", "other")
	var he *httpStatusError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Status)
	assert.NotErrorIs(t, err, errUnknownOrder)
}

func TestBridgeAccountQueries(t *testing.T) {
	created := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/DU1/orders", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]bridgeOrder{{ID: "o1", Symbol: "AAPL", Side: SideBuy, Type: OrderStop, Qty: 5, StopPrice: 10, Tag: "t", CreatedAt: created}})
	})
	mux.HandleFunc("/accounts/DU1/positions", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]bridgePosition{{Symbol: "MSFT", Qty: -3, AvgCost: 400}})
	})
	mux.HandleFunc("/accounts/DU1/summary", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(bridgeSummary{NetLiquidation: 101000, RealizedPnL: 250})
	})
	mux.HandleFunc("/bars", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "15s", r.URL.Query().Get("cadence"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]bridgeBar{
			{Time: created.Add(15 * time.Second), Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
			{Time: created, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	bb := NewBridgeBroker(srv.URL)

	open, err := bb.OpenOrders(ctx, "DU1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "DU1", open[0].Account)
	assert.True(t, open[0].CreateTime.Equal(created))

	ps, err := bb.Positions(ctx, "DU1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, int64(-3), ps[0].Qty)

	nav, err := bb.NetLiquidation(ctx, "DU1")
	require.NoError(t, err)
	assert.Equal(t, 101000.0, nav)
	realized, err := bb.RealizedPnL(ctx, "DU1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, realized)

	bars, err := bb.GetBars(ctx, "AAPL", Cadence15s, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 1.0, bars[0].Close, "oldest first")
}

func TestBridgeEventsURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8787/events", NewBridgeBroker("").eventsURL())
	assert.Equal(t, "wss://bridge.local/events", NewBridgeBroker("https://bridge.local/").eventsURL())
}

func TestBridgeStreamEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(bridgeEvent{Kind: EventFill, OrderID: "o1", Account: "DU1", Symbol: "AAPL", Side: SideBuy, Price: 99.3, Qty: 10})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event, 1)
	done := make(chan error, 1)
	go func() { done <- NewBridgeBroker(srv.URL).StreamEvents(ctx, out) }()

	select {
	case ev := <-out:
		oe, ok := ev.(OrderEvent)
		require.True(t, ok)
		assert.Equal(t, EventFill, oe.Kind)
		assert.Equal(t, "o1", oe.OrderID)
		assert.Equal(t, int64(10), oe.Qty)
	case <-time.After(5 * time.Second):
		t.Fatal("no event streamed")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
