package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OrderKind says what an order is for.
type OrderKind string

const (
	KindEntry      OrderKind = "ENTRY"
	KindTakeProfit OrderKind = "TP"
	KindStopLoss   OrderKind = "SL"
	KindFlatten    OrderKind = "FLAT"
	KindDailyLimit OrderKind = "DL"
	KindEOD        OrderKind = "EOD"
)

var errInvalidTag = errors.New("invalid order tag")

// OrderTag is the typed form of the broker tag
// "{direction}-{condition}-{symbol}[-{price}]". Exit orders prefix their kind:
// "TP:Sell-cond1-AAPL-101.25".
type OrderTag struct {
	Kind   OrderKind
	Side   OrderSide
	Cond   ConditionID // 0 for orders not tied to a condition
	Symbol string
	Price  float64
}

func sideWord(s OrderSide) string {
	if s == SideSell {
		return "Sell"
	}
	return "Buy"
}

func (t OrderTag) String() string {
	cond := "none"
	if t.Cond.valid() {
		cond = t.Cond.String()
	}
	s := sideWord(t.Side) + "-" + cond + "-" + t.Symbol
	if t.Price > 0 {
		s += "-" + formatPrice(t.Price)
	}
	if t.Kind != "" && t.Kind != KindEntry {
		s = string(t.Kind) + ":" + s
	}
	return s
}

// ParseTag reverses OrderTag.String. Symbols may contain '-'.
func ParseTag(s string) (OrderTag, error) {
	t := OrderTag{Kind: KindEntry}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		t.Kind = OrderKind(s[:i])
		s = s[i+1:]
	}
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return OrderTag{}, fmt.Errorf("%w: %q", errInvalidTag, s)
	}
	switch parts[0] {
	case "Buy":
		t.Side = SideBuy
	case "Sell":
		t.Side = SideSell
	default:
		return OrderTag{}, fmt.Errorf("%w: side %q", errInvalidTag, parts[0])
	}
	if parts[1] != "none" {
		id, err := parseConditionID(parts[1])
		if err != nil {
			return OrderTag{}, fmt.Errorf("%w: %v", errInvalidTag, err)
		}
		t.Cond = id
	}
	rest := parts[2:]
	if len(rest) > 1 {
		if px, err := strconv.ParseFloat(rest[len(rest)-1], 64); err == nil {
			t.Price = px
			rest = rest[:len(rest)-1]
		}
	}
	t.Symbol = strings.Join(rest, "-")
	if t.Symbol == "" {
		return OrderTag{}, fmt.Errorf("%w: empty symbol", errInvalidTag)
	}
	return t, nil
}
