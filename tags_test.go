package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTagString(t *testing.T) {
	tests := []struct {
		tag  OrderTag
		want string
	}{
		{OrderTag{Kind: KindEntry, Side: SideBuy, Cond: Cond1, Symbol: "AAPL", Price: 101.25}, "Buy-cond1-AAPL-101.25"},
		{OrderTag{Kind: KindTakeProfit, Side: SideSell, Cond: Cond1, Symbol: "AAPL", Price: 101.25}, "TP:Sell-cond1-AAPL-101.25"},
		{OrderTag{Kind: KindEOD, Side: SideSell, Symbol: "BRK-B"}, "EOD:Sell-none-BRK-B"},
		{OrderTag{Side: SideSell, Cond: Cond4, Symbol: "SIRI", Price: 0.5}, "Sell-cond4-SIRI-0.5000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tag.String())
		})
	}
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		in   string
		want OrderTag
	}{
		{"Buy-cond1-AAPL-101.25", OrderTag{Kind: KindEntry, Side: SideBuy, Cond: Cond1, Symbol: "AAPL", Price: 101.25}},
		{"SL:Sell-cond2-BRK-B-350.10", OrderTag{Kind: KindStopLoss, Side: SideSell, Cond: Cond2, Symbol: "BRK-B", Price: 350.10}},
		{"DL:Buy-none-BRK-B", OrderTag{Kind: KindDailyLimit, Side: SideBuy, Symbol: "BRK-B"}},
		{"Sell-cond5-TSLA", OrderTag{Kind: KindEntry, Side: SideSell, Cond: Cond5, Symbol: "TSLA"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTag(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseTagRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "Buy-cond1", "Hold-cond1-AAPL", "Buy-cond9-AAPL", "Buy-cond1-"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseTag(in)
			assert.ErrorIs(t, err, errInvalidTag)
		})
	}
}
