package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegular(t *testing.T) {
	s := nySession(t)
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"open", at(s, 9, 30, 0), true},
		{"pre-market", at(s, 9, 29, 45), false},
		{"last bar", at(s, 15, 59, 45), true},
		{"close", at(s, 16, 0, 0), false},
		{"utc input", time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC), true}, // 10:00 EDT
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Regular(tt.t))
		})
	}
}

func TestSessionDateUsesExchangeDay(t *testing.T) {
	s := nySession(t)
	// 02:00 UTC on the 11th is still the 10th in New York.
	d := s.Date(time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC))
	assert.True(t, d.Equal(time.Date(2025, 6, 10, 0, 0, 0, 0, s.Loc)))
	assert.True(t, s.At(d, 15*60+55).Equal(at(s, 15, 55, 0)))
}

func TestNewSessionDefaultsAndErrors(t *testing.T) {
	s, err := NewSession("")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", s.Loc.String())

	_, err = NewSession("Mars/Olympus_Mons")
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	m, err := parseClock("09:45")
	require.NoError(t, err)
	assert.Equal(t, 585, m)

	for _, bad := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		_, err := parseClock(bad)
		assert.Error(t, err, bad)
	}
}
