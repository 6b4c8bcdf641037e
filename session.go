// FILE: session.go
// Package main – US equities session calendar.
//
// Regular session is 09:30–16:00 in the exchange time zone. Session dates are
// local midnights so that rollover happens at the exchange's day boundary, not UTC.
package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	secondsPerTradingDay = 23400
	regularOpenMinute    = 9*60 + 30
	regularCloseMinute   = 16 * 60
)

type Session struct {
	Loc      *time.Location
	OpenMin  int
	CloseMin int
}

func NewSession(tz string) (Session, error) {
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Session{}, fmt.Errorf("session tz %q: %w", tz, err)
	}
	return Session{Loc: loc, OpenMin: regularOpenMinute, CloseMin: regularCloseMinute}, nil
}

// Date returns the local midnight of the session containing t.
func (s Session) Date(t time.Time) time.Time {
	lt := t.In(s.Loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.Loc)
}

func (s Session) minuteOfDay(t time.Time) int {
	lt := t.In(s.Loc)
	return lt.Hour()*60 + lt.Minute()
}

// Regular reports whether t falls inside the regular session.
func (s Session) Regular(t time.Time) bool {
	m := s.minuteOfDay(t)
	return m >= s.OpenMin && m < s.CloseMin
}

// At returns the instant minuteOfDay minutes after the session date's midnight.
func (s Session) At(date time.Time, minuteOfDay int) time.Time {
	d := s.Date(date)
	return time.Date(d.Year(), d.Month(), d.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, s.Loc)
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q (want HH:MM)", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad clock hour %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock minute %q", v)
	}
	return h*60 + m, nil
}
