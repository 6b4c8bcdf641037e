// FILE: live.go
// Package main – Live runner: bar polling, event stream and clock.
//
// runLive drives the Engine in real time. Everything funnels into one event
// channel consumed by Engine.Run:
//   • warm-up: BACKFILL_DAYS daily bars per symbol, then today's 15s bars as
//     replay events (metrics only, no trading)
//   • poller:  every POLL_INTERVAL during market hours, the newest closed 15s
//     bars per symbol
//   • stream:  broker order events (bridge websocket) when trading through
//     the bridge; with the paper broker, its queued events instead
//   • clock:   a ClockEvent every second so throttled order work still runs
//     between bars
//
// The goroutines share an errgroup; the first failure cancels the rest.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// barsPerSession is the number of 15s bars in a regular session.
const barsPerSession = secondsPerTradingDay / 15

// barFeed is the market-data side of the sidecar.
type barFeed interface {
	GetBars(ctx context.Context, symbol string, cadence Cadence, limit int) ([]Bar, error)
}

type liveRunner struct {
	cfg     Config
	session Session
	eng     *Engine
	feed    barFeed
	paper   *PaperBroker                                  // set when orders are simulated
	stream  func(ctx context.Context, out chan<- Event) error // set when orders go to the bridge
	events  chan Event
	last    map[string]time.Time
}

// runLive runs until ctx is cancelled or a component fails.
func runLive(ctx context.Context, cfg Config, s Session, eng *Engine, feed barFeed, paper *PaperBroker,
	stream func(context.Context, chan<- Event) error) error {
	r := &liveRunner{
		cfg:     cfg,
		session: s,
		eng:     eng,
		feed:    feed,
		paper:   paper,
		stream:  stream,
		events:  make(chan Event, 1024),
		last:    make(map[string]time.Time),
	}
	log.Info().Str("broker", eng.broker.Name()).Strs("accounts", cfg.Accounts).Strs("symbols", cfg.Symbols).
		Dur("poll", cfg.PollInterval).Msg("starting live runner")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx, r.events) })
	if stream != nil {
		g.Go(func() error { return stream(gctx, r.events) })
	}
	g.Go(func() error {
		if err := r.warmup(gctx); err != nil {
			return err
		}
		return r.poll(gctx)
	})
	g.Go(func() error { return r.clock(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *liveRunner) send(ctx context.Context, ev Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// warmup loads the daily window and replays today's bars.
func (r *liveRunner) warmup(ctx context.Context) error {
	today := r.session.Date(time.Now())
	for _, sym := range r.cfg.Symbols {
		daily, err := r.feed.GetBars(ctx, sym, CadenceDaily, r.cfg.BackfillDays)
		if err != nil {
			return fmt.Errorf("backfill daily %s: %w", sym, err)
		}
		for _, b := range daily {
			if !r.session.Date(b.Time).Before(today) {
				continue
			}
			if err := r.send(ctx, BarEvent{Symbol: sym, Cadence: CadenceDaily, Bar: b}); err != nil {
				return err
			}
		}
		intra, err := r.feed.GetBars(ctx, sym, Cadence15s, barsPerSession)
		if err != nil {
			return fmt.Errorf("backfill intraday %s: %w", sym, err)
		}
		replayed := 0
		for _, b := range intra {
			if !r.session.Date(b.Time).Equal(today) || !r.closed(b) {
				continue
			}
			if err := r.send(ctx, BarEvent{Symbol: sym, Cadence: Cadence15s, Bar: b, Replay: true}); err != nil {
				return err
			}
			r.last[sym] = b.Time
			replayed++
		}
		log.Info().Str("symbol", sym).Int("daily", len(daily)).Int("replayed", replayed).Msg("warm-up done")
	}
	return nil
}

func (r *liveRunner) closed(b Bar) bool {
	return !b.Time.Add(Cadence15s.Duration()).After(time.Now())
}

// marketHours reports whether bars can still arrive: the regular session plus
// one minute for the last bars to close.
func (r *liveRunner) marketHours(now time.Time) bool {
	open := r.session.At(now, r.session.OpenMin)
	end := r.session.At(now, r.session.CloseMin).Add(time.Minute)
	return !now.Before(open) && now.Before(end)
}

// poll forwards new closed 15s bars during market hours.
func (r *liveRunner) poll(ctx context.Context) error {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if !r.marketHours(time.Now()) {
			continue
		}
		for _, sym := range r.cfg.Symbols {
			bars, err := r.feed.GetBars(ctx, sym, Cadence15s, 8)
			if err != nil {
				IncBrokerError("bars")
				log.Warn().Err(err).Str("symbol", sym).Msg("bar poll failed")
				continue
			}
			for _, b := range bars {
				if !b.Time.After(r.last[sym]) || !r.closed(b) {
					continue
				}
				ev := BarEvent{Symbol: sym, Cadence: Cadence15s, Bar: b}
				if r.paper != nil {
					r.paper.OnBar(sym, b, ev.When())
					if err := r.drainPaper(ctx); err != nil {
						return err
					}
				}
				if err := r.send(ctx, ev); err != nil {
					return err
				}
				r.last[sym] = b.Time
			}
		}
	}
}

func (r *liveRunner) drainPaper(ctx context.Context) error {
	for _, ev := range r.paper.Drain() {
		if err := r.send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// clock ticks once a second and flushes simulated order events.
func (r *liveRunner) clock(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if r.paper != nil {
				if err := r.drainPaper(ctx); err != nil {
					return err
				}
			}
			if err := r.send(ctx, ClockEvent{Time: now}); err != nil {
				return err
			}
		}
	}
}
