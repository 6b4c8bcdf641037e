// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) loadBotEnv(-env)            – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config, set up logging
//   3) LoadParams(PARAMS_FILE)     – validated strategy params (hot-reloaded in live mode)
//   4) wire notifier / journal / influx sinks
//   5) runBacktest, or wire broker + engine, start /metrics server and runLive
//
// Flags:
//   -backtest <dir>   Replay <SYM>_15s.csv / <SYM>_1d.csv from dir through the paper broker
//   -live             Run the real-time loop against the bridge sidecar
//   -print-params     Print the effective params as YAML and exit
//   -env <path>       dotenv file (default .env)
//
// Example:
//   go run . -backtest ./data
//
// Notes:
//   - Live mode needs the sidecar for market data (BRIDGE_URL) even with BROKER=paper.
//   - Params file edits apply on the next tick; invalid edits are rejected and logged.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// ---- Flags ----
	var backtestDir, envPath string
	var live, printParams bool
	flag.StringVar(&backtestDir, "backtest", "", "Directory with <SYM>_15s.csv and <SYM>_1d.csv")
	flag.BoolVar(&live, "live", false, "Run the live loop (ignores -backtest)")
	flag.BoolVar(&printParams, "print-params", false, "Print effective params as YAML and exit")
	flag.StringVar(&envPath, "env", ".env", "dotenv file")
	flag.Parse()

	// ---- Environment & Config ----
	loadBotEnv(envPath)
	cfg := loadConfigFromEnv()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if printParams {
		p := DefaultParams()
		if store, err := LoadParams(cfg.ParamsFile); err == nil {
			p = store.Current()
		} else {
			log.Warn().Err(err).Msg("params file not loaded, printing defaults")
		}
		if err := writeParamsYAML(os.Stdout, p); err != nil {
			log.Fatal().Err(err).Msg("print params")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Notifier (fatal config errors go out through it too) ----
	notifier, err := buildNotifier(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("notifier disabled")
	}
	var opts []EngineOption
	if notifier != nil {
		go func() { _ = notifier.Run(ctx) }()
		opts = append(opts, WithNotifier(notifier))
	}
	fatal := func(err error, msg string) {
		if notifier != nil {
			// Run drains asynchronously; Send directly so the message is out before exit.
			for _, s := range notifier.senders {
				sctx, c := context.WithTimeout(context.Background(), notifyTimeout)
				_ = s.Send(sctx, fmt.Sprintf("FATAL %s: %v", msg, err))
				c()
			}
		}
		log.Fatal().Err(err).Msg(msg)
	}

	if err := cfg.Validate(); err != nil {
		fatal(err, "invalid configuration")
	}
	session, err := NewSession(cfg.SessionTZ)
	if err != nil {
		fatal(err, "session calendar")
	}
	store, err := LoadParams(cfg.ParamsFile)
	if err != nil {
		fatal(err, "params")
	}
	log.Info().Str("file", cfg.ParamsFile).Msg("params loaded")

	// ---- Journal ----
	var journal *Journal
	if cfg.JournalPath != "" {
		j, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			fatal(err, "journal")
		}
		defer j.Close()
		journal = j
		opts = append(opts, WithJournal(j))
	}

	// ---- Backtest ----
	if backtestDir != "" && !live {
		sum, err := runBacktest(ctx, backtestDir, cfg, session, store.Current(), opts...)
		if err != nil {
			fatal(err, "backtest")
		}
		sum.Log()
		return
	}
	if !live {
		log.Info().Msg("nothing to do: pass -backtest <dir> or -live")
		return
	}
	if cfg.BridgeURL == "" {
		fatal(errors.New("BRIDGE_URL is required for market data"), "live")
	}

	// ---- Influx ----
	if cfg.Influx.Enabled() {
		hctx, c := context.WithTimeout(ctx, 10*time.Second)
		sink, err := NewInfluxSink(hctx, cfg.Influx)
		c()
		if err != nil {
			log.Warn().Err(err).Msg("influx disabled")
		} else {
			defer sink.Close()
			opts = append(opts, WithObserver(sink))
		}
	}

	// ---- Broker wiring ----
	bridge := NewBridgeBroker(cfg.BridgeURL)
	var (
		broker Broker
		paper  *PaperBroker
		stream func(context.Context, chan<- Event) error
	)
	switch cfg.Broker {
	case brokerBridge:
		broker, stream = bridge, bridge.StreamEvents
	default:
		paper = NewPaperBroker(cfg.Accounts, cfg.PaperStartingCash)
		broker = paper
	}
	eng := NewEngine(cfg, session, store.Current(), broker, opts...)
	if cfg.ParamsHotReload {
		store.Watch(eng.SetParams)
	}
	if journal != nil {
		now := time.Now()
		recs, err := journal.Exits(ctx, session.Date(now))
		if err != nil {
			log.Warn().Err(err).Msg("journal: exits not restored")
		} else if n := eng.RestoreExits(now, recs); n > 0 {
			log.Info().Int("exits", n).Msg("journal: restored today's exits and cooldowns")
		}
	}

	// ---- HTTP metrics/health ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/exits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(eng.Exits())
	})
	mux.HandleFunc("/params", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_ = writeParamsYAML(w, eng.Params())
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("serving metrics on /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Run ----
	if err := runLive(ctx, cfg, session, eng, bridge, paper, stream); err != nil {
		log.Error().Err(err).Msg("live runner stopped")
	}

	// ---- Graceful shutdown for HTTP server ----
	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
