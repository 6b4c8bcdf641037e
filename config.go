// FILE: config.go
// Package main – Runtime (operational) configuration model and loader.
//
// This file defines the Config struct (the process-level knobs: who we trade
// for, what we trade, where the broker lives, where ops output goes) and a
// helper to populate it from environment variables. The .env file is read by
// loadBotEnv() (see env.go), so you can tune behavior without exports.
//
// Strategy parameters live in a separate YAML file (params.go) because they are
// hot-reloaded; everything here is read once at startup.
//
// Typical flow (see main.go):
//   loadBotEnv(getEnv("ENV_FILE", ".env"))
//   cfg := loadConfigFromEnv()
//   if err := cfg.Validate(); err != nil { fatal }
package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	brokerPaper  = "paper"
	brokerBridge = "bridge"
)

// InfluxConfig addresses the optional metrics time-series sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// Config holds all runtime knobs for operations.
type Config struct {
	// What to trade, and for whom
	Accounts  []string
	Symbols   []string
	Blacklist []string // accounts barred from new entries

	// Execution collaborator
	Broker            string // paper|bridge
	BridgeURL         string // e.g. http://127.0.0.1:8787
	PaperStartingCash float64
	PollInterval      time.Duration // live 15s bar polling cadence
	BackfillDays      int

	// Strategy params file (YAML, hot-reloaded unless ParamsHotReload is off)
	ParamsFile      string
	ParamsHotReload bool

	SessionTZ string

	// Ops
	Port        int
	JournalPath string
	Influx      InfluxConfig
	LogLevel    string
	LogFormat   string

	// Operator channel
	SlackWebhook   string
	TelegramToken  string
	TelegramChatID int64
}

// loadConfigFromEnv reads env vars into Config.
func loadConfigFromEnv() Config {
	chatID, _ := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	return Config{
		Accounts:  getEnvList("ACCOUNTS"),
		Symbols:   upperAll(getEnvList("SYMBOLS")),
		Blacklist: getEnvList("BLACKLIST_ACCOUNTS"),

		Broker:            strings.ToLower(getEnv("BROKER", brokerPaper)),
		BridgeURL:         strings.TrimRight(getEnv("BRIDGE_URL", ""), "/"),
		PaperStartingCash: getEnvFloat("PAPER_STARTING_CASH", 100000),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
		BackfillDays:      getEnvInt("BACKFILL_DAYS", 35),

		ParamsFile:      getEnv("PARAMS_FILE", "params.yaml"),
		ParamsHotReload: getEnvBool("PARAMS_HOT_RELOAD", true),
		SessionTZ:       getEnv("TZ_SESSION", "America/New_York"),

		Port:        getEnvInt("PORT", 8080),
		JournalPath: getEnv("JOURNAL_PATH", ""),
		Influx: InfluxConfig{
			URL:    getEnv("INFLUX_URL", ""),
			Token:  getEnv("INFLUX_TOKEN", ""),
			Org:    getEnv("INFLUX_ORG", ""),
			Bucket: getEnv("INFLUX_BUCKET", "rallybot"),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		SlackWebhook:   getEnv("SLACK_WEBHOOK", ""),
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: chatID,
	}
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("ACCOUNTS is required"))
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("SYMBOLS is required"))
	}
	switch c.Broker {
	case brokerPaper:
		if c.PaperStartingCash <= 0 {
			errs = append(errs, errors.New("PAPER_STARTING_CASH must be > 0"))
		}
	case brokerBridge:
		if c.BridgeURL == "" {
			errs = append(errs, errors.New("BRIDGE_URL is required with BROKER=bridge"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER %q", c.Broker))
	}
	if c.ParamsFile == "" {
		errs = append(errs, errors.New("PARAMS_FILE is required"))
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL"))
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN"))
	}
	return errors.Join(errs...)
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
