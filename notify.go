// FILE: notify.go
// Package main – Operator notifications (Slack webhook, Telegram bot).
//
// The engine calls Notify from its event goroutine, so Notify never blocks:
// messages go into a bounded queue drained by dispatcher.Run. A full queue
// drops the message with a warning.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	notifyQueueSize = 64
	notifyTimeout   = 10 * time.Second
)

// Notifier delivers best-effort operator messages.
type Notifier interface {
	Notify(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

type notifySender interface {
	Name() string
	Send(ctx context.Context, msg string) error
}

// slackSender posts to an incoming webhook.
type slackSender struct {
	hook   string
	client *http.Client
}

func (s *slackSender) Name() string { return "slack" }

func (s *slackSender) Send(ctx context.Context, msg string) error {
	bs, _ := json.Marshal(map[string]string{"text": msg})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook, bytes.NewReader(bs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("slack webhook: %s", res.Status)
	}
	return nil
}

// telegramSender sends plain-text messages with linear-backoff retry.
type telegramSender struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	maxRetries int
	retryDelay time.Duration
}

func newTelegramSender(token string, chatID int64) (*telegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &telegramSender{bot: bot, chatID: chatID, maxRetries: 3, retryDelay: time.Second}, nil
}

func (t *telegramSender) Name() string { return "telegram" }

func (t *telegramSender) Send(ctx context.Context, msg string) error {
	m := tgbotapi.NewMessage(t.chatID, msg)
	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		if _, err := t.bot.Send(m); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", t.maxRetries, lastErr)
}

// dispatcher fans queued messages out to every sender.
type dispatcher struct {
	senders []notifySender
	queue   chan string
}

func newDispatcher(senders ...notifySender) *dispatcher {
	return &dispatcher{senders: senders, queue: make(chan string, notifyQueueSize)}
}

func (d *dispatcher) Notify(msg string) {
	select {
	case d.queue <- msg:
	default:
		log.Warn().Str("msg", msg).Msg("notify queue full, message dropped")
	}
}

// Run drains the queue until ctx is done.
func (d *dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.queue:
			for _, s := range d.senders {
				sctx, cancel := context.WithTimeout(ctx, notifyTimeout)
				if err := s.Send(sctx, msg); err != nil {
					log.Warn().Err(err).Str("sender", s.Name()).Msg("notification failed")
				}
				cancel()
			}
		}
	}
}

// buildNotifier wires the configured channels. It returns nil when none is set.
func buildNotifier(cfg Config) (*dispatcher, error) {
	var senders []notifySender
	if cfg.SlackWebhook != "" {
		senders = append(senders, &slackSender{hook: cfg.SlackWebhook, client: &http.Client{Timeout: notifyTimeout}})
	}
	if cfg.TelegramToken != "" {
		tg, err := newTelegramSender(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}
	if len(senders) == 0 {
		return nil, nil
	}
	return newDispatcher(senders...), nil
}

func formatExit(rec ExitRecord) string {
	return fmt.Sprintf("EXIT %s %s %s %s qty=%d entry=%s exit=%s pnl=%.2f",
		rec.Account, rec.Symbol, rec.Cond, rec.Reason, rec.Qty,
		formatPrice(rec.EntryPrice), formatPrice(rec.ExitPrice), rec.PnL)
}
