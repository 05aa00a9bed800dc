// Package notify delivers operator alerts (rate-limit storms and the like).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Notifier sends a short human-readable alert
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards every alert. Used when no channel is configured.
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, string) error { return nil }

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	BotToken   string        // Bot API token (TELEGRAM_BOT_TOKEN)
	ChatID     string        // Destination chat (TELEGRAM_CHAT_ID)
	BaseURL    string        // API root (default: https://api.telegram.org)
	Timeout    time.Duration // Per-request timeout (default: 10s)
	MaxElapsed time.Duration // Total retry budget (default: 30s)
	// MinInterval spaces consecutive sends so a burst of alerts cannot trip
	// the bot API's own flood limit (default: 1s)
	MinInterval time.Duration
}

// Enabled reports whether enough is configured to send anything
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// Telegram sends alerts through the Telegram bot API
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram notifier
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}
}

// New returns a Telegram notifier when configured, otherwise Nop
func New(cfg TelegramConfig) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewTelegram(cfg)
}

type sendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// statusError carries a non-2xx API response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("telegram returned %d: %s", e.code, e.body)
}

// Notify posts message to the configured chat. Server errors and 429s are
// retried with exponential backoff; other client errors are not.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(sendMessage{ChatID: t.cfg.ChatID, Text: message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = t.cfg.MaxElapsed
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &statusError{code: resp.StatusCode, body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return serr
		}
		return backoff.Permanent(serr)
	}, backoff.WithContext(bo, ctx))
}
