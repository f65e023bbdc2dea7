// Package notify delivers outbound alerts. The engine only depends on the
// Notifier interface; delivery failures are logged and never block trading.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier is the outbound alert channel consumed by the engine.
type Notifier interface {
	// Send delivers a plain-text alert.
	Send(ctx context.Context, text string) error
	// SendEODReport delivers the end-of-day performance summary.
	SendEODReport(ctx context.Context, totalTrades int, netPnL, maxDrawdown, winRate float64) error
}

// Noop discards all notifications. Used when no Telegram token is configured.
type Noop struct{}

// Send discards the message.
func (Noop) Send(context.Context, string) error { return nil }

// SendEODReport discards the report.
func (Noop) SendEODReport(context.Context, int, float64, float64, float64) error { return nil }

// Telegram sends alerts through the Telegram bot API.
type Telegram struct {
	client   *http.Client
	logger   *logrus.Logger
	botToken string
	chatID   string
	baseURL  string
}

// Ensure implementations satisfy Notifier at compile time.
var (
	_ Notifier = (*Telegram)(nil)
	_ Notifier = Noop{}
)

// NewTelegram creates a Telegram notifier.
func NewTelegram(botToken, chatID string, logger *logrus.Logger) *Telegram {
	if logger == nil {
		logger = logrus.New()
	}
	return &Telegram{
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
	}
}

// Send posts the text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram API status %d", resp.StatusCode)
	}
	return nil
}

// SendEODReport formats and sends the daily summary.
func (t *Telegram) SendEODReport(ctx context.Context, totalTrades int, netPnL, maxDrawdown, winRate float64) error {
	text := fmt.Sprintf(
		"EOD Report\nTrades: %d\nNet P&L: %+.0f\nMax Drawdown: %.0f\nWin Rate: %.1f%%",
		totalTrades, netPnL, maxDrawdown, winRate)
	return t.Send(ctx, text)
}
