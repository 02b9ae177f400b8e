// Package alerting routes stability-loop health signals (degraded mode,
// insolvency, repeated unknown payment outcomes) to an operator channel.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers a health signal for a channel to an operator.
type Notifier interface {
	NotifyHealth(ctx context.Context, channelID, signal, detail string) error
}

// TelegramNotifier pushes health signals through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram-backed health notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "health_telegram").Logger(),
	}
}

// NotifyHealth sends a sendMessage API call with the rendered signal.
func (n *TelegramNotifier) NotifyHealth(ctx context.Context, channelID, signal, detail string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(channelID, signal, detail),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerting: marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("alerting: telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("channel_id", channelID).
		Str("signal", signal).
		Msg("health signal sent")
	return nil
}

func renderMessage(channelID, signal, detail string) string {
	builder := strings.Builder{}
	builder.WriteString("[Stable Channels health]\n")
	builder.WriteString(fmt.Sprintf("Channel: %s\n", channelID))
	builder.WriteString(fmt.Sprintf("Signal: %s\n", signal))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", time.Now().UTC().Format(time.RFC3339)))
	if detail != "" {
		builder.WriteString(fmt.Sprintf("Detail: %s\n", detail))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
