package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// Telegram sends HTML messages through the Bot API
type Telegram struct {
	baseURL  string
	token    string
	chatID   string
	attempts int
	client   *http.Client
}

type sendMessageRequest struct {
	ChatID                   string `json:"chat_id"`
	Text                     string `json:"text"`
	ParseMode                string `json:"parse_mode"`
	DisableWebPagePreview    bool   `json:"disable_web_page_preview"`
	ReplyToMessageID         int64  `json:"reply_to_message_id,omitempty"`
	AllowSendingWithoutReply bool   `json:"allow_sending_without_reply,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// NewTelegram creates a Bot API client for one chat
func NewTelegram(cfg config.TelegramConfig, chatID string) *Telegram {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 3
	}
	return &Telegram{
		baseURL:  strings.TrimRight(base, "/"),
		token:    cfg.Token,
		chatID:   chatID,
		attempts: attempts,
		client:   &http.Client{Timeout: timeout},
	}
}

// Dispatch sends text, retrying transient failures with backoff.
func (t *Telegram) Dispatch(ctx context.Context, text string, replyTo int64) (int64, error) {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                   t.chatID,
		Text:                     text,
		ParseMode:                "HTML",
		DisableWebPagePreview:    true,
		ReplyToMessageID:         replyTo,
		AllowSendingWithoutReply: replyTo != 0,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		id, retry, err := t.send(ctx, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !retry || attempt == t.attempts {
			break
		}
		wait := b.Duration()
		logger.Debug("Retrying telegram send", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: telegram: %v", models.ErrTransport, ctx.Err())
		case <-time.After(wait):
		}
	}
	return 0, fmt.Errorf("%w: telegram: %v", models.ErrTransport, lastErr)
}

// send reports whether a failure is worth retrying.
func (t *Telegram) send(ctx context.Context, body []byte) (int64, bool, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return 0, true, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, false, fmt.Errorf("decode telegram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return 0, false, fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, parsed.Description)
	}
	return parsed.Result.MessageID, false, nil
}
