// Package telegram implements the delivery transport over the Telegram
// Bot API. Only sendMessage is needed; the conversational interface lives
// outside this service.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aquawatch/waterbot/internal/alert"
)

// Config controls the Bot API client.
type Config struct {
	Token     string
	APIBase   string // defaults to https://api.telegram.org
	ParseMode string // defaults to Markdown
	Timeout   time.Duration
}

// Transport sends alert messages to subscribers.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Deliver sends one message. A recipient who blocked the bot surfaces as
// alert.ErrRecipientBlocked so the notifier can deactivate them.
func (t *Transport) Deliver(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             t.cfg.ParseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read sendMessage response: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return fmt.Errorf("decode sendMessage response (http %d): %w", resp.StatusCode, err)
	}
	if api.OK {
		return nil
	}

	if isBlocked(resp.StatusCode, api) {
		return fmt.Errorf("telegram: %s: %w", api.Description, alert.ErrRecipientBlocked)
	}
	return fmt.Errorf("telegram: http %d: %s", resp.StatusCode, api.Description)
}

// isBlocked recognizes the Bot API's "forbidden" answers for recipients
// who blocked the bot or deactivated their account.
func isBlocked(status int, api apiResponse) bool {
	if status == http.StatusForbidden || api.ErrorCode == http.StatusForbidden {
		return true
	}
	return strings.Contains(strings.ToLower(api.Description), "bot was blocked")
}
