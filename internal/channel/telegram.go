// Package channel holds the outbound message channels the dispatcher sends
// through.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/agencyops/internal/notifications"
)

// Telegram's global bot limit is 30 messages per second.
const telegramRPS = 25

// ErrRateLimited is returned when the Bot API answers 429.
var ErrRateLimited = errors.New("telegram: rate limited")

// Telegram sends messages through the Telegram Bot API. The channel address
// is the recipient's chat id.
type Telegram struct {
	httpClient *http.Client
	endpoint   string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewTelegram creates a Bot API client. apiURL defaults to the public API.
func NewTelegram(apiURL, token string, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &Telegram{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimRight(apiURL, "/") + "/bot" + token + "/sendMessage",
		limiter:    rate.NewLimiter(rate.Limit(telegramRPS), telegramRPS),
		logger:     logger,
	}
}

type sendRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send posts text to the chat at address. Unknown or blocked chats wrap
// notifications.ErrInvalidAddress; everything else is retryable.
func (t *Telegram) Send(ctx context.Context, address, text string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("empty chat id: %w", notifications.ErrInvalidAddress)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(sendRequest{ChatID: address, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var ar apiResponse
	_ = json.Unmarshal(body, &ar)
	desc := ar.Description
	if desc == "" {
		desc = truncate(body, 200)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("telegram %d %s: %w", resp.StatusCode, desc, notifications.ErrInvalidAddress)
	case resp.StatusCode == http.StatusBadRequest && isAddressError(desc):
		return fmt.Errorf("telegram %d %s: %w", resp.StatusCode, desc, notifications.ErrInvalidAddress)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("telegram %s: %w", desc, ErrRateLimited)
	default:
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, desc)
	}
}

func isAddressError(desc string) bool {
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "chat not found") ||
		strings.Contains(desc, "chat_id is empty") ||
		strings.Contains(desc, "user not found")
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
