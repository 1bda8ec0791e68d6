// Package marketplace is the read side of the marketplace chat API: it lists
// the agency's open conversations and their messages for the chat poller.
//
// The API uses cursor-based pagination and bearer-token auth. Rate limiting
// is handled via a token bucket limiter.
package marketplace

import (
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

	"github.com/albapepper/agencyops/internal/detect"
)

const maxPages = 20

// ErrUnauthorized means the API token was rejected.
var ErrUnauthorized = errors.New("marketplace: unauthorized")

// Client implements detect.ChatSource over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	accountID  string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a marketplace client with rate limiting.
func NewClient(baseURL, token, accountID string, requestsPerMinute int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	rps := float64(requestsPerMinute) / 60.0
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		accountID:  accountID,
		limiter:    rate.NewLimiter(rate.Limit(rps), max(1, requestsPerMinute/30)),
		logger:     logger,
	}
}

// page is the common response wrapper.
type page struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
}

type conversation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListConversations returns the IDs of the account's open conversations,
// most recently active first.
func (c *Client) ListConversations(ctx context.Context) ([]string, error) {
	path := "/accounts/" + url.PathEscape(c.accountID) + "/conversations"
	params := url.Values{"status": {"open"}, "order": {"desc"}}

	var ids []string
	err := c.paginate(ctx, path, params, func(data json.RawMessage) error {
		var convs []conversation
		if err := json.Unmarshal(data, &convs); err != nil {
			return fmt.Errorf("decode conversations: %w", err)
		}
		for _, conv := range convs {
			ids = append(ids, conv.ID)
		}
		return nil
	})
	return ids, err
}

// ListMessages returns the messages of one conversation, newest first. Past
// the page limit only the oldest history is cut off.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]detect.ChatMessage, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"

	var msgs []detect.ChatMessage
	err := c.paginate(ctx, path, url.Values{"order": {"desc"}}, func(data json.RawMessage) error {
		var batch []detect.ChatMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decode messages: %w", err)
		}
		msgs = append(msgs, batch...)
		return nil
	})
	return msgs, err
}

// paginate follows next_cursor until it is empty or maxPages were read.
// Callers request newest first, so a cut drops the oldest items.
func (c *Client) paginate(ctx context.Context, path string, params url.Values, fn func(json.RawMessage) error) error {
	for range maxPages {
		p, err := c.get(ctx, path, params)
		if err != nil {
			return err
		}
		if err := fn(p.Data); err != nil {
			return err
		}
		if p.Meta.NextCursor == "" {
			return nil
		}
		params.Set("cursor", p.Meta.NextCursor)
	}
	c.logger.Warn("Marketplace pagination limit reached, older items skipped", "path", path, "pages", maxPages)
	return nil
}

// get performs a rate-limited GET request to a marketplace endpoint.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("marketplace %s returned %d: %s", path, resp.StatusCode, truncate(body, 200))
	}

	var result page
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
