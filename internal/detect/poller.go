// Package detect holds the polling detectors that turn external state into
// notification events: the marketplace chat poller and the deadline scanner.
// Detectors only diff and classify; the notifications engine reacts.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/agencyops/internal/metrics"
	"github.com/albapepper/agencyops/internal/notifications"
	"github.com/albapepper/agencyops/internal/watermark"
)

const (
	defaultConcurrency = 4
	defaultReadTimeout = 10 * time.Second
	previewLength      = 140
)

// ChatMessage is one message as listed by the marketplace chat API.
type ChatMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatSource is the read side of the marketplace chat API.
type ChatSource interface {
	ListConversations(ctx context.Context) ([]string, error)
	ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error)
}

// PollerConfig tunes the chat poller. Zero values fall back to defaults.
type PollerConfig struct {
	// AccountID is the agency's own marketplace account. Its messages are
	// never reported.
	AccountID   string
	Concurrency int
	ReadTimeout time.Duration

	// ColdStartLookback reports messages younger than this on a
	// conversation's first observation. Zero reports none.
	ColdStartLookback time.Duration

	// UnreadAfter emits an unread reminder when the newest message of a
	// conversation is inbound and at least this old. Zero disables.
	UnreadAfter time.Duration

	UrgentKeywords []string

	// LinkTemplate builds a deep link; "{conversation_id}" is replaced.
	LinkTemplate string
}

// Poller diffs marketplace conversations against their watermarks.
type Poller struct {
	src    ChatSource
	marks  watermark.Store
	cfg    PollerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewPoller(src ChatSource, marks watermark.Store, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	keywords := make([]string, 0, len(cfg.UrgentKeywords))
	for _, k := range cfg.UrgentKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	cfg.UrgentKeywords = keywords
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, marks: marks, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for lookback and reminder age.
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

func (p *Poller) Name() string { return "marketplace-chat" }

// Poll lists conversations and returns one event per newly seen inbound
// message. A conversation whose fetch fails is logged and skipped; only a
// failed conversation listing fails the poll.
func (p *Poller) Poll(ctx context.Context) ([]notifications.InboundMessage, error) {
	msgs, _, err := p.poll(ctx, p.now())
	return msgs, err
}

// Collect implements notifications.Source. It also emits unread reminders.
func (p *Poller) Collect(ctx context.Context, now time.Time) ([]notifications.Event, error) {
	msgs, reminders, err := p.poll(ctx, now)
	if err != nil {
		return nil, err
	}
	events := make([]notifications.Event, 0, len(msgs)+len(reminders))
	for _, m := range msgs {
		events = append(events, m)
	}
	for _, r := range reminders {
		events = append(events, r)
	}
	return events, nil
}

type convResult struct {
	msgs     []notifications.InboundMessage
	reminder *notifications.UnreadReminder
}

func (p *Poller) poll(ctx context.Context, now time.Time) ([]notifications.InboundMessage, []notifications.UnreadReminder, error) {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	convs, err := p.src.ListConversations(lctx)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("list conversations: %w", err)
	}

	results := make([]convResult, len(convs))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, conv := range convs {
		g.Go(func() error {
			res, err := p.pollConversation(ctx, conv, now)
			if err != nil {
				p.logger.Warn("Conversation poll failed", "conversation_id", conv, "error", err)
				metrics.ConversationErrors.Inc()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	var (
		msgs      []notifications.InboundMessage
		reminders []notifications.UnreadReminder
	)
	for _, r := range results {
		msgs = append(msgs, r.msgs...)
		if r.reminder != nil {
			reminders = append(reminders, *r.reminder)
		}
	}
	return msgs, reminders, nil
}

func (p *Poller) pollConversation(ctx context.Context, conv string, now time.Time) (convResult, error) {
	var res convResult

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()
	list, err := p.src.ListMessages(cctx, conv)
	if err != nil {
		return res, fmt.Errorf("list messages: %w", err)
	}
	slices.SortStableFunc(list, func(a, b ChatMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })

	marks := make([]watermark.Mark, len(list))
	for i, m := range list {
		marks[i] = watermark.Mark{ID: m.ID, At: m.CreatedAt}
	}
	unseen, first, err := p.marks.Observe(cctx, conv, marks)
	if err != nil {
		return res, fmt.Errorf("watermark: %w", err)
	}
	fresh := make(map[string]bool, len(unseen))
	for _, id := range unseen {
		fresh[id] = true
	}

	for _, m := range list {
		if !fresh[m.ID] || p.own(m) {
			continue
		}
		if first && !p.withinLookback(m, now) {
			continue
		}
		res.msgs = append(res.msgs, p.inbound(conv, m))
	}

	if first || len(res.msgs) > 0 || p.cfg.UnreadAfter <= 0 || len(list) == 0 {
		return res, nil
	}
	last := list[len(list)-1]
	if !p.own(last) && now.Sub(last.CreatedAt) >= p.cfg.UnreadAfter {
		res.reminder = &notifications.UnreadReminder{
			ConversationID: conv,
			AuthorName:     authorOf(last),
			LastMessageAt:  last.CreatedAt,
			Preview:        truncate(last.Text, previewLength),
			Link:           p.link(conv),
		}
	}
	return res, nil
}

func (p *Poller) own(m ChatMessage) bool {
	return p.cfg.AccountID != "" && m.AuthorID == p.cfg.AccountID
}

func (p *Poller) withinLookback(m ChatMessage, now time.Time) bool {
	return p.cfg.ColdStartLookback > 0 && m.CreatedAt.After(now.Add(-p.cfg.ColdStartLookback))
}

func (p *Poller) inbound(conv string, m ChatMessage) notifications.InboundMessage {
	return notifications.InboundMessage{
		ConversationID: conv,
		MessageID:      m.ID,
		AuthorID:       m.AuthorID,
		AuthorName:     authorOf(m),
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		Urgent:         p.urgent(m.Text),
		Link:           p.link(conv),
	}
}

// urgent reports whether text contains any urgent keyword, ignoring case.
func (p *Poller) urgent(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range p.cfg.UrgentKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (p *Poller) link(conv string) string {
	if p.cfg.LinkTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(p.cfg.LinkTemplate, "{conversation_id}", url.PathEscape(conv))
}

func authorOf(m ChatMessage) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
