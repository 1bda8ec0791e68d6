package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/albapepper/agencyops/internal/notifications"
)

const defaultDeadlineWindow = 24 * time.Hour

// DeadlineEntity is a project or task with a deadline and a non-terminal
// status.
type DeadlineEntity struct {
	ID       int64
	Type     string // project, task
	Title    string
	Deadline time.Time
	OwnerID  int64
}

// DeadlineSource lists entities that still have a deadline to meet.
type DeadlineSource interface {
	ListOpenWithDeadline(ctx context.Context) ([]DeadlineEntity, error)
}

// ScannerConfig tunes the deadline scanner. Zero values fall back to
// defaults.
type ScannerConfig struct {
	Window      time.Duration
	ReadTimeout time.Duration
	// BaseURL prefixes entity links: <base>/<type>s/<id>.
	BaseURL string
}

// Scanner classifies deadlines as approaching or overdue. It keeps no state
// between runs; repeats are suppressed downstream by the reminder cooldown.
type Scanner struct {
	src    DeadlineSource
	cfg    ScannerConfig
	logger *slog.Logger
}

func NewScanner(src DeadlineSource, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Window <= 0 {
		cfg.Window = defaultDeadlineWindow
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{src: src, cfg: cfg, logger: logger}
}

func (s *Scanner) Name() string { return "deadlines" }

// Scan returns one event per entity that is overdue at now or due within
// the window.
func (s *Scanner) Scan(ctx context.Context, now time.Time) ([]notifications.Deadline, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	entities, err := s.src.ListOpenWithDeadline(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deadlines: %w", err)
	}

	var out []notifications.Deadline
	for _, e := range entities {
		overdue := !e.Deadline.After(now)
		if !overdue && e.Deadline.After(now.Add(s.cfg.Window)) {
			continue
		}
		if e.OwnerID == 0 {
			s.logger.Debug("Deadline without owner", "entity_type", e.Type, "entity_id", e.ID)
			continue
		}
		out = append(out, notifications.Deadline{
			EntityType: e.Type,
			EntityID:   e.ID,
			Title:      e.Title,
			Deadline:   e.Deadline,
			OwnerID:    e.OwnerID,
			Overdue:    overdue,
			Link:       s.link(e),
		})
	}
	return out, nil
}

// Collect implements notifications.Source.
func (s *Scanner) Collect(ctx context.Context, now time.Time) ([]notifications.Event, error) {
	found, err := s.Scan(ctx, now)
	if err != nil {
		return nil, err
	}
	events := make([]notifications.Event, len(found))
	for i, d := range found {
		events[i] = d
	}
	return events, nil
}

func (s *Scanner) link(e DeadlineEntity) string {
	if s.cfg.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%ss/%d", s.cfg.BaseURL, e.Type, e.ID)
}
