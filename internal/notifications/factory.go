package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/agencyops/internal/metrics"
)

// Build turns an event into a record for one recipient. It returns nil when
// the recipient has no settings, is disabled, or has turned the event's
// category off.
func Build(ev Event, s *Settings, now time.Time) *Record {
	return buildFromDraft(ev.Draft(), s, now)
}

func buildFromDraft(d Draft, s *Settings, now time.Time) *Record {
	if !s.CategoryEnabled(d.Category) {
		return nil
	}
	var entity *EntityRef
	if d.Entity != nil {
		e := *d.Entity
		entity = &e
	}
	return &Record{
		Recipient:   s.Address,
		EmployeeID:  s.EmployeeID,
		Category:    d.Category,
		Priority:    d.Priority,
		Title:       d.Title,
		Body:        d.Body,
		Link:        d.Link,
		Entity:      entity,
		Metadata:    maps.Clone(d.Metadata),
		GroupKey:    d.GroupKey,
		Status:      StatusPending,
		ScheduledAt: now,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Plan is the factory's output for one event.
type Plan struct {
	Records    []*Record
	Disabled   int // recipients without settings or with the category off
	Cooldown   int // suppressed by the reminder interval or a pending record
	Unresolved int // preference lookups that failed
}

// Factory resolves an event's audience and builds one record per willing
// recipient, applying the reminder cooldown to recurring categories.
type Factory struct {
	prefs           PreferenceStore
	dir             Directory
	history         History
	policy          RetryPolicy
	defaultReminder time.Duration
	logger          *slog.Logger
}

func NewFactory(prefs PreferenceStore, dir Directory, history History, policy RetryPolicy, defaultReminder time.Duration, logger *slog.Logger) *Factory {
	if defaultReminder <= 0 {
		defaultReminder = DefaultReminderInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		prefs:           prefs,
		dir:             dir,
		history:         history,
		policy:          policy,
		defaultReminder: defaultReminder,
		logger:          logger,
	}
}

// Plan builds the records for ev at now. Only a failure to resolve the
// audience is returned as an error; per-recipient problems are logged and
// counted.
func (f *Factory) Plan(ctx context.Context, ev Event, now time.Time) (Plan, error) {
	var plan Plan
	d := ev.Draft()
	if d.GroupKey == "" {
		d.GroupKey = fmt.Sprintf("%s:%s", d.Category, uuid.NewString())
	}

	ids, err := f.audience(ctx, d)
	if err != nil {
		return plan, err
	}

	for _, id := range ids {
		s, err := f.prefs.Get(ctx, id)
		if err != nil {
			f.logger.Warn("Preference lookup failed", "employee_id", id, "error", err)
			plan.Unresolved++
			continue
		}
		rec := buildFromDraft(d, s, now)
		if rec == nil {
			plan.Disabled++
			metrics.NotificationsSuppressed.WithLabelValues(string(d.Category), "disabled").Inc()
			continue
		}

		if rec.Category.Recurring() {
			reason, err := f.suppressed(ctx, rec, s, now)
			if err != nil {
				f.logger.Warn("Cooldown check failed", "employee_id", id, "group_key", rec.GroupKey, "error", err)
				plan.Unresolved++
				continue
			}
			if reason != "" {
				plan.Cooldown++
				metrics.NotificationsSuppressed.WithLabelValues(string(d.Category), reason).Inc()
				continue
			}
		}

		if f.policy.MaxRetries > 0 {
			rec.MaxRetries = f.policy.MaxRetries
		}
		plan.Records = append(plan.Records, rec)
	}
	return plan, nil
}

func (f *Factory) audience(ctx context.Context, d Draft) ([]int64, error) {
	var ids []int64
	switch d.Audience {
	case AudienceMarketplace:
		got, err := f.dir.MarketplaceRecipients(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve marketplace recipients: %w", err)
		}
		ids = got
	default:
		ids = d.Recipients
	}

	seen := make(map[int64]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// suppressed returns why a recurring record should not be created, or ""
// when it should. A pending record of the same category already covers the
// group; otherwise the last successful send for (recipient, group) must be
// older than the recipient's reminder interval.
func (f *Factory) suppressed(ctx context.Context, rec *Record, s *Settings, now time.Time) (string, error) {
	pending, err := f.history.HasPending(ctx, rec.Recipient, rec.GroupKey, rec.Category)
	if err != nil {
		return "", err
	}
	if pending {
		return "pending", nil
	}
	last, ok, err := f.history.LastSent(ctx, rec.Recipient, rec.GroupKey)
	if err != nil || !ok {
		return "", err
	}
	if now.Sub(last) < s.ReminderInterval(rec.Category, f.defaultReminder) {
		return "cooldown", nil
	}
	return "", nil
}
