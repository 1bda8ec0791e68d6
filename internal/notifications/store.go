package notifications

import (
	"context"
	"time"
)

// Queue holds notification records. Every transition below applies only to
// pending records and returns ErrNotPending otherwise, so terminal records
// never change again.
type Queue interface {
	// Enqueue persists new pending records and assigns their IDs.
	Enqueue(ctx context.Context, recs []*Record) error

	// ClaimDue leases up to limit pending records due at now, in dispatch
	// order. Leased records are invisible to other claims until the lease
	// expires or the record transitions.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Record, error)

	// Reschedule moves a pending record to at and releases its lease.
	Reschedule(ctx context.Context, id int64, at time.Time) error

	// Supersede cancels every other pending, unleased record with the same
	// recipient and group key as rec. Returns the number cancelled.
	Supersede(ctx context.Context, rec *Record, now time.Time) (int, error)

	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, retryCount int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string) error
	MarkCancelled(ctx context.Context, id int64, reason string) error

	Counts(ctx context.Context) (Counts, error)
}

// DeliveryLog is the append-only history of send attempts.
type DeliveryLog interface {
	Append(ctx context.Context, e *LogEntry) error

	// LastSent returns the time of the most recent successful send for
	// (recipient, groupKey).
	LastSent(ctx context.Context, recipient, groupKey string) (time.Time, bool, error)

	// RecentFailures returns the newest failed or retrying entries.
	RecentFailures(ctx context.Context, limit int) ([]LogEntry, error)
}

// History is what the factory consults before creating a recurring record.
type History interface {
	// LastSent returns the time of the most recent successful send for
	// (recipient, groupKey).
	LastSent(ctx context.Context, recipient, groupKey string) (time.Time, bool, error)

	// HasPending reports whether a pending record of category already
	// exists for (recipient, groupKey).
	HasPending(ctx context.Context, recipient, groupKey string, category Category) (bool, error)
}

// PreferenceStore returns an employee's settings, or nil when none exist.
type PreferenceStore interface {
	Get(ctx context.Context, employeeID int64) (*Settings, error)
}

// Directory resolves group audiences to employee IDs.
type Directory interface {
	// MarketplaceRecipients lists employees who handle marketplace chats
	// (sales staff and the owner).
	MarketplaceRecipients(ctx context.Context) ([]int64, error)
}

// MessageChannel delivers rendered text to a channel address.
type MessageChannel interface {
	Send(ctx context.Context, address, text string) error
}
