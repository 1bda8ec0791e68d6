package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/agencyops/internal/notifications"
)

// Postgres implements notifications.Queue, notifications.DeliveryLog and
// notifications.History on the engine's tables. Claims take row locks with
// SKIP LOCKED and stamp a lease, so concurrent dispatchers never pick the
// same record. The pool must have been created by db.New so the named
// statements exist.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// --------------------------------------------------------------------------
// Queue
// --------------------------------------------------------------------------

// Enqueue inserts recs in one transaction and signals listeners on commit.
func (p *Postgres) Enqueue(ctx context.Context, recs []*notifications.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range recs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		if r.ScheduledAt.IsZero() {
			r.ScheduledAt = r.CreatedAt
		}
		etype, eid := entityArgs(r.Entity)
		meta := r.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue("notif_insert",
			r.Recipient, r.EmployeeID, string(r.Category), int16(r.Priority), r.Title, r.Body, r.Link,
			etype, eid, meta, r.GroupKey, r.ScheduledAt, r.RetryCount, r.MaxRetries, r.CreatedAt,
		)
	}
	batch.Queue("notif_enqueued", strconv.Itoa(len(recs)))

	br := tx.SendBatch(ctx, batch)
	for _, r := range recs {
		if err := br.QueryRow().Scan(&r.ID); err != nil {
			br.Close()
			return fmt.Errorf("insert notification: %w", err)
		}
		r.Status = notifications.StatusPending
	}
	if _, err := br.Exec(); err != nil {
		br.Close()
		return fmt.Errorf("notify: %w", err)
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*notifications.Record, error) {
	rows, err := p.pool.Query(ctx, "notif_claim_due", now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan claimed: %w", err)
	}
	slices.SortFunc(recs, notifications.Compare)
	return recs, nil
}

func (p *Postgres) Reschedule(ctx context.Context, id int64, at time.Time) error {
	return p.transition(ctx, id, "notif_reschedule", at)
}

func (p *Postgres) Supersede(ctx context.Context, rec *notifications.Record, now time.Time) (int, error) {
	if rec.GroupKey == "" {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, "notif_supersede", rec.ID, rec.Recipient, rec.GroupKey, now)
	if err != nil {
		return 0, fmt.Errorf("supersede %s: %w", rec.GroupKey, err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return p.transition(ctx, id, "notif_mark_sent", at)
}

func (p *Postgres) MarkRetry(ctx context.Context, id int64, retryCount int, next time.Time, lastErr string) error {
	return p.transition(ctx, id, "notif_mark_retry", retryCount, next, lastErr)
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string) error {
	return p.transition(ctx, id, "notif_mark_failed", retryCount, lastErr)
}

func (p *Postgres) MarkCancelled(ctx context.Context, id int64, reason string) error {
	return p.transition(ctx, id, "notif_mark_cancelled", reason)
}

// transition runs a conditional update and explains a miss.
func (p *Postgres) transition(ctx context.Context, id int64, stmt string, args ...any) error {
	tag, err := p.pool.Exec(ctx, stmt, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", stmt, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = p.pool.QueryRow(ctx, "notif_status", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("notification %d status: %w", id, err)
	}
	return fmt.Errorf("notification %d is %s: %w", id, status, notifications.ErrNotPending)
}

func (p *Postgres) Counts(ctx context.Context) (notifications.Counts, error) {
	var c notifications.Counts
	rows, err := p.pool.Query(ctx, "notif_counts")
	if err != nil {
		return c, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan count: %w", err)
		}
		c.Add(notifications.Status(status), n)
	}
	return c, rows.Err()
}

// Get returns one record.
func (p *Postgres) Get(ctx context.Context, id int64) (*notifications.Record, error) {
	rows, err := p.pool.Query(ctx, "notif_get", id)
	if err != nil {
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	return rec, nil
}

// Purge drops terminal records and log entries last touched before cutoff.
func (p *Postgres) Purge(ctx context.Context, cutoff time.Time) (records, entries int64, err error) {
	tag, err := p.pool.Exec(ctx, "notif_purge", cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge notifications: %w", err)
	}
	records = tag.RowsAffected()
	tag, err = p.pool.Exec(ctx, "log_purge", cutoff)
	if err != nil {
		return records, 0, fmt.Errorf("purge delivery log: %w", err)
	}
	return records, tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// DeliveryLog
// --------------------------------------------------------------------------

func (p *Postgres) Append(ctx context.Context, e *notifications.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	etype, eid := entityArgs(e.Entity)
	err := p.pool.QueryRow(ctx, "log_append",
		e.NotificationID, e.Recipient, e.EmployeeID, string(e.Category), e.GroupKey,
		e.Title, e.Body, string(e.Outcome), e.Error, etype, eid, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (p *Postgres) HasPending(ctx context.Context, recipient, groupKey string, category notifications.Category) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, "notif_pending_exists", recipient, groupKey, string(category)).Scan(&exists); err != nil {
		return false, fmt.Errorf("pending lookup for %s: %w", groupKey, err)
	}
	return exists, nil
}

func (p *Postgres) LastSent(ctx context.Context, recipient, groupKey string) (time.Time, bool, error) {
	var last *time.Time
	if err := p.pool.QueryRow(ctx, "log_last_sent", recipient, groupKey).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last sent for %s: %w", groupKey, err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

func (p *Postgres) RecentFailures(ctx context.Context, limit int) ([]notifications.LogEntry, error) {
	rows, err := p.pool.Query(ctx, "log_recent_failures", limit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	return pgx.CollectRows(rows, scanLogEntry)
}

// --------------------------------------------------------------------------
// Row mapping
// --------------------------------------------------------------------------

func entityArgs(e *notifications.EntityRef) (*string, *int64) {
	if e == nil {
		return nil, nil
	}
	t, id := e.Type, e.ID
	return &t, &id
}

func entityRef(etype *string, eid *int64) *notifications.EntityRef {
	if etype == nil || eid == nil {
		return nil
	}
	return &notifications.EntityRef{Type: *etype, ID: *eid}
}

func scanRecord(row pgx.CollectableRow) (*notifications.Record, error) {
	var (
		r        notifications.Record
		category string
		priority int16
		status   string
		etype    *string
		eid      *int64
	)
	err := row.Scan(
		&r.ID, &r.Recipient, &r.EmployeeID, &category, &priority, &r.Title, &r.Body, &r.Link,
		&etype, &eid, &r.Metadata, &r.GroupKey, &status, &r.ScheduledAt, &r.SentAt,
		&r.RetryCount, &r.MaxRetries, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Category = notifications.Category(category)
	r.Priority = notifications.Priority(priority)
	r.Status = notifications.Status(status)
	r.Entity = entityRef(etype, eid)
	return &r, nil
}

func scanLogEntry(row pgx.CollectableRow) (notifications.LogEntry, error) {
	var (
		e        notifications.LogEntry
		category string
		outcome  string
		etype    *string
		eid      *int64
	)
	err := row.Scan(
		&e.ID, &e.NotificationID, &e.Recipient, &e.EmployeeID, &category, &e.GroupKey,
		&e.Title, &e.Body, &outcome, &e.Error, &etype, &eid, &e.CreatedAt,
	)
	e.Category = notifications.Category(category)
	e.Outcome = notifications.Outcome(outcome)
	e.Entity = entityRef(etype, eid)
	return e, err
}
