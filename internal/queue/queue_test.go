package queue_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/albapepper/agencyops/internal/config"
	"github.com/albapepper/agencyops/internal/db"
	"github.com/albapepper/agencyops/internal/notifications"
	"github.com/albapepper/agencyops/internal/queue"
)

type store interface {
	notifications.Queue
	notifications.DeliveryLog
	notifications.History
	Get(ctx context.Context, id int64) (*notifications.Record, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, int64, error)
}

var (
	_ store = (*queue.Memory)(nil)
	_ store = (*queue.Postgres)(nil)
)

// stores returns the memory store and, when TEST_DATABASE_URL points at a
// scratch database, the Postgres store on a freshly migrated schema.
func stores(t *testing.T) map[string]store {
	t.Helper()
	out := map[string]store{"memory": queue.NewMemory()}

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		return out
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, url); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	pool, err := db.New(ctx, &config.Config{DatabaseURL: url, DBPoolMinConns: 1, DBPoolMaxConns: 4, DBPoolMaxLife: time.Hour})
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "TRUNCATE notifications, notification_delivery_log RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	out["postgres"] = queue.NewPostgres(pool.Pool)
	return out
}

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func record(recipient, group string, p notifications.Priority, age time.Duration) *notifications.Record {
	at := now.Add(-age)
	return &notifications.Record{
		Recipient:   recipient,
		EmployeeID:  1,
		Category:    notifications.CategoryNewMessage,
		Priority:    p,
		Title:       "t",
		GroupKey:    group,
		Status:      notifications.StatusPending,
		ScheduledAt: at,
		MaxRetries:  3,
		CreatedAt:   at,
	}
}

func enqueue(t *testing.T, s store, recs ...*notifications.Record) {
	t.Helper()
	if err := s.Enqueue(context.Background(), recs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// ─── Claims ──────────────────────────────────────────────────────────────────

func TestClaimDueOrdersAndLeases(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			low := record("a", "g1", notifications.PriorityLow, time.Hour)
			urgent := record("a", "g2", notifications.PriorityUrgent, time.Minute)
			future := record("a", "g3", notifications.PriorityUrgent, -time.Hour)
			enqueue(t, s, low, urgent, future)

			got, err := s.ClaimDue(ctx, now, 10, time.Minute)
			if err != nil {
				t.Fatalf("ClaimDue: %v", err)
			}
			if len(got) != 2 || got[0].ID != urgent.ID || got[1].ID != low.ID {
				t.Fatalf("claimed %v, want [urgent low]", got)
			}

			again, _ := s.ClaimDue(ctx, now, 10, time.Minute)
			if len(again) != 0 {
				t.Errorf("leased records claimed twice: %v", again)
			}

			later, _ := s.ClaimDue(ctx, now.Add(2*time.Minute), 10, time.Minute)
			if len(later) != 2 {
				t.Errorf("after lease expiry claimed %d, want 2", len(later))
			}
		})
	}
}

func TestClaimDueRespectsLimit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for range 5 {
				enqueue(t, s, record("a", "", notifications.PriorityNormal, time.Minute))
			}
			got, err := s.ClaimDue(context.Background(), now, 3, time.Minute)
			if err != nil || len(got) != 3 {
				t.Errorf("ClaimDue = %d, %v; want 3", len(got), err)
			}
		})
	}
}

// ─── Transitions ─────────────────────────────────────────────────────────────

func TestTerminalRecordsAreImmutable(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := record("a", "g", notifications.PriorityNormal, 0)
			enqueue(t, s, r)
			if err := s.MarkSent(ctx, r.ID, now); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}

			checks := map[string]error{
				"sent":      s.MarkSent(ctx, r.ID, now),
				"retry":     s.MarkRetry(ctx, r.ID, 1, now, "x"),
				"failed":    s.MarkFailed(ctx, r.ID, 1, "x"),
				"cancelled": s.MarkCancelled(ctx, r.ID, "x"),
				"resched":   s.Reschedule(ctx, r.ID, now),
			}
			for op, err := range checks {
				if !errors.Is(err, notifications.ErrNotPending) {
					t.Errorf("%s on sent record: err = %v, want ErrNotPending", op, err)
				}
			}

			got, err := s.Get(ctx, r.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != notifications.StatusSent || got.SentAt == nil {
				t.Errorf("record = %+v, want sent with sent_at", got)
			}
		})
	}
}

func TestMarkRetryKeepsPending(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := record("a", "g", notifications.PriorityNormal, 0)
			enqueue(t, s, r)
			next := now.Add(5 * time.Minute)
			if err := s.MarkRetry(ctx, r.ID, 1, next, "timeout"); err != nil {
				t.Fatalf("MarkRetry: %v", err)
			}
			got, _ := s.Get(ctx, r.ID)
			if got.Status != notifications.StatusPending || got.RetryCount != 1 ||
				!got.ScheduledAt.Equal(next) || got.LastError != "timeout" {
				t.Errorf("record = %+v", got)
			}
		})
	}
}

func TestSupersedeSkipsLeasedAndOtherRecipients(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			leased := record("a", "chat:C1", notifications.PriorityHigh, 3*time.Minute)
			enqueue(t, s, leased)
			if _, err := s.ClaimDue(ctx, now, 1, time.Minute); err != nil {
				t.Fatalf("ClaimDue: %v", err)
			}

			winner := record("a", "chat:C1", notifications.PriorityHigh, time.Minute)
			sibling := record("a", "chat:C1", notifications.PriorityHigh, 2*time.Minute)
			other := record("b", "chat:C1", notifications.PriorityHigh, 2*time.Minute)
			enqueue(t, s, winner, sibling, other)

			n, err := s.Supersede(ctx, winner, now)
			if err != nil {
				t.Fatalf("Supersede: %v", err)
			}
			if n != 1 {
				t.Errorf("superseded %d, want 1", n)
			}
			for _, tc := range []struct {
				rec  *notifications.Record
				want notifications.Status
			}{
				{winner, notifications.StatusPending},
				{sibling, notifications.StatusCancelled},
				{other, notifications.StatusPending},
				{leased, notifications.StatusPending},
			} {
				got, _ := s.Get(ctx, tc.rec.ID)
				if got.Status != tc.want {
					t.Errorf("record %d (%s) = %s, want %s", tc.rec.ID, tc.rec.Recipient, got.Status, tc.want)
				}
			}
		})
	}
}

func TestSupersedeIgnoresEmptyGroup(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			a := record("a", "", notifications.PriorityNormal, 0)
			b := record("a", "", notifications.PriorityNormal, 0)
			enqueue(t, s, a, b)
			if n, err := s.Supersede(context.Background(), a, now); err != nil || n != 0 {
				t.Errorf("Supersede = %d, %v; want 0", n, err)
			}
		})
	}
}

func TestHasPending(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := record("a", "chat:C1", notifications.PriorityNormal, 0)
			enqueue(t, s, r)

			checks := []struct {
				recipient, group string
				category         notifications.Category
				want             bool
			}{
				{"a", "chat:C1", notifications.CategoryNewMessage, true},
				{"a", "chat:C1", notifications.CategoryUnreadReminder, false},
				{"b", "chat:C1", notifications.CategoryNewMessage, false},
				{"a", "chat:C2", notifications.CategoryNewMessage, false},
			}
			for _, c := range checks {
				got, err := s.HasPending(ctx, c.recipient, c.group, c.category)
				if err != nil {
					t.Fatalf("HasPending: %v", err)
				}
				if got != c.want {
					t.Errorf("HasPending(%s, %s, %s) = %v, want %v", c.recipient, c.group, c.category, got, c.want)
				}
			}

			if err := s.MarkSent(ctx, r.ID, now); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			if got, _ := s.HasPending(ctx, "a", "chat:C1", notifications.CategoryNewMessage); got {
				t.Error("a sent record still counts as pending")
			}
		})
	}
}

func TestCounts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := record("a", "1", notifications.PriorityNormal, 0)
			b := record("a", "2", notifications.PriorityNormal, 0)
			c := record("a", "3", notifications.PriorityNormal, 0)
			enqueue(t, s, a, b, c)
			s.MarkSent(ctx, a.ID, now)
			s.MarkCancelled(ctx, b.ID, "disabled")

			got, err := s.Counts(ctx)
			if err != nil {
				t.Fatalf("Counts: %v", err)
			}
			want := notifications.Counts{Pending: 1, Sent: 1, Cancelled: 1}
			if got != want {
				t.Errorf("Counts = %+v, want %+v", got, want)
			}
		})
	}
}

// ─── Delivery log ────────────────────────────────────────────────────────────

func TestLastSentAndRecentFailures(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entries := []notifications.LogEntry{
				{NotificationID: 1, Recipient: "a", GroupKey: "g", Category: notifications.CategoryOverdue, Outcome: notifications.OutcomeSent, CreatedAt: now.Add(-time.Hour)},
				{NotificationID: 2, Recipient: "a", GroupKey: "g", Category: notifications.CategoryOverdue, Outcome: notifications.OutcomeSent, CreatedAt: now.Add(-10 * time.Minute)},
				{NotificationID: 3, Recipient: "a", GroupKey: "g", Category: notifications.CategoryOverdue, Outcome: notifications.OutcomeFailed, Error: "boom", CreatedAt: now},
				{NotificationID: 4, Recipient: "b", GroupKey: "g", Category: notifications.CategoryOverdue, Outcome: notifications.OutcomeRetrying, Error: "slow", CreatedAt: now.Add(time.Second)},
			}
			for i := range entries {
				if err := s.Append(ctx, &entries[i]); err != nil {
					t.Fatalf("Append: %v", err)
				}
				if entries[i].ID == 0 {
					t.Error("Append did not assign an ID")
				}
			}

			last, ok, err := s.LastSent(ctx, "a", "g")
			if err != nil || !ok || !last.Equal(now.Add(-10*time.Minute)) {
				t.Errorf("LastSent = %v, %v, %v", last, ok, err)
			}
			if _, ok, _ := s.LastSent(ctx, "b", "g"); ok {
				t.Error("LastSent for b should find nothing")
			}

			fails, err := s.RecentFailures(ctx, 10)
			if err != nil {
				t.Fatalf("RecentFailures: %v", err)
			}
			if len(fails) != 2 || fails[0].NotificationID != 4 || fails[1].NotificationID != 3 {
				t.Errorf("RecentFailures = %+v, want [4 3]", fails)
			}
		})
	}
}

func TestMemoryPurge(t *testing.T) {
	m := queue.NewMemory()
	m.SetClock(func() time.Time { return now.Add(-48 * time.Hour) })
	ctx := context.Background()

	old := record("a", "1", notifications.PriorityNormal, 0)
	pending := record("a", "2", notifications.PriorityNormal, 0)
	enqueue(t, m, old, pending)
	m.MarkSent(ctx, old.ID, now)
	m.Append(ctx, &notifications.LogEntry{NotificationID: old.ID, Outcome: notifications.OutcomeSent})

	recs, entries, err := m.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if recs != 1 || entries != 1 {
		t.Errorf("Purge = %d records, %d entries; want 1, 1", recs, entries)
	}
	if _, err := m.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending record was purged: %v", err)
	}
}
