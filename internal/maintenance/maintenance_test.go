package maintenance_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albapepper/agencyops/internal/maintenance"
	"github.com/albapepper/agencyops/internal/notifications"
	"github.com/albapepper/agencyops/internal/queue"
)

var (
	now    = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	logger = slog.New(slog.DiscardHandler)
)

func seed(t *testing.T, q *queue.Memory, n int) []*notifications.Record {
	t.Helper()
	recs := make([]*notifications.Record, n)
	for i := range recs {
		recs[i] = &notifications.Record{
			Recipient:   "1001",
			EmployeeID:  1,
			Category:    notifications.CategoryStatusChanged,
			Title:       "t",
			GroupKey:    "g",
			ScheduledAt: now,
			CreatedAt:   now,
		}
	}
	if err := q.Enqueue(context.Background(), recs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return recs
}

func TestCleanupKeepsPendingAndRecent(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	q.SetClock(func() time.Time { return now.Add(-40 * 24 * time.Hour) })
	old := seed(t, q, 3)
	q.MarkSent(ctx, old[0].ID, now)
	q.MarkFailed(ctx, old[1].ID, 3, "boom")
	q.Append(ctx, &notifications.LogEntry{NotificationID: old[0].ID, Outcome: notifications.OutcomeSent})

	q.SetClock(func() time.Time { return now })
	recent := seed(t, q, 1)
	q.MarkSent(ctx, recent[0].ID, now)

	records, entries := maintenance.Cleanup(ctx, q, now.Add(-30*24*time.Hour), logger)
	if records != 2 || entries != 1 {
		t.Errorf("Cleanup = %d records, %d entries; want 2, 1", records, entries)
	}
	if _, err := q.Get(ctx, old[2].ID); err != nil {
		t.Errorf("old pending record purged: %v", err)
	}
	if _, err := q.Get(ctx, recent[0].ID); err != nil {
		t.Errorf("recent sent record purged: %v", err)
	}
}

type failingPurger struct{}

func (failingPurger) Purge(context.Context, time.Time) (int64, int64, error) {
	return 0, 0, errors.New("db down")
}

func TestCleanupSurvivesErrors(t *testing.T) {
	records, entries := maintenance.Cleanup(context.Background(), failingPurger{}, now, logger)
	if records != 0 || entries != 0 {
		t.Errorf("Cleanup = %d, %d", records, entries)
	}
}

func TestRefreshGauges(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	recs := seed(t, q, 3)
	q.MarkSent(ctx, recs[0].ID, now)
	q.MarkCancelled(ctx, recs[1].ID, "superseded")

	counts, ok := maintenance.RefreshGauges(ctx, q, logger)
	if !ok {
		t.Fatal("RefreshGauges failed")
	}
	want := notifications.Counts{Pending: 1, Sent: 1, Cancelled: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

type countingReloader struct{ n atomic.Int32 }

func (r *countingReloader) Reload() error {
	r.n.Add(1)
	return nil
}

type countingEvicter struct{ n atomic.Int32 }

func (e *countingEvicter) Evict() int {
	e.n.Add(1)
	return 0
}

func TestStartRunsTasksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &countingReloader{}
	ev := &countingEvicter{}
	done := make(chan struct{})
	go func() {
		maintenance.Start(ctx, maintenance.Tasks{Counter: queue.NewMemory(), Reloader: r, Evicter: ev}, maintenance.Config{
			GaugeInterval:  5 * time.Millisecond,
			ReloadInterval: 5 * time.Millisecond,
			EvictInterval:  5 * time.Millisecond,
		}, logger)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for r.n.Load() < 2 || ev.n.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("reload or evict task never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
