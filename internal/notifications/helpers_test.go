package notifications_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/agencyops/internal/queue"
	n "github.com/albapepper/agencyops/internal/notifications"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type prefStore map[int64]*n.Settings

func (p prefStore) Get(_ context.Context, id int64) (*n.Settings, error) {
	return p[id], nil
}

type directory []int64

func (d directory) MarketplaceRecipients(context.Context) ([]int64, error) {
	return d, nil
}

type sent struct {
	address string
	text    string
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []sent
	fail   func(address string) error
	onSend func(address, text string)
}

func (c *fakeChannel) Send(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(address, text)
	}
	if c.fail != nil {
		if err := c.fail(address); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, sent{address, text})
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	store    *queue.Memory
	prefs    prefStore
	channel  *fakeChannel
	clock    *clock
	factory  *n.Factory
	dispatch *n.Dispatcher
	engine   *n.Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// alwaysOn is reachable at any hour of any day.
func alwaysOn(id int64, address string) *n.Settings {
	return &n.Settings{
		EmployeeID: id,
		Address:    address,
		Enabled:    true,
		WorkStart:  n.MustClock("00:00"),
		WorkEnd:    n.MustClock("23:59"),
		Weekends:   true,
	}
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		store:   queue.NewMemory(),
		prefs:   prefStore{},
		channel: &fakeChannel{},
		clock:   &clock{t: now},
	}
	h.store.SetClock(h.clock.Now)
	logger := quietLogger()
	policy := n.DefaultRetryPolicy()
	h.factory = n.NewFactory(h.prefs, directory{1, 2}, h.store, policy, 0, logger)
	h.dispatch = n.NewDispatcher(h.store, h.store, h.prefs, h.channel, policy, n.DispatcherConfig{}, logger)
	h.engine = n.NewEngine(h.factory, h.store, h.store, h.dispatch, time.Hour, logger)
	h.engine.SetClock(h.clock.Now)
	return h
}

// put enqueues a ready-made pending record.
func (h *harness) put(t *testing.T, rec *n.Record) *n.Record {
	t.Helper()
	if rec.Status == "" {
		rec.Status = n.StatusPending
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = n.DefaultMaxRetries
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.ScheduledAt
	}
	if err := h.store.Enqueue(context.Background(), []*n.Record{rec}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return rec
}

func (h *harness) get(t *testing.T, id int64) *n.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return rec
}

func (h *harness) runOnce(t *testing.T) n.BatchResult {
	t.Helper()
	res, err := h.engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return res
}
