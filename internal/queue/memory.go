// Package queue holds the notification queue and delivery log stores.
//
// Memory is an in-process notification queue and delivery log.
// State lives for the process lifetime; a single mutex serialises every
// operation. Used in development and tests.
package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/albapepper/agencyops/internal/notifications"
)

type entry struct {
	rec          notifications.Record
	claimedUntil time.Time
}

// Memory implements notifications.Queue, notifications.DeliveryLog and
// notifications.History.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	nextLogID int64
	records   map[int64]*entry
	order     []int64
	log       []notifications.LogEntry
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]*entry),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt stamps.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --------------------------------------------------------------------------
// Queue
// --------------------------------------------------------------------------

func (s *Memory) Enqueue(_ context.Context, recs []*notifications.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.nextID++
		r.ID = s.nextID
		if r.Status == "" {
			r.Status = notifications.StatusPending
		}
		s.records[r.ID] = &entry{rec: cloneRecord(r)}
		s.order = append(s.order, r.ID)
	}
	return nil
}

func (s *Memory) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*notifications.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for _, id := range s.order {
		e := s.records[id]
		if e.rec.Status != notifications.StatusPending || e.rec.ScheduledAt.After(now) || e.claimedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b *entry) int { return notifications.Compare(&a.rec, &b.rec) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*notifications.Record, 0, len(due))
	for _, e := range due {
		e.claimedUntil = now.Add(lease)
		r := cloneRecord(&e.rec)
		out = append(out, &r)
	}
	return out, nil
}

func (s *Memory) Reschedule(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, func(e *entry) {
		e.rec.ScheduledAt = at
	})
}

func (s *Memory) Supersede(_ context.Context, rec *notifications.Record, now time.Time) (int, error) {
	if rec.GroupKey == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.records {
		r := &e.rec
		if r.ID == rec.ID || r.Status != notifications.StatusPending ||
			r.Recipient != rec.Recipient || r.GroupKey != rec.GroupKey || e.claimedUntil.After(now) {
			continue
		}
		r.Status = notifications.StatusCancelled
		r.LastError = fmt.Sprintf("superseded by %d", rec.ID)
		r.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

func (s *Memory) MarkSent(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, func(e *entry) {
		e.rec.Status = notifications.StatusSent
		e.rec.SentAt = &at
	})
}

func (s *Memory) MarkRetry(_ context.Context, id int64, retryCount int, next time.Time, lastErr string) error {
	return s.transition(id, func(e *entry) {
		e.rec.RetryCount = retryCount
		e.rec.ScheduledAt = next
		e.rec.LastError = lastErr
	})
}

func (s *Memory) MarkFailed(_ context.Context, id int64, retryCount int, lastErr string) error {
	return s.transition(id, func(e *entry) {
		e.rec.Status = notifications.StatusFailed
		e.rec.RetryCount = retryCount
		e.rec.LastError = lastErr
	})
}

func (s *Memory) MarkCancelled(_ context.Context, id int64, reason string) error {
	return s.transition(id, func(e *entry) {
		e.rec.Status = notifications.StatusCancelled
		e.rec.LastError = reason
	})
}

// transition applies fn to a pending record and releases its lease.
func (s *Memory) transition(id int64, fn func(*entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return fmt.Errorf("notification %d not found", id)
	}
	if e.rec.Status != notifications.StatusPending {
		return fmt.Errorf("notification %d is %s: %w", id, e.rec.Status, notifications.ErrNotPending)
	}
	fn(e)
	e.claimedUntil = time.Time{}
	e.rec.UpdatedAt = s.now()
	return nil
}

func (s *Memory) Counts(_ context.Context) (notifications.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c notifications.Counts
	for _, e := range s.records {
		c.Add(e.rec.Status, 1)
	}
	return c, nil
}

func (s *Memory) HasPending(_ context.Context, recipient, groupKey string, category notifications.Category) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.records {
		r := &e.rec
		if r.Status == notifications.StatusPending && r.Recipient == recipient &&
			r.GroupKey == groupKey && r.Category == category {
			return true, nil
		}
	}
	return false, nil
}

// Get returns a copy of one record.
func (s *Memory) Get(_ context.Context, id int64) (*notifications.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("notification %d not found", id)
	}
	r := cloneRecord(&e.rec)
	return &r, nil
}

// List returns copies of every record with the given status, oldest first.
// An empty status lists everything.
func (s *Memory) List(_ context.Context, status notifications.Status) []*notifications.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notifications.Record
	for _, id := range s.order {
		e := s.records[id]
		if status != "" && e.rec.Status != status {
			continue
		}
		r := cloneRecord(&e.rec)
		out = append(out, &r)
	}
	return out
}

// Purge drops terminal records and log entries last touched before cutoff.
func (s *Memory) Purge(_ context.Context, cutoff time.Time) (records, entries int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		e := s.records[id]
		if e.rec.Status.Terminal() && e.rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			records++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	log := s.log[:0]
	for _, le := range s.log {
		if le.CreatedAt.Before(cutoff) {
			entries++
			continue
		}
		log = append(log, le)
	}
	s.log = log
	return records, entries, nil
}

// --------------------------------------------------------------------------
// DeliveryLog
// --------------------------------------------------------------------------

func (s *Memory) Append(_ context.Context, e *notifications.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	e.ID = s.nextLogID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.log = append(s.log, *e)
	return nil
}

func (s *Memory) LastSent(_ context.Context, recipient, groupKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, e := range s.log {
		if e.Outcome != notifications.OutcomeSent || e.Recipient != recipient || e.GroupKey != groupKey {
			continue
		}
		if !found || e.CreatedAt.After(last) {
			last, found = e.CreatedAt, true
		}
	}
	return last, found, nil
}

func (s *Memory) RecentFailures(_ context.Context, limit int) ([]notifications.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notifications.LogEntry
	for i := len(s.log) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.log[i].Outcome != notifications.OutcomeSent {
			out = append(out, s.log[i])
		}
	}
	return out, nil
}

// Entries returns a copy of the whole delivery log, oldest first.
func (s *Memory) Entries() []notifications.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

func cloneRecord(r *notifications.Record) notifications.Record {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if r.Entity != nil {
		e := *r.Entity
		c.Entity = &e
	}
	if r.SentAt != nil {
		t := *r.SentAt
		c.SentAt = &t
	}
	return c
}
