// Package watermark remembers which chat messages have already been seen,
// per conversation, so the poller reports each inbound message once.
//
// Each conversation keeps the IDs of its most recent messages (bounded by a
// capacity) and a floor: the newest timestamp ever evicted from that window.
// A message is new only if its ID is unknown and it is newer than the floor,
// so an old message that reappears after eviction is never reported twice.
package watermark

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultCapacity is the number of message IDs remembered per conversation.
const DefaultCapacity = 500

// Mark identifies one observed message.
type Mark struct {
	ID string
	At time.Time
}

// Store records observed messages and reports which of them are new.
type Store interface {
	// Observe records marks for conversation conv and returns the IDs that
	// were not seen before. first is true when the conversation had never
	// been observed; in that case every mark is returned as unseen and the
	// caller decides which, if any, to report.
	Observe(ctx context.Context, conv string, marks []Mark) (unseen []string, first bool, err error)
}

// sortMarks orders marks oldest first so eviction follows message age.
func sortMarks(marks []Mark) []Mark {
	out := slices.Clone(marks)
	slices.SortStableFunc(out, func(a, b Mark) int { return a.At.Compare(b.At) })
	return out
}

// --------------------------------------------------------------------------
// In-memory store
// --------------------------------------------------------------------------

type window struct {
	ids   []string // insertion order, oldest first
	seen  map[string]time.Time
	floor time.Time
}

// Memory keeps watermarks for the lifetime of the process.
type Memory struct {
	mu       sync.Mutex
	capacity int
	convs    map[string]*window
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity, convs: make(map[string]*window)}
}

func (m *Memory) Observe(_ context.Context, conv string, marks []Mark) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.convs[conv]
	first := !ok
	if first {
		w = &window{seen: make(map[string]time.Time)}
		m.convs[conv] = w
	}

	var unseen []string
	for _, mk := range sortMarks(marks) {
		if _, known := w.seen[mk.ID]; known {
			continue
		}
		if !first && !mk.At.After(w.floor) {
			continue
		}
		unseen = append(unseen, mk.ID)
		w.seen[mk.ID] = mk.At
		w.ids = append(w.ids, mk.ID)
	}

	for len(w.ids) > m.capacity {
		old := w.ids[0]
		w.ids = w.ids[1:]
		if at := w.seen[old]; at.After(w.floor) {
			w.floor = at
		}
		delete(w.seen, old)
	}
	return unseen, first, nil
}

// Len returns the number of IDs remembered for conv.
func (m *Memory) Len(conv string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.convs[conv]; ok {
		return len(w.ids)
	}
	return 0
}
