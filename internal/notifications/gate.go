package notifications

import (
	"cmp"
	"time"
)

// Decision is the gate's verdict for one record at one instant.
type Decision struct {
	Eligible bool
	NextAt   time.Time // set when not eligible
	Reason   string
}

// Gate decides whether rec may be delivered at now. It is a pure function
// of its arguments.
//
//  1. high/urgent with UrgentAlways: eligible.
//  2. inside [WorkStart, WorkEnd] on an allowed day: eligible.
//  3. otherwise: the next allowed day's WorkStart, searched up to a week
//     ahead, with now+24h as a last resort.
func Gate(rec *Record, s *Settings, now time.Time) Decision {
	if s == nil || !s.Enabled {
		return Decision{Reason: "recipient disabled"}
	}
	if rec.Priority >= PriorityHigh && s.UrgentAlways {
		return Decision{Eligible: true, Reason: "urgent override"}
	}

	local := now.In(s.Location())
	if dayAllowed(local.Weekday(), s) && inWindow(clockOf(local), s.WorkStart, s.WorkEnd) {
		return Decision{Eligible: true, Reason: "work hours"}
	}
	return Decision{NextAt: nextWorkStart(local, s), Reason: "outside work hours"}
}

func dayAllowed(d time.Weekday, s *Settings) bool {
	if d == time.Saturday || d == time.Sunday {
		return s.Weekends
	}
	return true
}

// inWindow is inclusive at both ends and handles windows crossing midnight.
func inWindow(c, start, end ClockTime) bool {
	if start <= end {
		return c >= start && c <= end
	}
	return c >= start || c <= end
}

func nextWorkStart(local time.Time, s *Settings) time.Time {
	y, m, d := local.Date()
	for i := 0; i <= gateLookaheadDays; i++ {
		candidate := time.Date(y, m, d+i, s.WorkStart.Hour(), s.WorkStart.Minute(), 0, 0, local.Location())
		if candidate.After(local) && dayAllowed(candidate.Weekday(), s) {
			return candidate
		}
	}
	return local.Add(24 * time.Hour)
}

// Less orders records for dispatch: priority desc, scheduled_at asc, id asc.
func Less(a, b *Record) bool {
	return Compare(a, b) < 0
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b *Record) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
