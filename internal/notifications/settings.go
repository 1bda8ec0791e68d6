package notifications

import (
	"fmt"
	"time"
)

// ClockTime is a local time of day in minutes since midnight.
type ClockTime int

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return ClockTime(h*60 + m), nil
}

// MustClock is ParseClock for literals.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// clockOf returns the time of day of t in its own location.
func clockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// Settings are one employee's delivery preferences. The engine never
// writes them.
type Settings struct {
	EmployeeID int64  `json:"employee_id" yaml:"employee_id"`
	Name       string `json:"name,omitempty" yaml:"name"`
	Address    string `json:"address" yaml:"address"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`

	// Absent keys are enabled; only an explicit false disables a category.
	Categories map[Category]bool `json:"categories,omitempty" yaml:"categories"`

	WorkStart    ClockTime `json:"work_start" yaml:"work_start"`
	WorkEnd      ClockTime `json:"work_end" yaml:"work_end"`
	Weekends     bool      `json:"weekends" yaml:"weekends"`
	UrgentAlways bool      `json:"urgent_always" yaml:"urgent_always"`

	// Minutes between reminders, per recurring category.
	ReminderMinutes map[Category]int `json:"reminder_minutes,omitempty" yaml:"reminder_minutes"`

	Timezone string   `json:"timezone,omitempty" yaml:"timezone"`
	Roles    []string `json:"roles,omitempty" yaml:"roles"`
}

// CategoryEnabled reports whether the recipient wants category c.
func (s *Settings) CategoryEnabled(c Category) bool {
	if s == nil || !s.Enabled {
		return false
	}
	on, ok := s.Categories[c]
	return !ok || on
}

// ReminderInterval returns the cooldown for c, or fallback when unset.
func (s *Settings) ReminderInterval(c Category, fallback time.Duration) time.Duration {
	if s != nil {
		if m, ok := s.ReminderMinutes[c]; ok && m > 0 {
			return time.Duration(m) * time.Minute
		}
	}
	return fallback
}

// Location resolves Timezone, falling back to UTC.
func (s *Settings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasRole reports whether the employee holds role.
func (s *Settings) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}
