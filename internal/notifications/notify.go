// Package notifications turns detected business events into per-employee
// notifications and delivers them through an external message channel.
//
// Pipeline: event → factory (preferences, fan-out, cooldown) → queue →
// gate (work hours, weekends, urgent override) → dispatcher → channel.
// Every send attempt is written to the delivery log, which the factory
// consults to keep recurring reminders from firing too often.
package notifications

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 5 * time.Minute
	DefaultBatchSize        = 50
	DefaultSendTimeout      = 15 * time.Second
	DefaultDispatchInterval = 15 * time.Second
	DefaultReminderInterval = time.Hour
	DefaultMaxMessageLength = 4096

	gateLookaheadDays = 7
	recentErrorsLimit = 10
	maxRetainedEvents = 1000
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrInvalidAddress marks a permanent addressing failure. Channels wrap
	// it so the dispatcher fails the record without consuming retries.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrNotPending is returned by queue transitions on terminal records.
	ErrNotPending = errors.New("notification is not pending")

	ErrEmptyMessage = errors.New("empty message")
	ErrInvalidLink  = errors.New("invalid link")
)

// --------------------------------------------------------------------------
// Priority
// --------------------------------------------------------------------------

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the lower-case names used in storage and the API.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// --------------------------------------------------------------------------
// Status, category, outcome
// --------------------------------------------------------------------------

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

type Category string

const (
	CategoryNewMessage       Category = "new-message"
	CategoryStatusChanged    Category = "status-changed"
	CategoryDeadlineReminder Category = "deadline-reminder"
	CategoryOverdue          Category = "overdue"
	CategoryUnreadReminder   Category = "unread-reminder"
	CategoryProjectAssigned  Category = "project-assigned"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryNewMessage,
	CategoryStatusChanged,
	CategoryDeadlineReminder,
	CategoryOverdue,
	CategoryUnreadReminder,
	CategoryProjectAssigned,
}

// Recurring categories are re-detected every cycle and governed by the
// recipient's reminder interval.
func (c Category) Recurring() bool {
	switch c {
	case CategoryDeadlineReminder, CategoryOverdue, CategoryUnreadReminder:
		return true
	}
	return false
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
)

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// EntityRef points at a business object, e.g. project/42.
type EntityRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (e EntityRef) String() string {
	return fmt.Sprintf("%s/%d", e.Type, e.ID)
}

// Record is one scheduled notification for one recipient.
type Record struct {
	ID          int64             `json:"id"`
	Recipient   string            `json:"recipient"`
	EmployeeID  int64             `json:"employee_id"`
	Category    Category          `json:"category"`
	Priority    Priority          `json:"priority"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Link        string            `json:"link,omitempty"`
	Entity      *EntityRef        `json:"entity,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	GroupKey    string            `json:"group_key"`
	Status      Status            `json:"status"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// LogEntry is one attempted delivery. Append-only.
type LogEntry struct {
	ID             int64      `json:"id"`
	NotificationID int64      `json:"notification_id"`
	Recipient      string     `json:"recipient"`
	EmployeeID     int64      `json:"employee_id"`
	Category       Category   `json:"category"`
	GroupKey       string     `json:"group_key"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	Outcome        Outcome    `json:"outcome"`
	Error          string     `json:"error,omitempty"`
	Entity         *EntityRef `json:"entity,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Counts is the number of records per status.
type Counts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add increments the counter for status by n.
func (c *Counts) Add(status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusSent:
		c.Sent += n
	case StatusFailed:
		c.Failed += n
	case StatusCancelled:
		c.Cancelled += n
	}
}
