package notifications

import (
	"fmt"
	"time"
)

// Audience says how an event resolves to recipients.
type Audience int

const (
	// AudienceMarketplace addresses every sales employee plus the owner.
	AudienceMarketplace Audience = iota
	// AudienceEmployees addresses the employees listed in the draft.
	AudienceEmployees
)

// Draft is the recipient-independent part of a notification.
type Draft struct {
	Category   Category
	Priority   Priority
	GroupKey   string
	Title      string
	Body       string
	Link       string
	Entity     *EntityRef
	Metadata   map[string]string
	Audience   Audience
	Recipients []int64
}

// Event is anything the engine can turn into notifications. Detection
// produces events; the factory reacts to them.
type Event interface {
	Draft() Draft
}

// --------------------------------------------------------------------------
// Marketplace chat
// --------------------------------------------------------------------------

// InboundMessage is a new message from an external party in a marketplace
// conversation.
type InboundMessage struct {
	ConversationID string
	MessageID      string
	AuthorID       string
	AuthorName     string
	Text           string
	CreatedAt      time.Time
	Urgent         bool
	Link           string
}

func ChatGroupKey(conversationID string) string { return "chat:" + conversationID }

func (m InboundMessage) Draft() Draft {
	author := m.AuthorName
	if author == "" {
		author = m.AuthorID
	}
	title := "New message from " + author
	prio := PriorityHigh
	if m.Urgent {
		title = "Urgent message from " + author
		prio = PriorityUrgent
	}
	return Draft{
		Category: CategoryNewMessage,
		Priority: prio,
		GroupKey: ChatGroupKey(m.ConversationID),
		Title:    title,
		Body:     m.Text,
		Link:     m.Link,
		Metadata: map[string]string{
			"conversation_id": m.ConversationID,
			"message_id":      m.MessageID,
		},
		Audience: AudienceMarketplace,
	}
}

// UnreadReminder fires while the newest message in a conversation is an
// unanswered inbound one.
type UnreadReminder struct {
	ConversationID string
	AuthorName     string
	LastMessageAt  time.Time
	Preview        string
	Link           string
}

func (u UnreadReminder) Draft() Draft {
	who := u.AuthorName
	if who == "" {
		who = "a client"
	}
	return Draft{
		Category: CategoryUnreadReminder,
		Priority: PriorityNormal,
		GroupKey: ChatGroupKey(u.ConversationID),
		Title:    "Unanswered message from " + who,
		Body:     fmt.Sprintf("Waiting since %s: %s", u.LastMessageAt.UTC().Format("02 Jan 15:04 MST"), u.Preview),
		Link:     u.Link,
		Metadata: map[string]string{"conversation_id": u.ConversationID},
		Audience: AudienceMarketplace,
	}
}

// --------------------------------------------------------------------------
// Deadlines
// --------------------------------------------------------------------------

// Deadline is a project or task that is due soon or already overdue.
type Deadline struct {
	EntityType string
	EntityID   int64
	Title      string
	Deadline   time.Time
	OwnerID    int64
	Overdue    bool
	Link       string
}

func DeadlineGroupKey(entityType string, entityID int64) string {
	return fmt.Sprintf("deadline:%s:%d", entityType, entityID)
}

func (d Deadline) Draft() Draft {
	due := d.Deadline.UTC().Format("02 Jan 2006 15:04 MST")
	draft := Draft{
		Category:   CategoryDeadlineReminder,
		Priority:   PriorityNormal,
		GroupKey:   DeadlineGroupKey(d.EntityType, d.EntityID),
		Title:      "Deadline approaching: " + d.Title,
		Body:       fmt.Sprintf("The %s is due %s.", d.EntityType, due),
		Link:       d.Link,
		Entity:     &EntityRef{Type: d.EntityType, ID: d.EntityID},
		Audience:   AudienceEmployees,
		Recipients: []int64{d.OwnerID},
	}
	if d.Overdue {
		draft.Category = CategoryOverdue
		draft.Priority = PriorityHigh
		draft.Title = "Overdue: " + d.Title
		draft.Body = fmt.Sprintf("The %s was due %s.", d.EntityType, due)
	}
	return draft
}

// --------------------------------------------------------------------------
// Administrative injection
// --------------------------------------------------------------------------

// Manual is an event injected by surrounding admin code, e.g. a project
// assignment or a status transition.
type Manual struct {
	Category    Category          `json:"category"`
	Priority    *Priority         `json:"priority,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Link        string            `json:"link,omitempty"`
	Entity      *EntityRef        `json:"entity,omitempty"`
	GroupKey    string            `json:"group_key,omitempty"`
	EmployeeIDs []int64           `json:"employee_ids"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields an operator must supply.
func (m Manual) Validate() error {
	if !m.Category.Valid() {
		return fmt.Errorf("unknown category %q", m.Category)
	}
	if m.Title == "" && m.Body == "" {
		return ErrEmptyMessage
	}
	if len(m.EmployeeIDs) == 0 {
		return fmt.Errorf("employee_ids is required")
	}
	return nil
}

func (m Manual) Draft() Draft {
	prio := PriorityNormal
	if m.Priority != nil {
		prio = *m.Priority
	}
	key := m.GroupKey
	if key == "" && m.Entity != nil {
		key = fmt.Sprintf("%s:%s:%d", m.Category, m.Entity.Type, m.Entity.ID)
	}
	return Draft{
		Category:   m.Category,
		Priority:   prio,
		GroupKey:   key,
		Title:      m.Title,
		Body:       m.Body,
		Link:       m.Link,
		Entity:     m.Entity,
		Metadata:   m.Metadata,
		Audience:   AudienceEmployees,
		Recipients: m.EmployeeIDs,
	}
}
