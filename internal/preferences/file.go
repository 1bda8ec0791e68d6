// Package preferences provides the recipient preference stores: a YAML file
// for small teams, the notification_settings table in Postgres, and a TTL
// cache in front of either.
package preferences

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/albapepper/agencyops/internal/notifications"
)

// Roles that receive marketplace chat notifications.
const (
	RoleSales = "sales"
	RoleOwner = "owner"
)

var (
	defaultWorkStart = notifications.MustClock("09:00")
	defaultWorkEnd   = notifications.MustClock("18:00")
)

// fileSchema is the on-disk layout:
//
//	default_timezone: Europe/Berlin
//	employees:
//	  - employee_id: 1
//	    name: Dana
//	    address: "123456789"
//	    enabled: true
//	    roles: [owner]
//	    work_start: "09:00"
//	    work_end: "18:00"
//	    urgent_always: true
//	    categories: {status-changed: false}
//	    reminder_minutes: {overdue: 120}
type fileSchema struct {
	DefaultTimezone string                   `yaml:"default_timezone"`
	Employees       []notifications.Settings `yaml:"employees"`
}

// File serves preferences from a YAML file. Reload re-reads it.
type File struct {
	path            string
	defaultTimezone string

	mu        sync.RWMutex
	employees map[int64]*notifications.Settings
	loadedAt  time.Time
}

// OpenFile loads path. defaultTimezone applies to employees without one
// unless the file sets its own default.
func OpenFile(path, defaultTimezone string) (*File, error) {
	f := &File{path: path, defaultTimezone: defaultTimezone}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. On error the previous contents stay in use.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read preferences: %w", err)
	}
	employees, err := Parse(data, f.defaultTimezone)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.mu.Lock()
	f.employees = employees
	f.loadedAt = time.Now()
	f.mu.Unlock()
	return nil
}

// Parse decodes a preferences document and applies defaults.
func Parse(data []byte, defaultTimezone string) (map[int64]*notifications.Settings, error) {
	var doc fileSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	tz := doc.DefaultTimezone
	if tz == "" {
		tz = defaultTimezone
	}

	out := make(map[int64]*notifications.Settings, len(doc.Employees))
	for i := range doc.Employees {
		s := doc.Employees[i]
		if s.EmployeeID == 0 {
			return nil, fmt.Errorf("employee #%d has no employee_id", i+1)
		}
		if _, dup := out[s.EmployeeID]; dup {
			return nil, fmt.Errorf("employee %d listed twice", s.EmployeeID)
		}
		if err := applyDefaults(&s, tz); err != nil {
			return nil, fmt.Errorf("employee %d: %w", s.EmployeeID, err)
		}
		out[s.EmployeeID] = &s
	}
	return out, nil
}

func applyDefaults(s *notifications.Settings, tz string) error {
	if s.WorkStart == 0 && s.WorkEnd == 0 {
		s.WorkStart, s.WorkEnd = defaultWorkStart, defaultWorkEnd
	}
	if s.Timezone == "" {
		s.Timezone = tz
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", s.Timezone, err)
		}
	}
	for c := range s.Categories {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	return nil
}

// Get returns a copy of the employee's settings, or nil when unknown.
func (f *File) Get(_ context.Context, employeeID int64) (*notifications.Settings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.employees[employeeID]
	if !ok {
		return nil, nil
	}
	c := *s
	return &c, nil
}

// MarketplaceRecipients lists sales staff and owners, ascending.
func (f *File) MarketplaceRecipients(context.Context) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ids []int64
	for id, s := range f.employees {
		if s.HasRole(RoleSales) || s.HasRole(RoleOwner) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Len returns the number of employees loaded.
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.employees)
}
