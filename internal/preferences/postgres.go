package preferences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/agencyops/internal/config"
	"github.com/albapepper/agencyops/internal/detect"
	"github.com/albapepper/agencyops/internal/notifications"
)

// Postgres reads notification_settings and the host application's
// deadline view. The engine never writes either.
type Postgres struct {
	pool *pgxpool.Pool
	zone string
}

// NewPostgres reads settings through pool. Rows without a usable timezone
// get loc; nil means UTC.
func NewPostgres(pool *pgxpool.Pool, loc *time.Location) *Postgres {
	if loc == nil {
		loc = time.UTC
	}
	return &Postgres{pool: pool, zone: loc.String()}
}

func (p *Postgres) Get(ctx context.Context, employeeID int64) (*notifications.Settings, error) {
	var (
		s               notifications.Settings
		workStart       string
		workEnd         string
		categories      map[notifications.Category]bool
		reminderMinutes map[notifications.Category]int
	)
	err := p.pool.QueryRow(ctx, "settings_get", employeeID).Scan(
		&s.EmployeeID, &s.Name, &s.Address, &s.Enabled, &categories, &workStart,
		&workEnd, &s.Weekends, &s.UrgentAlways, &reminderMinutes, &s.Timezone, &s.Roles,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings for %d: %w", employeeID, err)
	}
	if s.WorkStart, err = notifications.ParseClock(workStart); err != nil {
		return nil, fmt.Errorf("settings for %d: %w", employeeID, err)
	}
	if s.WorkEnd, err = notifications.ParseClock(workEnd); err != nil {
		return nil, fmt.Errorf("settings for %d: %w", employeeID, err)
	}
	s.Categories = categories
	s.ReminderMinutes = reminderMinutes
	p.applyZone(&s)
	return &s, nil
}

// applyZone replaces an empty or unknown timezone with the default zone.
func (p *Postgres) applyZone(s *notifications.Settings) {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err == nil {
			return
		}
	}
	s.Timezone = p.zone
}

func (p *Postgres) MarketplaceRecipients(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Query(ctx, "settings_marketplace")
	if err != nil {
		return nil, fmt.Errorf("marketplace recipients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan marketplace recipients: %w", err)
	}
	return ids, nil
}

// ListOpenWithDeadline reads the host application's deadline view, which
// exposes non-terminal projects and tasks that have a deadline.
func (p *Postgres) ListOpenWithDeadline(ctx context.Context) ([]detect.DeadlineEntity, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, entity_type, title, deadline, COALESCE(owner_id, 0) FROM "+config.DeadlineSourceTable)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", config.DeadlineSourceTable, err)
	}
	defer rows.Close()

	var out []detect.DeadlineEntity
	for rows.Next() {
		var e detect.DeadlineEntity
		if err := rows.Scan(&e.ID, &e.Type, &e.Title, &e.Deadline, &e.OwnerID); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
