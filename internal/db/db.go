// Package db provides a pgxpool-based connection pool with prepared statement
// registration, health checking and the engine's schema.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/agencyops/internal/config"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool. The schema must already
// exist: statements are prepared on every new connection.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies schema.sql over a dedicated connection, so it works
// before the tables the prepared statements reference exist.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Schema returns the embedded DDL.
func Schema() string { return schema }

const recordColumns = "id, recipient, employee_id, category, priority, title, body, link, " +
	"entity_type, entity_id, metadata, group_key, status, scheduled_at, sent_at, " +
	"retry_count, max_retries, last_error, created_at, updated_at"

const logColumns = "id, notification_id, recipient, employee_id, category, group_key, " +
	"title, body, outcome, error, entity_type, entity_id, created_at"

const settingsColumns = "employee_id, name, address, enabled, categories, work_start, " +
	"work_end, weekends, urgent_always, reminder_minutes, timezone, roles"

// statements are registered on every connection under their map key.
var statements = map[string]string{
	"health_check": "SELECT 1",

	// Queue
	"notif_insert": `INSERT INTO notifications (recipient, employee_id, category, priority, title, body, link,
			entity_type, entity_id, metadata, group_key, status, scheduled_at, retry_count, max_retries,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12, $13, $14, $15, $15)
		RETURNING id`,
	"notif_claim_due": `WITH due AS (
			SELECT id FROM notifications
			WHERE status = 'pending' AND scheduled_at <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY priority DESC, scheduled_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notifications n SET claimed_until = $3
		FROM due WHERE n.id = due.id
		RETURNING n.` + strings.ReplaceAll(recordColumns, ", ", ", n."),
	"notif_reschedule": `UPDATE notifications SET scheduled_at = $2, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
	"notif_supersede": `UPDATE notifications
		SET status = 'cancelled', last_error = 'superseded by ' || $1::bigint, updated_at = now()
		WHERE status = 'pending' AND id <> $1 AND recipient = $2 AND group_key = $3 AND group_key <> ''
		  AND (claimed_until IS NULL OR claimed_until <= $4)`,
	"notif_mark_sent": `UPDATE notifications SET status = 'sent', sent_at = $2, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
	"notif_mark_retry": `UPDATE notifications
		SET retry_count = $2, scheduled_at = $3, last_error = $4, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
	"notif_mark_failed": `UPDATE notifications
		SET status = 'failed', retry_count = $2, last_error = $3, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
	"notif_mark_cancelled": `UPDATE notifications
		SET status = 'cancelled', last_error = $2, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
	"notif_pending_exists": `SELECT EXISTS (SELECT 1 FROM notifications
		WHERE status = 'pending' AND recipient = $1 AND group_key = $2 AND category = $3)`,
	"notif_status":   "SELECT status FROM notifications WHERE id = $1",
	"notif_get":      "SELECT " + recordColumns + " FROM notifications WHERE id = $1",
	"notif_counts":   "SELECT status, count(*) FROM notifications GROUP BY status",
	"notif_purge":    "DELETE FROM notifications WHERE status <> 'pending' AND updated_at < $1",
	"notif_enqueued": "SELECT pg_notify('" + config.NotifyChannel + "', $1)",

	// Delivery log
	"log_append": `INSERT INTO notification_delivery_log (notification_id, recipient, employee_id, category,
			group_key, title, body, outcome, error, entity_type, entity_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
	"log_last_sent": `SELECT max(created_at) FROM notification_delivery_log
		WHERE recipient = $1 AND group_key = $2 AND outcome = 'sent'`,
	"log_recent_failures": "SELECT " + logColumns + ` FROM notification_delivery_log
		WHERE outcome <> 'sent' ORDER BY created_at DESC, id DESC LIMIT $1`,
	"log_purge": "DELETE FROM notification_delivery_log WHERE created_at < $1",

	// Preferences
	"settings_get": "SELECT " + settingsColumns + " FROM notification_settings WHERE employee_id = $1",
	"settings_marketplace": `SELECT employee_id FROM notification_settings
		WHERE roles && ARRAY['sales', 'owner']::text[] ORDER BY employee_id`,
}

// registerPreparedStatements registers all statements the engine uses.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
