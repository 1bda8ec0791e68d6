// Package listener wakes the dispatcher when another process enqueues
// notifications. It holds a dedicated pgx connection (not from the pool)
// listening on the `notification_enqueued` channel, which the Postgres queue
// signals inside every enqueue transaction.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/agencyops/internal/config"
)

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Start opens a dedicated connection and listens on the enqueue channel,
// calling kick for every notification received. It reconnects automatically
// on connection loss. Blocks until ctx is cancelled. Intended to be called
// with `go`.
func Start(ctx context.Context, dbURL string, kick func(), logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, kick, logger)
		if ctx.Err() != nil {
			logger.Info("Enqueue listener stopped (context cancelled)")
			return
		}

		logger.Error("Enqueue listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, kick func(), logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+config.NotifyChannel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", config.NotifyChannel, err)
	}
	logger.Info("Enqueue listener connected", "channel", config.NotifyChannel)

	// Anything enqueued while disconnected is picked up by this kick.
	kick()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		logger.Debug("Enqueue notification received",
			"pid", n.PID, "records", Count(n.Payload))
		kick()
	}
}

// Count parses the payload of an enqueue notification, the number of records
// in the batch. Malformed payloads count as zero.
func Count(payload string) int {
	n, err := strconv.Atoi(payload)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
