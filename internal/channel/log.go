package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/albapepper/agencyops/internal/notifications"
)

// Log writes messages to the logger instead of delivering them. It stands in
// for Telegram when no bot token is configured. A nil *Log drops messages.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, address, text string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("empty address: %w", notifications.ErrInvalidAddress)
	}
	if l == nil {
		return nil
	}
	l.logger.Info("Notification (log channel)", "address", address, "text", text)
	return nil
}
