// Package app assembles the notification engine from configuration. Both
// cmd/notifyd and cmd/notifyctl build their components here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/albapepper/agencyops/internal/api/handler"
	"github.com/albapepper/agencyops/internal/channel"
	"github.com/albapepper/agencyops/internal/config"
	"github.com/albapepper/agencyops/internal/db"
	"github.com/albapepper/agencyops/internal/detect"
	"github.com/albapepper/agencyops/internal/listener"
	"github.com/albapepper/agencyops/internal/maintenance"
	"github.com/albapepper/agencyops/internal/marketplace"
	"github.com/albapepper/agencyops/internal/notifications"
	"github.com/albapepper/agencyops/internal/preferences"
	"github.com/albapepper/agencyops/internal/queue"
	"github.com/albapepper/agencyops/internal/watermark"
)

// Watermarks persisted in Redis expire after this long without a poll.
const watermarkTTL = 30 * 24 * time.Hour

// App holds every long-lived component.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *db.Pool
	Queue   *queue.Postgres
	Prefs   *preferences.Cached
	Engine  *notifications.Engine
	Poller  *detect.Poller  // nil without marketplace credentials
	Scanner *detect.Scanner // reads the host application's deadline view

	prefFile *preferences.File
	closers  []func()
}

// New connects to Postgres (and Redis when configured) and wires the engine.
// Callers must Close the result.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	a.Queue = queue.NewPostgres(pool.Pool)
	pg := preferences.NewPostgres(pool.Pool, cfg.Location())

	var (
		prefs notifications.PreferenceStore = pg
		dir   notifications.Directory       = pg
	)
	if cfg.PreferencesFile != "" {
		f, err := preferences.OpenFile(cfg.PreferencesFile, cfg.DefaultTimezone)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open preferences: %w", err)
		}
		a.prefFile = f
		prefs, dir = f, f
		logger.Info("Preferences loaded from file", "path", cfg.PreferencesFile, "employees", f.Len())
	}
	a.Prefs = preferences.NewCached(prefs, dir, cfg.PreferencesTTL)

	policy := RetryPolicy(cfg)
	factory := notifications.NewFactory(a.Prefs, a.Prefs, a.Queue, policy, cfg.DefaultReminderGap, logger)
	dispatcher := notifications.NewDispatcher(a.Queue, a.Queue, a.Prefs, Channel(cfg, logger), policy, DispatcherConfig(cfg), logger)
	a.Engine = notifications.NewEngine(factory, a.Queue, a.Queue, dispatcher, cfg.DispatchInterval, logger)

	a.Scanner = detect.NewScanner(pg, detect.ScannerConfig{
		Window:      cfg.DeadlineWindow,
		ReadTimeout: cfg.ReadTimeout,
		BaseURL:     cfg.AppBaseURL,
	}, logger)
	if err := a.Engine.OnSchedule(a.Scanner, cfg.DeadlineScanSchedule); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.MarketplaceAPIURL != "" {
		marks, err := a.watermarks(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		client := marketplace.NewClient(cfg.MarketplaceAPIURL, cfg.MarketplaceAPIToken,
			cfg.MarketplaceAccountID, cfg.MarketplaceRequestsPerMin, logger)
		a.Poller = detect.NewPoller(client, marks, PollerConfig(cfg), logger)
		if err := a.Engine.Every(a.Poller, cfg.PollInterval); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Info("Marketplace poller disabled (no MARKETPLACE_API_URL)")
	}

	return a, nil
}

func (a *App) watermarks(ctx context.Context) (watermark.Store, error) {
	if a.Config.RedisURL == "" {
		a.Logger.Warn("Watermarks kept in memory; a restart re-seeds every conversation")
		return watermark.NewMemory(a.Config.WatermarkCapacity), nil
	}
	client, err := watermark.Dial(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() { client.Close() })
	return watermark.NewRedis(client, a.Config.WatermarkCapacity, watermarkTTL), nil
}

// Run starts the enqueue listener, the maintenance tickers and the engine,
// and blocks until ctx is cancelled and the engine has drained.
func (a *App) Run(ctx context.Context) {
	go listener.Start(ctx, a.Config.DatabaseURL, a.Engine.Kick, a.Logger)

	tasks := maintenance.Tasks{Purger: a.Queue, Counter: a.Queue, Evicter: a.Prefs}
	if a.prefFile != nil {
		tasks.Reloader = a.prefFile
	}
	go maintenance.Start(ctx, tasks, MaintenanceConfig(a.Config), a.Logger)

	a.Engine.Start(ctx)
}

// HandlerDeps returns the admin API dependencies.
func (a *App) HandlerDeps(version string) handler.Deps {
	return handler.Deps{
		Engine:   a.Engine,
		Failures: a.Queue,
		DB:       a.Pool,
		Cache:    a.Prefs,
		Version:  version,
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// --------------------------------------------------------------------------
// Config mapping
// --------------------------------------------------------------------------

// Channel returns the Telegram channel, or the log channel when no bot token
// is configured.
func Channel(cfg *config.Config, logger *slog.Logger) notifications.MessageChannel {
	if cfg.TelegramBotToken == "" {
		logger.Warn("Telegram disabled (no TELEGRAM_BOT_TOKEN); notifications go to the log")
		return channel.NewLog(logger)
	}
	return channel.NewTelegram(cfg.TelegramAPIURL, cfg.TelegramBotToken, logger)
}

func RetryPolicy(cfg *config.Config) notifications.RetryPolicy {
	p := notifications.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		p.Backoff = cfg.RetryBackoff
	}
	return p
}

func DispatcherConfig(cfg *config.Config) notifications.DispatcherConfig {
	return notifications.DispatcherConfig{
		BatchSize:        cfg.DispatchBatchSize,
		SendTimeout:      cfg.SendTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
	}
}

func PollerConfig(cfg *config.Config) detect.PollerConfig {
	return detect.PollerConfig{
		AccountID:         cfg.MarketplaceAccountID,
		Concurrency:       cfg.PollConcurrency,
		ReadTimeout:       cfg.ReadTimeout,
		ColdStartLookback: cfg.PollColdStartLookback,
		UnreadAfter:       cfg.UnreadReminderAfter,
		UrgentKeywords:    cfg.UrgentKeywords,
		LinkTemplate:      cfg.ChatLinkTemplate,
	}
}

func MaintenanceConfig(cfg *config.Config) maintenance.Config {
	m := maintenance.DefaultConfig()
	m.CleanupInterval = cfg.CleanupInterval
	m.Retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if cfg.PreferencesTTL > 0 {
		m.ReloadInterval = cfg.PreferencesTTL
		m.EvictInterval = cfg.PreferencesTTL
	}
	return m
}

// Logger builds the process logger from LOG_FORMAT and LOG_LEVEL. DEBUG
// forces debug level.
func Logger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
