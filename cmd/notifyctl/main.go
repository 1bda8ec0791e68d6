// Command notifyctl is the operator CLI for the notification engine.
//
// Usage:
//
//	notifyctl migrate
//	notifyctl status
//	notifyctl dispatch
//	notifyctl scan --dry-run
//	notifyctl poll
//	notifyctl enqueue --category status-changed --title "Project moved" --employee 1 --employee 2
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/agencyops/internal/app"
	"github.com/albapepper/agencyops/internal/config"
	"github.com/albapepper/agencyops/internal/db"
	"github.com/albapepper/agencyops/internal/notifications"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "notifyctl",
		Short:        "Notification engine operator CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(dispatchCmd())
	root.AddCommand(scanCmd())
	root.AddCommand(pollCmd())
	root.AddCommand(enqueueCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the engine's tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			start := time.Now()
			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Schema applied", "duration", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// queue commands
// --------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent delivery errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.QueueStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

// --------------------------------------------------------------------------
// detection commands
// --------------------------------------------------------------------------

func scanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan deadlines once and enqueue reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				if dryRun {
					deadlines, err := a.Scanner.Scan(ctx, time.Now())
					if err != nil {
						return err
					}
					return printJSON(deadlines)
				}
				n, err := a.Engine.Collect(ctx, a.Scanner)
				if err != nil {
					return err
				}
				logger.Info("Deadline scan finished", "events", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print classified deadlines without enqueueing")
	return cmd
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll marketplace conversations once",
		Long: "Poll marketplace conversations once. Without REDIS_URL the watermarks " +
			"start empty, so this run only seeds them (plus POLL_COLD_START_LOOKBACK).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				if a.Poller == nil {
					return fmt.Errorf("MARKETPLACE_API_URL is required")
				}
				n, err := a.Engine.Collect(ctx, a.Poller)
				if err != nil {
					return err
				}
				logger.Info("Marketplace poll finished", "events", n)
				return nil
			})
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		ev        notifications.Manual
		category  string
		priority  string
		employees []int64
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Inject a manual notification event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Category = notifications.Category(category)
			ev.EmployeeIDs = employees
			if priority != "" {
				p, err := notifications.ParsePriority(priority)
				if err != nil {
					return err
				}
				ev.Priority = &p
			}
			if err := ev.Validate(); err != nil {
				return err
			}
			return runApp(func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Enqueue(ctx, ev)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Notification category")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&ev.Title, "title", "", "Title")
	cmd.Flags().StringVar(&ev.Body, "body", "", "Body")
	cmd.Flags().StringVar(&ev.Link, "link", "", "Absolute URL appended to the message")
	cmd.Flags().StringVar(&ev.GroupKey, "group", "", "Group key; newer events with the same key supersede older ones")
	cmd.Flags().Int64SliceVar(&employees, "employee", nil, "Recipient employee ID (repeatable)")
	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("employee")
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// runApp handles config loading, wiring, and context cancellation.
func runApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
