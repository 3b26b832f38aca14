package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"smartsched/internal/bookings"
	"smartsched/internal/config"
	"smartsched/internal/conflict"
	"smartsched/internal/google"
	"smartsched/internal/intake"
	"smartsched/internal/invite"
	"smartsched/internal/metrics"
	"smartsched/internal/scheduler"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "smartsched",
		Usage: "Detect conflicts in requested meeting slots and send calendar invites.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "smartsched.yaml", EnvVars: []string{"SMARTSCHED_CONFIG"}, Usage: "Path to the YAML config file."},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error. Overrides LOG_LEVEL."},
		},
		Commands: []*cli.Command{
			checkCommand(),
			exportCommand(),
			publishCommand(),
			serveCommand(),
			authCommand(),
			calendarsCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the logger for a command.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// bookingSources assembles every configured source of existing bookings.
// Google accounts that fail to load are logged and skipped.
func bookingSources(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*bookings.Multi, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var sources []bookings.Source
	if cfg.Bookings.CSV != "" {
		sources = append(sources, &bookings.CSVFile{Path: cfg.Bookings.CSV, Location: loc})
	}
	for _, path := range cfg.Bookings.ICS {
		sources = append(sources, bookings.NewICSFile(logger, path, loc))
	}

	if len(cfg.Bookings.GoogleCalendarIDs) > 0 {
		accounts, err := google.GetTokenAccounts(".")
		if err != nil {
			return nil, fmt.Errorf("could not look for google accounts: %w", err)
		}
		if len(accounts) == 0 {
			logger.Warn("Google calendars configured but no account is authenticated. Run the 'auth' command first.")
		}
		for _, acc := range accounts {
			gClient, err := google.NewClient(ctx, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, acc, cfg.Bookings.GoogleCalendarIDs)
			if err != nil {
				logger.Error("Failed to create google client", "account", acc, "error", err)
				continue
			}
			sources = append(sources, gClient)
		}
	}

	logger.Debug("Configured booking sources.", "count", len(sources))
	return bookings.NewMulti(logger, sources...), nil
}

// newScheduler wires the pipeline from configuration.
func newScheduler(logger *slog.Logger, cfg *config.Config, opts scheduler.Options) (*scheduler.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := conflict.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	gen := invite.NewGenerator(logger, cfg.Invite.ProductID, cfg.Invite.UIDDomain)
	gen.Method = strings.ToUpper(cfg.Invite.Method)
	gen.Organizer = invite.Organizer{Name: cfg.Invite.Organizer.Name, Email: cfg.Invite.Organizer.Email}

	opts.Reader = intake.NewReader(logger, loc, cfg.DefaultDuration)
	opts.Generator = gen
	opts.Policy = policy
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return scheduler.New(logger, opts)
}
