package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"smartsched/internal/bookings"
	"smartsched/internal/conflict"
	"smartsched/internal/google"
	"smartsched/internal/invite"
	"smartsched/internal/metrics"
	"smartsched/internal/models"
	"smartsched/internal/publish"
	"smartsched/internal/scheduler"
	"smartsched/internal/web"
)

func inputFlag() cli.Flag {
	return &cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "Intake CSV file."}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Report conflicts and invalid rows of an intake file.",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			src, err := bookingSources(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			s, err := newScheduler(logger, cfg, scheduler.Options{Bookings: src})
			if err != nil {
				return fmt.Errorf("failed to create scheduler: %w", err)
			}

			plan, err := s.PlanFile(c.Context, c.String("input"), "", nil)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(plan.Summary())
			}
			printReport(c.App.Writer, plan)
			return nil
		},
	}
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func printReport(w io.Writer, plan *scheduler.Plan) {
	sum := plan.Summary()
	for _, r := range sum.Records {
		status := green("ok")
		switch {
		case r.Accepted && r.Conflict:
			status = yellow("accepted (conflict)")
		case r.Conflict:
			status = red("CONFLICT")
		}
		fmt.Fprintf(w, "%-12s %-24s %s - %s  %s", r.ID, r.Participant,
			r.Start.Format("2006-01-02 15:04"), r.End.Format("15:04"), status)
		if len(r.ConflictsWith) > 0 {
			fmt.Fprintf(w, "  with %s", strings.Join(r.ConflictsWith, ","))
		}
		if len(r.Bookings) > 0 {
			fmt.Fprintf(w, "  booked %s", strings.Join(r.Bookings, ","))
		}
		fmt.Fprintln(w)
	}
	for i, g := range sum.Groups {
		fmt.Fprintf(w, "group %d: %s (%s - %s)\n", i, strings.Join(g.IDs, ", "),
			g.Start.Format("2006-01-02 15:04"), g.End.Format("15:04"))
	}
	for _, e := range sum.Errors {
		fmt.Fprintf(w, "%s %s: %s\n", red(fmt.Sprintf("row %d:", e.Row)), e.Field, e.Reason)
	}
	fmt.Fprintln(w, bold(fmt.Sprintf("%d records, %d conflicting, %d accepted, %d invalid rows",
		len(sum.Records), sum.Conflicting, len(sum.Accepted), len(sum.Errors))))
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write calendar invites for the accepted records.",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: filepath.Join("out", web.ExportFilename), Usage: "Calendar file to write."},
			&cli.StringFlag{Name: "split", Usage: "Write one file per invite into this directory instead."},
			&cli.StringFlag{Name: "policy", Usage: "Conflict policy: reject or first-wins."},
			&cli.StringSliceFlag{Name: "accept", Usage: "Record IDs to accept despite conflicts."},
			&cli.BoolFlag{Name: "record-bookings", Usage: "Append accepted slots to the bookings CSV."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}

			var policy conflict.Policy
			if c.IsSet("policy") {
				if policy, err = conflict.ParsePolicy(c.String("policy")); err != nil {
					return err
				}
			}
			if c.Bool("record-bookings") && cfg.Bookings.CSV == "" {
				return errors.New("--record-bookings needs bookings.csv in the config")
			}

			src, err := bookingSources(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			s, err := newScheduler(logger, cfg, scheduler.Options{Bookings: src})
			if err != nil {
				return fmt.Errorf("failed to create scheduler: %w", err)
			}

			plan, err := s.PlanFile(c.Context, c.String("input"), policy, c.StringSlice("accept"))
			if err != nil {
				return err
			}
			for _, e := range plan.Errors() {
				logger.Warn("Skipped invalid row", "row", e.Row, "id", e.RecordID, "field", e.Field, "reason", e.Reason)
			}
			for _, r := range plan.Resolution.Rejected {
				a, _ := plan.Report.Annotation(r.ID)
				logger.Warn("Record not exported because of a conflict", "id", r.ID,
					"conflictsWith", a.ConflictsWith, "bookings", a.Bookings)
			}

			var ferrs []*invite.FormatError
			if dir := c.String("split"); dir != "" {
				var paths []string
				paths, ferrs, err = s.ExportFiles(dir, plan)
				if err != nil {
					return fmt.Errorf("failed to write invites: %w", err)
				}
				logger.Info("Wrote invite files.", "dir", dir, "count", len(paths))
			} else {
				out := c.String("output")
				if ferrs, err = writeCalendar(s, out, plan); err != nil {
					return err
				}
				logger.Info("Wrote calendar.", "file", out, "events", len(exported(plan.Resolution.Accepted, ferrs)))
			}

			if c.Bool("record-bookings") {
				written := exported(plan.Resolution.Accepted, ferrs)
				if err := bookings.Append(cfg.Bookings.CSV, asBookings(written)); err != nil {
					return fmt.Errorf("failed to record bookings: %w", err)
				}
				logger.Info("Recorded exported slots as bookings.", "file", cfg.Bookings.CSV, "count", len(written))
			}
			return nil
		},
	}
}

func writeCalendar(s *scheduler.Scheduler, path string, plan *scheduler.Plan) ([]*invite.FormatError, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	ferrs, err := s.Export(f, plan)
	if err != nil {
		f.Close()
		return ferrs, fmt.Errorf("failed to write calendar: %w", err)
	}
	return ferrs, f.Close()
}

// exported drops the records the generator skipped.
func exported(records []models.ScheduleRecord, ferrs []*invite.FormatError) []models.ScheduleRecord {
	if len(ferrs) == 0 {
		return records
	}
	skipped := make(map[string]bool, len(ferrs))
	for _, e := range ferrs {
		skipped[e.RecordID] = true
	}
	out := make([]models.ScheduleRecord, 0, len(records))
	for _, r := range records {
		if !skipped[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

func asBookings(records []models.ScheduleRecord) []models.Booking {
	out := make([]models.Booking, 0, len(records))
	for _, r := range records {
		out = append(out, models.Booking{ID: r.ID, Title: r.Participant, Start: r.Start, End: r.End})
	}
	return out
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Push the accepted invites to a CalDAV calendar.",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.BoolFlag{Name: "once", Usage: "Run the publish cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be published without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run every N seconds. Overrides --once."},
			&cli.StringFlag{Name: "cron", Usage: "Run on a cron schedule, e.g. '*/15 8-18 * * 1-5'. Overrides --watch."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			dryRun := c.Bool("dry-run")
			if dryRun {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			var publisher scheduler.Publisher
			switch {
			case cfg.CalDAV.Enabled():
				pClient, err := publish.NewClient(c.Context, logger, publish.Options{
					Endpoint:     cfg.CalDAV.Endpoint,
					Username:     cfg.CalDAV.Username,
					Password:     cfg.CalDAV.Password,
					CalendarName: cfg.CalDAV.CalendarName,
					ProductID:    cfg.Invite.ProductID,
					Organizer:    cfg.Invite.Organizer.Email,
					HTTPClient:   &http.Client{Timeout: 30 * time.Second},
				})
				if err != nil {
					return fmt.Errorf("failed to create caldav client: %w", err)
				}
				publisher = pClient
			case !dryRun:
				return errors.New("no CalDAV calendar configured (CALDAV_USERNAME, CALDAV_CALENDAR_NAME)")
			}

			src, err := bookingSources(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			s, err := newScheduler(logger, cfg, scheduler.Options{
				Bookings:  src,
				Publisher: publisher,
				StatePath: cfg.Publish.StateFile,
				DryRun:    dryRun,
			})
			if err != nil {
				return fmt.Errorf("failed to create scheduler: %w", err)
			}

			input := c.String("input")
			run := func(ctx context.Context) error {
				plan, err := s.PlanFile(ctx, input, "", nil)
				if err != nil {
					return err
				}
				_, err = s.Publish(ctx, plan)
				return err
			}

			spec := c.String("cron")
			if spec == "" {
				spec = cfg.Publish.Cron
			}
			switch {
			case spec != "":
				return runCron(c.Context, logger, spec, run)
			case c.IsSet("watch"):
				interval := time.Duration(c.Int("watch")) * time.Second
				logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := run(c.Context); err != nil {
						logger.Error("Publish cycle failed", "error", err)
					}
					select {
					case <-c.Context.Done():
						logger.Info("Watcher stopped.")
						return nil
					case <-ticker.C:
					}
				}
			default: // --once is the default behavior
				logger.Info("Running a single publish cycle.")
				if err := run(c.Context); err != nil {
					return fmt.Errorf("single publish cycle failed: %w", err)
				}
				return nil
			}
		},
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// runCron runs fn on the cron schedule until ctx is cancelled. Overlapping
// runs are skipped.
func runCron(ctx context.Context, logger *slog.Logger, spec string, fn func(context.Context) error) error {
	cl := cronLogger{logger: logger}
	sched := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := sched.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			logger.Error("Publish cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	logger.Info("Starting cron schedule.", "spec", spec)
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	logger.Info("Cron schedule stopped.")
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP upload and export service.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Address to listen on. Overrides server.listen."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			if c.IsSet("listen") {
				cfg.Server.Listen = c.String("listen")
			}

			src, err := bookingSources(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			m := metrics.New()
			s, err := newScheduler(logger, cfg, scheduler.Options{
				Bookings: bookings.NewCached(src, cfg.Bookings.CacheTTL),
				Metrics:  m,
			})
			if err != nil {
				return fmt.Errorf("failed to create scheduler: %w", err)
			}

			srv := &http.Server{
				Addr:         cfg.Server.Listen,
				Handler:      web.NewServer(logger, cfg, s, m).Handler(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting HTTP server", "listen", "http://"+cfg.Server.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("http server failed: %w", err)
			case <-c.Context.Done():
			}

			logger.Info("Shutting down HTTP server.")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to read its busy slots.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			config, err := google.GetOAuthConfigForAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				return errors.New("account name must not be empty")
			}
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendar IDs of every authenticated Google account.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			accounts, err := google.GetTokenAccounts(".")
			if err != nil {
				return fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
			}
			if len(accounts) == 0 {
				return errors.New("no google accounts found. Run the 'auth' command first")
			}

			for _, acc := range accounts {
				gClient, err := google.NewClient(c.Context, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, acc, nil)
				if err != nil {
					return fmt.Errorf("failed to create google client for account %s: %w", acc, err)
				}
				ids, err := gClient.DiscoverCalendars(c.Context)
				if err != nil {
					return fmt.Errorf("account %s: %w", acc, err)
				}
				fmt.Fprintf(c.App.Writer, "%s:\n", acc)
				for _, id := range ids {
					fmt.Fprintf(c.App.Writer, "  %s\n", id)
				}
			}
			return nil
		},
	}
}
