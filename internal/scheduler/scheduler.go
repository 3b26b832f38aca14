package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"smartsched/internal/bookings"
	"smartsched/internal/conflict"
	"smartsched/internal/intake"
	"smartsched/internal/invite"
	"smartsched/internal/metrics"
	"smartsched/internal/models"
)

var (
	// ErrIntake marks a Plan failure caused by the intake file itself.
	ErrIntake = errors.New("failed to read intake")
	// ErrBookings marks a Plan failure caused by a bookings source.
	ErrBookings = errors.New("failed to load existing bookings")
)

// PublishState keeps track of which invites have been published.
// The key is the invite UID, the value a fingerprint of the published content.
type PublishState map[string]string

// Publisher pushes one invite to a remote calendar.
type Publisher interface {
	Publish(ctx context.Context, inv models.Invite) error
}

// Options configures a Scheduler.
type Options struct {
	Reader    *intake.Reader
	Bookings  bookings.Source // optional
	Generator *invite.Generator
	Publisher Publisher // optional, required for Publish
	Metrics   *metrics.Metrics
	Policy    conflict.Policy
	StatePath string
	DryRun    bool
}

// Scheduler runs intake records through conflict detection and resolution,
// exports the accepted set and publishes it.
type Scheduler struct {
	logger    *slog.Logger
	reader    *intake.Reader
	bookings  bookings.Source
	generator *invite.Generator
	publisher Publisher
	metrics   *metrics.Metrics
	policy    conflict.Policy
	statePath string
	state     PublishState
	dryRun    bool
}

// New creates a Scheduler. The publish state is loaded from opts.StatePath
// when it is set.
func New(logger *slog.Logger, opts Options) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Reader == nil {
		return nil, errors.New("scheduler needs an intake reader")
	}
	if opts.Generator == nil {
		return nil, errors.New("scheduler needs an invite generator")
	}
	if opts.Policy == "" {
		opts.Policy = conflict.PolicyReject
	}

	state := make(PublishState)
	if opts.StatePath != "" {
		loaded, err := loadState(opts.StatePath)
		switch {
		case err == nil:
			state = loaded
		case errors.Is(err, fs.ErrNotExist):
			logger.Info("No publish state file found, starting fresh.", "file", opts.StatePath)
		default:
			return nil, fmt.Errorf("failed to load publish state: %w", err)
		}
	}

	return &Scheduler{
		logger:    logger,
		reader:    opts.Reader,
		bookings:  opts.Bookings,
		generator: opts.Generator,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		policy:    opts.Policy,
		statePath: opts.StatePath,
		state:     state,
		dryRun:    opts.DryRun,
	}, nil
}

// Plan is the outcome of checking one intake file.
type Plan struct {
	Intake     *intake.Result
	Bookings   []models.Booking
	Report     *conflict.Report
	Resolution *conflict.Resolution
}

// Errors returns every row-level problem of the plan.
func (p *Plan) Errors() []*intake.ValidationError {
	out := append([]*intake.ValidationError{}, p.Intake.Errors...)
	return append(out, p.Report.Invalid...)
}

// PlanFile is Plan for a file on disk.
func (s *Scheduler) PlanFile(ctx context.Context, path string, policy conflict.Policy, accept []string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intake file: %w", err)
	}
	defer f.Close()
	return s.Plan(ctx, f, policy, accept)
}

// Plan reads intake records, loads the bookings covering them, detects
// conflicts and resolves them with policy (the scheduler's default if
// empty) and the user's accept list.
func (s *Scheduler) Plan(ctx context.Context, in io.Reader, policy conflict.Policy, accept []string) (*Plan, error) {
	res, err := s.reader.Read(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntake, err)
	}
	s.metrics.ObserveIntake(len(res.Records), len(res.Errors))

	plan := &Plan{Intake: res}
	if from, to, ok := bookings.Window(res.Records); ok && s.bookings != nil {
		items, err := s.bookings.Bookings(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBookings, err)
		}
		plan.Bookings = items
	}

	plan.Report = conflict.NewDetector(s.logger, plan.Bookings).Detect(res.Records)
	s.metrics.ObserveConflicts(plan.Report.Conflicting())

	if policy == "" {
		policy = s.policy
	}
	plan.Resolution = conflict.Resolve(plan.Report, policy, accept)
	for _, id := range plan.Resolution.Unknown {
		s.logger.Warn("Accepted record ID not found in intake.", "id", id)
	}

	s.logger.Info("Planned schedule.",
		"records", len(res.Records),
		"bookings", len(plan.Bookings),
		"conflicting", plan.Report.Conflicting(),
		"groups", len(plan.Report.Groups),
		"accepted", len(plan.Resolution.Accepted),
		"policy", policy,
	)
	return plan, nil
}

// Export writes the accepted records of a plan as one calendar file.
func (s *Scheduler) Export(w io.Writer, plan *Plan) ([]*invite.FormatError, error) {
	ferrs, err := s.generator.Encode(w, plan.Resolution.Accepted)
	if err != nil {
		return ferrs, err
	}
	s.metrics.ObserveInvites(len(plan.Resolution.Accepted)-len(ferrs), len(ferrs))
	return ferrs, nil
}

// ExportFiles writes one calendar file per accepted record into dir.
func (s *Scheduler) ExportFiles(dir string, plan *Plan) ([]string, []*invite.FormatError, error) {
	paths, ferrs, err := s.generator.WriteFiles(dir, plan.Resolution.Accepted)
	if err != nil {
		return paths, ferrs, err
	}
	s.metrics.ObserveInvites(len(paths), len(ferrs))
	return paths, ferrs, nil
}

// PublishSummary counts the outcome of one publish run.
type PublishSummary struct {
	Published int
	Unchanged int
	Failed    int
	Skipped   int // FormatErrors
}

// Publish pushes the accepted invites of a plan that were not published
// before, or whose content changed since. A failing invite is logged and
// the run continues with the next one.
func (s *Scheduler) Publish(ctx context.Context, plan *Plan) (PublishSummary, error) {
	var sum PublishSummary
	if s.publisher == nil && !s.dryRun {
		return sum, errors.New("no publisher configured")
	}

	invites, ferrs := s.generator.Invites(plan.Resolution.Accepted)
	sum.Skipped = len(ferrs)

	for _, inv := range invites {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		fp := fingerprint(inv)
		if s.state[inv.UID] == fp {
			s.logger.Debug("Invite already published, skipping.", "record", inv.RecordID, "uid", inv.UID)
			sum.Unchanged++
			continue
		}

		if s.dryRun {
			s.logger.Info("[DRY RUN] Would publish invite", "record", inv.RecordID, "summary", inv.Summary, "start", inv.Start)
			sum.Published++
			continue
		}

		err := s.publisher.Publish(ctx, inv)
		s.metrics.ObservePublish(err)
		if err != nil {
			s.logger.Error("Failed to publish invite", "record", inv.RecordID, "error", err)
			sum.Failed++
			continue
		}
		s.state[inv.UID] = fp
		sum.Published++
	}

	if !s.dryRun && s.statePath != "" {
		if err := s.saveState(); err != nil {
			s.logger.Error("Failed to save publish state", "error", err)
			return sum, err
		}
	}

	s.logger.Info("Publish run finished.",
		"published", sum.Published, "unchanged", sum.Unchanged, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

// fingerprint identifies the published content of an invite.
func fingerprint(inv models.Invite) string {
	h := sha256.New()
	for _, part := range []string{
		inv.Start.UTC().Format(time.RFC3339),
		inv.End.UTC().Format(time.RFC3339),
		inv.Summary,
		inv.Description,
		inv.Email,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// loadState loads the publish state from a JSON file.
func loadState(path string) (PublishState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state PublishState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = make(PublishState)
	}
	return state, nil
}

// saveState writes the publish state atomically via a temp file + rename.
func (s *Scheduler) saveState() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal publish state: %w", err)
	}

	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, ".publish-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.statePath)
}
