package bookings

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"smartsched/internal/models"
)

// Source provides existing busy intervals.
type Source interface {
	Name() string
	// Bookings returns the bookings overlapping [from, to).
	Bookings(ctx context.Context, from, to time.Time) ([]models.Booking, error)
}

// Multi merges several sources, loading them concurrently. A failing source
// is logged and skipped so that one unreachable calendar does not block
// scheduling.
type Multi struct {
	Sources []Source
	// Workers bounds the number of sources loaded at once.
	Workers int
	logger  *slog.Logger
}

// NewMulti creates a Multi over the given sources.
func NewMulti(logger *slog.Logger, sources ...Source) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{Sources: sources, Workers: 4, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

// Bookings collects the bookings of every source, in source order.
func (m *Multi) Bookings(ctx context.Context, from, to time.Time) ([]models.Booking, error) {
	results := make([][]models.Booking, len(m.Sources))

	g, gctx := errgroup.WithContext(ctx)
	if m.Workers > 0 {
		g.SetLimit(m.Workers)
	}
	for i, src := range m.Sources {
		g.Go(func() error {
			items, err := src.Bookings(gctx, from, to)
			if err != nil {
				m.logger.Error("Could not load bookings from source", "source", src.Name(), "error", err)
				return nil
			}
			m.logger.Debug("Loaded bookings.", "source", src.Name(), "count", len(items))
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []models.Booking
	for _, items := range results {
		all = append(all, items...)
	}
	return all, nil
}

// Window returns the span covered by a set of records, or ok=false if there
// are none.
func Window(records []models.ScheduleRecord) (from, to time.Time, ok bool) {
	for i, r := range records {
		if i == 0 || r.Start.Before(from) {
			from = r.Start
		}
		if i == 0 || r.End.After(to) {
			to = r.End
		}
	}
	return from, to, len(records) > 0
}

func overlaps(start, end, from, to time.Time) bool {
	return start.Before(to) && from.Before(end)
}
