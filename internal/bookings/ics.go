package bookings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"smartsched/internal/models"
)

const maxOccurrencesPerEvent = 5000

// ICSFile reads busy events from an iCalendar file. Recurring events are
// expanded inside the requested window.
type ICSFile struct {
	Path     string
	Location *time.Location // Used for floating times; UTC if nil

	logger *slog.Logger
}

// NewICSFile creates an ICSFile source.
func NewICSFile(logger *slog.Logger, path string, loc *time.Location) *ICSFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &ICSFile{Path: path, Location: loc, logger: logger}
}

func (f *ICSFile) Name() string { return "ics:" + f.Path }

// Bookings decodes the file and returns every occurrence overlapping [from, to).
func (f *ICSFile) Bookings(_ context.Context, from, to time.Time) ([]models.Booking, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open calendar file: %w", err)
	}
	defer file.Close()

	items, err := f.decode(file, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return items, nil
}

func (f *ICSFile) decode(r io.Reader, from, to time.Time) ([]models.Booking, error) {
	logger := f.logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}

	var out []models.Booking
	dec := ical.NewDecoder(r)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode calendar: %w", err)
		}

		for _, ev := range cal.Events() {
			if status, _ := ev.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
				continue
			}
			uid, _ := ev.Props.Text(ical.PropUID)
			title, _ := ev.Props.Text(ical.PropSummary)

			start, err := ev.DateTimeStart(loc)
			if err != nil {
				logger.Warn("Skipping calendar event without a usable start", "uid", uid, "error", err)
				continue
			}
			end, err := ev.DateTimeEnd(loc)
			if err != nil || !start.Before(end) {
				logger.Warn("Skipping calendar event without a usable end", "uid", uid, "error", err)
				continue
			}

			base := models.Booking{ID: uid, Title: title, Start: start, End: end, Source: f.Name()}
			rule := ev.Props.Get(ical.PropRecurrenceRule)
			if rule == nil {
				if overlaps(start, end, from, to) {
					out = append(out, base)
				}
				continue
			}

			occ, err := expand(ev, base, rule.Value, loc, from, to)
			if err != nil {
				logger.Warn("Skipping recurring event with a bad RRULE", "uid", uid, "rrule", rule.Value, "error", err)
				continue
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

// expand returns the occurrences of a recurring event overlapping [from, to).
func expand(ev ical.Event, base models.Booking, rawRule string, loc *time.Location, from, to time.Time) ([]models.Booking, error) {
	r, err := rrule.StrToRRule(rawRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(base.Start)

	var set rrule.Set
	set.RRule(r)
	for _, p := range ev.Props.Values(ical.PropExceptionDates) {
		for _, part := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(part)
			if single.Value == "" {
				continue
			}
			if t, err := single.DateTime(loc); err == nil {
				set.ExDate(t.In(base.Start.Location()))
			}
		}
	}

	dur := base.End.Sub(base.Start)
	starts := set.Between(from.Add(-dur), to, true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]models.Booking, 0, len(starts))
	for _, s := range starts {
		b := base
		b.ID = base.ID + "/" + s.UTC().Format("20060102T150405Z")
		b.Start = s
		b.End = s.Add(dur)
		if overlaps(b.Start, b.End, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}
