package conflict

import (
	"log/slog"
	"slices"
	"sort"
	"time"

	"smartsched/internal/intake"
	"smartsched/internal/models"
)

// Detector finds overlapping schedule records. Intervals are half-open
// [start, end): a record ending at 10:00 does not conflict with one
// starting at 10:00.
type Detector struct {
	// Bookings are existing busy intervals; a record overlapping any of them
	// is flagged as conflicting. They never form conflict groups.
	Bookings []models.Booking

	logger *slog.Logger
}

// NewDetector creates a Detector checking against the given bookings.
func NewDetector(logger *slog.Logger, bookings []models.Booking) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{Bookings: bookings, logger: logger}
}

// Report is the outcome of one detection run.
type Report struct {
	// Annotations has one entry per valid record, in input order.
	Annotations []models.Annotation
	// Groups are the connected components of the overlap relation with at
	// least two records, ordered by earliest start.
	Groups []models.ConflictGroup
	// Invalid lists records that were skipped because start >= end.
	Invalid []*intake.ValidationError
}

// Conflicting returns the number of flagged records.
func (r *Report) Conflicting() int {
	n := 0
	for _, a := range r.Annotations {
		if a.Conflict {
			n++
		}
	}
	return n
}

// Annotation returns the annotation for a record ID.
func (r *Report) Annotation(id string) (models.Annotation, bool) {
	for _, a := range r.Annotations {
		if a.Record.ID == id {
			return a, true
		}
	}
	return models.Annotation{}, false
}

// Detect annotates records with their conflicts. It sorts the records by
// start time and sweeps once, keeping the set of intervals still open at the
// current start; every open interval overlaps the record being visited.
func (d *Detector) Detect(records []models.ScheduleRecord) *Report {
	report := &Report{}

	valid := make([]models.ScheduleRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Start.Before(rec.End) {
			report.Invalid = append(report.Invalid, &intake.ValidationError{
				Row: rec.Row, RecordID: rec.ID, Field: intake.ColEnd, Reason: "end must be after start",
			})
			continue
		}
		valid = append(valid, rec)
	}

	report.Annotations = make([]models.Annotation, len(valid))
	for i, rec := range valid {
		report.Annotations[i] = models.Annotation{Record: rec, Group: -1}
	}

	order := sweepOrder(valid)

	var (
		active   []int
		members  []int
		groupEnd time.Time
	)
	flush := func() {
		if len(members) < 2 {
			return
		}
		g := models.ConflictGroup{
			Start: valid[members[0]].Start,
			End:   groupEnd,
		}
		idx := len(report.Groups)
		for _, m := range members {
			g.IDs = append(g.IDs, valid[m].ID)
			report.Annotations[m].Group = idx
		}
		sort.Strings(g.IDs)
		report.Groups = append(report.Groups, g)
	}

	for _, i := range order {
		rec := valid[i]

		open := active[:0]
		for _, j := range active {
			if valid[j].End.After(rec.Start) {
				open = append(open, j)
			}
		}
		active = open

		for _, j := range active {
			report.Annotations[i].ConflictsWith = append(report.Annotations[i].ConflictsWith, valid[j].ID)
			report.Annotations[j].ConflictsWith = append(report.Annotations[j].ConflictsWith, rec.ID)
		}
		active = append(active, i)

		if len(members) > 0 && rec.Start.Before(groupEnd) {
			members = append(members, i)
			if rec.End.After(groupEnd) {
				groupEnd = rec.End
			}
			continue
		}
		flush()
		members = []int{i}
		groupEnd = rec.End
	}
	flush()

	d.markBookings(report)

	for i := range report.Annotations {
		a := &report.Annotations[i]
		sort.Strings(a.ConflictsWith)
		a.Conflict = len(a.ConflictsWith) > 0 || len(a.Bookings) > 0
	}

	d.logger.Debug("Detected conflicts.",
		"records", len(valid),
		"invalid", len(report.Invalid),
		"conflicting", report.Conflicting(),
		"groups", len(report.Groups),
	)
	return report
}

// markBookings records which bookings each annotated record overlaps.
func (d *Detector) markBookings(report *Report) {
	if len(d.Bookings) == 0 {
		return
	}
	bookings := make([]models.Booking, 0, len(d.Bookings))
	for _, b := range d.Bookings {
		if b.Start.Before(b.End) {
			bookings = append(bookings, b)
		}
	}
	slices.SortStableFunc(bookings, func(a, b models.Booking) int {
		return a.Start.Compare(b.Start)
	})

	for i := range report.Annotations {
		a := &report.Annotations[i]
		for _, b := range bookings {
			if !b.Start.Before(a.Record.End) {
				break
			}
			if a.Record.Overlaps(b.Start, b.End) {
				a.Bookings = append(a.Bookings, b.ID)
			}
		}
		sort.Strings(a.Bookings)
	}
}

// sweepOrder returns record indexes ordered by start, then end, then input
// position.
func sweepOrder(records []models.ScheduleRecord) []int {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := records[a].Start.Compare(records[b].Start); c != 0 {
			return c
		}
		return records[a].End.Compare(records[b].End)
	})
	return order
}
