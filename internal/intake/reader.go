package intake

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"smartsched/internal/models"
)

// Column names of the intake file. Aliases map alternative headers
// (e.g., the ones produced by form exports) onto these.
const (
	ColID          = "id"
	ColParticipant = "participant"
	ColEmail       = "email"
	ColStart       = "start"
	ColEnd         = "end"
	ColSubject     = "subject"
	ColNotes       = "notes"
	ColCreated     = "created"
)

var columnAliases = map[string]string{
	"id":             ColID,
	"identifier":     ColID,
	"participant":    ColParticipant,
	"name":           ColParticipant,
	"email":          ColEmail,
	"start":          ColStart,
	"start_time":     ColStart,
	"preferred_time": ColStart,
	"end":            ColEnd,
	"end_time":       ColEnd,
	"subject":        ColSubject,
	"title":          ColSubject,
	"metadata":       ColSubject,
	"notes":          ColNotes,
	"description":    ColNotes,
	"created":        ColCreated,
	"timestamp":      ColCreated,
}

// timeLayouts are tried in order; layouts without an offset are read in the
// reader's location.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

// Reader parses intake CSV files into schedule records.
type Reader struct {
	// Location is used for timestamps without an explicit offset. UTC if nil.
	Location *time.Location
	// DefaultDuration is used when the end column is missing or empty.
	// Zero means an end time is required.
	DefaultDuration time.Duration

	logger *slog.Logger
}

// NewReader creates a Reader.
func NewReader(logger *slog.Logger, loc *time.Location, defaultDuration time.Duration) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{Location: loc, DefaultDuration: defaultDuration, logger: logger}
}

// Result holds the records read from one file and the rows that were rejected.
type Result struct {
	Records []models.ScheduleRecord
	Errors  []*ValidationError
}

// Read parses a whole intake file. Malformed rows are collected in
// Result.Errors; an error is only returned when the file as a whole is
// unreadable (no header, missing required columns, I/O failure).
func (r *Reader) Read(in io.Reader) (*Result, error) {
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}

	cr := csv.NewReader(in)
	cr.TrimLeadingSpace = true
	// Every row must match the header width.
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("intake file is empty")
		}
		return nil, fmt.Errorf("failed to read intake header: %w", err)
	}
	cols, err := r.mapColumns(header)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[string]int)
	row := 0
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("failed to read intake row %d: %w", row, err)
			}
			res.Errors = append(res.Errors, &ValidationError{Row: row, Reason: perr.Err.Error()})
			continue
		}

		rec, verr := r.parseRow(row, cols, fields)
		if verr != nil {
			res.Errors = append(res.Errors, verr)
			continue
		}
		if first, dup := seen[rec.ID]; dup {
			res.Errors = append(res.Errors, &ValidationError{
				Row: row, RecordID: rec.ID, Field: ColID,
				Reason: fmt.Sprintf("duplicate identifier (first seen on row %d)", first),
			})
			continue
		}
		seen[rec.ID] = row
		res.Records = append(res.Records, rec)
	}

	logger.Info("Read intake file.", "records", len(res.Records), "rejected", len(res.Errors))
	return res, nil
}

// mapColumns resolves header names to field indexes.
func (r *Reader) mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = strings.ReplaceAll(name, " ", "_")
		canonical, ok := columnAliases[name]
		if !ok {
			continue
		}
		if _, dup := cols[canonical]; dup {
			continue
		}
		cols[canonical] = i
	}

	required := []string{ColID, ColParticipant, ColStart}
	if r.DefaultDuration <= 0 {
		required = append(required, ColEnd)
	}
	var missing []string
	for _, c := range required {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("intake file is missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func (r *Reader) parseRow(row int, cols map[string]int, fields []string) (models.ScheduleRecord, *ValidationError) {
	get := func(col string) string {
		i, ok := cols[col]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	rec := models.ScheduleRecord{
		ID:          get(ColID),
		Participant: get(ColParticipant),
		Email:       get(ColEmail),
		Subject:     get(ColSubject),
		Notes:       get(ColNotes),
		Row:         row,
	}
	fail := func(field, reason string) (models.ScheduleRecord, *ValidationError) {
		return models.ScheduleRecord{}, &ValidationError{Row: row, RecordID: rec.ID, Field: field, Reason: reason}
	}

	if rec.ID == "" {
		return fail(ColID, "identifier is empty")
	}
	if rec.Participant == "" {
		return fail(ColParticipant, "participant is empty")
	}
	if rec.Email == "" && strings.Contains(rec.Participant, "@") {
		rec.Email = rec.Participant
	}

	start, err := r.parseTime(get(ColStart))
	if err != nil {
		return fail(ColStart, err.Error())
	}
	rec.Start = start

	if raw := get(ColEnd); raw != "" {
		end, err := r.parseTime(raw)
		if err != nil {
			return fail(ColEnd, err.Error())
		}
		rec.End = end
	} else if r.DefaultDuration > 0 {
		rec.End = start.Add(r.DefaultDuration)
	} else {
		return fail(ColEnd, "end time is empty")
	}

	if !rec.Start.Before(rec.End) {
		return fail(ColEnd, "end must be after start")
	}

	if raw := get(ColCreated); raw != "" {
		created, err := r.parseTime(raw)
		if err != nil {
			return fail(ColCreated, err.Error())
		}
		rec.Created = created
	}

	return rec, nil
}

func (r *Reader) parseTime(v string) (time.Time, error) {
	return ParseTime(v, r.Location)
}

// ParseTime parses an intake timestamp. Layouts without an offset are read
// in loc, or UTC if loc is nil.
func ParseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("time is empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (expected YYYY-MM-DD HH:MM or RFC 3339)", v)
}
