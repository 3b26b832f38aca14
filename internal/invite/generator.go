package invite

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"smartsched/internal/models"
)

const (
	DefaultProductID = "-//smartsched//Scheduling Assistant//EN"
	DefaultDomain    = "smartsched.local"
)

// FormatError reports a record that cannot be turned into a valid event.
type FormatError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("record %q: %s: %s", e.RecordID, e.Field, e.Reason)
}

// Organizer is the sender of the invites.
type Organizer struct {
	Name  string
	Email string
}

// Generator encodes accepted schedule records as an iCalendar file.
// Its output depends only on its configuration and the records, so
// exporting the same set twice yields identical bytes.
type Generator struct {
	ProductID string
	Domain    string    // Right-hand side of every UID
	Method    string    // iTIP method, REQUEST if empty
	Organizer Organizer // Optional
	// Stamp is used as DTSTAMP for records without a creation time. If zero,
	// the record's start time is used.
	Stamp time.Time

	namespace uuid.UUID
	logger    *slog.Logger
}

// NewGenerator creates a Generator with the given product ID and UID domain.
func NewGenerator(logger *slog.Logger, productID, domain string) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if productID == "" {
		productID = DefaultProductID
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return &Generator{
		ProductID: productID,
		Domain:    domain,
		Method:    string(ics.MethodRequest),
		namespace: uuid.NewSHA1(uuid.NameSpaceDNS, []byte(domain)),
		logger:    logger,
	}
}

// UID returns the stable event identifier for a record ID.
func (g *Generator) UID(recordID string) string {
	ns := g.namespace
	if ns == uuid.Nil {
		ns = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(g.Domain))
	}
	return uuid.NewSHA1(ns, []byte(recordID)).String() + "@" + g.Domain
}

// Invites converts records to invites, skipping the ones that lack a
// required field.
func (g *Generator) Invites(records []models.ScheduleRecord) ([]models.Invite, []*FormatError) {
	invites := make([]models.Invite, 0, len(records))
	var errs []*FormatError

	for _, rec := range records {
		if ferr := checkRecord(rec); ferr != nil {
			g.logger.Warn("Skipping record that cannot be exported.", "record", rec.ID, "field", ferr.Field, "reason", ferr.Reason)
			errs = append(errs, ferr)
			continue
		}

		stamp := rec.Created
		if stamp.IsZero() {
			stamp = g.Stamp
		}
		if stamp.IsZero() {
			stamp = rec.Start
		}

		summary := rec.Subject
		if summary == "" {
			summary = "Consultation with " + rec.Participant
		}

		invites = append(invites, models.Invite{
			UID:         g.UID(rec.ID),
			Stamp:       stamp.UTC(),
			Summary:     summary,
			Description: rec.Notes,
			Start:       rec.Start.UTC(),
			End:         rec.End.UTC(),
			Participant: rec.Participant,
			Email:       rec.Email,
			RecordID:    rec.ID,
		})
	}
	return invites, errs
}

func checkRecord(rec models.ScheduleRecord) *FormatError {
	switch {
	case rec.Start.IsZero():
		return &FormatError{RecordID: rec.ID, Field: "start", Reason: "missing"}
	case rec.End.IsZero():
		return &FormatError{RecordID: rec.ID, Field: "end", Reason: "missing"}
	case strings.TrimSpace(rec.Participant) == "":
		return &FormatError{RecordID: rec.ID, Field: "participant", Reason: "missing"}
	case !rec.Start.Before(rec.End):
		return &FormatError{RecordID: rec.ID, Field: "end", Reason: "not after start"}
	}
	return nil
}

// Calendar builds the calendar object for a set of invites.
func (g *Generator) Calendar(invites []models.Invite) *ics.Calendar {
	cal := ics.NewCalendarFor("smartsched")
	cal.SetProductId(g.ProductID)
	method := g.Method
	if method == "" {
		method = string(ics.MethodRequest)
	}
	cal.SetMethod(ics.Method(method))

	for _, inv := range invites {
		ev := cal.AddEvent(inv.UID)
		ev.SetDtStampTime(inv.Stamp)
		ev.SetStartAt(inv.Start)
		ev.SetEndAt(inv.End)
		ev.SetSummary(inv.Summary)
		if inv.Description != "" {
			ev.SetDescription(inv.Description)
		}
		if g.Organizer.Email != "" {
			var params []ics.PropertyParameter
			if g.Organizer.Name != "" {
				params = append(params, ics.WithCN(g.Organizer.Name))
			}
			ev.SetProperty(ics.ComponentPropertyOrganizer, "mailto:"+g.Organizer.Email, params...)
		}
		if inv.Email != "" {
			ev.AddProperty(ics.ComponentPropertyAttendee, "mailto:"+inv.Email,
				ics.WithCN(inv.Participant),
				ics.ParticipationRoleReqParticipant,
				ics.WithRSVP(true),
			)
		}
		ev.SetProperty(ics.ComponentPropertyStatus, string(ics.ObjectStatusConfirmed))
	}
	return cal
}

// serialize renders a calendar with CRLF line endings and folded lines.
func (g *Generator) serialize(invites []models.Invite) ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Calendar(invites).SerializeTo(&buf, ics.WithNewLineWindows); err != nil {
		return nil, fmt.Errorf("failed to serialize calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode writes one calendar containing an event per exportable record.
// Records that cannot be exported are returned as FormatErrors; the
// returned error is only set when serializing or writing fails.
func (g *Generator) Encode(w io.Writer, records []models.ScheduleRecord) ([]*FormatError, error) {
	invites, ferrs := g.Invites(records)
	data, err := g.serialize(invites)
	if err != nil {
		return ferrs, err
	}
	if _, err := w.Write(data); err != nil {
		return ferrs, fmt.Errorf("failed to write calendar: %w", err)
	}
	g.logger.Info("Encoded calendar.", "events", len(invites), "skipped", len(ferrs))
	return ferrs, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// fileName returns the invite file name for inv. IDs that sanitize to a
// name already taken get a fragment of their UID appended.
func fileName(inv models.Invite, taken map[string]bool) string {
	base := fmt.Sprintf("invite_%s_%s",
		unsafeFileChars.ReplaceAllString(inv.RecordID, "_"),
		inv.Start.Format("20060102T1504"))
	name := base + ".ics"
	if taken[name] {
		name = base + "_" + strings.ReplaceAll(inv.UID, "-", "")[:8] + ".ics"
	}
	taken[name] = true
	return name
}

// WriteFiles writes one .ics file per exportable record into dir and
// returns the written paths.
func (g *Generator) WriteFiles(dir string, records []models.ScheduleRecord) ([]string, []*FormatError, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	invites, ferrs := g.Invites(records)
	paths := make([]string, 0, len(invites))
	taken := make(map[string]bool, len(invites))
	for _, inv := range invites {
		path := filepath.Join(dir, fileName(inv, taken))

		data, err := g.serialize([]models.Invite{inv})
		if err != nil {
			return paths, ferrs, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, ferrs, fmt.Errorf("failed to write invite %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	g.logger.Info("Wrote invite files.", "dir", dir, "files", len(paths), "skipped", len(ferrs))
	return paths, ferrs, nil
}
