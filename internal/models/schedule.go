package models

import "time"

// ScheduleRecord is one intake response: a participant's proposed time slot.
// Records are built by the intake reader and are not modified afterwards.
type ScheduleRecord struct {
	ID          string    // Identifier from the intake file, unique per upload
	Participant string    // Participant display name
	Email       string    // Participant email, optional
	Start       time.Time // Start of the proposed slot
	End         time.Time // End of the proposed slot (exclusive)
	Subject     string    // Free-text subject, optional
	Notes       string    // Free-text notes, optional
	Created     time.Time // When the intake response was submitted, optional
	Row         int       // 1-based data row in the source file, 0 if not from a file
}

// Overlaps reports whether the half-open intervals [Start, End) intersect.
func (r ScheduleRecord) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// Booking is an already-existing busy interval, e.g. from a calendar.
type Booking struct {
	ID     string
	Title  string
	Start  time.Time
	End    time.Time
	Source string // Name of the source the booking came from (e.g., "csv", "google-primary")
}

// Annotation is the conflict detector's verdict for a single record.
type Annotation struct {
	Record        ScheduleRecord
	Conflict      bool
	ConflictsWith []string // IDs of overlapping records, sorted
	Bookings      []string // IDs of overlapping bookings, sorted
	Group         int      // Index into the report's groups, -1 if the record is in none
}

// ConflictGroup is a set of record IDs connected by a chain of overlaps.
type ConflictGroup struct {
	IDs   []string
	Start time.Time // Earliest start in the group
	End   time.Time // Latest end in the group
}

// Invite is one exported calendar event.
type Invite struct {
	UID         string
	Stamp       time.Time
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Participant string
	Email       string
	RecordID    string
}
