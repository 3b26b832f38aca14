package scheduler

import (
	"time"
)

// RecordSummary is one annotated record as reported to users.
type RecordSummary struct {
	ID            string    `json:"id"`
	Participant   string    `json:"participant"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Conflict      bool      `json:"conflict"`
	ConflictsWith []string  `json:"conflicts_with,omitempty"`
	Bookings      []string  `json:"bookings,omitempty"`
	Group         *int      `json:"group,omitempty"`
	Accepted      bool      `json:"accepted"`
}

// GroupSummary is one connected set of overlapping records.
type GroupSummary struct {
	IDs   []string  `json:"ids"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RowError is a rejected intake row.
type RowError struct {
	Row      int    `json:"row"`
	RecordID string `json:"id,omitempty"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

// Summary is the JSON form of a Plan.
type Summary struct {
	Records     []RecordSummary `json:"records"`
	Groups      []GroupSummary  `json:"groups"`
	Errors      []RowError      `json:"errors"`
	Bookings    int             `json:"bookings"`
	Conflicting int             `json:"conflicting"`
	Accepted    []string        `json:"accepted"`
	Unknown     []string        `json:"unknown_accept_ids,omitempty"`
}

// Summary flattens the plan for reporting.
func (p *Plan) Summary() Summary {
	accepted := make(map[string]bool, len(p.Resolution.Accepted))
	sum := Summary{
		Records:     make([]RecordSummary, 0, len(p.Report.Annotations)),
		Groups:      make([]GroupSummary, 0, len(p.Report.Groups)),
		Errors:      []RowError{},
		Accepted:    make([]string, 0, len(p.Resolution.Accepted)),
		Bookings:    len(p.Bookings),
		Conflicting: p.Report.Conflicting(),
		Unknown:     p.Resolution.Unknown,
	}
	for _, r := range p.Resolution.Accepted {
		accepted[r.ID] = true
		sum.Accepted = append(sum.Accepted, r.ID)
	}

	for _, a := range p.Report.Annotations {
		rs := RecordSummary{
			ID:            a.Record.ID,
			Participant:   a.Record.Participant,
			Start:         a.Record.Start,
			End:           a.Record.End,
			Conflict:      a.Conflict,
			ConflictsWith: a.ConflictsWith,
			Bookings:      a.Bookings,
			Accepted:      accepted[a.Record.ID],
		}
		if a.Group >= 0 {
			g := a.Group
			rs.Group = &g
		}
		sum.Records = append(sum.Records, rs)
	}
	for _, g := range p.Report.Groups {
		sum.Groups = append(sum.Groups, GroupSummary{IDs: g.IDs, Start: g.Start, End: g.End})
	}
	for _, e := range p.Errors() {
		sum.Errors = append(sum.Errors, RowError{Row: e.Row, RecordID: e.RecordID, Field: e.Field, Reason: e.Reason})
	}
	return sum
}
