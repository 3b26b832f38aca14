package conflict

import (
	"fmt"
	"strings"

	"smartsched/internal/models"
)

// Policy decides which conflicting records are accepted for export.
type Policy string

const (
	// PolicyReject accepts only records without any conflict.
	PolicyReject Policy = "reject"
	// PolicyFirstWins walks records by start time and accepts each one that
	// overlaps neither a booking nor an already accepted record.
	PolicyFirstWins Policy = "first-wins"
)

// ParsePolicy converts a user-supplied policy name. Empty means PolicyReject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyFirstWins:
		return PolicyFirstWins, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (want %q or %q)", s, PolicyReject, PolicyFirstWins)
	}
}

// Resolution splits the detected records into accepted and rejected ones.
type Resolution struct {
	Accepted []models.ScheduleRecord // input order
	Rejected []models.ScheduleRecord // input order
	Unknown  []string                // accept IDs that matched no record
}

// Resolve applies a policy to a report. Records whose IDs are listed in
// accept were resolved by the user and are accepted regardless of conflicts.
func Resolve(report *Report, policy Policy, accept []string) *Resolution {
	forced := make(map[string]bool, len(accept))
	for _, id := range accept {
		id = strings.TrimSpace(id)
		if id != "" {
			forced[id] = true
		}
	}

	known := make(map[string]bool, len(report.Annotations))
	accepted := make(map[string]bool, len(report.Annotations))
	for _, a := range report.Annotations {
		known[a.Record.ID] = true
		if forced[a.Record.ID] {
			accepted[a.Record.ID] = true
		}
	}

	switch policy {
	case PolicyFirstWins:
		records := make([]models.ScheduleRecord, len(report.Annotations))
		for i, a := range report.Annotations {
			records[i] = a.Record
		}
		for _, i := range sweepOrder(records) {
			a := report.Annotations[i]
			if accepted[a.Record.ID] || len(a.Bookings) > 0 {
				continue
			}
			clash := false
			for _, other := range a.ConflictsWith {
				if accepted[other] {
					clash = true
					break
				}
			}
			if !clash {
				accepted[a.Record.ID] = true
			}
		}
	default:
		for _, a := range report.Annotations {
			if !a.Conflict {
				accepted[a.Record.ID] = true
			}
		}
	}

	res := &Resolution{}
	for _, a := range report.Annotations {
		if accepted[a.Record.ID] {
			res.Accepted = append(res.Accepted, a.Record)
		} else {
			res.Rejected = append(res.Rejected, a.Record)
		}
	}
	for _, id := range accept {
		id = strings.TrimSpace(id)
		if id != "" && !known[id] {
			res.Unknown = append(res.Unknown, id)
		}
	}
	return res
}
