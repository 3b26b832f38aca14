package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartsched/internal/models"
)

func ids(records []models.ScheduleRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":           PolicyReject,
		"reject":     PolicyReject,
		"First-Wins": PolicyFirstWins,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("random")
	assert.Error(t, err)
}

func TestResolve_Reject(t *testing.T) {
	records := []models.ScheduleRecord{
		rec("A", at(9, 0), at(10, 0)),
		rec("B", at(9, 30), at(10, 30)),
		rec("C", at(11, 0), at(12, 0)),
	}
	report := NewDetector(nil, nil).Detect(records)

	res := Resolve(report, PolicyReject, nil)
	assert.Equal(t, []string{"C"}, ids(res.Accepted))
	assert.Equal(t, []string{"A", "B"}, ids(res.Rejected))
}

func TestResolve_FirstWins(t *testing.T) {
	bookings := []models.Booking{{ID: "busy", Start: at(8, 0), End: at(9, 0)}}
	records := []models.ScheduleRecord{
		rec("B", at(9, 30), at(10, 30)),
		rec("A", at(9, 0), at(10, 0)),
		rec("C", at(10, 0), at(11, 0)),
		rec("D", at(8, 30), at(9, 0)),
	}
	report := NewDetector(nil, bookings).Detect(records)

	res := Resolve(report, PolicyFirstWins, nil)
	// A starts first and wins over B; C only touches A; D hits the booking.
	assert.Equal(t, []string{"A", "C"}, ids(res.Accepted))
	assert.Equal(t, []string{"B", "D"}, ids(res.Rejected))
}

func TestResolve_ExplicitAccept(t *testing.T) {
	records := []models.ScheduleRecord{
		rec("A", at(9, 0), at(10, 0)),
		rec("B", at(9, 30), at(10, 30)),
	}
	report := NewDetector(nil, nil).Detect(records)

	res := Resolve(report, PolicyFirstWins, []string{" B ", "missing"})
	assert.Equal(t, []string{"B"}, ids(res.Accepted), "user choice beats first-wins")
	assert.Equal(t, []string{"A"}, ids(res.Rejected))
	assert.Equal(t, []string{"missing"}, res.Unknown)

	res = Resolve(report, PolicyReject, []string{"A"})
	assert.Equal(t, []string{"A"}, ids(res.Accepted))
}
