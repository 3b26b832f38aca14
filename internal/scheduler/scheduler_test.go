package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartsched/internal/conflict"
	"smartsched/internal/intake"
	"smartsched/internal/invite"
	"smartsched/internal/metrics"
	"smartsched/internal/models"
)

const intakeCSV = `id,participant,email,start,end,subject
a,Ada Lovelace,ada@example.com,2025-09-01 09:00,2025-09-01 10:00,
b,Grace Hopper,grace@example.com,2025-09-01 09:30,2025-09-01 10:30,
c,Alan Turing,alan@example.com,2025-09-01 10:30,2025-09-01 11:00,
d,Edsger Dijkstra,edsger@example.com,2025-09-01 13:00,2025-09-01 14:00,
`

type fakePublisher struct {
	published []models.Invite
	fail      map[string]bool
}

func (f *fakePublisher) Publish(_ context.Context, inv models.Invite) error {
	if f.fail[inv.RecordID] {
		return errors.New("calendar unavailable")
	}
	f.published = append(f.published, inv)
	return nil
}

type staticBookings []models.Booking

func (staticBookings) Name() string { return "static" }
func (s staticBookings) Bookings(context.Context, time.Time, time.Time) ([]models.Booking, error) {
	return s, nil
}

func newScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Reader == nil {
		opts.Reader = intake.NewReader(nil, time.UTC, 0)
	}
	if opts.Generator == nil {
		opts.Generator = invite.NewGenerator(nil, "", "clinic.example")
	}
	s, err := New(nil, opts)
	require.NoError(t, err)
	return s
}

func ids(records []models.ScheduleRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestPlan_RejectPolicy(t *testing.T) {
	m := metrics.New()
	s := newScheduler(t, Options{Metrics: m})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Errors())
	assert.Equal(t, 2, plan.Report.Conflicting())
	assert.Equal(t, []string{"c", "d"}, ids(plan.Resolution.Accepted))
	assert.Equal(t, []string{"a", "b"}, ids(plan.Resolution.Rejected))
}

func TestPlan_FirstWinsAndAccept(t *testing.T) {
	s := newScheduler(t, Options{Policy: conflict.PolicyFirstWins})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, ids(plan.Resolution.Accepted))

	plan, err = s.Plan(context.Background(), strings.NewReader(intakeCSV), conflict.PolicyReject, []string{"b", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, ids(plan.Resolution.Accepted))
	assert.Equal(t, []string{"zzz"}, plan.Resolution.Unknown)
}

func TestPlan_Bookings(t *testing.T) {
	busy := staticBookings{{
		ID:    "lunch",
		Start: time.Date(2025, 9, 1, 13, 30, 0, 0, time.UTC),
		End:   time.Date(2025, 9, 1, 14, 30, 0, 0, time.UTC),
	}}
	s := newScheduler(t, Options{Bookings: busy})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	require.Len(t, plan.Bookings, 1)
	d, ok := plan.Report.Annotation("d")
	require.True(t, ok)
	assert.Equal(t, []string{"lunch"}, d.Bookings)
	assert.Equal(t, []string{"c"}, ids(plan.Resolution.Accepted))
}

type failingBookings struct{}

func (failingBookings) Name() string { return "failing" }
func (failingBookings) Bookings(context.Context, time.Time, time.Time) ([]models.Booking, error) {
	return nil, errors.New("calendar API unreachable")
}

func TestPlan_BadIntake(t *testing.T) {
	s := newScheduler(t, Options{Bookings: failingBookings{}})
	_, err := s.Plan(context.Background(), strings.NewReader(""), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntake)
	assert.NotErrorIs(t, err, ErrBookings)
}

func TestPlan_BookingsFailure(t *testing.T) {
	s := newScheduler(t, Options{Bookings: failingBookings{}})
	_, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBookings)
	assert.NotErrorIs(t, err, ErrIntake)
	assert.Contains(t, err.Error(), "calendar API unreachable")
}

func TestExport(t *testing.T) {
	s := newScheduler(t, Options{})
	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)

	var first, second bytes.Buffer
	_, err = s.Export(&first, plan)
	require.NoError(t, err)
	_, err = s.Export(&second, plan)
	require.NoError(t, err)

	out := first.String()
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "SUMMARY:Consultation with Alan Turing")
	assert.Equal(t, out, second.String(), "export is idempotent")
}

func TestExportFiles(t *testing.T) {
	s := newScheduler(t, Options{})
	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)

	paths, ferrs, err := s.ExportFiles(t.TempDir(), plan)
	require.NoError(t, err)
	assert.Empty(t, ferrs)
	assert.Len(t, paths, 2)
}

func TestPublish_OnlyOnce(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "publish-state.json")
	pub := &fakePublisher{}
	s := newScheduler(t, Options{Publisher: pub, StatePath: statePath})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)

	sum, err := s.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, PublishSummary{Published: 2}, sum)

	// A new scheduler picks the state up from disk.
	s2 := newScheduler(t, Options{Publisher: pub, StatePath: statePath})
	sum, err = s2.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, PublishSummary{Unchanged: 2}, sum)
	assert.Len(t, pub.published, 2)
}

func TestPublish_ChangedInviteIsRepublished(t *testing.T) {
	pub := &fakePublisher{}
	s := newScheduler(t, Options{Publisher: pub})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	_, err = s.Publish(context.Background(), plan)
	require.NoError(t, err)

	moved := strings.Replace(intakeCSV, "2025-09-01 13:00,2025-09-01 14:00", "2025-09-01 15:00,2025-09-01 16:00", 1)
	plan, err = s.Plan(context.Background(), strings.NewReader(moved), "", nil)
	require.NoError(t, err)
	sum, err := s.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Published)
	assert.Equal(t, 1, sum.Unchanged)
	require.Len(t, pub.published, 3)
	assert.Equal(t, pub.published[1].UID, pub.published[2].UID, "same record keeps its UID")
}

func TestPublish_FailureContinues(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "publish-state.json")
	pub := &fakePublisher{fail: map[string]bool{"c": true}}
	s := newScheduler(t, Options{Publisher: pub, StatePath: statePath})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	sum, err := s.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Published)

	// The failed invite is retried on the next run.
	pub.fail = nil
	sum, err = s.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Published)
	assert.Equal(t, 1, sum.Unchanged)
}

func TestPublish_DryRun(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "publish-state.json")
	s := newScheduler(t, Options{DryRun: true, StatePath: statePath})

	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	sum, err := s.Publish(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Published)

	_, err = os.Stat(statePath)
	assert.True(t, os.IsNotExist(err), "dry run does not write state")
}

func TestPublish_NoPublisher(t *testing.T) {
	s := newScheduler(t, Options{})
	plan, err := s.Plan(context.Background(), strings.NewReader(intakeCSV), "", nil)
	require.NoError(t, err)
	_, err = s.Publish(context.Background(), plan)
	assert.Error(t, err)
}

func TestNew_CorruptState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "publish-state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o600))
	_, err := New(nil, Options{
		Reader:    intake.NewReader(nil, time.UTC, 0),
		Generator: invite.NewGenerator(nil, "", ""),
		StatePath: statePath,
	})
	assert.Error(t, err)
}

func TestPlan_Summary(t *testing.T) {
	in := intakeCSV + "e,Barbara Liskov,,2025-09-01 15:00,2025-09-01 15:00,\n"
	s := newScheduler(t, Options{})
	plan, err := s.Plan(context.Background(), strings.NewReader(in), "", nil)
	require.NoError(t, err)

	sum := plan.Summary()
	require.Len(t, sum.Records, 4)
	assert.Equal(t, 2, sum.Conflicting)
	assert.Equal(t, []string{"c", "d"}, sum.Accepted)
	require.Len(t, sum.Groups, 1)
	assert.Equal(t, []string{"a", "b"}, sum.Groups[0].IDs)

	a := sum.Records[0]
	assert.True(t, a.Conflict)
	require.NotNil(t, a.Group)
	assert.Equal(t, 0, *a.Group)
	assert.Nil(t, sum.Records[2].Group)
	assert.True(t, sum.Records[2].Accepted)

	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "e", sum.Errors[0].RecordID)
	assert.Equal(t, 5, sum.Errors[0].Row)
}
