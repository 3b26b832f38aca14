package intake

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead_ValidRows(t *testing.T) {
	in := strings.Join([]string{
		"id,participant,email,start,end,subject",
		"a,Ada Lovelace,ada@example.com,2025-09-01 09:00,2025-09-01 10:00,Intake call",
		"b,Grace Hopper,,2025-09-01T09:30:00Z,2025-09-01T10:30:00Z,",
	}, "\n")

	res, err := NewReader(nil, nil, 0).Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 2)

	a := res.Records[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, "Ada Lovelace", a.Participant)
	assert.Equal(t, "ada@example.com", a.Email)
	assert.Equal(t, "Intake call", a.Subject)
	assert.Equal(t, 1, a.Row)
	assert.True(t, a.Start.Equal(time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)))
	assert.True(t, a.End.Equal(time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)))

	b := res.Records[1]
	assert.Equal(t, 2, b.Row)
	assert.Empty(t, b.Email)
}

func TestRead_RowErrorsDoNotAbort(t *testing.T) {
	in := strings.Join([]string{
		"id,participant,start,end",
		"a,Ada,2025-09-01 09:00,2025-09-01 09:00",
		"b,Grace,2025-09-01 10:00,2025-09-01 11:00",
		",Nobody,2025-09-01 10:00,2025-09-01 11:00",
		"c,,2025-09-01 10:00,2025-09-01 11:00",
		"d,Alan,yesterday,2025-09-01 11:00",
		"b,Grace again,2025-09-02 10:00,2025-09-02 11:00",
		"e,Edsger,2025-09-01 12:00,2025-09-01 11:00",
	}, "\n")

	res, err := NewReader(nil, nil, 0).Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "b", res.Records[0].ID)

	require.Len(t, res.Errors, 6)
	byRow := map[int]*ValidationError{}
	for _, e := range res.Errors {
		byRow[e.Row] = e
	}
	assert.Equal(t, ColEnd, byRow[1].Field, "zero duration")
	assert.Equal(t, "a", byRow[1].RecordID)
	assert.Equal(t, ColID, byRow[3].Field)
	assert.Equal(t, ColParticipant, byRow[4].Field)
	assert.Equal(t, ColStart, byRow[5].Field)
	assert.Contains(t, byRow[6].Reason, "duplicate")
	assert.Equal(t, ColEnd, byRow[7].Field)
}

func TestRead_RaggedRowsAreRowErrors(t *testing.T) {
	in := strings.Join([]string{
		"id,participant,start,end,subject",
		"a,Ada,2025-09-01 09:00,2025-09-01 10:00,Intake,extra,columns",
		"b,Grace,2025-09-01 10:00",
		"c,Alan,2025-09-01 11:00,2025-09-01 12:00,Review",
	}, "\n")

	res, err := NewReader(nil, nil, 0).Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "c", res.Records[0].ID)
	assert.Equal(t, 3, res.Records[0].Row)

	require.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Errors[0].Row)
	assert.Equal(t, 2, res.Errors[1].Row)
	for _, e := range res.Errors {
		assert.Contains(t, e.Reason, "wrong number of fields")
	}
}

func TestRead_MissingColumns(t *testing.T) {
	_, err := NewReader(nil, nil, 0).Read(strings.NewReader("id,participant,start\na,Ada,2025-09-01 09:00\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end")

	_, err = NewReader(nil, nil, 0).Read(strings.NewReader(""))
	require.Error(t, err)
}

func TestRead_DefaultDurationAndAliases(t *testing.T) {
	in := "\ufeffName,Email,Preferred Time,Timestamp,Identifier\n" +
		"Ada,ada@example.com,2025-09-01 09:00,2025/08/20 14:03:11,r1\n"

	lagos := time.FixedZone("WAT", 60*60)

	res, err := NewReader(nil, lagos, 30*time.Minute).Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, 30*time.Minute, rec.End.Sub(rec.Start))
	assert.True(t, rec.Start.Equal(time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)), "09:00 in Lagos is 08:00 UTC")
	assert.False(t, rec.Created.IsZero())
}

func TestRead_ParticipantEmailFallback(t *testing.T) {
	in := "id,participant,start,end\nx,ada@example.com,2025-09-01 09:00,2025-09-01 10:00\n"
	res, err := NewReader(nil, nil, 0).Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "ada@example.com", res.Records[0].Email)
}

func TestValidationError_Message(t *testing.T) {
	var err error = &ValidationError{Row: 3, Field: ColStart, Reason: "time is empty"}
	assert.Equal(t, "row 3: start: time is empty", err.Error())

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}
