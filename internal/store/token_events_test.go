package store

import (
	"testing"
	"time"

	"smartq/token-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenEventChainRehydrates(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	called := created.Add(5 * time.Minute)
	token := models.Token{
		TokenID:     "tok-1",
		TokenNumber: "REG-001",
		OfficeID:    "office-1",
		StudentID:   "student-1",
		Purpose:     "transcript",
		Priority:    models.PriorityUrgent,
		Status:      models.StatusWaiting,
		Day:         "2026-03-02",
		Sequence:    1,
		CreatedAt:   created,
	}

	payload, err := EventPayload(token)
	require.NoError(t, err)
	first := NextTokenEvent(nil, token.TokenID, "token.created", payload, created)

	token.Status = models.StatusInProgress
	token.CalledAt = &called
	token.IsCheckedIn = true
	payload, err = EventPayload(token)
	require.NoError(t, err)
	second := NextTokenEvent(&first, token.TokenID, "token.called", payload, called)

	events := []TokenEvent{first, second}
	require.NoError(t, VerifyTokenEvents(events))
	assert.Equal(t, 2, second.TokenSeq)
	assert.Equal(t, first.Hash, second.PrevHash)

	rebuilt, err := RehydrateToken(events)
	require.NoError(t, err)
	assert.Equal(t, "REG-001", rebuilt.TokenNumber)
	assert.Equal(t, models.StatusInProgress, rebuilt.Status)
	assert.Equal(t, models.PriorityUrgent, rebuilt.Priority)
	assert.True(t, rebuilt.IsCheckedIn)
	require.NotNil(t, rebuilt.CalledAt)
	assert.True(t, rebuilt.CalledAt.Equal(called))
}

func TestVerifyTokenEventsDetectsTampering(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	first := NextTokenEvent(nil, "tok-1", "token.created", []byte(`{"status":"waiting"}`), created)
	second := NextTokenEvent(&first, "tok-1", "token.cancelled", []byte(`{"status":"cancelled"}`), created.Add(time.Minute))

	second.Payload = []byte(`{"status":"completed"}`)
	assert.Error(t, VerifyTokenEvents([]TokenEvent{first, second}))
}

func TestFormatTokenNumber(t *testing.T) {
	assert.Equal(t, "REG-001", FormatTokenNumber("REG", 1))
	assert.Equal(t, "FIN-042", FormatTokenNumber("FIN", 42))
	assert.Equal(t, "SA-1000", FormatTokenNumber("SA", 1000))
}

func TestDayOf(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	late := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-03", DayOf(late, loc))
	assert.Equal(t, "2026-03-02", DayOf(late, time.UTC))
}
