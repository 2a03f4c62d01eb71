package memory

import (
	"context"
	"testing"
	"time"

	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore(directory.NewStatic(
		models.Office{OfficeID: "office-1", Name: "Registrar Office", Prefix: "REG", TokenLimit: 2, IsActive: true},
		models.Office{OfficeID: "office-2", Name: "Library", Prefix: "LIB", IsActive: false},
	))
}

func book(t *testing.T, st *Store, studentID string, at time.Time, enforce bool) (models.Token, error) {
	t.Helper()
	return st.CreateToken(context.Background(), store.CreateTokenInput{
		StudentID:    studentID,
		OfficeID:     "office-1",
		Purpose:      "Transcript request",
		CreatedAt:    at,
		Day:          store.DayOf(at, time.UTC),
		EnforceLimit: enforce,
	})
}

func TestCreateTokenNumbersPerDay(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	next, err := st.NextSequence(ctx, "office-1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	first, err := book(t, st, "s1", base, false)
	require.NoError(t, err)
	second, err := book(t, st, "s2", base.Add(time.Minute), false)
	require.NoError(t, err)
	nextDay, err := book(t, st, "s3", base.Add(24*time.Hour), false)
	require.NoError(t, err)

	assert.Equal(t, "REG-001", first.TokenNumber)
	assert.Equal(t, "REG-002", second.TokenNumber)
	assert.Equal(t, "REG-001", nextDay.TokenNumber)
	assert.Equal(t, models.StatusWaiting, first.Status)
	assert.Equal(t, models.PriorityNormal, first.Priority)
	assert.Nil(t, first.CalledAt)

	next, err = st.NextSequence(ctx, "office-1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	today, err := st.ListByOffice(ctx, "office-1", "2026-03-02")
	require.NoError(t, err)
	require.Len(t, today, 2)
	assert.Equal(t, first.TokenID, today[0].TokenID)

	all, err := st.ListByOffice(ctx, "office-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateTokenOfficeChecks(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	_, err := st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s1", OfficeID: "office-2"})
	assert.ErrorIs(t, err, store.ErrOfficeInactive)

	_, err = st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s1", OfficeID: "nope"})
	assert.ErrorIs(t, err, store.ErrOfficeNotFound)
}

func TestTokenLimitDoesNotConsumeNumber(t *testing.T) {
	st := newTestStore()

	_, err := book(t, st, "s1", base, true)
	require.NoError(t, err)
	_, err = book(t, st, "s2", base, true)
	require.NoError(t, err)
	_, err = book(t, st, "s3", base, true)
	assert.ErrorIs(t, err, store.ErrOfficeFull)

	next, err := st.NextSequence(context.Background(), "office-1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	unlimited, err := book(t, st, "s4", base, false)
	require.NoError(t, err)
	assert.Equal(t, "REG-003", unlimited.TokenNumber)
}

func TestTransitions(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	a, err := book(t, st, "s1", base, false)
	require.NoError(t, err)
	b, err := book(t, st, "s2", base.Add(time.Minute), false)
	require.NoError(t, err)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionComplete})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	calledAt := base.Add(5 * time.Minute)
	called, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionCallNext, OccurredAt: calledAt})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, called.Status)
	require.NotNil(t, called.CalledAt)
	assert.True(t, called.CalledAt.Equal(calledAt))

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: b.TokenID, Action: store.ActionCallNext})
	assert.ErrorIs(t, err, store.ErrOfficeBusy)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionCancel})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	done, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionComplete, OccurredAt: calledAt.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	cancelled, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: b.TokenID, Action: store.ActionCancel})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.CalledAt)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: "missing", Action: store.ActionCancel})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)

	open, err := st.ListOpen(ctx, "office-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMarkCheckedIn(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	a, err := book(t, st, "s1", base, false)
	require.NoError(t, err)

	token, changed, err := st.MarkCheckedIn(ctx, a.TokenID, base)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, token.IsCheckedIn)

	_, changed, err = st.MarkCheckedIn(ctx, a.TokenID, base)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionCancel})
	require.NoError(t, err)
	_, _, err = st.MarkCheckedIn(ctx, a.TokenID, base)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	events, err := st.ListTokenEvents(ctx, a.TokenID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, store.EventTokenCreated, events[0].Type)
	assert.Equal(t, "token.checked_in", events[1].Type)
	assert.Equal(t, "token.cancelled", events[2].Type)
	require.NoError(t, store.VerifyTokenEvents(events))

	rebuilt, err := store.RehydrateToken(events)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rebuilt.Status)
	assert.True(t, rebuilt.IsCheckedIn)
}

func TestListByStudentNewestFirst(t *testing.T) {
	st := newTestStore()

	older, err := book(t, st, "s1", base, false)
	require.NoError(t, err)
	newer, err := book(t, st, "s1", base.Add(time.Hour), false)
	require.NoError(t, err)
	_, err = book(t, st, "s2", base, false)
	require.NoError(t, err)

	history, err := st.ListByStudent(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, newer.TokenID, history[0].TokenID)
	assert.Equal(t, older.TokenID, history[1].TokenID)
}

func TestReturnedTokensAreCopies(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	a, err := book(t, st, "s1", base, false)
	require.NoError(t, err)
	called, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionCallNext, OccurredAt: base})
	require.NoError(t, err)

	*called.CalledAt = base.Add(time.Hour)
	stored, err := st.GetToken(ctx, a.TokenID)
	require.NoError(t, err)
	assert.True(t, stored.CalledAt.Equal(base))
}
