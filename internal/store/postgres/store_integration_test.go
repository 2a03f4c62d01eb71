package postgres

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"smartq/token-service/internal/migration"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDay = "2026-03-02"

func TestConcurrentCreateIssuesContiguousNumbers(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedOffice(t, ctx, st, models.Office{OfficeID: "office-1", Name: "Registrar Office", Prefix: "REG", IsActive: true})

	const bookings = 12
	var wg sync.WaitGroup
	numbers := make(chan string, bookings)
	errs := make(chan error, bookings)
	for i := 0; i < bookings; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := st.CreateToken(ctx, store.CreateTokenInput{
				StudentID: uuid.NewString(),
				OfficeID:  "office-1",
				Day:       testDay,
				CreatedAt: time.Date(2026, 3, 2, 9, i, 0, 0, time.UTC),
			})
			if err != nil {
				errs <- err
				return
			}
			numbers <- token.TokenNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("create token: %v", err)
	}
	seen := make(map[string]bool)
	for number := range numbers {
		seen[number] = true
	}
	require.Len(t, seen, bookings)
	for i := 1; i <= bookings; i++ {
		assert.True(t, seen[store.FormatTokenNumber("REG", i)], "missing sequence %d", i)
	}

	next, err := st.NextSequence(ctx, "office-1", testDay)
	require.NoError(t, err)
	assert.Equal(t, bookings+1, next)
}

func TestCreateTokenRejectsBadOffice(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedOffice(t, ctx, st, models.Office{OfficeID: "office-2", Name: "Library", Prefix: "LIB", IsActive: false})
	seedOffice(t, ctx, st, models.Office{OfficeID: "office-3", Name: "Finance", Prefix: "FIN", TokenLimit: 1, IsActive: true})

	_, err := st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s1", OfficeID: "office-2", Day: testDay})
	assert.ErrorIs(t, err, store.ErrOfficeInactive)

	_, err = st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s1", OfficeID: "missing", Day: testDay})
	assert.ErrorIs(t, err, store.ErrOfficeNotFound)

	_, err = st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s1", OfficeID: "office-3", Day: testDay, EnforceLimit: true})
	require.NoError(t, err)
	_, err = st.CreateToken(ctx, store.CreateTokenInput{StudentID: "s2", OfficeID: "office-3", Day: testDay, EnforceLimit: true})
	assert.ErrorIs(t, err, store.ErrOfficeFull)

	next, err := st.NextSequence(ctx, "office-3", testDay)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestTransitionsAndSingleInProgress(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedOffice(t, ctx, st, models.Office{OfficeID: "office-1", Name: "Registrar Office", Prefix: "REG", IsActive: true})

	a := createToken(t, ctx, st, "s1")
	b := createToken(t, ctx, st, "s2")

	_, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionComplete})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	called, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionCallNext})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, called.Status)
	require.NotNil(t, called.CalledAt)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: b.TokenID, Action: store.ActionCallNext})
	assert.ErrorIs(t, err, store.ErrOfficeBusy)

	_, err = st.TransitionToken(ctx, store.TransitionInput{TokenID: uuid.NewString(), Action: store.ActionCancel})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)

	done, err := st.TransitionToken(ctx, store.TransitionInput{TokenID: a.TokenID, Action: store.ActionComplete})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, changed, err := st.MarkCheckedIn(ctx, b.TokenID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = st.MarkCheckedIn(ctx, b.TokenID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = st.MarkCheckedIn(ctx, a.TokenID, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrInvalidState)

	open, err := st.ListOpen(ctx, "office-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.TokenID, open[0].TokenID)

	events, err := st.ListTokenEvents(ctx, a.TokenID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NoError(t, store.VerifyTokenEvents(events))
}

func TestListByStudentNewestFirst(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)
	seedOffice(t, ctx, st, models.Office{OfficeID: "office-1", Name: "Registrar Office", Prefix: "REG", IsActive: true})

	older := createToken(t, ctx, st, "s1")
	newer := createToken(t, ctx, st, "s1")

	history, err := st.ListByStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, newer.TokenID, history[0].TokenID)
	assert.Equal(t, older.TokenID, history[1].TokenID)

	byDay, err := st.ListByOffice(ctx, "office-1", testDay)
	require.NoError(t, err)
	assert.Len(t, byDay, 2)
	assert.Equal(t, testDay, byDay[0].Day)
}

func createToken(t *testing.T, ctx context.Context, st *Store, studentID string) models.Token {
	t.Helper()
	token, err := st.CreateToken(ctx, store.CreateTokenInput{
		StudentID: studentID,
		OfficeID:  "office-1",
		Day:       testDay,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return token
}

func seedOffice(t *testing.T, ctx context.Context, st *Store, office models.Office) {
	t.Helper()
	require.NoError(t, st.UpsertOffice(ctx, office))
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execAdmin(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	runner, err := migration.NewRunner(db, nil)
	if err == nil {
		err = runner.Up(ctx)
	}
	if err != nil {
		_ = db.Close()
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		pool.Close()
		_ = execAdmin(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool), cleanup
}

func execAdmin(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}
