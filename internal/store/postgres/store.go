package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	oneInProgressIndex = "tokens_one_in_progress_per_office"
	serviceDayLayout   = "2006-01-02"
	tokenColumns       = "token_id, token_number, office_id, student_id, purpose, priority, status, service_day, sequence, is_checked_in, created_at, called_at, completed_at"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Office makes the store usable as the office directory.
func (s *Store) Office(ctx context.Context, officeID string) (models.Office, error) {
	return lookupOffice(ctx, s.pool, officeID, false)
}

// UpsertOffice seeds or updates an office row.
func (s *Store) UpsertOffice(ctx context.Context, office models.Office) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offices (office_id, name, prefix, operating_hours, token_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (office_id) DO UPDATE SET
			name = EXCLUDED.name,
			prefix = EXCLUDED.prefix,
			operating_hours = EXCLUDED.operating_hours,
			token_limit = EXCLUDED.token_limit,
			is_active = EXCLUDED.is_active
	`, office.OfficeID, office.Name, office.Prefix, office.OperatingHours, office.TokenLimit, office.IsActive)
	return err
}

func (s *Store) NextSequence(ctx context.Context, officeID, day string) (int, error) {
	serviceDay, err := store.ParseDay(day)
	if err != nil {
		return 0, fmt.Errorf("parse day: %w", err)
	}
	var last int
	err = s.pool.QueryRow(ctx, `
		SELECT last_number FROM token_sequences WHERE office_id = $1 AND service_day = $2
	`, officeID, serviceDay).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	return last + 1, nil
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (token models.Token, err error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := input.Day
	if day == "" {
		day = store.DayOf(createdAt, time.UTC)
	}
	serviceDay, err := store.ParseDay(day)
	if err != nil {
		return models.Token{}, fmt.Errorf("parse day: %w", err)
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	office, err := lookupOffice(ctx, tx, input.OfficeID, true)
	if err != nil {
		return models.Token{}, err
	}
	if !office.IsActive {
		return models.Token{}, store.ErrOfficeInactive
	}

	seq, err := nextTokenNumber(ctx, tx, office.OfficeID, serviceDay)
	if err != nil {
		return models.Token{}, err
	}
	// The rollback undoes the increment, so a rejected booking consumes nothing.
	if input.EnforceLimit && office.TokenLimit > 0 && seq > office.TokenLimit {
		return models.Token{}, store.ErrOfficeFull
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, token_number, office_id, student_id, purpose, priority,
			status, service_day, sequence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+tokenColumns,
		uuid.NewString(), store.FormatTokenNumber(office.Prefix, seq), office.OfficeID, input.StudentID,
		input.Purpose, string(priority), string(models.StatusWaiting), serviceDay, seq, createdAt)
	if token, err = scanToken(row); err != nil {
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, store.EventTokenCreated, createdAt); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

func (s *Store) ListByOffice(ctx context.Context, officeID, day string) ([]models.Token, error) {
	if day == "" {
		return s.queryTokens(ctx, `
			SELECT `+tokenColumns+` FROM tokens
			WHERE office_id = $1
			ORDER BY service_day, sequence
		`, officeID)
	}
	serviceDay, err := store.ParseDay(day)
	if err != nil {
		return nil, fmt.Errorf("parse day: %w", err)
	}
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE office_id = $1 AND service_day = $2
		ORDER BY sequence
	`, officeID, serviceDay)
}

func (s *Store) ListByStudent(ctx context.Context, studentID string) ([]models.Token, error) {
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE student_id = $1
		ORDER BY created_at DESC, token_id DESC
	`, studentID)
}

func (s *Store) ListOpen(ctx context.Context, officeID string) ([]models.Token, error) {
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE office_id = $1 AND status IN ('waiting', 'in_progress')
		ORDER BY created_at, token_id
	`, officeID)
}

// TransitionToken applies a status change only if the row is still in one of
// the statuses the action may start from.
func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (token models.Token, err error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, store.ErrInvalidTransition
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	args := []any{string(target)}
	query := `UPDATE tokens SET status = $1`
	if column := timestampColumn(target); column != "" {
		args = append(args, occurredAt)
		query += fmt.Sprintf(", %s = $%d", column, len(args))
	}
	args = append(args, input.TokenID, statusStrings(store.AllowedFrom(input.Action)))
	query += fmt.Sprintf(" WHERE token_id = $%d AND status = ANY($%d) RETURNING %s", len(args)-1, len(args), tokenColumns)

	row := tx.QueryRow(ctx, query, args...)
	token, err = scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyMissedUpdate(ctx, tx, input.TokenID, store.ErrInvalidTransition)
			return models.Token{}, err
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneInProgressIndex {
			err = store.ErrOfficeBusy
		}
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, store.EventType(input.Action), occurredAt); err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) MarkCheckedIn(ctx context.Context, tokenID string, at time.Time) (token models.Token, changed bool, err error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1 FOR UPDATE`, tokenID)
	token, err = scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTokenNotFound
		}
		return models.Token{}, false, err
	}
	if !store.ValidTransition(store.ActionCheckIn, token.Status) {
		err = store.ErrInvalidState
		return models.Token{}, false, err
	}
	if token.IsCheckedIn {
		if err = tx.Commit(ctx); err != nil {
			return models.Token{}, false, err
		}
		return token, false, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE tokens SET is_checked_in = TRUE WHERE token_id = $1`, tokenID); err != nil {
		return models.Token{}, false, err
	}
	token.IsCheckedIn = true
	if err = insertTokenEvent(ctx, tx, token, store.EventType(store.ActionCheckIn), at); err != nil {
		return models.Token{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)`, tokenID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTokenNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) queryTokens(ctx context.Context, query string, args ...any) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]models.Token, 0)
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

func lookupOffice(ctx context.Context, q querier, officeID string, forShare bool) (models.Office, error) {
	query := `
		SELECT office_id, name, prefix, operating_hours, token_limit, is_active
		FROM offices
		WHERE office_id = $1`
	if forShare {
		query += ` FOR SHARE`
	}
	var office models.Office
	err := q.QueryRow(ctx, query, officeID).Scan(
		&office.OfficeID, &office.Name, &office.Prefix, &office.OperatingHours, &office.TokenLimit, &office.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Office{}, store.ErrOfficeNotFound
	}
	return office, err
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, officeID string, serviceDay time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (office_id, service_day, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (office_id, service_day)
		DO UPDATE SET last_number = token_sequences.last_number + 1
		RETURNING last_number
	`, officeID, serviceDay)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// classifyMissedUpdate tells a missing token apart from one in the wrong status.
func classifyMissedUpdate(ctx context.Context, tx pgx.Tx, tokenID string, wrongStatus error) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	return wrongStatus
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, token models.Token, eventType string, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token.TokenID); err != nil {
		return err
	}

	payload, err := store.EventPayload(token)
	if err != nil {
		return err
	}

	var prev *store.TokenEvent
	var last store.TokenEvent
	err = tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
	`, token.TokenID).Scan(&last.TokenSeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event := store.NextTokenEvent(prev, token.TokenID, eventType, payload, createdAt.UTC())
	_, err = tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TokenID, event.TokenSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var priority, status string
	var serviceDay time.Time
	var calledAt, completedAt sql.NullTime
	if err := row.Scan(
		&token.TokenID, &token.TokenNumber, &token.OfficeID, &token.StudentID, &token.Purpose,
		&priority, &status, &serviceDay, &token.Sequence, &token.IsCheckedIn,
		&token.CreatedAt, &calledAt, &completedAt,
	); err != nil {
		return models.Token{}, err
	}
	token.Priority = models.Priority(priority)
	token.Status = models.Status(status)
	token.Day = serviceDay.Format(serviceDayLayout)
	token.CalledAt = nullTimePtr(calledAt)
	token.CompletedAt = nullTimePtr(completedAt)
	return token, nil
}

func timestampColumn(target models.Status) string {
	switch target {
	case models.StatusInProgress:
		return "called_at"
	case models.StatusCompleted:
		return "completed_at"
	}
	return ""
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
