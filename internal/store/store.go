package store

import (
	"context"
	"fmt"
	"time"

	"smartq/token-service/internal/models"
)

const (
	tokenNumberPad = 3
	dayLayout      = "2006-01-02"
)

type CreateTokenInput struct {
	StudentID string
	OfficeID  string
	Purpose   string
	Priority  models.Priority
	CreatedAt time.Time
	// Day is the calendar day the sequence is scoped to, formatted YYYY-MM-DD.
	Day string
	// EnforceLimit rejects bookings past the office's token limit.
	EnforceLimit bool
}

type TransitionInput struct {
	TokenID    string
	Action     string
	OccurredAt time.Time
}

// TokenStore owns token records and per-office, per-day numbering. It applies
// no dispatch policy; callers serialize writes per office.
type TokenStore interface {
	NextSequence(ctx context.Context, officeID, day string) (int, error)
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListByOffice(ctx context.Context, officeID, day string) ([]models.Token, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Token, error)
	ListOpen(ctx context.Context, officeID string) ([]models.Token, error)
	TransitionToken(ctx context.Context, input TransitionInput) (models.Token, error)
	MarkCheckedIn(ctx context.Context, tokenID string, at time.Time) (models.Token, bool, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}

func FormatTokenNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s-%0*d", prefix, tokenNumberPad, seq)
}

// DayOf returns the calendar day of t in loc, the key token numbering resets on.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(dayLayout)
}

func ParseDay(raw string) (time.Time, error) {
	return time.Parse(dayLayout, raw)
}
