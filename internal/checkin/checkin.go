// Package checkin records a visitor's arrival at an office and works out who
// should be told they are next.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"
)

const payloadType = "office-checkin"

var ErrInvalidPayload = errors.New("invalid check-in payload")

type payload struct {
	Type     string `json:"type"`
	OfficeID string `json:"officeId"`
}

// ParsePayload decodes the JSON carried by an office's check-in QR code and
// returns the office id.
func ParsePayload(raw string) (string, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Type != payloadType || strings.TrimSpace(p.OfficeID) == "" {
		return "", ErrInvalidPayload
	}
	return p.OfficeID, nil
}

// Payload renders the QR content for an office.
func Payload(officeID string) string {
	raw, _ := json.Marshal(payload{Type: payloadType, OfficeID: officeID})
	return string(raw)
}

func NextInLineMessage(office models.Office) string {
	name := office.Name
	if name == "" {
		name = office.OfficeID
	}
	return fmt.Sprintf("You are next in the queue for %s! Please be ready.", name)
}

type Ledger interface {
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	MarkCheckedIn(ctx context.Context, tokenID string, at time.Time) (models.Token, bool, error)
}

type NextPicker interface {
	PeekNext(ctx context.Context, officeID string, exclude ...string) (models.Token, bool, error)
}

type Result struct {
	Token models.Token
	// Changed is false when the token was already checked in.
	Changed bool
	// Notification is the unsent "you are next" message, if anyone is next.
	Notification *models.Notification
}

type Gate struct {
	ledger    Ledger
	scheduler NextPicker
	offices   directory.Directory
}

func NewGate(ledger Ledger, scheduler NextPicker, offices directory.Directory) *Gate {
	return &Gate{ledger: ledger, scheduler: scheduler, offices: offices}
}

// CheckIn validates the scanned office and flags the token. It builds the
// notification for the new next-in-line token but leaves delivery to the
// caller. Checking in twice is a no-op.
func (g *Gate) CheckIn(ctx context.Context, tokenID, scannedOfficeID string, at time.Time) (Result, error) {
	token, err := g.ledger.GetToken(ctx, tokenID)
	if err != nil {
		return Result{}, err
	}
	if scannedOfficeID != token.OfficeID {
		return Result{}, store.ErrOfficeMismatch
	}
	if token.Status.Terminal() {
		return Result{}, store.ErrInvalidState
	}
	if token.IsCheckedIn {
		return Result{Token: token}, nil
	}

	// Work out the next-in-line first so a failed lookup leaves the token
	// untouched. Callers hold the office lock, so the queue cannot move
	// between the lookup and the mark.
	notification, err := g.nextInLine(ctx, token, at)
	if err != nil {
		return Result{}, err
	}

	token, changed, err := g.ledger.MarkCheckedIn(ctx, tokenID, at)
	if err != nil {
		return Result{}, err
	}
	result := Result{Token: token, Changed: changed}
	if changed {
		result.Notification = notification
	}
	return result, nil
}

func (g *Gate) nextInLine(ctx context.Context, token models.Token, at time.Time) (*models.Notification, error) {
	next, ok, err := g.scheduler.PeekNext(ctx, token.OfficeID, token.TokenID)
	if err != nil || !ok {
		return nil, err
	}

	office, err := g.offices.Office(ctx, token.OfficeID)
	if err != nil && !errors.Is(err, store.ErrOfficeNotFound) {
		return nil, err
	}
	if office.OfficeID == "" {
		office.OfficeID = token.OfficeID
	}
	return &models.Notification{
		RecipientID: next.StudentID,
		OfficeID:    token.OfficeID,
		TokenID:     next.TokenID,
		Message:     NextInLineMessage(office),
		CreatedAt:   at,
	}, nil
}
