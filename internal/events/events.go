// Package events fans committed token changes out to interested parties.
// Delivery is best effort; nothing here feeds back into the ledger.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TypeTokenCreated        = "token.created"
	TypeNotificationCreated = "notification.created"
)

// Event is the envelope every publisher sends. Sequence increases per office
// in commit order; delivery may still arrive out of order, so consumers keep
// the highest sequence they applied and drop anything older.
type Event struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	OfficeID    string          `json:"office_id"`
	Sequence    uint64          `json:"sequence"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

func New(eventType, officeID, recipientID string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		EventID:     uuid.NewString(),
		Type:        eventType,
		OfficeID:    officeID,
		RecipientID: recipientID,
		Payload:     raw,
		CreatedAt:   at,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range m {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
