package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"smartq/token-service/internal/models"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TokenID     string          `json:"token_id"`
	TokenNumber string          `json:"token_number"`
	OfficeID    string          `json:"office_id"`
	StudentID   string          `json:"student_id"`
	Purpose     string          `json:"purpose,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	Status      models.Status   `json:"status"`
	Day         string          `json:"day,omitempty"`
	Sequence    int             `json:"sequence,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	CalledAt    *time.Time      `json:"called_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	IsCheckedIn *bool           `json:"is_checked_in,omitempty"`
}

// EventPayload snapshots the token fields recorded with an audit event.
func EventPayload(token models.Token) (json.RawMessage, error) {
	createdAt := token.CreatedAt
	checkedIn := token.IsCheckedIn
	return json.Marshal(eventPayload{
		TokenID:     token.TokenID,
		TokenNumber: token.TokenNumber,
		OfficeID:    token.OfficeID,
		StudentID:   token.StudentID,
		Purpose:     token.Purpose,
		Priority:    token.Priority,
		Status:      token.Status,
		Day:         token.Day,
		Sequence:    token.Sequence,
		CreatedAt:   &createdAt,
		CalledAt:    token.CalledAt,
		CompletedAt: token.CompletedAt,
		IsCheckedIn: &checkedIn,
	})
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTokenEvent links a new event onto the chain ending at prev (nil for the
// first event of a token).
func NextTokenEvent(prev *TokenEvent, tokenID, eventType string, payload json.RawMessage, createdAt time.Time) TokenEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TokenSeq + 1
		prevHash = prev.Hash
	}
	return TokenEvent{
		TokenID:   tokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTokenEventHash(prevHash, tokenID, eventType, payload, createdAt, seq),
	}
}

// VerifyTokenEvents checks sequence continuity and the hash chain.
func VerifyTokenEvents(events []TokenEvent) error {
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return fmt.Errorf("event %d: unexpected sequence %d", i, event.TokenSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: broken chain", event.TokenSeq)
		}
		want := ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if want != event.Hash {
			return fmt.Errorf("event %d: hash mismatch", event.TokenSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.TokenNumber != "" {
			token.TokenNumber = payload.TokenNumber
		}
		if payload.OfficeID != "" {
			token.OfficeID = payload.OfficeID
		}
		if payload.StudentID != "" {
			token.StudentID = payload.StudentID
		}
		if payload.Purpose != "" {
			token.Purpose = payload.Purpose
		}
		if payload.Priority != "" {
			token.Priority = payload.Priority
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if payload.Day != "" {
			token.Day = payload.Day
		}
		if payload.Sequence != 0 {
			token.Sequence = payload.Sequence
		}
		if payload.CreatedAt != nil {
			token.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		if payload.IsCheckedIn != nil {
			token.IsCheckedIn = *payload.IsCheckedIn
		}
	}
	return token, nil
}
