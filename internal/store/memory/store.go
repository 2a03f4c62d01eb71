// Package memory is the process-local TokenStore used for single-node
// deployments and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/google/uuid"
)

type sequenceKey struct {
	officeID string
	day      string
}

type Store struct {
	dir directory.Directory

	mu        sync.RWMutex
	tokens    map[string]models.Token
	sequences map[sequenceKey]int
	events    map[string][]store.TokenEvent
}

func NewStore(dir directory.Directory) *Store {
	return &Store{
		dir:       dir,
		tokens:    make(map[string]models.Token),
		sequences: make(map[sequenceKey]int),
		events:    make(map[string][]store.TokenEvent),
	}
}

func (s *Store) NextSequence(ctx context.Context, officeID, day string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequences[sequenceKey{officeID: officeID, day: day}] + 1, nil
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	office, err := s.dir.Office(ctx, input.OfficeID)
	if err != nil {
		return models.Token{}, err
	}
	if !office.IsActive {
		return models.Token{}, store.ErrOfficeInactive
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := input.Day
	if day == "" {
		day = store.DayOf(createdAt, time.UTC)
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sequenceKey{officeID: office.OfficeID, day: day}
	seq := s.sequences[key] + 1
	if input.EnforceLimit && office.TokenLimit > 0 && seq > office.TokenLimit {
		return models.Token{}, store.ErrOfficeFull
	}

	token := models.Token{
		TokenID:     uuid.NewString(),
		TokenNumber: store.FormatTokenNumber(office.Prefix, seq),
		OfficeID:    office.OfficeID,
		StudentID:   input.StudentID,
		Purpose:     input.Purpose,
		Priority:    priority,
		Status:      models.StatusWaiting,
		Day:         day,
		Sequence:    seq,
		CreatedAt:   createdAt,
	}
	if err := s.appendEvent(token, store.EventTokenCreated, createdAt); err != nil {
		return models.Token{}, err
	}
	s.sequences[key] = seq
	s.tokens[token.TokenID] = token
	return token.Clone(), nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token.Clone(), nil
}

// ListByOffice returns tokens in issue order. An empty day lists every day.
func (s *Store) ListByOffice(ctx context.Context, officeID, day string) ([]models.Token, error) {
	out := s.filter(func(token models.Token) bool {
		return token.OfficeID == officeID && (day == "" || token.Day == day)
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *Store) ListByStudent(ctx context.Context, studentID string) ([]models.Token, error) {
	out := s.filter(func(token models.Token) bool {
		return token.StudentID == studentID
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TokenID > out[j].TokenID
	})
	return out, nil
}

func (s *Store) ListOpen(ctx context.Context, officeID string) ([]models.Token, error) {
	out := s.filter(func(token models.Token) bool {
		return token.OfficeID == officeID && !token.Status.Terminal()
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, store.ErrInvalidTransition
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[input.TokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(input.Action, token.Status) {
		return models.Token{}, store.ErrInvalidTransition
	}
	if target == models.StatusInProgress && s.hasInProgress(token.OfficeID) {
		return models.Token{}, store.ErrOfficeBusy
	}

	token = token.Clone()
	token.Status = target
	switch target {
	case models.StatusInProgress:
		token.CalledAt = &occurredAt
	case models.StatusCompleted:
		token.CompletedAt = &occurredAt
	}
	if err := s.appendEvent(token, store.EventType(input.Action), occurredAt); err != nil {
		return models.Token{}, err
	}
	s.tokens[token.TokenID] = token
	return token.Clone(), nil
}

func (s *Store) MarkCheckedIn(ctx context.Context, tokenID string, at time.Time) (models.Token, bool, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, false, store.ErrTokenNotFound
	}
	if !store.ValidTransition(store.ActionCheckIn, token.Status) {
		return models.Token{}, false, store.ErrInvalidState
	}
	if token.IsCheckedIn {
		return token.Clone(), false, nil
	}
	token.IsCheckedIn = true
	if err := s.appendEvent(token, store.EventType(store.ActionCheckIn), at); err != nil {
		return models.Token{}, false, err
	}
	s.tokens[tokenID] = token
	return token.Clone(), true, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tokens[tokenID]; !ok {
		return nil, store.ErrTokenNotFound
	}
	events := s.events[tokenID]
	out := make([]store.TokenEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) filter(keep func(models.Token) bool) []models.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Token, 0)
	for _, token := range s.tokens {
		if keep(token) {
			out = append(out, token.Clone())
		}
	}
	return out
}

// hasInProgress requires s.mu.
func (s *Store) hasInProgress(officeID string) bool {
	for _, token := range s.tokens {
		if token.OfficeID == officeID && token.Status == models.StatusInProgress {
			return true
		}
	}
	return false
}

// appendEvent requires s.mu held for writing.
func (s *Store) appendEvent(token models.Token, eventType string, at time.Time) error {
	payload, err := store.EventPayload(token)
	if err != nil {
		return err
	}
	chain := s.events[token.TokenID]
	var prev *store.TokenEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	s.events[token.TokenID] = append(chain, store.NextTokenEvent(prev, token.TokenID, eventType, payload, at))
	return nil
}
