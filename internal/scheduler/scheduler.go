// Package scheduler orders an office's waiting tokens and picks the next one
// to serve.
//
// Urgent and Medical share the top rank, Normal follows. Within a rank tokens
// are served by arrival, and identical arrival times fall back to token id so
// the order is total.
package scheduler

import (
	"context"
	"sort"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"
)

// Less reports whether a is served before b.
func Less(a, b models.Token) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TokenID < b.TokenID
}

// Order returns the waiting tokens from tokens in serving order. The input is
// not modified.
func Order(tokens []models.Token) []models.Token {
	waiting := make([]models.Token, 0, len(tokens))
	for _, token := range tokens {
		if token.Status == models.StatusWaiting {
			waiting = append(waiting, token)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return Less(waiting[i], waiting[j]) })
	return waiting
}

// Position is the 1-based rank of tokenID among the waiting tokens, or 0 when
// it is not waiting.
func Position(tokens []models.Token, tokenID string) int {
	for i, token := range Order(tokens) {
		if token.TokenID == tokenID {
			return i + 1
		}
	}
	return 0
}

// PeekNext returns the highest ranked waiting token whose id is not in
// exclude.
func PeekNext(tokens []models.Token, exclude ...string) (models.Token, bool) {
	var best models.Token
	found := false
	for _, token := range tokens {
		if token.Status != models.StatusWaiting || excluded(token.TokenID, exclude) {
			continue
		}
		if !found || Less(token, best) {
			best = token
			found = true
		}
	}
	return best, found
}

func InProgress(tokens []models.Token) (models.Token, bool) {
	for _, token := range tokens {
		if token.Status == models.StatusInProgress {
			return token, true
		}
	}
	return models.Token{}, false
}

func excluded(tokenID string, exclude []string) bool {
	for _, id := range exclude {
		if id == tokenID {
			return true
		}
	}
	return false
}

// OpenTokenReader is the slice of the ledger the scheduler reads from.
type OpenTokenReader interface {
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListOpen(ctx context.Context, officeID string) ([]models.Token, error)
}

type Scheduler struct {
	tokens OpenTokenReader
}

func New(tokens OpenTokenReader) *Scheduler {
	return &Scheduler{tokens: tokens}
}

func (s *Scheduler) Position(ctx context.Context, tokenID string) (int, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if token.Status != models.StatusWaiting {
		return 0, nil
	}
	open, err := s.tokens.ListOpen(ctx, token.OfficeID)
	if err != nil {
		return 0, err
	}
	return Position(open, tokenID), nil
}

// PeekNext returns the next token to serve, skipping the ids in exclude. The
// boolean is false when nothing is waiting.
func (s *Scheduler) PeekNext(ctx context.Context, officeID string, exclude ...string) (models.Token, bool, error) {
	open, err := s.tokens.ListOpen(ctx, officeID)
	if err != nil {
		return models.Token{}, false, err
	}
	next, ok := PeekNext(open, exclude...)
	return next, ok, nil
}

// SelectForDispatch picks the token callNext should start serving. An office
// serves one token at a time, so any in-progress token blocks selection.
func (s *Scheduler) SelectForDispatch(ctx context.Context, officeID string) (models.Token, error) {
	open, err := s.tokens.ListOpen(ctx, officeID)
	if err != nil {
		return models.Token{}, err
	}
	if _, busy := InProgress(open); busy {
		return models.Token{}, store.ErrOfficeBusy
	}
	next, ok := PeekNext(open)
	if !ok {
		return models.Token{}, store.ErrQueueEmpty
	}
	return next, nil
}
