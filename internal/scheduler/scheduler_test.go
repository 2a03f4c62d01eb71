package scheduler

import (
	"context"
	"testing"
	"time"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func tok(id string, priority models.Priority, offset time.Duration) models.Token {
	return models.Token{
		TokenID:   id,
		OfficeID:  "office-1",
		Priority:  priority,
		Status:    models.StatusWaiting,
		CreatedAt: t0.Add(offset),
	}
}

func ids(tokens []models.Token) []string {
	out := make([]string, len(tokens))
	for i, token := range tokens {
		out[i] = token.TokenID
	}
	return out
}

func TestOrder(t *testing.T) {
	cases := []struct {
		name   string
		tokens []models.Token
		want   []string
	}{
		{
			name: "urgent outranks earlier normal",
			tokens: []models.Token{
				tok("a", models.PriorityNormal, 0),
				tok("b", models.PriorityUrgent, time.Minute),
			},
			want: []string{"b", "a"},
		},
		{
			name: "urgent and medical share a rank",
			tokens: []models.Token{
				tok("m", models.PriorityMedical, 0),
				tok("u", models.PriorityUrgent, time.Minute),
				tok("n", models.PriorityNormal, -time.Hour),
			},
			want: []string{"m", "u", "n"},
		},
		{
			name: "fifo within normal",
			tokens: []models.Token{
				tok("late", models.PriorityNormal, 2*time.Minute),
				tok("early", models.PriorityNormal, time.Minute),
			},
			want: []string{"early", "late"},
		},
		{
			name: "same arrival falls back to id",
			tokens: []models.Token{
				tok("y", models.PriorityNormal, 0),
				tok("x", models.PriorityNormal, 0),
			},
			want: []string{"x", "y"},
		},
		{
			name: "non waiting tokens are dropped",
			tokens: func() []models.Token {
				serving := tok("s", models.PriorityUrgent, 0)
				serving.Status = models.StatusInProgress
				return []models.Token{serving, tok("w", models.PriorityNormal, time.Minute)}
			}(),
			want: []string{"w"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(Order(tc.tokens)))
		})
	}
}

func TestPositionAndPeek(t *testing.T) {
	tokens := []models.Token{
		tok("a", models.PriorityNormal, 0),
		tok("b", models.PriorityNormal, time.Minute),
		tok("c", models.PriorityMedical, 2*time.Minute),
	}

	assert.Equal(t, 1, Position(tokens, "c"))
	assert.Equal(t, 2, Position(tokens, "a"))
	assert.Equal(t, 3, Position(tokens, "b"))
	assert.Equal(t, 0, Position(tokens, "missing"))

	next, ok := PeekNext(tokens)
	require.True(t, ok)
	assert.Equal(t, "c", next.TokenID)

	next, ok = PeekNext(tokens, "c")
	require.True(t, ok)
	assert.Equal(t, "a", next.TokenID)

	_, ok = PeekNext(tokens, "a", "b", "c")
	assert.False(t, ok)
}

type fakeReader struct {
	tokens []models.Token
}

func (f fakeReader) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	for _, token := range f.tokens {
		if token.TokenID == tokenID {
			return token, nil
		}
	}
	return models.Token{}, store.ErrTokenNotFound
}

func (f fakeReader) ListOpen(ctx context.Context, officeID string) ([]models.Token, error) {
	var out []models.Token
	for _, token := range f.tokens {
		if token.OfficeID == officeID && !token.Status.Terminal() {
			out = append(out, token)
		}
	}
	return out, nil
}

func TestSelectForDispatch(t *testing.T) {
	ctx := context.Background()

	empty := New(fakeReader{})
	_, err := empty.SelectForDispatch(ctx, "office-1")
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	serving := tok("s", models.PriorityNormal, 0)
	serving.Status = models.StatusInProgress
	busy := New(fakeReader{tokens: []models.Token{serving, tok("w", models.PriorityUrgent, time.Minute)}})
	_, err = busy.SelectForDispatch(ctx, "office-1")
	assert.ErrorIs(t, err, store.ErrOfficeBusy)

	ready := New(fakeReader{tokens: []models.Token{
		tok("a", models.PriorityNormal, 0),
		tok("b", models.PriorityUrgent, time.Minute),
	}})
	next, err := ready.SelectForDispatch(ctx, "office-1")
	require.NoError(t, err)
	assert.Equal(t, "b", next.TokenID)

	pos, err := ready.Position(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pos, err = busy.Position(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	_, err = ready.Position(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}
