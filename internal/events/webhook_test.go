package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPublisherFiltersAndAuthenticates(t *testing.T) {
	var received []Event
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, event)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	publisher := NewWebhookPublisher(server.URL, "secret", TypeNotificationCreated)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	called, err := New("token.called", "office-1", "s1", map[string]string{}, at)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), called))

	notified, err := New(TypeNotificationCreated, "office-1", "s2", map[string]string{"message": "next"}, at)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), notified))

	require.Len(t, received, 1)
	assert.Equal(t, TypeNotificationCreated, received[0].Type)
	assert.Equal(t, "s2", received[0].RecipientID)
	assert.Equal(t, "Bearer secret", auth)
}

func TestWebhookPublisherRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	publisher := NewWebhookPublisher(server.URL, "")
	event, err := New(TypeTokenCreated, "office-1", "", nil, time.Time{})
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
