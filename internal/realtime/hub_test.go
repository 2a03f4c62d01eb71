package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"smartq/token-service/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishMatchesSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	office := &Client{ID: "office", Send: make(chan []byte, 4)}
	student := &Client{ID: "student", Send: make(chan []byte, 4)}
	idle := &Client{ID: "idle", Send: make(chan []byte, 4)}
	for _, client := range []*Client{office, student, idle} {
		hub.Register(client)
	}
	hub.UpdateSubscription(office, Subscription{OfficeID: "office-1"})
	hub.UpdateSubscription(student, Subscription{RecipientID: "s1"})

	require.NoError(t, hub.Publish(context.Background(), events.Event{Type: "token.called", OfficeID: "office-1"}))
	require.NoError(t, hub.Publish(context.Background(), events.Event{Type: "notification.created", OfficeID: "office-2", RecipientID: "s1"}))

	require.Len(t, office.Send, 1)
	require.Len(t, student.Send, 1)
	assert.Len(t, idle.Send, 0)

	var got events.Event
	require.NoError(t, json.Unmarshal(<-student.Send, &got))
	assert.Equal(t, "notification.created", got.Type)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil)
	client := &Client{ID: "slow", Send: make(chan []byte, 1)}
	hub.Register(client)
	hub.UpdateSubscription(client, Subscription{OfficeID: "office-1"})

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(context.Background(), events.Event{Type: "token.created", OfficeID: "office-1"}))
	}
	assert.Len(t, client.Send, 1)

	hub.Unregister(client)
	hub.Unregister(client)
	assert.Equal(t, 0, hub.Clients())
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","office_id":"office-1","recipient_id":"s1"}`))
	require.True(t, ok)
	assert.Equal(t, "office-1", msg.OfficeID)
	assert.Equal(t, "s1", msg.RecipientID)

	_, ok = ParseSubscribe([]byte(`{"action":"dance"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`nope`))
	assert.False(t, ok)
}
