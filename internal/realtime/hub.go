// Package realtime pushes token events to dashboard and student clients over
// SockJS.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"smartq/token-service/internal/events"
)

// Subscription filters events. Empty fields match anything, but a client
// receives nothing until it subscribes.
type Subscription struct {
	OfficeID    string
	RecipientID string
}

func (s Subscription) empty() bool {
	return s.OfficeID == "" && s.RecipientID == ""
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

type SubscribeMessage struct {
	Action      string `json:"action"`
	OfficeID    string `json:"office_id"`
	RecipientID string `json:"recipient_id"`
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger.With("component", "realtime")}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers the event to every matching client without blocking; a
// client whose buffer is full misses the message.
func (h *Hub) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	meta := Subscription{OfficeID: event.OfficeID, RecipientID: event.RecipientID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message", "client_id", client.ID, "type", event.Type)
		}
	}
	return nil
}

func match(sub, meta Subscription) bool {
	if sub.empty() {
		return false
	}
	if sub.OfficeID != "" && meta.OfficeID != sub.OfficeID {
		return false
	}
	if sub.RecipientID != "" && meta.RecipientID != sub.RecipientID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
