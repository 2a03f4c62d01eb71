package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const webhookTimeout = 5 * time.Second

// WebhookPublisher posts event envelopes to an HTTP endpoint such as an SMS
// or push gateway. When types are given, other events are skipped.
type WebhookPublisher struct {
	url    string
	token  string
	types  map[string]struct{}
	client *http.Client
}

func NewWebhookPublisher(url, token string, types ...string) *WebhookPublisher {
	filter := make(map[string]struct{}, len(types))
	for _, eventType := range types {
		filter[eventType] = struct{}{}
	}
	return &WebhookPublisher{
		url:    url,
		token:  token,
		types:  filter,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	if len(p.types) > 0 {
		if _, ok := p.types[event.Type]; !ok {
			return nil
		}
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook rejected %s: status %d", event.Type, resp.StatusCode)
	}
	return nil
}
