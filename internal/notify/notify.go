// Package notify holds per-recipient messages until the recipient
// acknowledges them.
package notify

import (
	"context"
	"sync"
	"time"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/google/uuid"
)

type Queue interface {
	Enqueue(ctx context.Context, notification models.Notification) (models.Notification, error)
	// List returns a recipient's pending notifications in insertion order.
	List(ctx context.Context, recipientID string) ([]models.Notification, error)
	Acknowledge(ctx context.Context, notificationID string) error
}

// prepare fills the id and timestamp of a new notification.
func prepare(notification models.Notification) models.Notification {
	if notification.NotificationID == "" {
		notification.NotificationID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	return notification
}

type MemoryQueue struct {
	mu          sync.Mutex
	byRecipient map[string][]models.Notification
	recipients  map[string]string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byRecipient: make(map[string][]models.Notification),
		recipients:  make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, notification models.Notification) (models.Notification, error) {
	notification = prepare(notification)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byRecipient[notification.RecipientID] = append(q.byRecipient[notification.RecipientID], notification)
	q.recipients[notification.NotificationID] = notification.RecipientID
	return notification, nil
}

func (q *MemoryQueue) List(ctx context.Context, recipientID string) ([]models.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.byRecipient[recipientID]
	out := make([]models.Notification, len(pending))
	copy(out, pending)
	return out, nil
}

func (q *MemoryQueue) Acknowledge(ctx context.Context, notificationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	recipientID, ok := q.recipients[notificationID]
	if !ok {
		return store.ErrNotificationNotFound
	}
	pending := q.byRecipient[recipientID]
	for i, notification := range pending {
		if notification.NotificationID == notificationID {
			q.byRecipient[recipientID] = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	if len(q.byRecipient[recipientID]) == 0 {
		delete(q.byRecipient, recipientID)
	}
	delete(q.recipients, notificationID)
	return nil
}
