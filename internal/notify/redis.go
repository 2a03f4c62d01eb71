package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"smartq/token-service/internal/models"
	"smartq/token-service/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	notificationKeyPrefix = "notification:"
	recipientKeyPrefix    = "notifications:"
)

// RedisQueue keeps each notification as a JSON string and a per-recipient
// list of ids, so several service instances share one feed.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func notificationKey(id string) string { return notificationKeyPrefix + id }

func recipientKey(id string) string { return recipientKeyPrefix + id }

func (q *RedisQueue) Enqueue(ctx context.Context, notification models.Notification) (models.Notification, error) {
	notification = prepare(notification)
	raw, err := json.Marshal(notification)
	if err != nil {
		return models.Notification{}, err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, notificationKey(notification.NotificationID), raw, 0)
		pipe.RPush(ctx, recipientKey(notification.RecipientID), notification.NotificationID)
		return nil
	})
	if err != nil {
		return models.Notification{}, fmt.Errorf("enqueue notification: %w", err)
	}
	return notification, nil
}

func (q *RedisQueue) List(ctx context.Context, recipientID string) ([]models.Notification, error) {
	ids, err := q.client.LRange(ctx, recipientKey(recipientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]models.Notification, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = notificationKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var notification models.Notification
		if err := json.Unmarshal([]byte(raw), &notification); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, notification)
	}
	return out, nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, notificationID string) error {
	raw, err := q.client.Get(ctx, notificationKey(notificationID)).Result()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotificationNotFound
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}
	var notification models.Notification
	if err := json.Unmarshal([]byte(raw), &notification); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, recipientKey(notification.RecipientID), 0, notificationID)
		pipe.Del(ctx, notificationKey(notificationID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	return nil
}
