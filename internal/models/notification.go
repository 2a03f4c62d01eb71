package models

import "time"

type Notification struct {
	NotificationID string    `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	OfficeID       string    `json:"office_id,omitempty"`
	TokenID        string    `json:"token_id,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}
