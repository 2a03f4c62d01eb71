package models

import "time"

type Priority string

type Status string

const (
	PriorityNormal  Priority = "normal"
	PriorityUrgent  Priority = "urgent"
	PriorityMedical Priority = "medical"
)

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Token struct {
	TokenID     string     `json:"token_id"`
	TokenNumber string     `json:"token_number"`
	OfficeID    string     `json:"office_id"`
	StudentID   string     `json:"student_id"`
	Purpose     string     `json:"purpose"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Day         string     `json:"day"`
	Sequence    int        `json:"sequence"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	IsCheckedIn bool       `json:"is_checked_in"`
}

// Rank orders priorities for dispatch; lower is served first. Urgent and
// Medical share a rank.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent, PriorityMedical:
		return 0
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityMedical:
		return true
	}
	return false
}

// ParsePriority accepts the canonical values plus the display names used by
// the booking screens ("Normal", "Urgent", "Medical").
func ParsePriority(raw string) (Priority, bool) {
	switch raw {
	case "", "normal", "Normal", "NORMAL":
		return PriorityNormal, true
	case "urgent", "Urgent", "URGENT":
		return PriorityUrgent, true
	case "medical", "Medical", "MEDICAL":
		return PriorityMedical, true
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Clone returns a copy that does not share timestamp pointers.
func (t Token) Clone() Token {
	out := t
	if t.CalledAt != nil {
		v := *t.CalledAt
		out.CalledAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}
