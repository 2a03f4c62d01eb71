package store

import "smartq/token-service/internal/models"

const (
	ActionCallNext = "call_next"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionCheckIn  = "check_in"
)

const EventTokenCreated = "token.created"

var transitionMap = map[string][]models.Status{
	ActionCallNext: {models.StatusWaiting},
	ActionComplete: {models.StatusInProgress},
	ActionCancel:   {models.StatusWaiting},
	ActionCheckIn:  {models.StatusWaiting, models.StatusInProgress},
}

var targetStatus = map[string]models.Status{
	ActionCallNext: models.StatusInProgress,
	ActionComplete: models.StatusCompleted,
	ActionCancel:   models.StatusCancelled,
}

func ValidTransition(action string, fromStatus models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses an action may start from.
func AllowedFrom(action string) []models.Status {
	return transitionMap[action]
}

// TargetStatus reports the status an action moves a token into. Check-in does
// not change status and is not listed.
func TargetStatus(action string) (models.Status, bool) {
	status, ok := targetStatus[action]
	return status, ok
}

// EventType names the audit/outbox event emitted when an action commits.
func EventType(action string) string {
	switch action {
	case ActionCallNext:
		return "token.called"
	case ActionComplete:
		return "token.completed"
	case ActionCancel:
		return "token.cancelled"
	case ActionCheckIn:
		return "token.checked_in"
	default:
		return "token." + action
	}
}
