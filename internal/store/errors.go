package store

import "errors"

var (
	ErrOfficeNotFound       = errors.New("office not found")
	ErrOfficeInactive       = errors.New("office inactive")
	ErrOfficeFull           = errors.New("office token limit reached")
	ErrOfficeBusy           = errors.New("office already serving a token")
	ErrOfficeMismatch       = errors.New("office mismatch")
	ErrQueueEmpty           = errors.New("no waiting token")
	ErrTokenNotFound        = errors.New("token not found")
	ErrInvalidTransition    = errors.New("invalid token transition")
	ErrInvalidState         = errors.New("invalid token state")
	ErrNotificationNotFound = errors.New("notification not found")
)
