package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// officeLocks hands out one exclusive slot per office. Waiting honors the
// context so a caller can give up instead of queueing forever.
type officeLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newOfficeLocks() *officeLocks {
	return &officeLocks{slots: make(map[string]chan struct{})}
}

func (l *officeLocks) slot(officeID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[officeID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[officeID] = slot
	}
	return slot
}

func (l *officeLocks) acquire(ctx context.Context, officeID string) (func(), error) {
	slot := l.slot(officeID)
	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: office %s", ErrBusy, officeID)
	}
}
