package hub

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleCleanupDelay is how long a board hub stays resident after its
// last socket closes before idle cleanup runs. One hour; deployments that
// want the longer retention window override it via HUB_IDLE_CLEANUP_DELAY.
const DefaultIdleCleanupDelay = time.Hour

// AlarmStore persists the single idle-cleanup deadline per board so a hub
// suspended between messages can re-arm its timer on resume. Exactly one
// deadline exists per board at a time.
type AlarmStore interface {
	// Schedule records the deadline, replacing any previous one.
	Schedule(ctx context.Context, boardID string, at time.Time) error
	// Clear removes the deadline. Clearing an absent deadline is a no-op.
	Clear(ctx context.Context, boardID string) error
	// Pending reports the recorded deadline, if any.
	Pending(ctx context.Context, boardID string) (time.Time, bool, error)
}

// MemoryAlarmStore keeps deadlines in process memory. Suitable for
// single-node deployments and tests.
type MemoryAlarmStore struct {
	mu     sync.Mutex
	alarms map[string]time.Time
}

func NewMemoryAlarmStore() *MemoryAlarmStore {
	return &MemoryAlarmStore{alarms: make(map[string]time.Time)}
}

func (s *MemoryAlarmStore) Schedule(ctx context.Context, boardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[boardID] = at
	return nil
}

func (s *MemoryAlarmStore) Clear(ctx context.Context, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, boardID)
	return nil
}

func (s *MemoryAlarmStore) Pending(ctx context.Context, boardID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.alarms[boardID]
	return at, ok, nil
}
