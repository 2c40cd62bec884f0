package history

import (
	"context"
	"sync"

	"github.com/flowforge/engine/internal/types"
)

// MemoryStore is an in-process Store, used by tests and single-node
// deployments. Grounded on the teacher's MemoryEventStore.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[types.ExecutionID][]*types.HistoryEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[types.ExecutionID][]*types.HistoryEvent)}
}

func (s *MemoryStore) AppendEvents(_ context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[executionID] = append(s.events[executionID], dedupeAppend(s.events[executionID], events)...)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, executionID types.ExecutionID) ([]*types.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.HistoryEvent, len(s.events[executionID]))
	copy(out, s.events[executionID])
	return out, nil
}

func (s *MemoryStore) EventCount(_ context.Context, executionID types.ExecutionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[executionID]), nil
}
