package state

import "swarmctl/internal/domain"

// MemoryStore keeps state in process only. It is the store used by tests.
type MemoryStore struct {
	locked
}

func NewMemoryStore(initial *domain.OrchestratorState, limits Limits) *MemoryStore {
	s := domain.NewState()
	if initial != nil {
		s = initial.Clone()
		s.Normalize()
	}
	return &MemoryStore{locked: locked{current: s, limits: limits}}
}
