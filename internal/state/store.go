package state

import (
	"context"
	"errors"
	"sync"

	"swarmctl/internal/domain"
)

var (
	ErrNotFound = errors.New("state not found")
	// ErrLocked means another process owns the state file.
	ErrLocked = errors.New("state file is locked by another process")
)

// Store owns the single OrchestratorState of a process.
type Store interface {
	// Get returns a copy that callers may read freely.
	Get() domain.OrchestratorState
	// Update applies fn under the store lock and persists the result. When fn
	// returns an error nothing is changed.
	Update(ctx context.Context, fn func(*domain.OrchestratorState) error) error
	// Save persists the current state as is.
	Save(ctx context.Context) error
}

// SnapshotSink receives every persisted snapshot.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, version int64, data []byte) error
}

// Limits are the retention caps applied before each write.
type Limits struct {
	TaskHistory int
	Deliveries  int
	Invocations int
}

func DefaultLimits() Limits {
	return Limits{TaskHistory: 50, Deliveries: 200, Invocations: 500}
}

// Trim drops the oldest entries of every bounded collection.
func Trim(s *domain.OrchestratorState, l Limits) {
	s.TaskHistory = keepLast(s.TaskHistory, l.TaskHistory)
	s.Invocations = keepLast(s.Invocations, l.Invocations)
	s.MilestoneDeliveries = keepLast(s.MilestoneDeliveries, l.Deliveries)
	s.DemandSummaryDeliveries = keepLast(s.DemandSummaryDeliveries, l.Deliveries)
}

func keepLast[T any](in []T, n int) []T {
	if n <= 0 || len(in) <= n {
		return in
	}
	return append([]T{}, in[len(in)-n:]...)
}

// locked is the shared mutation path of both stores.
type locked struct {
	mu      sync.Mutex
	current domain.OrchestratorState
	limits  Limits
	persist func(ctx context.Context, s domain.OrchestratorState) error
}

func (l *locked) Get() domain.OrchestratorState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.Clone()
}

func (l *locked) Update(ctx context.Context, fn func(*domain.OrchestratorState) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.current.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	l.current = next
	return l.saveLocked(ctx)
}

func (l *locked) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(ctx)
}

func (l *locked) saveLocked(ctx context.Context) error {
	l.current.Normalize()
	Trim(&l.current, l.limits)
	l.current.Version++
	if l.persist == nil {
		return nil
	}
	return l.persist(ctx, l.current.Clone())
}
