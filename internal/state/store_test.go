package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	fs, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)

	err = fs.Update(context.Background(), func(s *domain.OrchestratorState) error {
		s.Approvals["t1"] = domain.ApprovalRecord{TaskID: "t1", TaskType: "agent-deploy", Status: domain.ApprovalPending}
		s.TaskHistory = append(s.TaskHistory, domain.TaskRecord{ID: "t1", Type: "agent-deploy", Result: domain.ResultError})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	reopened, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)
	defer reopened.Close()
	got := reopened.Get()
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, domain.ApprovalPending, got.Approvals["t1"].Status)
	require.Len(t, got.TaskHistory, 1)
	assert.NotNil(t, got.LastStartedAt)
}

func TestFileStoreCorruptFileLoadsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	fs, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)
	defer fs.Close()
	got := fs.Get()
	assert.Empty(t, got.Agents)
	assert.NotNil(t, got.Approvals)

	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTrimKeepsNewest(t *testing.T) {
	s := domain.NewState()
	for i := 0; i < 60; i++ {
		s.TaskHistory = append(s.TaskHistory, domain.TaskRecord{ID: fmt.Sprintf("t%d", i)})
	}
	for i := 0; i < 205; i++ {
		s.MilestoneDeliveries = append(s.MilestoneDeliveries, domain.DeliveryRecord{IdempotencyKey: fmt.Sprintf("k%d", i)})
	}
	Trim(&s, DefaultLimits())
	require.Len(t, s.TaskHistory, 50)
	assert.Equal(t, "t10", s.TaskHistory[0].ID)
	assert.Equal(t, "t59", s.TaskHistory[49].ID)
	require.Len(t, s.MilestoneDeliveries, 200)
	assert.Equal(t, "k5", s.MilestoneDeliveries[0].IdempotencyKey)
}

func TestUpdateErrorLeavesStateUntouched(t *testing.T) {
	ms := NewMemoryStore(nil, DefaultLimits())
	err := ms.Update(context.Background(), func(s *domain.OrchestratorState) error {
		s.Approvals["x"] = domain.ApprovalRecord{TaskID: "x"}
		return errors.New("boom")
	})
	require.Error(t, err)
	got := ms.Get()
	assert.Empty(t, got.Approvals)
	assert.Equal(t, int64(0), got.Version)
}

func TestGetReturnsCopy(t *testing.T) {
	ms := NewMemoryStore(nil, DefaultLimits())
	s := ms.Get()
	s.Agents["a"] = domain.AgentRuntimeState{AgentID: "a"}
	assert.Empty(t, ms.Get().Agents)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	ms := NewMemoryStore(nil, Limits{TaskHistory: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ms.Update(context.Background(), func(s *domain.OrchestratorState) error {
				s.TaskHistory = append(s.TaskHistory, domain.TaskRecord{ID: fmt.Sprint(i), HandledAt: time.Now()})
				return nil
			})
		}(i)
	}
	wg.Wait()
	got := ms.Get()
	assert.Len(t, got.TaskHistory, 50)
	assert.Equal(t, int64(50), got.Version)
}

type recordingSink struct {
	versions []int64
}

func (r *recordingSink) SaveSnapshot(_ context.Context, version int64, _ []byte) error {
	r.versions = append(r.versions, version)
	return nil
}

func TestFileStoreMirrorsToSink(t *testing.T) {
	fs, err := OpenFile(filepath.Join(t.TempDir(), "state.json"), DefaultLimits(), discardLogger())
	require.NoError(t, err)
	defer fs.Close()
	sink := &recordingSink{}
	fs.SetSink(sink)
	require.NoError(t, fs.Save(context.Background()))
	require.NoError(t, fs.Save(context.Background()))
	assert.Equal(t, []int64{1, 2}, sink.versions)
}

func TestOpenFileIsExclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	owner, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, owner.Update(ctx, func(s *domain.OrchestratorState) error {
		s.Approvals["t1"] = domain.ApprovalRecord{TaskID: "t1", Status: domain.ApprovalPending}
		return nil
	}))

	_, err = OpenFile(path, DefaultLimits(), discardLogger())
	require.ErrorIs(t, err, ErrLocked)

	// The owner keeps writing; nothing else could have changed the file.
	require.NoError(t, owner.Update(ctx, func(s *domain.OrchestratorState) error {
		s.TaskHistory = append(s.TaskHistory, domain.TaskRecord{ID: "t2"})
		return nil
	}))
	require.NoError(t, owner.Close())

	next, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)
	defer next.Close()
	got := next.Get()
	assert.Equal(t, domain.ApprovalPending, got.Approvals["t1"].Status)
	assert.Len(t, got.TaskHistory, 1)
}

func TestClosedFileStoreStopsWriting(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	fs, err := OpenFile(path, DefaultLimits(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, fs.Save(ctx))
	require.NoError(t, fs.Close())

	require.NoError(t, fs.Update(ctx, func(s *domain.OrchestratorState) error {
		s.Approvals["late"] = domain.ApprovalRecord{TaskID: "late"}
		return nil
	}))
	onDisk, err := ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, onDisk.Approvals, "late")
}

func TestLockPath(t *testing.T) {
	assert.Equal(t, filepath.Join("ws", ".swarmctl", "state.lock"), LockPath(filepath.Join("ws", ".swarmctl", "state.json")))
}
