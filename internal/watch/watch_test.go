package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submissions struct {
	mu    sync.Mutex
	paths []string
}

func (s *submissions) submit(_ context.Context, taskType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, taskType+":"+payload["path"].(string))
	return nil
}

func (s *submissions) contains(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == v {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)
}

func TestNewFileSubmitsTask(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.md"), []byte("old"), 0o644))
	subs := &submissions{}
	startWatcher(t, &Watcher{
		Dir:          dir,
		TaskType:     "doc-parse",
		Submit:       subs.submit,
		Debounce:     20 * time.Millisecond,
		FallbackPoll: 100 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	path := filepath.Join(dir, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte("# guide"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool { return subs.contains("doc-parse:" + path) }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, subs.contains("doc-parse:"+filepath.Join(dir, "existing.md")))
	assert.False(t, subs.contains("doc-parse:"+filepath.Join(dir, ".hidden")))
}

func TestManifestChangeReloads(t *testing.T) {
	dir := t.TempDir()
	var reloads int32
	subs := &submissions{}
	startWatcher(t, &Watcher{
		Dir:          dir,
		TaskType:     "doc-parse",
		Submit:       subs.submit,
		Reload:       func() error { atomic.AddInt32(&reloads, 1); return nil },
		Debounce:     20 * time.Millisecond,
		FallbackPoll: 100 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	agentDir := filepath.Join(dir, "scanner")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "agent.yaml"), []byte("id: scanner\n"), 0o644))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, subs.contains("doc-parse:"+filepath.Join(agentDir, "agent.yaml")))
}
