package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"swarmctl/internal/domain"
)

// FileStore persists state as one JSON document, rewritten atomically on
// every save.
type FileStore struct {
	locked
	path   string
	sink   SnapshotSink
	logger *slog.Logger
	lock   *fileLock
	fresh  bool
}

// OpenFile takes exclusive ownership of path and loads it, falling back to an
// empty state when the file is missing or unreadable. A corrupt file is moved
// aside to path.corrupt. A second owner gets ErrLocked until Close.
func OpenFile(path string, limits Limits, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	lock, err := acquireLock(LockPath(path))
	if err != nil {
		return nil, err
	}
	fs := &FileStore{path: path, logger: logger, lock: lock}
	fs.limits = limits
	fs.persist = fs.write

	st, err := ReadFile(path)
	switch {
	case err == nil:
		fs.current = st
	case errors.Is(err, ErrNotFound):
		fs.current = domain.NewState()
		fs.fresh = true
	default:
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
			lock.release()
			return nil, err
		}
		aside := path + ".corrupt"
		logger.Error("state file corrupt, starting from defaults", "path", path, "moved_to", aside, "err", err, "misconfigured", true)
		if rerr := os.Rename(path, aside); rerr != nil {
			logger.Warn("could not move corrupt state file", "path", path, "err", rerr)
		}
		fs.current = domain.NewState()
		fs.fresh = true
	}
	now := time.Now().UTC()
	fs.current.LastStartedAt = &now
	return fs, nil
}

// SetSink attaches a best-effort snapshot mirror.
func (f *FileStore) SetSink(s SnapshotSink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

// Fresh reports whether OpenFile started from defaults because the file was
// missing or corrupt.
func (f *FileStore) Fresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh
}

// Restore replaces the current state with a mirrored snapshot document and
// writes it to disk.
func (f *FileStore) Restore(ctx context.Context, data []byte) error {
	var st domain.OrchestratorState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	st.Normalize()
	f.mu.Lock()
	defer f.mu.Unlock()
	st.LastStartedAt = f.current.LastStartedAt
	f.current = st
	f.fresh = false
	if f.persist == nil {
		return nil
	}
	return f.persist(ctx, f.current.Clone())
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

// LockPath is the lock file guarding a state file: state.json -> state.lock.
func LockPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".lock"
}

// Close releases ownership. The store stays readable; later updates are
// kept in memory only.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persist = nil
	f.lock.release()
	f.lock = nil
	return nil
}

func (f *FileStore) write(ctx context.Context, s domain.OrchestratorState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(f.path, data); err != nil {
		return err
	}
	if f.sink != nil {
		if err := f.sink.SaveSnapshot(ctx, s.Version, data); err != nil {
			f.logger.Warn("snapshot sink failed", "version", s.Version, "err", err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadFile decodes a state file without taking ownership of it.
func ReadFile(path string) (domain.OrchestratorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.OrchestratorState{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return domain.OrchestratorState{}, err
	}
	var st domain.OrchestratorState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.OrchestratorState{}, fmt.Errorf("decode state: %w", err)
	}
	st.Normalize()
	return st, nil
}
