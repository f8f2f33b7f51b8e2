package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"swarmctl/internal/config"
	"swarmctl/internal/domain"
)

// FeedEntry is one milestone as mirrored into the public feed file.
type FeedEntry struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	SentAtUTC      string          `json:"sentAtUtc"`
	Event          json.RawMessage `json:"event"`
}

func FeedEntryFrom(rec domain.DeliveryRecord) FeedEntry {
	return FeedEntry{
		IdempotencyKey: rec.IdempotencyKey,
		SentAtUTC:      rec.SentAt.UTC().Format(time.RFC3339Nano),
		Event:          rec.Payload,
	}
}

// Publisher pushes the feed file somewhere after it changes.
type Publisher interface {
	Publish(ctx context.Context, path, message string) error
}

// Feed is an append-only JSON array capped at a maximum length, newest last,
// deduplicated by idempotency key.
type Feed struct {
	path      string
	max       int
	publisher Publisher
	logger    *slog.Logger
	mu        sync.Mutex
}

func NewFeed(cfg config.FeedConfig, publisher Publisher, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MaxEntries
	if limit <= 0 {
		limit = 500
	}
	return &Feed{path: cfg.Path, max: limit, publisher: publisher, logger: logger}
}

func (f *Feed) Path() string { return f.path }

// Append adds entry unless its key is already present. Publishing failures
// are logged and never returned.
func (f *Feed) Append(ctx context.Context, entry FeedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := f.read()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IdempotencyKey == entry.IdempotencyKey {
			return nil
		}
	}
	entries = append(entries, entry)
	if len(entries) > f.max {
		entries = entries[len(entries)-f.max:]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal feed: %w", err)
	}
	if err := writeFileAtomic(f.path, append(data, '\n')); err != nil {
		return err
	}
	if f.publisher != nil {
		msg := fmt.Sprintf("milestones: add %s", entry.IdempotencyKey)
		if err := f.publisher.Publish(ctx, f.path, msg); err != nil {
			f.logger.Warn("milestone feed publish failed", "path", f.path, "err", err)
		}
	}
	return nil
}

// Entries returns the feed contents.
func (f *Feed) Entries() ([]FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *Feed) read() ([]FeedEntry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []FeedEntry{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []FeedEntry{}, nil
	}
	var entries []FeedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		f.logger.Error("milestone feed unreadable, starting a new one", "path", f.path, "err", err, "misconfigured", true)
		return []FeedEntry{}, nil
	}
	return entries, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitPublisher commits the feed file and pushes it.
type GitPublisher struct {
	Remote  string
	Branch  string
	Run     CommandRunner
	Timeout time.Duration
}

func NewGitPublisher(cfg config.GitConfig) *GitPublisher {
	return &GitPublisher{Remote: cfg.Remote, Branch: cfg.Branch, Run: execRunner, Timeout: 30 * time.Second}
}

func (g *GitPublisher) Publish(ctx context.Context, path, message string) error {
	run := g.Run
	if run == nil {
		run = execRunner
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	dir, file := filepath.Dir(path), filepath.Base(path)
	if out, err := run(ctx, dir, "git", "add", "--", file); err != nil {
		return fmt.Errorf("git add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if out, err := run(ctx, dir, "git", "commit", "-m", message, "--", file); err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(string(out)))
	}
	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}
	args := []string{"push", remote}
	if g.Branch != "" {
		args = append(args, "HEAD:"+g.Branch)
	}
	if out, err := run(ctx, dir, "git", args...); err != nil {
		return fmt.Errorf("git push: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
