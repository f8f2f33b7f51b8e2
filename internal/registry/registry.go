package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"swarmctl/internal/domain"
)

var ErrUnknownAgent = errors.New("unknown agent")

// manifestNames are tried in order inside each agent directory.
var manifestNames = []string{"agent.yaml", "agent.yml", "agent.toml", "agent.json"}

// Registry holds the agent manifests and their runtime state.
type Registry struct {
	dir    string
	logger *slog.Logger
	Now    func() time.Time

	mu      sync.RWMutex
	configs map[string]domain.AgentConfig
	runtime map[string]domain.AgentRuntimeState
}

func New(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:     dir,
		logger:  logger,
		Now:     time.Now,
		configs: map[string]domain.AgentConfig{},
		runtime: map[string]domain.AgentRuntimeState{},
	}
}

// Validate checks the structural requirements of a manifest.
func Validate(cfg domain.AgentConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("name is required")
	}
	if len(cfg.AllowedSkills()) == 0 {
		return errors.New("at least one allowed capability is required")
	}
	if cfg.Limits.TimeoutSeconds < 0 || cfg.Limits.MaxRetries < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Initialize discovers every agent directory and seeds runtime state as
// stopped. Invalid manifests are skipped with a warning. It returns the number
// of agents loaded.
func (r *Registry) Initialize() (int, error) {
	configs, err := r.scan()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = configs
	r.runtime = make(map[string]domain.AgentRuntimeState, len(configs))
	for id := range configs {
		r.runtime[id] = domain.AgentRuntimeState{AgentID: id, Status: domain.AgentStopped}
	}
	return len(configs), nil
}

// Reload re-reads manifests. Runtime state survives for agents that are still
// present; new agents start stopped and removed ones are dropped.
func (r *Registry) Reload() (int, error) {
	configs, err := r.scan()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	runtime := make(map[string]domain.AgentRuntimeState, len(configs))
	for id := range configs {
		if st, ok := r.runtime[id]; ok {
			runtime[id] = st
			continue
		}
		runtime[id] = domain.AgentRuntimeState{AgentID: id, Status: domain.AgentStopped}
	}
	r.configs = configs
	r.runtime = runtime
	r.logger.Info("agent registry reloaded", "agents", len(configs))
	return len(configs), nil
}

// Register adds a manifest directly, replacing any agent with the same id.
func (r *Registry) Register(cfg domain.AgentConfig) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("agent %q: %w", cfg.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
	if _, ok := r.runtime[cfg.ID]; !ok {
		r.runtime[cfg.ID] = domain.AgentRuntimeState{AgentID: cfg.ID, Status: domain.AgentStopped}
	}
	return nil
}

func (r *Registry) scan() (map[string]domain.AgentConfig, error) {
	configs := map[string]domain.AgentConfig{}
	if r.dir == "" {
		return configs, nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("agents directory missing, registry is empty", "dir", r.dir, "misconfigured", true)
			return configs, nil
		}
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		agentDir := filepath.Join(r.dir, e.Name())
		cfg, path, err := loadManifest(agentDir)
		if err != nil {
			r.logger.Warn("skipping agent", "dir", agentDir, "err", err, "misconfigured", true)
			continue
		}
		if err := Validate(cfg); err != nil {
			r.logger.Warn("skipping invalid agent manifest", "path", path, "err", err, "misconfigured", true)
			continue
		}
		if prev, dup := configs[cfg.ID]; dup {
			r.logger.Warn("duplicate agent id, keeping first", "id", cfg.ID, "kept", prev.Name, "path", path, "misconfigured", true)
			continue
		}
		configs[cfg.ID] = cfg
	}
	return configs, nil
}

func loadManifest(dir string) (domain.AgentConfig, string, error) {
	var cfg domain.AgentConfig
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, path, err
		}
		switch filepath.Ext(name) {
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		case ".json":
			err = json.Unmarshal(data, &cfg)
		default:
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, path, fmt.Errorf("parse %s: %w", path, err)
		}
		return cfg, path, nil
	}
	return cfg, "", fmt.Errorf("no manifest (%s)", strings.Join(manifestNames, ", "))
}

func (r *Registry) Get(id string) (domain.AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// List returns manifests ordered by id.
func (r *Registry) List() []domain.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentConfig, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CanUseSkill reports whether the manifest grants capabilityID.
func (r *Registry) CanUseSkill(agentID, capabilityID string) bool {
	cfg, ok := r.Get(agentID)
	if !ok {
		return false
	}
	p, ok := cfg.Permissions[capabilityID]
	return ok && p.Allowed
}

// CanExecuteTask reports whether the agent may run taskType. An agent pinned
// to a task type may run nothing else.
func (r *Registry) CanExecuteTask(agentID, taskType string) bool {
	cfg, ok := r.Get(agentID)
	if !ok {
		return false
	}
	if cfg.TaskType != "" {
		return cfg.TaskType == taskType
	}
	return true
}

// AgentFor picks the agent pinned to taskType, if any.
func (r *Registry) AgentFor(taskType string) (domain.AgentConfig, bool) {
	for _, c := range r.List() {
		if c.TaskType == taskType {
			return c, true
		}
	}
	return domain.AgentConfig{}, false
}

func (r *Registry) Status(id string) (domain.AgentRuntimeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.runtime[id]
	if !ok {
		return domain.AgentRuntimeState{}, fmt.Errorf("%s: %w", id, ErrUnknownAgent)
	}
	return st, nil
}

// Statuses returns a copy of every runtime state keyed by agent id.
func (r *Registry) Statuses() map[string]domain.AgentRuntimeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.AgentRuntimeState, len(r.runtime))
	for k, v := range r.runtime {
		out[k] = v
	}
	return out
}

func (r *Registry) MarkRunning(id string) error {
	return r.mutate(id, func(st *domain.AgentRuntimeState, now time.Time) {
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		st.Status = domain.AgentRunning
	})
}

// MarkIdle records a finished task.
func (r *Registry) MarkIdle(id string) error {
	return r.mutate(id, func(st *domain.AgentRuntimeState, now time.Time) {
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		st.Status = domain.AgentIdle
		st.TaskCount++
	})
}

func (r *Registry) MarkError(id, msg string) error {
	return r.mutate(id, func(st *domain.AgentRuntimeState, now time.Time) {
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		st.Status = domain.AgentError
		st.ErrorCount++
		st.LastError = msg
	})
}

func (r *Registry) MarkStopped(id string) error {
	return r.mutate(id, func(st *domain.AgentRuntimeState, _ time.Time) {
		st.Status = domain.AgentStopped
		st.StartedAt = nil
	})
}

func (r *Registry) Heartbeat(id string) error {
	return r.mutate(id, func(st *domain.AgentRuntimeState, now time.Time) {
		st.LastHeartbeat = &now
	})
}

func (r *Registry) mutate(id string, fn func(*domain.AgentRuntimeState, time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runtime[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownAgent)
	}
	now := r.Now().UTC()
	fn(&st, now)
	r.runtime[id] = st
	return nil
}
