// Package toolgate is the policy enforcement point in front of every agent
// capability. Each decision is appended to the invocation log whether it
// allows or denies.
package toolgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"swarmctl/internal/domain"
	"swarmctl/internal/registry"
	"swarmctl/internal/state"
	"swarmctl/internal/telemetry"
)

// Decision is the outcome of an authorization check. Denials are values, not
// errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// TaskCapabilityPrefix marks task-type checks in the invocation log.
const TaskCapabilityPrefix = "task:"

var ErrNoExecutor = errors.New("no executor registered for capability")

// Executor runs a capability once it has been authorized.
type Executor interface {
	Execute(ctx context.Context, agentID string, args map[string]any) (any, error)
}

type ExecutorFunc func(ctx context.Context, agentID string, args map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, agentID string, args map[string]any) (any, error) {
	return f(ctx, agentID, args)
}

// AuditLog receives a durable copy of every invocation record.
type AuditLog interface {
	InsertInvocation(ctx context.Context, rec domain.InvocationRecord) error
}

type Gate struct {
	Registry  *registry.Registry
	Store     state.Store
	Audit     AuditLog
	Logger    *slog.Logger
	Now       func() time.Time
	executors map[string]Executor
}

func New(reg *registry.Registry, store state.Store, audit AuditLog, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		Registry:  reg,
		Store:     store,
		Audit:     audit,
		Logger:    logger,
		Now:       time.Now,
		executors: map[string]Executor{},
	}
}

// Handle registers the executor for a capability id.
func (g *Gate) Handle(capabilityID string, ex Executor) {
	g.executors[capabilityID] = ex
}

func (g *Gate) AuthorizeSkill(agentID, capabilityID string) Decision {
	if _, ok := g.Registry.Get(agentID); !ok {
		return Decision{Reason: fmt.Sprintf("unknown agent %q", agentID)}
	}
	if !g.Registry.CanUseSkill(agentID, capabilityID) {
		return Decision{Reason: fmt.Sprintf("agent %q is not permitted to use %q", agentID, capabilityID)}
	}
	return Decision{Allowed: true}
}

func (g *Gate) AuthorizeTask(agentID, taskType string) Decision {
	cfg, ok := g.Registry.Get(agentID)
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown agent %q", agentID)}
	}
	if !g.Registry.CanExecuteTask(agentID, taskType) {
		return Decision{Reason: fmt.Sprintf("agent %q is assigned to %q, not %q", agentID, cfg.TaskType, taskType)}
	}
	return Decision{Allowed: true}
}

// CheckTask authorizes a task type for an agent and logs the decision.
func (g *Gate) CheckTask(ctx context.Context, agentID, taskType string) Decision {
	d := g.AuthorizeTask(agentID, taskType)
	g.record(ctx, "task", agentID, TaskCapabilityPrefix+taskType, nil, d)
	return d
}

// ExecuteSkill authorizes, logs the decision and only then delegates to the
// capability executor. A denial returns a zero result and no error.
func (g *Gate) ExecuteSkill(ctx context.Context, agentID, capabilityID string, args map[string]any) (Decision, any, error) {
	d := g.AuthorizeSkill(agentID, capabilityID)
	g.record(ctx, "skill", agentID, capabilityID, args, d)
	if !d.Allowed {
		return d, nil, nil
	}
	ex, ok := g.executors[capabilityID]
	if !ok {
		return d, nil, fmt.Errorf("%s: %w", capabilityID, ErrNoExecutor)
	}
	out, err := ex.Execute(ctx, agentID, args)
	if err != nil {
		return d, nil, fmt.Errorf("execute %s: %w", capabilityID, err)
	}
	return d, out, nil
}

func (g *Gate) record(ctx context.Context, kind, agentID, capabilityID string, args map[string]any, d Decision) {
	rec := domain.InvocationRecord{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		CapabilityID: capabilityID,
		Args:         args,
		Timestamp:    g.Now().UTC(),
		Allowed:      d.Allowed,
		Reason:       d.Reason,
	}
	telemetry.RecordGateDecision(ctx, kind, d.Allowed)
	if !d.Allowed {
		g.Logger.Warn("capability denied", "agent", agentID, "capability", capabilityID, "reason", d.Reason)
	}
	if g.Store != nil {
		err := g.Store.Update(ctx, func(s *domain.OrchestratorState) error {
			s.Invocations = append(s.Invocations, rec)
			return nil
		})
		if err != nil {
			g.Logger.Error("persist invocation", "id", rec.ID, "err", err)
		}
	}
	if g.Audit != nil {
		if err := g.Audit.InsertInvocation(ctx, rec); err != nil {
			g.Logger.Error("audit invocation", "id", rec.ID, "err", err)
		}
	}
}
