package orchestrator

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"swarmctl/internal/delivery"
	"swarmctl/internal/domain"
	"swarmctl/internal/tasks"
	"swarmctl/internal/telemetry"
	"swarmctl/internal/toolgate"
)

// Capabilities exercised by each agent task type.
const (
	CapDeploy  = "deploy.release"
	CapRepo    = "repo.write"
	CapContent = "content.write"
	CapFetch   = "web.fetch"
	CapRead    = "fs.read"
)

var taskCapability = map[string]string{
	tasks.TypeAgentDeploy:     CapDeploy,
	tasks.TypeBuildRefactor:   CapRepo,
	tasks.TypeContentGenerate: CapContent,
	tasks.TypeSecurityScan:    CapFetch,
	tasks.TypeDocParse:        CapRead,
}

// Milestone kinds emitted when tasks complete.
const (
	MilestoneDeployed   = "agent.deployed"
	MilestoneRefactored = "build.refactored"
)

const maxDocBytes = 1 << 20

// handle never fails the dispatcher chain: every outcome becomes a task record.
func (o *Orchestrator) handle(ctx context.Context, t domain.Task) (err error) {
	started := o.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Logger.Error("task handler panicked", "task_id", t.ID, "type", t.Type, "panic", r)
			o.finish(ctx, t, started, fmt.Errorf("handler panic: %v", r))
			err = nil
		}
	}()
	msg, runErr := o.run(ctx, t)
	if runErr != nil {
		o.finish(ctx, t, started, runErr)
		return nil
	}
	o.finishOK(ctx, t, started, msg)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, t domain.Task) (string, error) {
	payload, err := tasks.Decode(t.Type, t.Payload)
	if err != nil {
		return "", err
	}
	res, err := o.Approvals.AssertApprovalIfRequired(ctx, t)
	if err != nil {
		return "", fmt.Errorf("approval check: %w", err)
	}
	if !res.Allowed {
		return "", errors.New(lowerFirst(res.Reason))
	}

	switch p := payload.(type) {
	case tasks.Heartbeat:
		return o.heartbeat(ctx, p)
	case tasks.DemandSummary:
		return o.demandSummary(ctx, p)
	case tasks.Milestone:
		ev := delivery.NewMilestone(p.Kind, p.Title, p.Summary, o.Now())
		ev.AgentID = p.AgentID
		ev.TaskID = t.ID
		ev.Meta = p.Meta
		rec, err := o.Milestones.Emit(ctx, p.Kind, ev)
		if err != nil {
			return "", err
		}
		return "milestone recorded " + rec.IdempotencyKey, nil
	}
	return o.runAgentTask(ctx, t, payload)
}

func (o *Orchestrator) runAgentTask(ctx context.Context, t domain.Task, payload tasks.Payload) (string, error) {
	agent, ok := o.Registry.AgentFor(t.Type)
	if !ok {
		return "", fmt.Errorf("no agent assigned to task type %s", t.Type)
	}
	if d := o.Gate.CheckTask(ctx, agent.ID, t.Type); !d.Allowed {
		return "", errors.New(d.Reason)
	}
	capID := taskCapability[t.Type]
	if err := o.Registry.MarkRunning(agent.ID); err != nil {
		return "", err
	}
	d, out, err := o.Gate.ExecuteSkill(ctx, agent.ID, capID, t.Payload)
	switch {
	case err != nil:
		_ = o.Registry.MarkError(agent.ID, err.Error())
		return "", err
	case !d.Allowed:
		_ = o.Registry.MarkError(agent.ID, d.Reason)
		return "", errors.New(d.Reason)
	}
	if err := o.Registry.MarkIdle(agent.ID); err != nil {
		return "", err
	}
	msg := fmt.Sprint(out)

	var ev *domain.MilestoneEvent
	switch p := payload.(type) {
	case tasks.AgentDeploy:
		target := p.AgentID
		if target == "" {
			target = agent.ID
		}
		e := delivery.NewMilestone(MilestoneDeployed, "Deployed "+target, msg, o.Now())
		e.Meta = map[string]any{"version": p.Version, "environment": p.Environment}
		ev = &e
	case tasks.BuildRefactor:
		e := delivery.NewMilestone(MilestoneRefactored, "Refactored "+p.Target, msg, o.Now())
		ev = &e
	}
	if ev != nil {
		ev.AgentID = agent.ID
		ev.TaskID = t.ID
		if _, err := o.Milestones.Emit(ctx, ev.Kind, *ev); err != nil {
			o.Logger.Warn("milestone emit failed", "task_id", t.ID, "err", err)
		}
	}
	return msg, nil
}

func (o *Orchestrator) heartbeat(ctx context.Context, p tasks.Heartbeat) (string, error) {
	ids := []string{p.AgentID}
	if p.AgentID == "" {
		ids = ids[:0]
		for _, a := range o.Registry.List() {
			ids = append(ids, a.ID)
		}
	}
	for _, id := range ids {
		if err := o.Registry.Heartbeat(id); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("heartbeat for %d agent(s)", len(ids)), nil
}

func (o *Orchestrator) demandSummary(ctx context.Context, p tasks.DemandSummary) (string, error) {
	var counts delivery.Counts
	if o.Repo != nil {
		counts = o.Repo.TaskRunCounts
	}
	now := o.Now()
	snap, err := delivery.BuildSnapshot(ctx, o.Store.Get(), p.Hours(), now, counts)
	if err != nil {
		return "", err
	}
	rec, err := o.Demand.Emit(ctx, "demand.summary", snap)
	if err != nil {
		return "", err
	}
	err = o.Store.Update(ctx, func(s *domain.OrchestratorState) error {
		at := now.UTC()
		s.LastDemandSummaryAt = &at
		return nil
	})
	if err != nil {
		return "", err
	}
	return "demand summary queued " + rec.IdempotencyKey, nil
}

func (o *Orchestrator) finishOK(ctx context.Context, t domain.Task, started time.Time, msg string) {
	o.record(ctx, t, started, domain.TaskRecord{ID: t.ID, Type: t.Type, Result: domain.ResultOK, Message: msg})
}

func (o *Orchestrator) finish(ctx context.Context, t domain.Task, started time.Time, err error) {
	o.Logger.Warn("task failed", "task_id", t.ID, "type", t.Type, "err", err)
	o.record(ctx, t, started, domain.TaskRecord{ID: t.ID, Type: t.Type, Result: domain.ResultError, Message: err.Error()})
}

func (o *Orchestrator) record(ctx context.Context, t domain.Task, started time.Time, rec domain.TaskRecord) {
	rec.HandledAt = o.Now().UTC()
	// Agent statuses are read under the store lock so a slower worker cannot
	// overwrite a newer snapshot written by a faster one.
	err := o.Store.Update(ctx, func(s *domain.OrchestratorState) error {
		s.TaskHistory = append(s.TaskHistory, rec)
		s.Agents = o.Registry.Statuses()
		return nil
	})
	if err != nil {
		o.Logger.Error("persist task record", "task_id", t.ID, "err", err)
	}
	if o.Repo != nil {
		if err := o.Repo.InsertTaskRun(ctx, rec); err != nil {
			o.Logger.Warn("audit task run", "task_id", t.ID, "err", err)
		}
	}
	telemetry.RecordTask(ctx, t.Type, string(rec.Result), o.Now().Sub(started).Seconds())
}

// registerExecutors installs the built-in capability executors. They are
// deterministic local stand-ins for the agents' real work.
func registerExecutors(o *Orchestrator) {
	o.Gate.Handle(CapDeploy, executor(func(ctx context.Context, agentID string, p tasks.AgentDeploy) (string, error) {
		target := p.AgentID
		if target == "" {
			target = agentID
		}
		env := p.Environment
		if env == "" {
			env = "production"
		}
		version := p.Version
		if version == "" {
			version = "latest"
		}
		return fmt.Sprintf("rolled out %s@%s to %s", target, version, env), nil
	}))
	o.Gate.Handle(CapRepo, executor(func(ctx context.Context, agentID string, p tasks.BuildRefactor) (string, error) {
		return fmt.Sprintf("refactor plan prepared for %s", p.Target), nil
	}))
	o.Gate.Handle(CapContent, executor(func(ctx context.Context, agentID string, p tasks.ContentGenerate) (string, error) {
		words := p.MaxWords
		if words <= 0 {
			words = 500
		}
		audience := p.Audience
		if audience == "" {
			audience = "general"
		}
		return fmt.Sprintf("draft outline on %q for %s audience (%d words)", p.Topic, audience, words), nil
	}))
	o.Gate.Handle(CapFetch, executor(func(ctx context.Context, agentID string, p tasks.SecurityScan) (string, error) {
		sum := sha256.Sum256([]byte(p.Target))
		findings := int(sum[0]) % (p.Depth + 2)
		return fmt.Sprintf("scanned %s at depth %d: %d finding(s)", p.Target, p.Depth, findings), nil
	}))
	o.Gate.Handle(CapRead, executor(func(ctx context.Context, agentID string, p tasks.DocParse) (string, error) {
		return parseDoc(p.Path)
	}))
}

// executor adapts a typed function into a capability executor.
func executor[T tasks.Payload](fn func(ctx context.Context, agentID string, p T) (string, error)) toolgate.ExecutorFunc {
	return func(ctx context.Context, agentID string, args map[string]any) (any, error) {
		var zero T
		payload, err := tasks.Decode(zero.TaskType(), args)
		if err != nil {
			return nil, err
		}
		typed, ok := payload.(T)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T", payload)
		}
		return fn(ctx, agentID, typed)
	}
}

func parseDoc(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var lines, words, headings int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxDocBytes)
	for sc.Scan() {
		line := sc.Text()
		lines++
		words += len(strings.Fields(line))
		if strings.HasPrefix(line, "#") {
			headings++
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("parsed %s: %d lines, %d words, %d headings", path, lines, words, headings), nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
