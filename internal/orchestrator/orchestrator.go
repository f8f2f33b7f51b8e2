// Package orchestrator builds the process-wide context object that owns every
// subsystem and runs the task handler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swarmctl/internal/alerts"
	"swarmctl/internal/approval"
	"swarmctl/internal/config"
	"swarmctl/internal/delivery"
	"swarmctl/internal/dispatcher"
	"swarmctl/internal/domain"
	"swarmctl/internal/notify"
	"swarmctl/internal/registry"
	"swarmctl/internal/repo"
	"swarmctl/internal/state"
	"swarmctl/internal/tasks"
	"swarmctl/internal/toolgate"
)

// Orchestrator is created once at startup and passed to the server, CLI and
// watcher.
type Orchestrator struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      state.Store
	Repo       *repo.Repo
	Registry   *registry.Registry
	Gate       *toolgate.Gate
	Approvals  *approval.Gate
	Dispatcher *dispatcher.Dispatcher
	Milestones *delivery.Emitter
	Demand     *delivery.Emitter
	Feed       *delivery.Feed
	Dedup      *alerts.Deduplicator
	Alerts     *alerts.Processor
	Now        func() time.Time

	startedAt time.Time
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
}

// Options carries the collaborators built by the caller. Repo and Events may
// be nil.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    state.Store
	Repo     *repo.Repo
	Events   delivery.EventLog
	Notifier notify.Notifier
}

// New wires every subsystem and loads the agent registry. Background loops do
// not run until Start.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(cfg.Agents.Dir, logger.With("component", "registry"))
	n, err := reg.Initialize()
	if err != nil {
		return nil, fmt.Errorf("initialize registry: %w", err)
	}
	logger.Info("agent registry loaded", "agents", n, "dir", cfg.Agents.Dir)

	var audit toolgate.AuditLog
	if opts.Repo != nil {
		audit = opts.Repo
	}
	gate := toolgate.New(reg, opts.Store, audit, logger.With("component", "toolgate"))

	var feed *delivery.Feed
	if cfg.Delivery.Milestones.Feed.Path != "" {
		var pub delivery.Publisher
		if cfg.Delivery.Milestones.Feed.Git.Enabled {
			pub = delivery.NewGitPublisher(cfg.Delivery.Milestones.Feed.Git)
		}
		feed = delivery.NewFeed(cfg.Delivery.Milestones.Feed, pub, logger.With("component", "feed"))
	}

	notifier := opts.Notifier
	if notifier == nil {
		if cfg.Alerts.NotifyURL != "" {
			notifier = notify.NewWebhook(cfg.Alerts.NotifyURL, 10*time.Second)
		} else {
			notifier = notify.Log{Logger: logger.With("component", "notify")}
		}
	}
	dedup := alerts.NewDeduplicator(cfg.Alerts.Window, cfg.Alerts.StaleAfter, cfg.Alerts.GCInterval)

	o := &Orchestrator{
		Config:     cfg,
		Logger:     logger,
		Store:      opts.Store,
		Repo:       opts.Repo,
		Registry:   reg,
		Gate:       gate,
		Approvals:  approval.NewGate(opts.Store, approval.Policy{TaskTypes: cfg.Approval.TaskTypes}, logger.With("component", "approval")),
		Dispatcher: dispatcher.New(context.WithoutCancel(ctx), cfg.Dispatcher.Concurrency, logger.With("component", "dispatcher")),
		Milestones: delivery.NewMilestoneEmitter(cfg.Delivery.Milestones, opts.Store, opts.Events, feed, logger.With("component", "delivery")),
		Demand:     delivery.NewDemandEmitter(cfg.Delivery.DemandSummary, opts.Store, opts.Events, logger.With("component", "delivery")),
		Feed:       feed,
		Dedup:      dedup,
		Alerts:     &alerts.Processor{Dedup: dedup, Notifier: notifier, Logger: logger.With("component", "alerts")},
		Now:        time.Now,
	}
	registerExecutors(o)
	o.Dispatcher.OnProcess(o.handle)

	if err := o.syncAgents(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Start runs the delivery sweeps until Close.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = o.Now().UTC()
	for _, e := range []struct {
		em       *delivery.Emitter
		interval time.Duration
	}{
		{o.Milestones, o.Config.Delivery.Milestones.SweepInterval},
		{o.Demand, o.Config.Delivery.DemandSummary.SweepInterval},
	} {
		em, interval := e.em, e.interval
		o.loops.Add(1)
		go func() {
			defer o.loops.Done()
			if _, err := em.Sweep(ctx); err != nil {
				o.Logger.Warn("startup delivery sweep had failures", "stream", em.Name(), "err", err)
			}
			em.Run(ctx, interval)
		}()
	}
}

// Close stops the sweeps, drains the dispatcher, waits for background
// delivery attempts and records every agent as stopped.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.Dispatcher.Close()
		o.loops.Wait()
		o.Milestones.Wait()
		o.Demand.Wait()
		o.Dedup.Close()
		for _, a := range o.Registry.List() {
			if err := o.Registry.MarkStopped(a.ID); err != nil {
				o.Logger.Warn("mark agent stopped", "agent_id", a.ID, "err", err)
			}
		}
		if err := o.syncAgents(context.Background()); err != nil {
			o.Logger.Error("persist stopped agents", "err", err)
		}
	})
}

// Submit validates a payload and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, taskType string, payload map[string]any) (domain.Task, error) {
	if _, err := tasks.Decode(taskType, payload); err != nil {
		return domain.Task{}, err
	}
	t, err := o.Dispatcher.Enqueue(taskType, payload)
	if err != nil {
		return t, err
	}
	o.Logger.Info("task enqueued", "task_id", t.ID, "type", t.Type)
	return t, nil
}

// Sweep runs one delivery pass over both streams.
func (o *Orchestrator) Sweep(ctx context.Context) (map[string]delivery.SweepResult, error) {
	out := map[string]delivery.SweepResult{}
	var errs []error
	for _, em := range []*delivery.Emitter{o.Milestones, o.Demand} {
		res, err := em.Sweep(ctx)
		out[em.Name()] = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Emitter looks up a delivery stream by name.
func (o *Orchestrator) Emitter(kind string) (*delivery.Emitter, bool) {
	switch kind {
	case delivery.StreamMilestones:
		return o.Milestones, true
	case delivery.StreamDemandSummary:
		return o.Demand, true
	}
	return nil, false
}

// ReloadAgents re-reads manifests and mirrors the result into state.
func (o *Orchestrator) ReloadAgents(ctx context.Context) error {
	if _, err := o.Registry.Reload(); err != nil {
		return err
	}
	return o.syncAgents(ctx)
}

func (o *Orchestrator) syncAgents(ctx context.Context) error {
	return o.Store.Update(ctx, func(s *domain.OrchestratorState) error {
		s.Agents = o.Registry.Statuses()
		return nil
	})
}

// Status summarizes the live process.
type Status struct {
	StartedAt         time.Time      `json:"started_at"`
	StateVersion      int64          `json:"state_version"`
	Agents            map[string]int `json:"agents"`
	PendingApprovals  int            `json:"pending_approvals"`
	QueuePending      int            `json:"queue_pending"`
	QueueInFlight     int            `json:"queue_in_flight"`
	Deliveries        map[string]any `json:"deliveries"`
	AlertFingerprints int            `json:"alert_fingerprints"`
}

func (o *Orchestrator) Status() Status {
	s := o.Store.Get()
	st := Status{
		StartedAt:         o.startedAt,
		StateVersion:      s.Version,
		Agents:            map[string]int{},
		PendingApprovals:  len(approval.ListPending(s)),
		QueuePending:      o.Dispatcher.Pending(),
		QueueInFlight:     o.Dispatcher.InFlight(),
		Deliveries:        map[string]any{},
		AlertFingerprints: o.Dedup.Len(),
	}
	for _, a := range o.Registry.Statuses() {
		st.Agents[string(a.Status)]++
	}
	for _, em := range []*delivery.Emitter{o.Milestones, o.Demand} {
		counts := map[string]int{}
		for _, r := range em.Records() {
			counts[string(r.Status)]++
		}
		st.Deliveries[em.Name()] = map[string]any{"enabled": em.Enabled(), "counts": counts}
	}
	return st
}

// Decide records an approval decision. When replay is set and the task was
// approved, its payload is enqueued again under a new id that points back at
// the approved record.
func (o *Orchestrator) Decide(ctx context.Context, taskID string, decision domain.ApprovalStatus, decidedBy, note string, replay bool) (domain.ApprovalRecord, *domain.Task, error) {
	rec, err := o.Approvals.Decide(ctx, taskID, decision, decidedBy, note)
	if err != nil {
		return rec, nil, err
	}
	if !replay || rec.Status != domain.ApprovalApproved {
		return rec, nil, nil
	}
	payload := make(map[string]any, len(rec.Payload)+1)
	for k, v := range rec.Payload {
		payload[k] = v
	}
	payload[approval.KeyApprovedFromTaskID] = rec.TaskID
	t, err := o.Submit(ctx, rec.TaskType, payload)
	if err != nil {
		return rec, nil, fmt.Errorf("replay %s: %w", rec.TaskID, err)
	}
	return rec, &t, nil
}
