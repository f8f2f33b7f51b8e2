package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"swarmctl/internal/domain"
	"swarmctl/internal/state"
	"swarmctl/internal/telemetry"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyDecided  = errors.New("approval already decided")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

const (
	ReasonRequired = "Approval required before execution"
	ReasonRejected = "Approval was rejected"
)

// Payload keys understood by the gate.
const (
	KeyRequiresApproval   = "requiresApproval"
	KeyApprovedFromTaskID = "approvedFromTaskId"
)

type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Policy decides which tasks need human sign-off.
type Policy struct {
	TaskTypes []string
}

func DefaultPolicy() Policy {
	return Policy{TaskTypes: []string{"agent-deploy", "build-refactor"}}
}

func (p Policy) Requires(t domain.Task) bool {
	if flag, ok := t.Payload[KeyRequiresApproval].(bool); ok && flag {
		return true
	}
	return slices.Contains(p.TaskTypes, t.Type)
}

// Assert evaluates task against s, creating a pending record when the task
// has to wait. changed reports whether s was modified.
func Assert(s *domain.OrchestratorState, t domain.Task, p Policy, now time.Time) (res Result, changed bool) {
	if !p.Requires(t) {
		return Result{Allowed: true}, false
	}
	if from, ok := t.Payload[KeyApprovedFromTaskID].(string); ok && from != "" {
		if rec, ok := s.Approvals[from]; ok && rec.Status == domain.ApprovalApproved {
			return Result{Allowed: true}, false
		}
	}
	rec, ok := s.Approvals[t.ID]
	if ok {
		switch rec.Status {
		case domain.ApprovalApproved:
			return Result{Allowed: true}, false
		case domain.ApprovalRejected:
			return Result{Reason: ReasonRejected}, false
		}
		return Result{Reason: ReasonRequired}, false
	}
	if s.Approvals == nil {
		s.Approvals = map[string]domain.ApprovalRecord{}
	}
	s.Approvals[t.ID] = domain.ApprovalRecord{
		TaskID:      t.ID,
		TaskType:    t.Type,
		Payload:     t.Payload,
		RequestedAt: now.UTC(),
		Status:      domain.ApprovalPending,
	}
	return Result{Reason: ReasonRequired}, true
}

// Decide moves a pending record to its terminal state.
func Decide(s *domain.OrchestratorState, taskID string, decision domain.ApprovalStatus, decidedBy, note string, now time.Time) (domain.ApprovalRecord, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.ApprovalRecord{}, fmt.Errorf("%q: %w", decision, ErrInvalidDecision)
	}
	rec, ok := s.Approvals[taskID]
	if !ok {
		return domain.ApprovalRecord{}, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	if rec.Status != domain.ApprovalPending {
		return rec, fmt.Errorf("%s is %s: %w", taskID, rec.Status, ErrAlreadyDecided)
	}
	at := now.UTC()
	rec.Status = decision
	rec.DecidedAt = &at
	rec.DecidedBy = decidedBy
	rec.Note = note
	s.Approvals[taskID] = rec
	return rec, nil
}

// ListPending returns pending records, oldest request first.
func ListPending(s domain.OrchestratorState) []domain.ApprovalRecord {
	out := []domain.ApprovalRecord{}
	for _, rec := range s.Approvals {
		if rec.Status == domain.ApprovalPending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

var errUnchanged = errors.New("unchanged")

// Gate binds the pure functions above to a state store.
type Gate struct {
	Store  state.Store
	Policy Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func NewGate(store state.Store, policy Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{Store: store, Policy: policy, Logger: logger, Now: time.Now}
}

func (g *Gate) AssertApprovalIfRequired(ctx context.Context, t domain.Task) (Result, error) {
	var res Result
	err := g.Store.Update(ctx, func(s *domain.OrchestratorState) error {
		var changed bool
		res, changed = Assert(s, t, g.Policy, g.Now())
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return Result{}, fmt.Errorf("persist approval: %w", err)
	}
	telemetry.RecordGateDecision(ctx, "approval", res.Allowed)
	if err == nil {
		g.Logger.Info("approval requested", "task_id", t.ID, "type", t.Type)
	}
	return res, nil
}

func (g *Gate) Decide(ctx context.Context, taskID string, decision domain.ApprovalStatus, decidedBy, note string) (domain.ApprovalRecord, error) {
	var rec domain.ApprovalRecord
	err := g.Store.Update(ctx, func(s *domain.OrchestratorState) error {
		var err error
		rec, err = Decide(s, taskID, decision, decidedBy, note, g.Now())
		return err
	})
	if err != nil {
		return rec, err
	}
	g.Logger.Info("approval decided", "task_id", taskID, "decision", decision, "by", decidedBy)
	return rec, nil
}

func (g *Gate) ListPending() []domain.ApprovalRecord {
	return ListPending(g.Store.Get())
}

// Get returns the record for taskID.
func (g *Gate) Get(taskID string) (domain.ApprovalRecord, error) {
	rec, ok := g.Store.Get().Approvals[taskID]
	if !ok {
		return rec, fmt.Errorf("%s: %w", taskID, ErrNotFound)
	}
	return rec, nil
}
