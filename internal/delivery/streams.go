package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"swarmctl/internal/config"
	"swarmctl/internal/domain"
	"swarmctl/internal/state"
)

const (
	StreamMilestones    = "milestones"
	StreamDemandSummary = "demand-summary"
)

// MilestoneStream ships domain.MilestoneEvent values under the "event" key.
func MilestoneStream() Stream {
	return Stream{
		Name:        StreamMilestones,
		EnvelopeKey: "event",
		Validate:    validateMilestone,
		Records: func(s *domain.OrchestratorState) *[]domain.DeliveryRecord {
			return &s.MilestoneDeliveries
		},
		Delivered: func(s *domain.OrchestratorState, at time.Time) {
			s.LastMilestoneDeliveryAt = &at
		},
	}
}

// DemandSummaryStream ships domain.DemandSnapshot values under the
// "snapshot" key.
func DemandSummaryStream() Stream {
	return Stream{
		Name:        StreamDemandSummary,
		EnvelopeKey: "snapshot",
		Validate:    validateSnapshot,
		Records: func(s *domain.OrchestratorState) *[]domain.DeliveryRecord {
			return &s.DemandSummaryDeliveries
		},
		Delivered: func(s *domain.OrchestratorState, at time.Time) {
			s.LastDemandDeliveryAt = &at
		},
	}
}

// NewMilestoneEmitter wires the milestone stream and mirrors every persisted
// record into feed when one is given.
func NewMilestoneEmitter(cfg config.MilestoneDelivery, store state.Store, events EventLog, feed *Feed, logger *slog.Logger) *Emitter {
	e := NewEmitter(MilestoneStream(), cfg.EndpointConfig, store, events, logger)
	if feed != nil {
		e.AfterPersist = func(ctx context.Context, rec domain.DeliveryRecord) {
			if err := feed.Append(ctx, FeedEntryFrom(rec)); err != nil {
				e.logger.Warn("milestone feed append failed", "key", rec.IdempotencyKey, "err", err)
			}
		}
	}
	return e
}

func NewDemandEmitter(cfg config.EndpointConfig, store state.Store, events EventLog, logger *slog.Logger) *Emitter {
	return NewEmitter(DemandSummaryStream(), cfg, store, events, logger)
}

// NewMilestone fills id and timestamp for a milestone event.
func NewMilestone(kind, title, summary string, now time.Time) domain.MilestoneEvent {
	return domain.MilestoneEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Title:      title,
		Summary:    summary,
		OccurredAt: now.UTC(),
	}
}

func validateMilestone(v any) error {
	var ev domain.MilestoneEvent
	switch p := v.(type) {
	case domain.MilestoneEvent:
		ev = p
	case *domain.MilestoneEvent:
		if p == nil {
			return errors.New("milestone is nil")
		}
		ev = *p
	default:
		return fmt.Errorf("expected milestone event, got %T", v)
	}
	var missing []string
	if ev.ID == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		missing = append(missing, "kind")
	}
	if strings.TrimSpace(ev.Title) == "" {
		missing = append(missing, "title")
	}
	if ev.OccurredAt.IsZero() {
		missing = append(missing, "occurredAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("milestone missing %s", strings.Join(missing, ", "))
	}
	if len(ev.Title) > 200 {
		return errors.New("milestone title longer than 200 characters")
	}
	return nil
}

func validateSnapshot(v any) error {
	var snap domain.DemandSnapshot
	switch p := v.(type) {
	case domain.DemandSnapshot:
		snap = p
	case *domain.DemandSnapshot:
		if p == nil {
			return errors.New("snapshot is nil")
		}
		snap = *p
	default:
		return fmt.Errorf("expected demand snapshot, got %T", v)
	}
	if snap.GeneratedAt.IsZero() {
		return errors.New("snapshot missing generatedAt")
	}
	if snap.WindowHours <= 0 {
		return errors.New("snapshot windowHours must be positive")
	}
	if snap.TaskCounts == nil || snap.ErrorCounts == nil || snap.AgentStatuses == nil {
		return errors.New("snapshot counters must be present")
	}
	if snap.PendingApprovals < 0 {
		return errors.New("snapshot pendingApprovals must not be negative")
	}
	return nil
}

// Counts supplies per-type task and error tallies for a window, typically
// from the audit database. Nil falls back to the in-state task history.
type Counts func(ctx context.Context, since time.Time) (tasks, errs map[string]int, err error)

// BuildSnapshot summarizes demand over the trailing window.
func BuildSnapshot(ctx context.Context, s domain.OrchestratorState, windowHours int, now time.Time, counts Counts) (domain.DemandSnapshot, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := now.Add(-time.Duration(windowHours) * time.Hour)
	snap := domain.DemandSnapshot{
		GeneratedAt:   now.UTC(),
		WindowHours:   windowHours,
		TaskCounts:    map[string]int{},
		ErrorCounts:   map[string]int{},
		AgentStatuses: map[string]int{},
	}
	if counts != nil {
		t, e, err := counts(ctx, since)
		if err != nil {
			return snap, fmt.Errorf("count task runs: %w", err)
		}
		for k, v := range t {
			snap.TaskCounts[k] = v
		}
		for k, v := range e {
			snap.ErrorCounts[k] = v
		}
	} else {
		for _, r := range s.TaskHistory {
			if r.HandledAt.Before(since) {
				continue
			}
			snap.TaskCounts[r.Type]++
			if r.Result == domain.ResultError {
				snap.ErrorCounts[r.Type]++
			}
		}
	}
	for _, a := range s.Approvals {
		if a.Status == domain.ApprovalPending {
			snap.PendingApprovals++
		}
	}
	for _, a := range s.Agents {
		snap.AgentStatuses[string(a.Status)]++
	}
	return snap, nil
}
