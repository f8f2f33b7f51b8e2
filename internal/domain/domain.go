package domain

import (
	"encoding/json"
	"time"
)

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped"
)

// Permission is a single capability grant from an agent manifest.
type Permission struct {
	Allowed bool `json:"allowed" yaml:"allowed" toml:"allowed"`
}

type ResourceLimits struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxRetries     int `json:"max_retries,omitempty" yaml:"max_retries" toml:"max_retries"`
}

// AgentConfig is the manifest loaded once per agent directory.
type AgentConfig struct {
	ID          string                `json:"id" yaml:"id" toml:"id"`
	Name        string                `json:"name" yaml:"name" toml:"name"`
	ModelTier   string                `json:"model_tier,omitempty" yaml:"model_tier" toml:"model_tier"`
	Permissions map[string]Permission `json:"permissions" yaml:"permissions" toml:"permissions"`
	TaskType    string                `json:"task_type,omitempty" yaml:"task_type" toml:"task_type"`
	Limits      ResourceLimits        `json:"limits" yaml:"limits" toml:"limits"`
}

// AllowedSkills returns the capability ids granted to the agent.
func (c AgentConfig) AllowedSkills() []string {
	var out []string
	for id, p := range c.Permissions {
		if p.Allowed {
			out = append(out, id)
		}
	}
	return out
}

type AgentRuntimeState struct {
	AgentID       string      `json:"agent_id"`
	Status        AgentStatus `json:"status"`
	TaskCount     int         `json:"task_count"`
	ErrorCount    int         `json:"error_count"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty" format:"date-time"`
	StartedAt     *time.Time  `json:"started_at,omitempty" format:"date-time"`
	LastError     string      `json:"last_error,omitempty"`
}

// Uptime is measured from the first transition out of stopped.
func (s AgentRuntimeState) Uptime(now time.Time) time.Duration {
	if s.StartedAt == nil || s.Status == AgentStopped {
		return 0
	}
	return now.Sub(*s.StartedAt)
}

type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
}

type TaskResult string

const (
	ResultOK    TaskResult = "ok"
	ResultError TaskResult = "error"
)

type TaskRecord struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	HandledAt time.Time  `json:"handled_at" format:"date-time"`
	Result    TaskResult `json:"result" enum:"ok,error"`
	Message   string     `json:"message,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalRecord struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestedAt time.Time      `json:"requested_at" format:"date-time"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved,rejected"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Note        string         `json:"note,omitempty"`
}

type InvocationRecord struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	CapabilityID string         `json:"capability_id"`
	Args         map[string]any `json:"args,omitempty"`
	Timestamp    time.Time      `json:"timestamp" format:"date-time"`
	Allowed      bool           `json:"allowed"`
	Reason       string         `json:"reason,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRejected   DeliveryStatus = "rejected"
	DeliveryDuplicate  DeliveryStatus = "duplicate"
	DeliveryDeadLetter DeliveryStatus = "dead-letter"
)

// Outstanding reports whether the delivery loop still owns the record.
func (s DeliveryStatus) Outstanding() bool {
	return s == DeliveryPending || s == DeliveryRetrying
}

type DeliveryRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	SentAt         time.Time       `json:"sent_at" format:"date-time"`
	Status         DeliveryStatus  `json:"status" enum:"pending,retrying,delivered,rejected,duplicate,dead-letter"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty" format:"date-time"`
	LastError      string          `json:"last_error,omitempty"`
}

// OrchestratorState is the aggregate persisted as a single JSON document.
type OrchestratorState struct {
	Version                 int64                        `json:"version"`
	LastStartedAt           *time.Time                   `json:"last_started_at,omitempty"`
	LastMilestoneDeliveryAt *time.Time                   `json:"last_milestone_delivery_at,omitempty"`
	LastDemandSummaryAt     *time.Time                   `json:"last_demand_summary_at,omitempty"`
	LastDemandDeliveryAt    *time.Time                   `json:"last_demand_delivery_at,omitempty"`
	Agents                  map[string]AgentRuntimeState `json:"agents"`
	TaskHistory             []TaskRecord                 `json:"task_history"`
	Approvals               map[string]ApprovalRecord    `json:"approvals"`
	Invocations             []InvocationRecord           `json:"invocations"`
	MilestoneDeliveries     []DeliveryRecord             `json:"milestone_deliveries"`
	DemandSummaryDeliveries []DeliveryRecord             `json:"demand_summary_deliveries"`
}

// NewState returns an empty state with every collection initialised.
func NewState() OrchestratorState {
	return OrchestratorState{
		Agents:                  map[string]AgentRuntimeState{},
		TaskHistory:             []TaskRecord{},
		Approvals:               map[string]ApprovalRecord{},
		Invocations:             []InvocationRecord{},
		MilestoneDeliveries:     []DeliveryRecord{},
		DemandSummaryDeliveries: []DeliveryRecord{},
	}
}

// Normalize replaces nil collections so a partially written file loads cleanly.
func (s *OrchestratorState) Normalize() {
	if s.Agents == nil {
		s.Agents = map[string]AgentRuntimeState{}
	}
	if s.TaskHistory == nil {
		s.TaskHistory = []TaskRecord{}
	}
	if s.Approvals == nil {
		s.Approvals = map[string]ApprovalRecord{}
	}
	if s.Invocations == nil {
		s.Invocations = []InvocationRecord{}
	}
	if s.MilestoneDeliveries == nil {
		s.MilestoneDeliveries = []DeliveryRecord{}
	}
	if s.DemandSummaryDeliveries == nil {
		s.DemandSummaryDeliveries = []DeliveryRecord{}
	}
}

// Clone returns a copy that shares no slices or maps with s. Payload maps and
// raw JSON are treated as immutable and shared.
func (s OrchestratorState) Clone() OrchestratorState {
	out := s
	out.Agents = make(map[string]AgentRuntimeState, len(s.Agents))
	for k, v := range s.Agents {
		out.Agents[k] = v
	}
	out.Approvals = make(map[string]ApprovalRecord, len(s.Approvals))
	for k, v := range s.Approvals {
		out.Approvals[k] = v
	}
	out.TaskHistory = append([]TaskRecord{}, s.TaskHistory...)
	out.Invocations = append([]InvocationRecord{}, s.Invocations...)
	out.MilestoneDeliveries = append([]DeliveryRecord{}, s.MilestoneDeliveries...)
	out.DemandSummaryDeliveries = append([]DeliveryRecord{}, s.DemandSummaryDeliveries...)
	return out
}

// MilestoneEvent is the payload of the milestone emitter.
type MilestoneEvent struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title"`
	Summary    string         `json:"summary,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	TaskID     string         `json:"taskId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// DemandSnapshot is the payload of the demand-summary emitter.
type DemandSnapshot struct {
	GeneratedAt      time.Time      `json:"generatedAt"`
	WindowHours      int            `json:"windowHours"`
	TaskCounts       map[string]int `json:"taskCounts"`
	ErrorCounts      map[string]int `json:"errorCounts"`
	PendingApprovals int            `json:"pendingApprovals"`
	AgentStatuses    map[string]int `json:"agents"`
}
