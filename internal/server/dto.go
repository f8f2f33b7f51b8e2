package server

import (
	"time"

	"swarmctl/internal/alerts"
	"swarmctl/internal/domain"
	"swarmctl/internal/repo"
)

// Request payloads

type TriggerTaskRequest struct {
	Type    string         `json:"type" enum:"agent-deploy,build-refactor,content-generate,security-scan,doc-parse,heartbeat,demand-summary,milestone"`
	Payload map[string]any `json:"payload,omitempty"`
}

type DecisionRequest struct {
	Decision domain.ApprovalStatus `json:"decision" enum:"approved,rejected"`
	Actor    string                `json:"actor,omitempty"`
	Note     string                `json:"note,omitempty"`
	// Replay re-enqueues an approved task under a new id.
	Replay bool `json:"replay,omitempty"`
}

// Responses

type TaskAcceptedResponse struct {
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status" enum:"queued"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type TaskHistoryResponse struct {
	Items []domain.TaskRecord `json:"items"`
}

type ApprovalListResponse struct {
	Items []domain.ApprovalRecord `json:"items"`
}

type DecisionResponse struct {
	Approval domain.ApprovalRecord `json:"approval"`
	Replayed *domain.Task          `json:"replayed_task,omitempty"`
}

type AgentResponse struct {
	domain.AgentConfig
	Runtime       domain.AgentRuntimeState `json:"runtime"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
}

type AgentListResponse struct {
	Items []AgentResponse `json:"items"`
}

type DeliveryResponse struct {
	Kind string `json:"kind" enum:"milestones,demand-summary"`
	domain.DeliveryRecord
}

type DeliveryListResponse struct {
	Items []DeliveryResponse `json:"items"`
}

type InvocationRecordView = domain.InvocationRecord

type InvocationListResponse struct {
	Items []InvocationRecordView `json:"items"`
}

type EventListResponse struct {
	Items []repo.EventRow `json:"items"`
}

func agentResponse(cfg domain.AgentConfig, st domain.AgentRuntimeState, now time.Time) AgentResponse {
	return AgentResponse{
		AgentConfig:   cfg,
		Runtime:       st,
		UptimeSeconds: int64(st.Uptime(now).Seconds()),
	}
}

type FingerprintListResponse struct {
	Items []alerts.Entry `json:"items"`
}
