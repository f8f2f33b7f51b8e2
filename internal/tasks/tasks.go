// Package tasks turns untyped task payloads into typed values at ingress.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	TypeAgentDeploy     = "agent-deploy"
	TypeBuildRefactor   = "build-refactor"
	TypeContentGenerate = "content-generate"
	TypeSecurityScan    = "security-scan"
	TypeDocParse        = "doc-parse"
	TypeHeartbeat       = "heartbeat"
	TypeDemandSummary   = "demand-summary"
	TypeMilestone       = "milestone"
)

// Types lists every known task type.
var Types = []string{
	TypeAgentDeploy,
	TypeBuildRefactor,
	TypeContentGenerate,
	TypeSecurityScan,
	TypeDocParse,
	TypeHeartbeat,
	TypeDemandSummary,
	TypeMilestone,
}

var ErrUnknownType = errors.New("unknown task type")

// ValidationError names the offending payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Payload is implemented by every typed task payload.
type Payload interface {
	TaskType() string
	Validate() error
	Approval() Gate
}

// Gate holds the approval fields every payload may carry.
type Gate struct {
	RequiresApproval   bool   `json:"requiresApproval,omitempty"`
	ApprovedFromTaskID string `json:"approvedFromTaskId,omitempty"`
}

func (g Gate) Approval() Gate { return g }

type AgentDeploy struct {
	Gate
	AgentID     string `json:"agentId"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}

func (AgentDeploy) TaskType() string { return TypeAgentDeploy }

func (p AgentDeploy) Validate() error {
	switch p.Environment {
	case "", "staging", "production":
	default:
		return ValidationError{Field: "environment", Reason: "must be staging or production"}
	}
	return nil
}

type BuildRefactor struct {
	Gate
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

func (BuildRefactor) TaskType() string { return TypeBuildRefactor }

func (p BuildRefactor) Validate() error {
	return required("target", p.Target)
}

type ContentGenerate struct {
	Gate
	Topic    string `json:"topic"`
	Audience string `json:"audience,omitempty"`
	MaxWords int    `json:"maxWords,omitempty"`
}

func (ContentGenerate) TaskType() string { return TypeContentGenerate }

func (p ContentGenerate) Validate() error {
	if err := required("topic", p.Topic); err != nil {
		return err
	}
	if p.MaxWords < 0 {
		return ValidationError{Field: "maxWords", Reason: "must not be negative"}
	}
	return nil
}

type SecurityScan struct {
	Gate
	Target string `json:"target"`
	Depth  int    `json:"depth,omitempty"`
}

func (SecurityScan) TaskType() string { return TypeSecurityScan }

func (p SecurityScan) Validate() error {
	if err := required("target", p.Target); err != nil {
		return err
	}
	u, err := url.Parse(p.Target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ValidationError{Field: "target", Reason: "must be an absolute http(s) url"}
	}
	if p.Depth < 0 || p.Depth > 5 {
		return ValidationError{Field: "depth", Reason: "must be between 0 and 5"}
	}
	return nil
}

type DocParse struct {
	Gate
	Path string `json:"path"`
}

func (DocParse) TaskType() string { return TypeDocParse }

func (p DocParse) Validate() error {
	return required("path", p.Path)
}

type Heartbeat struct {
	Gate
	AgentID string `json:"agentId,omitempty"`
}

func (Heartbeat) TaskType() string { return TypeHeartbeat }
func (Heartbeat) Validate() error  { return nil }

type DemandSummary struct {
	Gate
	WindowHours int `json:"windowHours,omitempty"`
}

func (DemandSummary) TaskType() string { return TypeDemandSummary }

func (p DemandSummary) Validate() error {
	if p.WindowHours < 0 || p.WindowHours > 24*30 {
		return ValidationError{Field: "windowHours", Reason: "must be between 0 and 720"}
	}
	return nil
}

// Hours returns the window with the 24h default applied.
func (p DemandSummary) Hours() int {
	if p.WindowHours == 0 {
		return 24
	}
	return p.WindowHours
}

type Milestone struct {
	Gate
	Kind    string         `json:"kind"`
	Title   string         `json:"title"`
	Summary string         `json:"summary,omitempty"`
	AgentID string         `json:"agentId,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (Milestone) TaskType() string { return TypeMilestone }

func (p Milestone) Validate() error {
	if err := required("kind", p.Kind); err != nil {
		return err
	}
	return required("title", p.Title)
}

// Known reports whether t is a registered task type.
func Known(t string) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Decode validates raw against the payload shape of taskType.
func Decode(taskType string, raw map[string]any) (Payload, error) {
	switch taskType {
	case TypeAgentDeploy:
		return decodeInto[AgentDeploy](raw)
	case TypeBuildRefactor:
		return decodeInto[BuildRefactor](raw)
	case TypeContentGenerate:
		return decodeInto[ContentGenerate](raw)
	case TypeSecurityScan:
		return decodeInto[SecurityScan](raw)
	case TypeDocParse:
		return decodeInto[DocParse](raw)
	case TypeHeartbeat:
		return decodeInto[Heartbeat](raw)
	case TypeDemandSummary:
		return decodeInto[DemandSummary](raw)
	case TypeMilestone:
		return decodeInto[Milestone](raw)
	}
	return nil, fmt.Errorf("%q: %w", taskType, ErrUnknownType)
}

func decodeInto[T Payload](raw map[string]any) (Payload, error) {
	var p T
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, ValidationError{Reason: fmt.Sprintf("payload is not serializable: %v", err)}
	}
	if err := json.Unmarshal(data, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ValidationError{Field: typeErr.Field, Reason: "must be " + typeErr.Type.String()}
		}
		return nil, ValidationError{Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}
