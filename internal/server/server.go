package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"swarmctl/internal/approval"
	"swarmctl/internal/delivery"
	"swarmctl/internal/dispatcher"
	"swarmctl/internal/orchestrator"
	"swarmctl/internal/registry"
	"swarmctl/internal/repo"
	"swarmctl/internal/state"
	"swarmctl/internal/tasks"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
	Auth         AuthConfig
	// AlertSecret verifies inbound alert batches. Empty rejects every batch.
	AlertSecret string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approval_not_found"`
	Message string         `json:"message" example:"approval not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":\"3f1c\"}"`
}

type bodyBytesKey struct{}

// maxBodyBytes bounds every request body. A full alert batch at its label
// caps fits well within it.
const maxBodyBytes = 4 << 20

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the swarm control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Orchestrator.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large",
						fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "could not read request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("Swarm Control API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	o := cfg.Orchestrator
	registerDocs(router, basePath)
	registerHealth(api)
	registerStatus(group, o)
	registerTasks(group, o)
	registerApprovals(group, o)
	registerAgents(group, o)
	registerDeliveries(group, o)
	registerAudit(group, o)
	registerAlerts(group, o, cfg.AlertSecret, cfg.Logger)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve tasks.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, tasks.ErrUnknownType):
		return newAPIError(http.StatusBadRequest, "unknown_task_type", msg, nil)
	case errors.Is(err, approval.ErrInvalidDecision):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, approval.ErrNotFound):
		return newAPIError(http.StatusNotFound, "approval_not_found", msg, nil)
	case errors.Is(err, registry.ErrUnknownAgent):
		return newAPIError(http.StatusNotFound, "agent_not_found", msg, nil)
	case errors.Is(err, delivery.ErrNotFound), errors.Is(err, repo.ErrNotFound), errors.Is(err, state.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, approval.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", msg, nil)
	case errors.Is(err, delivery.ErrNotDeadLetter):
		return newAPIError(http.StatusConflict, "not_dead_letter", msg, nil)
	case errors.Is(err, dispatcher.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:   "http",
		Scheme: "bearer",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if isPublicPath(basePath, route) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Swarm Control API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;api key or token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestrator status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.Status `json:"body"`
	}, error) {
		return &struct {
			Body orchestrator.Status `json:"body"`
		}{Body: o.Status()}, nil
	})
}

func registerTasks(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue a task",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body TriggerTaskRequest `json:"body"`
	}) (*struct {
		Body TaskAcceptedResponse `json:"body"`
	}, error) {
		payload := input.Body.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		t, err := o.Submit(ctx, input.Body.Type, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskAcceptedResponse `json:"body"`
		}{Body: TaskAcceptedResponse{TaskID: t.ID, Type: t.Type, Status: "queued", CreatedAt: t.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/history",
		Summary:     "Recent task outcomes, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body TaskHistoryResponse `json:"body"`
	}, error) {
		hist := o.Store.Get().TaskHistory
		out := TaskHistoryResponse{Items: reversed(hist)}
		if input.Limit > 0 && len(out.Items) > input.Limit {
			out.Items = out.Items[:input.Limit]
		}
		return &struct {
			Body TaskHistoryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerApprovals(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approvals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Items: o.Approvals.ListPending()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{task_id}/decision",
		Summary:     "Approve or reject a pending task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actor := input.Body.Actor
		if actor == "" {
			if p, ok := principalFromContext(ctx); ok {
				actor = p.ActorID
			}
		}
		rec, replayed, err := o.Decide(ctx, input.TaskID, input.Body.Decision, actor, input.Body.Note, input.Body.Replay)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Approval: rec, Replayed: replayed}}, nil
	})
}

func registerAgents(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentListResponse `json:"body"`
	}, error) {
		now := time.Now()
		var items []AgentResponse
		for _, cfg := range o.Registry.List() {
			st, err := o.Registry.Status(cfg.ID)
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, agentResponse(cfg, st, now))
		}
		return &struct {
			Body AgentListResponse `json:"body"`
		}{Body: AgentListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		cfg, ok := o.Registry.Get(input.AgentID)
		if !ok {
			return nil, handleError(fmt.Errorf("%s: %w", input.AgentID, registry.ErrUnknownAgent))
		}
		st, err := o.Registry.Status(cfg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(cfg, st, time.Now())}, nil
	})
}

func registerDeliveries(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "List delivery records",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind" enum:"milestones,demand-summary"`
		Status string `query:"status" enum:"pending,retrying,delivered,rejected,duplicate,dead-letter"`
	}) (*struct {
		Body DeliveryListResponse `json:"body"`
	}, error) {
		var items []DeliveryResponse
		for _, em := range []*delivery.Emitter{o.Milestones, o.Demand} {
			if input.Kind != "" && input.Kind != em.Name() {
				continue
			}
			for _, rec := range em.Records() {
				if input.Status != "" && string(rec.Status) != input.Status {
					continue
				}
				items = append(items, DeliveryResponse{Kind: em.Name(), DeliveryRecord: rec})
			}
		}
		return &struct {
			Body DeliveryListResponse `json:"body"`
		}{Body: DeliveryListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-deliveries",
		Method:      http.MethodPost,
		Path:        "/deliveries/sweep",
		Summary:     "Attempt every outstanding delivery now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]delivery.SweepResult `json:"body"`
	}, error) {
		res, err := o.Sweep(ctx)
		if err != nil {
			o.Logger.Warn("manual sweep had failures", "err", err)
		}
		return &struct {
			Body map[string]delivery.SweepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-delivery",
		Method:      http.MethodPost,
		Path:        "/deliveries/{kind}/{key}/requeue",
		Summary:     "Move a dead-lettered record back to retrying",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		Key  string `path:"key"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		em, ok := o.Emitter(input.Kind)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown delivery kind "+input.Kind, nil)
		}
		rec, err := em.Requeue(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: DeliveryResponse{Kind: em.Name(), DeliveryRecord: rec}}, nil
	})
}

func registerAudit(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invocations",
		Method:      http.MethodGet,
		Path:        "/invocations",
		Summary:     "Capability invocation audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body InvocationListResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		if o.Repo != nil {
			items, err := o.Repo.ListInvocations(ctx, input.AgentID, limit)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body InvocationListResponse `json:"body"`
			}{Body: InvocationListResponse{Items: items}}, nil
		}
		var items []InvocationRecordView
		for _, rec := range reversed(o.Store.Get().Invocations) {
			if input.AgentID != "" && rec.AgentID != input.AgentID {
				continue
			}
			items = append(items, rec)
			if len(items) == limit {
				break
			}
		}
		return &struct {
			Body InvocationListResponse `json:"body"`
		}{Body: InvocationListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Raw event log, newest first",
	}, func(ctx context.Context, input *struct {
		Stream string `query:"stream" enum:"milestones,demand-summary"`
		Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if o.Repo == nil {
			return &struct {
				Body EventListResponse `json:"body"`
			}{Body: EventListResponse{}}, nil
		}
		items, err := o.Repo.ListEvents(ctx, input.Stream, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
