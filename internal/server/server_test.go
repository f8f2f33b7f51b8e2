package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/alerts"
	"swarmctl/internal/auth"
	"swarmctl/internal/config"
	"swarmctl/internal/delivery"
	"swarmctl/internal/domain"
	"swarmctl/internal/orchestrator"
	"swarmctl/internal/state"
)

const (
	apiKey      = "k-current"
	jwtSecret   = "jwt-secret"
	alertSecret = "alert-secret"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	orch *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Agents.Dir = t.TempDir()
	cfg.Delivery.Milestones.Feed.Path = ""
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := orchestrator.New(context.Background(), orchestrator.Options{
		Config: cfg,
		Logger: logger,
		Store:  state.NewMemoryStore(nil, state.DefaultLimits()),
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)

	keys := auth.KeySet{
		GracePeriod: 72 * time.Hour,
		Keys: []config.APIKey{
			{ID: "ops", Version: 2, KeySHA256: auth.HashAPIKey(apiKey), ExpiresAt: testNow.Add(30 * 24 * time.Hour)},
			{ID: "ops", Version: 1, KeySHA256: auth.HashAPIKey("k-rotating"), ExpiresAt: testNow.Add(24 * time.Hour)},
			{ID: "ci", Version: 1, KeySHA256: auth.HashAPIKey("k-expired"), ExpiresAt: testNow.Add(-time.Hour)},
		},
	}
	handler, err := New(Config{
		Orchestrator: o,
		BasePath:     "/v1",
		Auth:         AuthConfig{Keys: keys, JWTSecret: jwtSecret, Logger: logger, Now: func() time.Time { return testNow }},
		AlertSecret:  alertSecret,
		Metrics:      http.NotFoundHandler(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, orch: o}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/status"

	res, data := doJSON(t, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, http.MethodGet, url, nil, bearer("nope"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, url, nil, bearer("k-expired"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "expired_credentials", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, url, nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, res.Header.Get(KeyWarningHeader))

	res, _ = doJSON(t, http.MethodGet, url, nil, bearer("k-rotating"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get(KeyWarningHeader), "ops v1")

	token, err := auth.MintToken(jwtSecret, "alice", time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, url, nil, bearer(token))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestTriggerAndApprove(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type":    "agent-deploy",
		"payload": map[string]any{},
	}, bearer(apiKey))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var accepted TaskAcceptedResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.NotEmpty(t, accepted.TaskID)
	srv.orch.Dispatcher.Wait()

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/approvals", nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var pending ApprovalListResponse
	require.NoError(t, json.Unmarshal(data, &pending))
	require.Len(t, pending.Items, 1)
	assert.Equal(t, accepted.TaskID, pending.Items[0].TaskID)

	decisionURL := fmt.Sprintf("%s/v1/approvals/%s/decision", srv.URL, accepted.TaskID)
	res, data = doJSON(t, http.MethodPost, decisionURL, map[string]any{"decision": "approved", "note": "ok"}, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var decided DecisionResponse
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.Equal(t, domain.ApprovalApproved, decided.Approval.Status)
	assert.Equal(t, "ops", decided.Approval.DecidedBy)
	assert.Nil(t, decided.Replayed)

	res, data = doJSON(t, http.MethodPost, decisionURL, map[string]any{"decision": "rejected"}, bearer(apiKey))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_decided", errorCode(t, data))

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/approvals/missing/decision", map[string]any{"decision": "approved"}, bearer(apiKey))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestTriggerValidation(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type":    "security-scan",
		"payload": map[string]any{"target": "ftp://example.com"},
	}, bearer(apiKey))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_payload", errorCode(t, data))

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"type": "bake-bread"}, bearer(apiKey))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Zero(t, srv.orch.Dispatcher.Pending())
}

func TestDeliveriesListAndRequeue(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	rec, err := srv.orch.Milestones.Emit(ctx, "note", delivery.NewMilestone("note", "Hello", "", time.Now()))
	require.NoError(t, err)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/deliveries?kind=milestones&status=pending", nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list DeliveryListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, rec.IdempotencyKey, list.Items[0].IdempotencyKey)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/deliveries/milestones/"+rec.IdempotencyKey+"/requeue", nil, bearer(apiKey))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_dead_letter", errorCode(t, data))

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/deliveries/milestones/unknown/requeue", nil, bearer(apiKey))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/deliveries/sweep", nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sweep map[string]delivery.SweepResult
	require.NoError(t, json.Unmarshal(data, &sweep))
	assert.True(t, sweep["milestones"].Skipped)
}

func signedBatch(t *testing.T, b alerts.Batch) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(b)
	require.NoError(t, err)
	sig, err := delivery.SignCanonical(alertSecret, body)
	require.NoError(t, err)
	return body, sig
}

func TestAlertWebhook(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/alerts/webhook"
	alert := alerts.Alert{Status: alerts.StatusFiring, Labels: map[string]string{"alertname": "AgentDown", "agent": "scanner", "cause": "oom"}}

	body, sig := signedBatch(t, alerts.Batch{Alerts: []alerts.Alert{alert, alert}})
	res, data := doJSON(t, http.MethodPost, url, body, map[string]string{alerts.SignatureHeader: sig})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sum alerts.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, alerts.Summary{Received: 2, Fired: 1, Suppressed: 1}, sum)

	res, data = doJSON(t, http.MethodPost, url, body, map[string]string{alerts.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "bad_signature", errorCode(t, data))

	big := make([]alerts.Alert, alerts.MaxBatch+1)
	for i := range big {
		big[i] = alert
	}
	body, sig = signedBatch(t, alerts.Batch{Alerts: big})
	res, _ = doJSON(t, http.MethodPost, url, body, map[string]string{alerts.SignatureHeader: sig})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAgentLookup(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.orch.Registry.Register(domain.AgentConfig{
		ID:          "scanner",
		Name:        "Scanner",
		Permissions: map[string]domain.Permission{"web.fetch": {Allowed: true}},
	}))

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/scanner", nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var agent AgentResponse
	require.NoError(t, json.Unmarshal(data, &agent))
	assert.Equal(t, "Scanner", agent.Name)
	assert.Equal(t, domain.AgentStopped, agent.Runtime.Status)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/ghost", nil, bearer(apiKey))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "agent_not_found", errorCode(t, data))
}

func TestAlertFingerprintsListing(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/v1/alerts/fingerprints"

	res, _ := doJSON(t, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	down := alerts.Alert{Status: alerts.StatusFiring, Labels: map[string]string{"alertname": "AgentDown", "agent": "scanner", "cause": "oom"}}
	body, sig := signedBatch(t, alerts.Batch{Alerts: []alerts.Alert{down, down}})
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/alerts/webhook", body, map[string]string{alerts.SignatureHeader: sig})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, url, nil, bearer(apiKey))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list FingerprintListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "AgentDown", list.Items[0].AlertName)
	assert.Equal(t, "oom", list.Items[0].Cause)
	assert.Equal(t, down.Fingerprint().Hash(), list.Items[0].Hash)
	assert.Equal(t, 1, list.Items[0].Count)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv := newTestServer(t)
	body := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/alerts/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Config.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "body_too_large", errorCode(t, rec.Body.Bytes()))
	assert.Zero(t, srv.orch.Dedup.Len())
}
