package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), Message{Title: "AgentDown", Text: "scanner stopped", Severity: "critical"})
	require.NoError(t, err)
	assert.Equal(t, "[CRITICAL] AgentDown: scanner stopped", got["text"])
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_token")
}
