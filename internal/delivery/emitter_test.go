package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/config"
	"swarmctl/internal/domain"
	"swarmctl/internal/state"
)

const testSecret = "ingest-secret"

type receiver struct {
	t       *testing.T
	mu      sync.Mutex
	hits    int
	seen    map[string]int
	respond func(hit int, firstSeen bool) (int, string)
}

func newReceiver(t *testing.T, respond func(hit int, firstSeen bool) (int, string)) (*receiver, *httptest.Server) {
	r := &receiver{t: t, seen: map[string]int{}, respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *receiver) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	canon, err := Canonicalize(body)
	if err != nil || !Verify(testSecret, canon, req.Header.Get(HeaderSignature)) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if _, err := time.Parse(time.RFC3339, req.Header.Get(HeaderTimestamp)); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var env struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	_ = json.Unmarshal(body, &env)

	r.mu.Lock()
	r.hits++
	hit := r.hits
	firstSeen := r.seen[env.IdempotencyKey] == 0
	r.seen[env.IdempotencyKey]++
	code, resp := r.respond(hit, firstSeen)
	r.mu.Unlock()

	w.WriteHeader(code)
	_, _ = w.Write([]byte(resp))
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

func newTestEmitter(t *testing.T, url, secret string) (*Emitter, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore(nil, state.DefaultLimits())
	cfg := config.MilestoneDelivery{EndpointConfig: config.EndpointConfig{
		IngestURL:     url,
		SigningSecret: secret,
		MaxAttempts:   3,
		Timeout:       2 * time.Second,
	}}
	e := NewMilestoneEmitter(cfg, store, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, store
}

func milestone() domain.MilestoneEvent {
	return NewMilestone("task.completed", "Deploy finished", "", time.Now())
}

func only(t *testing.T, e *Emitter) domain.DeliveryRecord {
	t.Helper()
	recs := e.Records()
	require.Len(t, recs, 1)
	return recs[0]
}

func TestEmitDeliversOnce(t *testing.T) {
	rcv, srv := newReceiver(t, func(int, bool) (int, string) { return 200, `{"status":"accepted"}` })
	e, store := newTestEmitter(t, srv.URL, testSecret)
	ctx := context.Background()

	rec, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	assert.NotEmpty(t, rec.IdempotencyKey)
	e.Wait()

	res, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	got := only(t, e)
	assert.Equal(t, domain.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, 1, rcv.count())
	assert.NotNil(t, store.Get().LastMilestoneDeliveryAt)
}

func TestDuplicateAckAfterLostResponse(t *testing.T) {
	effects := 0
	rcv, srv := newReceiver(t, func(hit int, firstSeen bool) (int, string) {
		if firstSeen {
			effects++
			return 503, "upstream flake"
		}
		return 200, `{"status":"duplicate"}`
	})
	e, _ := newTestEmitter(t, srv.URL, testSecret)
	ctx := context.Background()

	_, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	e.Wait()
	assert.Equal(t, domain.DeliveryRetrying, only(t, e).Status)

	_, err = e.Sweep(ctx)
	require.NoError(t, err)
	got := only(t, e)
	assert.Equal(t, domain.DeliveryDuplicate, got.Status)
	assert.Equal(t, 2, got.Attempts)

	_, err = e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rcv.count())
	assert.Equal(t, 1, effects)
}

func TestClientErrorIsRejectedWithoutRetry(t *testing.T) {
	rcv, srv := newReceiver(t, func(int, bool) (int, string) { return 422, `{"error":"schema mismatch"}` })
	e, _ := newTestEmitter(t, srv.URL, testSecret)
	ctx := context.Background()

	_, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	e.Wait()
	_, err = e.Sweep(ctx)
	require.NoError(t, err)

	got := only(t, e)
	assert.Equal(t, domain.DeliveryRejected, got.Status)
	assert.Contains(t, got.LastError, "schema mismatch")
	assert.Contains(t, got.LastError, "422")
	assert.Equal(t, 1, rcv.count())
}

func TestServerErrorsDeadLetterAfterThreeAttempts(t *testing.T) {
	rcv, srv := newReceiver(t, func(int, bool) (int, string) { return 500, "down" })
	e, _ := newTestEmitter(t, srv.URL, testSecret)
	ctx := context.Background()

	_, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	e.Wait()
	assert.Equal(t, domain.DeliveryRetrying, only(t, e).Status)

	_, err = e.Sweep(ctx)
	assert.Error(t, err)
	assert.Equal(t, domain.DeliveryRetrying, only(t, e).Status)

	_, err = e.Sweep(ctx)
	assert.Error(t, err)
	got := only(t, e)
	assert.Equal(t, domain.DeliveryDeadLetter, got.Status)
	assert.Equal(t, 3, got.Attempts)

	res, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, 3, rcv.count())

	requeued, err := e.Requeue(ctx, got.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryRetrying, requeued.Status)
	assert.Zero(t, requeued.Attempts)

	_, err = e.Requeue(ctx, got.IdempotencyKey)
	assert.True(t, errors.Is(err, ErrNotDeadLetter))
	_, err = e.Requeue(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMissingSecretNeverSends(t *testing.T) {
	rcv, srv := newReceiver(t, func(int, bool) (int, string) { return 200, `{"status":"accepted"}` })
	e, _ := newTestEmitter(t, srv.URL, "")
	ctx := context.Background()

	_, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	e.Wait()
	res, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, rcv.count())
	assert.Equal(t, domain.DeliveryPending, only(t, e).Status)
}

func TestNoIngestURLKeepsPending(t *testing.T) {
	e, _ := newTestEmitter(t, "", testSecret)
	_, err := e.Emit(context.Background(), "task.completed", milestone())
	require.NoError(t, err)
	assert.False(t, e.Enabled())
	assert.Equal(t, domain.DeliveryPending, only(t, e).Status)
}

func TestInvalidPayloadIsDropped(t *testing.T) {
	e, _ := newTestEmitter(t, "", "")
	ev := milestone()
	ev.Title = ""
	_, err := e.Emit(context.Background(), "task.completed", ev)
	assert.True(t, errors.Is(err, ErrInvalidPayload))
	assert.Empty(t, e.Records())

	_, err = e.Emit(context.Background(), "task.completed", map[string]any{"title": "x"})
	assert.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestEnvelopeFieldOrder(t *testing.T) {
	rec := domain.DeliveryRecord{
		IdempotencyKey: "k1",
		SentAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:        json.RawMessage(`{"b":1,"a":2}`),
	}
	body, err := BuildEnvelope("snapshot", rec)
	require.NoError(t, err)
	assert.Equal(t, `{"idempotencyKey":"k1","sentAtUtc":"2024-01-01T00:00:00Z","snapshot":{"b":1,"a":2}}`, string(body))
	assert.True(t, strings.HasPrefix(string(body), `{"idempotencyKey"`))
}

func newEmitterWithTimeout(t *testing.T, url string, timeout time.Duration) *Emitter {
	t.Helper()
	cfg := config.MilestoneDelivery{EndpointConfig: config.EndpointConfig{
		IngestURL:     url,
		SigningSecret: testSecret,
		MaxAttempts:   3,
		Timeout:       timeout,
	}}
	store := state.NewMemoryStore(nil, state.DefaultLimits())
	return NewMilestoneEmitter(cfg, store, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// assertRetriesThenDeadLetters drives a record whose every send fails at the
// transport level through the retry budget.
func assertRetriesThenDeadLetters(t *testing.T, e *Emitter) {
	t.Helper()
	ctx := context.Background()

	_, err := e.Emit(ctx, "task.completed", milestone())
	require.NoError(t, err)
	e.Wait()
	got := only(t, e)
	assert.Equal(t, domain.DeliveryRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)

	_, err = e.Sweep(ctx)
	assert.Error(t, err)
	got = only(t, e)
	assert.Equal(t, domain.DeliveryRetrying, got.Status)
	assert.Equal(t, 2, got.Attempts)

	_, err = e.Sweep(ctx)
	assert.Error(t, err)
	got = only(t, e)
	assert.Equal(t, domain.DeliveryDeadLetter, got.Status)
	assert.Equal(t, 3, got.Attempts)

	res, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
}

func TestTimeoutIsRetriedThenDeadLettered(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	e := newEmitterWithTimeout(t, srv.URL, 50*time.Millisecond)
	assertRetriesThenDeadLetters(t, e)
	assert.Contains(t, only(t, e).LastError, "Client.Timeout")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, hits)
}

func TestUnreachableReceiverIsRetriedThenDeadLettered(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := newEmitterWithTimeout(t, url, time.Second)
	assertRetriesThenDeadLetters(t, e)
	assert.Contains(t, only(t, e).LastError, "connect")
}
