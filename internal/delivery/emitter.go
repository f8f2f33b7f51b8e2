package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarmctl/internal/config"
	"swarmctl/internal/domain"
	"swarmctl/internal/state"
	"swarmctl/internal/telemetry"
)

const (
	HeaderSignature = "X-Swarm-Signature"
	HeaderTimestamp = "X-Swarm-Timestamp"
	HeaderKey       = "X-Idempotency-Key"

	maxErrorBody = 4096
)

var (
	ErrInvalidPayload = errors.New("invalid delivery payload")
	ErrNotFound       = errors.New("delivery record not found")
	ErrNotDeadLetter  = errors.New("delivery record is not dead-lettered")
)

// EventLog is the local append-only log written before any network attempt.
type EventLog interface {
	Append(ctx context.Context, stream, evtType, idempotencyKey string, payload any) error
}

// Stream parameterizes an Emitter by payload shape and state slot.
type Stream struct {
	Name        string
	EnvelopeKey string
	Validate    func(payload any) error
	Records     func(s *domain.OrchestratorState) *[]domain.DeliveryRecord
	Delivered   func(s *domain.OrchestratorState, at time.Time)
}

// Emitter signs, persists and ships events of one stream with at-least-once
// semantics. The periodic Sweep is the source of truth; the attempt started
// by Emit is an optimization.
type Emitter struct {
	stream Stream
	cfg    config.EndpointConfig
	store  state.Store
	events EventLog
	logger *slog.Logger

	Client *http.Client
	Now    func() time.Time
	// AfterPersist runs once a new record is saved, before delivery.
	AfterPersist func(ctx context.Context, rec domain.DeliveryRecord)

	mu       sync.Mutex
	inflight map[string]struct{}
	bg       sync.WaitGroup
}

func NewEmitter(stream Stream, cfg config.EndpointConfig, store state.Store, events EventLog, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	e := &Emitter{
		stream:   stream,
		cfg:      cfg,
		store:    store,
		events:   events,
		logger:   logger.With("stream", stream.Name),
		Client:   &http.Client{Timeout: cfg.Timeout},
		Now:      time.Now,
		inflight: map[string]struct{}{},
	}
	if cfg.IngestURL != "" && cfg.SigningSecret == "" {
		e.logger.Error("ingest url set without signing secret; delivery disabled", "ingest_url", cfg.IngestURL, "misconfigured", true)
	}
	return e
}

func (e *Emitter) Name() string { return e.stream.Name }

// Enabled reports whether deliveries will be attempted. Unsigned sends are
// never made.
func (e *Emitter) Enabled() bool {
	return e.cfg.IngestURL != "" && e.cfg.SigningSecret != ""
}

// Emit validates payload, logs it locally, persists a pending record and
// starts a background delivery attempt.
func (e *Emitter) Emit(ctx context.Context, evtType string, payload any) (domain.DeliveryRecord, error) {
	if e.stream.Validate != nil {
		if err := e.stream.Validate(payload); err != nil {
			e.logger.Warn("dropping invalid event", "type", evtType, "err", err)
			return domain.DeliveryRecord{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	rec := domain.DeliveryRecord{
		IdempotencyKey: uuid.NewString(),
		Payload:        raw,
		SentAt:         e.Now().UTC(),
		Status:         domain.DeliveryPending,
	}
	if e.events != nil {
		if err := e.events.Append(ctx, e.stream.Name, evtType, rec.IdempotencyKey, payload); err != nil {
			e.logger.Warn("append raw event", "key", rec.IdempotencyKey, "err", err)
		}
	}
	err = e.store.Update(ctx, func(s *domain.OrchestratorState) error {
		recs := e.stream.Records(s)
		*recs = append(*recs, rec)
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("persist delivery record: %w", err)
	}
	if e.AfterPersist != nil {
		e.AfterPersist(ctx, rec)
	}
	if e.Enabled() {
		bgCtx := context.WithoutCancel(ctx)
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			if _, err := e.attempt(bgCtx, rec.IdempotencyKey); err != nil {
				e.logger.Warn("immediate delivery attempt failed", "key", rec.IdempotencyKey, "err", err)
			}
		}()
	}
	return rec, nil
}

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Attempted int            `json:"attempted"`
	Outcomes  map[string]int `json:"outcomes"`
	Skipped   bool           `json:"skipped,omitempty"`
}

// Sweep attempts every pending or retrying record in array order.
func (e *Emitter) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Outcomes: map[string]int{}}
	if !e.Enabled() {
		if e.cfg.IngestURL != "" {
			e.logger.Error("skipping delivery sweep: signing secret missing", "misconfigured", true)
		}
		res.Skipped = true
		return res, nil
	}
	s := e.store.Get()
	var keys []string
	for _, rec := range *e.stream.Records(&s) {
		if rec.Status.Outstanding() {
			keys = append(keys, rec.IdempotencyKey)
		}
	}
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		status, err := e.attempt(ctx, key)
		if status == "" {
			continue
		}
		res.Attempted++
		res.Outcomes[string(status)]++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is done.
func (e *Emitter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.SweepInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Warn("delivery sweep had failures", "err", err)
			}
		}
	}
}

// Wait blocks until background attempts started by Emit finish.
func (e *Emitter) Wait() {
	e.bg.Wait()
}

// Records returns a copy of the stream's delivery records.
func (e *Emitter) Records() []domain.DeliveryRecord {
	s := e.store.Get()
	return append([]domain.DeliveryRecord{}, *e.stream.Records(&s)...)
}

// Requeue moves a dead-lettered record back to retrying with a fresh
// attempt budget.
func (e *Emitter) Requeue(ctx context.Context, key string) (domain.DeliveryRecord, error) {
	var out domain.DeliveryRecord
	err := e.store.Update(ctx, func(s *domain.OrchestratorState) error {
		recs := *e.stream.Records(s)
		for i := range recs {
			if recs[i].IdempotencyKey != key {
				continue
			}
			if recs[i].Status != domain.DeliveryDeadLetter {
				return fmt.Errorf("%s is %s: %w", key, recs[i].Status, ErrNotDeadLetter)
			}
			recs[i].Status = domain.DeliveryRetrying
			recs[i].Attempts = 0
			recs[i].LastError = ""
			out = recs[i]
			return nil
		}
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	})
	if err == nil {
		e.logger.Info("delivery requeued", "key", key)
	}
	return out, err
}

func (e *Emitter) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Emitter) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// attempt performs one delivery of key. It returns the resulting status, or
// "" when the record was busy, gone or already terminal.
func (e *Emitter) attempt(ctx context.Context, key string) (domain.DeliveryStatus, error) {
	if !e.claim(key) {
		return "", nil
	}
	defer e.release(key)

	s := e.store.Get()
	rec, ok := findRecord(*e.stream.Records(&s), key)
	if !ok || !rec.Status.Outstanding() {
		return "", nil
	}

	status, lastErr := e.post(ctx, rec)
	now := e.Now().UTC()
	err := e.store.Update(ctx, func(s *domain.OrchestratorState) error {
		recs := *e.stream.Records(s)
		for i := range recs {
			if recs[i].IdempotencyKey != key {
				continue
			}
			recs[i].Attempts++
			recs[i].LastAttemptAt = &now
			recs[i].LastError = lastErr
			if status == domain.DeliveryRetrying && recs[i].Attempts >= e.cfg.MaxAttempts {
				status = domain.DeliveryDeadLetter
			}
			recs[i].Status = status
			if (status == domain.DeliveryDelivered || status == domain.DeliveryDuplicate) && e.stream.Delivered != nil {
				e.stream.Delivered(s, now)
			}
			return nil
		}
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	})
	if err != nil {
		return "", fmt.Errorf("record delivery outcome: %w", err)
	}
	telemetry.RecordDelivery(ctx, e.stream.Name, string(status))
	switch status {
	case domain.DeliveryDeadLetter:
		e.logger.Error("delivery dead-lettered", "key", key, "err", lastErr)
	case domain.DeliveryRejected:
		e.logger.Warn("delivery rejected by receiver", "key", key, "err", lastErr)
	case domain.DeliveryRetrying:
		e.logger.Info("delivery will be retried", "key", key, "err", lastErr)
	default:
		e.logger.Debug("delivery complete", "key", key, "status", status)
	}
	if lastErr != "" && status != domain.DeliveryRejected {
		return status, fmt.Errorf("deliver %s: %s", key, lastErr)
	}
	return status, nil
}

// post sends one signed envelope and classifies the response. A retrying
// result may be promoted to dead-letter by the caller.
func (e *Emitter) post(ctx context.Context, rec domain.DeliveryRecord) (domain.DeliveryStatus, string) {
	body, err := BuildEnvelope(e.stream.EnvelopeKey, rec)
	if err != nil {
		return domain.DeliveryRejected, err.Error()
	}
	sig, err := SignCanonical(e.cfg.SigningSecret, body)
	if err != nil {
		return domain.DeliveryRejected, err.Error()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.IngestURL, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryRetrying, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, e.Now().UTC().Format(time.RFC3339))
	req.Header.Set(HeaderKey, rec.IdempotencyKey)

	res, err := e.Client.Do(req)
	if err != nil {
		return domain.DeliveryRetrying, err.Error()
	}
	defer res.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		var ack struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(respBody, &ack) == nil && strings.EqualFold(ack.Status, "duplicate") {
			return domain.DeliveryDuplicate, ""
		}
		return domain.DeliveryDelivered, ""
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return domain.DeliveryRejected, fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
	default:
		return domain.DeliveryRetrying, fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// BuildEnvelope renders {idempotencyKey, sentAtUtc, <key>} in that field order.
func BuildEnvelope(payloadKey string, rec domain.DeliveryRecord) ([]byte, error) {
	if len(rec.Payload) == 0 || !json.Valid(rec.Payload) {
		return nil, fmt.Errorf("%w: record %s has no valid payload", ErrInvalidPayload, rec.IdempotencyKey)
	}
	keyJSON, _ := json.Marshal(rec.IdempotencyKey)
	sentJSON, _ := json.Marshal(rec.SentAt.UTC().Format(time.RFC3339Nano))
	fieldJSON, _ := json.Marshal(payloadKey)
	var buf bytes.Buffer
	buf.WriteString(`{"idempotencyKey":`)
	buf.Write(keyJSON)
	buf.WriteString(`,"sentAtUtc":`)
	buf.Write(sentJSON)
	buf.WriteByte(',')
	buf.Write(fieldJSON)
	buf.WriteByte(':')
	buf.Write(rec.Payload)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func findRecord(recs []domain.DeliveryRecord, key string) (domain.DeliveryRecord, bool) {
	for _, r := range recs {
		if r.IdempotencyKey == key {
			return r, true
		}
	}
	return domain.DeliveryRecord{}, false
}
