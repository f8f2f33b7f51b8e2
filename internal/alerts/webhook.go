package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"swarmctl/internal/delivery"
	"swarmctl/internal/notify"
	"swarmctl/internal/telemetry"
)

const (
	MaxBatch  = 1000
	MaxLabels = 50

	StatusFiring   = "firing"
	StatusResolved = "resolved"

	SignatureHeader = "X-Alert-Signature"
)

var ErrBadSignature = errors.New("alert signature mismatch")

type Alert struct {
	Status      string            `json:"status" enum:"firing,resolved"`
	Labels      map[string]string `json:"labels" maxProperties:"50"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type Batch struct {
	Alerts []Alert `json:"alerts" maxItems:"1000"`
}

// Fingerprint derives identity from the alertname, cause and agent labels.
// A cause annotation is used when the label is absent.
func (a Alert) Fingerprint() Fingerprint {
	cause := a.Labels["cause"]
	if cause == "" {
		cause = a.Annotations["cause"]
	}
	return Fingerprint{AlertName: a.Labels["alertname"], Cause: cause, Agent: a.Labels["agent"]}
}

// Validate checks structural limits of a batch.
func (b Batch) Validate() error {
	if len(b.Alerts) > MaxBatch {
		return fmt.Errorf("batch has %d alerts, limit is %d", len(b.Alerts), MaxBatch)
	}
	for i, a := range b.Alerts {
		if a.Status != StatusFiring && a.Status != StatusResolved {
			return fmt.Errorf("alerts[%d].status must be firing or resolved", i)
		}
		if len(a.Labels) > MaxLabels {
			return fmt.Errorf("alerts[%d] has %d labels, limit is %d", i, len(a.Labels), MaxLabels)
		}
		if strings.TrimSpace(a.Labels["alertname"]) == "" {
			return fmt.Errorf("alerts[%d].labels.alertname is required", i)
		}
	}
	return nil
}

// VerifySignature checks the hex HMAC-SHA256 of the canonical body.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	canon, err := delivery.Canonicalize(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !delivery.Verify(secret, canon, signature) {
		return ErrBadSignature
	}
	return nil
}

// Summary reports what happened to a batch.
type Summary struct {
	Received   int `json:"received"`
	Fired      int `json:"fired"`
	Suppressed int `json:"suppressed"`
	Resolved   int `json:"resolved"`
}

// Processor runs firing alerts through the deduplicator and notifies the
// ones that pass. Resolved alerts are always forwarded.
type Processor struct {
	Dedup    *Deduplicator
	Notifier notify.Notifier
	Logger   *slog.Logger
}

func (p *Processor) Process(ctx context.Context, b Batch) (Summary, error) {
	if err := b.Validate(); err != nil {
		return Summary{}, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sum := Summary{Received: len(b.Alerts)}
	for _, a := range b.Alerts {
		fp := a.Fingerprint()
		if a.Status == StatusResolved {
			sum.Resolved++
			telemetry.RecordAlert(ctx, "resolved")
			p.notify(ctx, logger, a, fp, 0)
			continue
		}
		d := p.Dedup.ShouldFire(fp)
		if !d.Fire {
			sum.Suppressed++
			telemetry.RecordAlert(ctx, "suppressed")
			logger.Debug("alert suppressed", "alertname", fp.AlertName, "cause", fp.Cause, "agent", fp.Agent)
			continue
		}
		sum.Fired++
		telemetry.RecordAlert(ctx, "fired")
		p.notify(ctx, logger, a, fp, d.Count)
	}
	return sum, nil
}

func (p *Processor) notify(ctx context.Context, logger *slog.Logger, a Alert, fp Fingerprint, count int) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(ctx, messageFor(a, fp, count)); err != nil {
		logger.Warn("alert notification failed", "alertname", fp.AlertName, "err", err)
	}
}

func messageFor(a Alert, fp Fingerprint, count int) notify.Message {
	title := fp.AlertName
	if a.Status == StatusResolved {
		title = "RESOLVED " + title
	}
	var parts []string
	if s := a.Annotations["summary"]; s != "" {
		parts = append(parts, s)
	}
	if fp.Agent != "" {
		parts = append(parts, "agent="+fp.Agent)
	}
	if fp.Cause != "" {
		parts = append(parts, "cause="+fp.Cause)
	}
	if count > 1 {
		parts = append(parts, fmt.Sprintf("occurrence=%d", count))
	}
	return notify.Message{
		Title:    title,
		Text:     strings.Join(parts, " "),
		Severity: a.Labels["severity"],
		Labels:   a.Labels,
	}
}
