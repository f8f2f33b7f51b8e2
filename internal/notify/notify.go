// Package notify delivers human-facing notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Title    string
	Text     string
	Severity string
	Labels   map[string]string
}

// Notifier is the delivery contract of a notification channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Webhook posts Slack-compatible {"text": ...} bodies.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(map[string]string{"text": Format(msg)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Log writes notifications to a logger. It is the fallback when no channel is
// configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("notification", "title", msg.Title, "severity", msg.Severity, "text", msg.Text)
	return nil
}

// Format renders a message as a single chat line.
func Format(msg Message) string {
	var b strings.Builder
	if msg.Severity != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(msg.Severity))
	}
	b.WriteString(msg.Title)
	if msg.Text != "" {
		b.WriteString(": ")
		b.WriteString(msg.Text)
	}
	return b.String()
}
