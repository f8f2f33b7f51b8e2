package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends raw events to the local log before any network delivery is
// attempted. A nil DB makes every append a no-op.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. payload may be any JSON-marshalable value.
func (w Writer) Append(ctx context.Context, stream, evtType, idempotencyKey string, payload any) error {
	if w.DB == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,stream,type,idempotency_key,payload_json) VALUES (?,?,?,?,?)`,
		ts, stream, evtType, nullable(idempotencyKey), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
