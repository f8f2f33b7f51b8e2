package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"swarmctl/internal/domain"
)

// Repo is the SQLite audit store. It complements the JSON state file with
// history that outlives the retention caps.
type Repo struct {
	DB *sql.DB
	// SnapshotsKept bounds state_snapshots; zero keeps 20.
	SnapshotsKept int
}

var ErrNotFound = errors.New("not found")

// Fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (r Repo) InsertInvocation(ctx context.Context, rec domain.InvocationRecord) error {
	var args any
	if len(rec.Args) > 0 {
		data, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("marshal invocation args: %w", err)
		}
		args = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO invocations(id,agent_id,capability_id,args_json,ts,allowed,reason) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.AgentID, rec.CapabilityID, args, rec.Timestamp.UTC().Format(tsLayout), boolInt(rec.Allowed), nullable(rec.Reason))
	return err
}

// ListInvocations returns the newest invocations first, optionally for one agent.
func (r Repo) ListInvocations(ctx context.Context, agentID string, limit int) ([]domain.InvocationRecord, error) {
	query := `SELECT id,agent_id,capability_id,COALESCE(args_json,''),ts,allowed,COALESCE(reason,'') FROM invocations`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InvocationRecord
	for rows.Next() {
		var (
			rec     domain.InvocationRecord
			argsRaw string
			ts      string
			allowed int
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.CapabilityID, &argsRaw, &ts, &allowed, &rec.Reason); err != nil {
			return nil, err
		}
		if argsRaw != "" {
			if err := json.Unmarshal([]byte(argsRaw), &rec.Args); err != nil {
				return nil, fmt.Errorf("decode args of %s: %w", rec.ID, err)
			}
		}
		rec.Timestamp, _ = time.Parse(tsLayout, ts)
		rec.Allowed = allowed == 1
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) InsertTaskRun(ctx context.Context, rec domain.TaskRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR REPLACE INTO task_runs(task_id,type,result,message,handled_at) VALUES (?,?,?,?,?)`,
		rec.ID, rec.Type, string(rec.Result), nullable(rec.Message), rec.HandledAt.UTC().Format(tsLayout))
	return err
}

// TaskRunCounts tallies runs per type since the given instant. errors holds the
// subset whose result was "error".
func (r Repo) TaskRunCounts(ctx context.Context, since time.Time) (total, errs map[string]int, err error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, result, COUNT(*) FROM task_runs WHERE handled_at >= ? GROUP BY type, result`,
		since.UTC().Format(tsLayout))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	total, errs = map[string]int{}, map[string]int{}
	for rows.Next() {
		var (
			typ, result string
			n           int
		)
		if err := rows.Scan(&typ, &result, &n); err != nil {
			return nil, nil, err
		}
		total[typ] += n
		if result == string(domain.ResultError) {
			errs[typ] += n
		}
	}
	return total, errs, rows.Err()
}

// SaveSnapshot mirrors a persisted state document and prunes old copies.
func (r Repo) SaveSnapshot(ctx context.Context, version int64, data []byte) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO state_snapshots(version,saved_at,data) VALUES (?,?,?)`,
		version, time.Now().UTC().Format(tsLayout), string(data)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	keep := r.SnapshotsKept
	if keep <= 0 {
		keep = 20
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM state_snapshots WHERE version <= (SELECT MAX(version) FROM state_snapshots) - ?`, keep); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

func (r Repo) LatestSnapshot(ctx context.Context) (int64, []byte, error) {
	var (
		version int64
		data    string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT version, data FROM state_snapshots ORDER BY version DESC LIMIT 1`).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return version, []byte(data), nil
}

// EventRow is one raw event from the append-only log.
type EventRow struct {
	ID             int64           `json:"id"`
	TS             string          `json:"ts"`
	Stream         string          `json:"stream"`
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (r Repo) ListEvents(ctx context.Context, stream string, limit int) ([]EventRow, error) {
	query := `SELECT id,ts,stream,type,COALESCE(idempotency_key,''),payload_json FROM events`
	var args []any
	if stream != "" {
		query += ` WHERE stream=?`
		args = append(args, stream)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventRow
	for rows.Next() {
		var (
			e       EventRow
			payload string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Stream, &e.Type, &e.IdempotencyKey, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
