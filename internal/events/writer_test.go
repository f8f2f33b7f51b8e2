package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/db"
	"swarmctl/internal/migrate"
	"swarmctl/internal/repo"
)

func TestAppendThenList(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	w := Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }}
	require.NoError(t, w.Append(ctx, "milestones", "task.completed", "key-1", EventPayload{"title": "deployed"}))
	require.NoError(t, w.Append(ctx, "demand-summary", "snapshot", "", nil))

	rows, err := repo.Repo{DB: conn}.ListEvents(ctx, "milestones", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "key-1", rows[0].IdempotencyKey)
	assert.Equal(t, "2024-01-02T03:04:05Z", rows[0].TS)
	assert.JSONEq(t, `{"title":"deployed"}`, string(rows[0].Payload))
}

func TestNilDBIsNoop(t *testing.T) {
	assert.NoError(t, Writer{}.Append(context.Background(), "milestones", "x", "", nil))
}
