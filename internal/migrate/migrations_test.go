package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v, err := Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, Migrate(ctx, conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	_, err = conn.ExecContext(ctx, `INSERT INTO invocations(id,agent_id,capability_id,ts,allowed) VALUES ('i1','a','c','2024-01-01T00:00:00Z',1)`)
	assert.NoError(t, err)
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, conn))
	latest, err := Latest()
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE schema_version SET version=?`, latest+1)
	require.NoError(t, err)

	err = Migrate(ctx, conn)
	require.ErrorIs(t, err, ErrSchemaNewer)
	v, err := Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest+1, v)
}
