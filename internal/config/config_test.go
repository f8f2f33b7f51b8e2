package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 2, cfg.Dispatcher.Concurrency)
	assert.Equal(t, []string{"agent-deploy", "build-refactor"}, cfg.Approval.TaskTypes)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Milestones.Timeout)
	assert.Equal(t, 3, cfg.Delivery.DemandSummary.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Alerts.Window)
	assert.Equal(t, 2*time.Hour, cfg.Alerts.StaleAfter)
}

func TestLoadOptionalExpandsEnvironment(t *testing.T) {
	t.Setenv("SWARMCTL_MILESTONE_INGEST_URL", "https://ingest.example.com/milestones")
	t.Setenv("SWARMCTL_MILESTONE_SIGNING_SECRET", "s3cret")
	ws := t.TempDir()

	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com/milestones", cfg.Delivery.Milestones.IngestURL)
	assert.Equal(t, "s3cret", cfg.Delivery.Milestones.SigningSecret)
	assert.Equal(t, filepath.Join(ws, ".swarmctl", "state.json"), cfg.State.Path)
}

func TestLoadOptionalReportsBadEnvironment(t *testing.T) {
	t.Setenv("SWARMCTL_MILESTONE_INGEST_URL", "not-a-url")

	var err error
	require.NotPanics(t, func() {
		_, err = LoadOptional(t.TempDir())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery.milestones.ingest_url must be an absolute http(s) url")
	assert.Contains(t, err.Error(), "SWARMCTL_")
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(Path(ws), []byte("logging:\n  level: loud\n"), 0o644))

	_, err := Load(ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateStaleAfterNotShorterThanWindow(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	cfg.Alerts.StaleAfter = time.Minute
	assert.ErrorContains(t, cfg.Validate(), "alerts.stale_after")
}
