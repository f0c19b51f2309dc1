package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "text-generation", cfg.BackendKind)
	assert.Equal(t, "http://127.0.0.1:5001", cfg.ModelServerURL)
	assert.True(t, cfg.BackendParallel)
	assert.Equal(t, time.Second, cfg.ReportInterval)
	assert.Equal(t, 10*time.Second, cfg.ReportIdleEvery)
	assert.Equal(t, 3, cfg.ReportAttempts)
	assert.Equal(t, 0.0, cfg.PartialCredit)
	assert.Equal(t, "worker.telemetry", cfg.TelemetryTopic)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := `# worker config
BACKEND_KIND=image-generation
MODEL_SERVER_URL=http://127.0.0.1:8188
BACKEND_PARALLEL=false
MODEL_ERROR_MARKERS=CUDA out of memory;RuntimeError
REPORT_INTERVAL=2s
PARTIAL_CREDIT=0.5
`
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))
	t.Setenv("BACKEND_KIND", "")
	t.Setenv("MODEL_SERVER_URL", "")
	t.Setenv("BACKEND_PARALLEL", "")
	t.Setenv("MODEL_ERROR_MARKERS", "")
	t.Setenv("REPORT_INTERVAL", "")
	t.Setenv("PARTIAL_CREDIT", "")

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "image-generation", cfg.BackendKind)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.ModelServerURL)
	assert.False(t, cfg.BackendParallel)
	assert.Equal(t, []string{"CUDA out of memory", "RuntimeError"}, cfg.ModelErrorMarkers)
	assert.Equal(t, 2*time.Second, cfg.ReportInterval)
	assert.Equal(t, 0.5, cfg.PartialCredit)
}

func TestLoad_PartialCreditValidated(t *testing.T) {
	t.Setenv("PARTIAL_CREDIT", "1.5")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_ReportAttemptsValidated(t *testing.T) {
	t.Setenv("REPORT_ATTEMPTS", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestGetEnvList_TrimsAndSkipsEmpty(t *testing.T) {
	t.Setenv("MODEL_INFO_MARKERS", " got prompt ; ;Prompt executed")
	assert.Equal(t, []string{"got prompt", "Prompt executed"}, getEnvList("MODEL_INFO_MARKERS"))
}

func TestGetEnvDuration_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("REPORT_BACKOFF", "not-a-duration")
	assert.Equal(t, 2*time.Second, getEnvDuration("REPORT_BACKOFF", "2s"))
}
