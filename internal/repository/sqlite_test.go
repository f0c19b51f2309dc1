package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/store"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func TestRequestLog_RoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	logs := []*models.RequestLog{
		{
			Timestamp:  time.Now().Add(-2 * time.Second),
			TraceID:    "trace-1",
			ReqID:      "r1",
			Kind:       models.TextGeneration,
			Endpoint:   "/generate",
			ParamsJSON: `{"max_new_tokens":250}`,
			Estimate:   250,
			Measured:   100,
			FinalLoad:  100,
			TokensOut:  100,
			DurationMs: 1234,
			Status:     "completed",
		},
		{
			Timestamp: time.Now(),
			TraceID:   "trace-2",
			ReqID:     "r2",
			Kind:      models.ImageGeneration,
			Endpoint:  "/runsync",
			Estimate:  4600,
			Status:    "failed",
			Error:     "backend returned 500",
		},
	}
	for _, l := range logs {
		require.NoError(t, repo.Request().LogRequest(ctx, l))
	}

	got, err := repo.Request().GetRequestLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, "r2", got[0].ReqID)
	assert.Equal(t, models.ImageGeneration, got[0].Kind)
	assert.Equal(t, "backend returned 500", got[0].Error)

	assert.Equal(t, "r1", got[1].ReqID)
	assert.Equal(t, 100.0, got[1].FinalLoad)
	assert.Equal(t, 100, got[1].TokensOut)
	assert.Equal(t, int64(1234), got[1].DurationMs)
	assert.Equal(t, "completed", got[1].Status)
}

func TestRequestLog_LimitApplies(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Request().LogRequest(ctx, &models.RequestLog{
			Timestamp: time.Now(),
			ReqID:     "r",
			Kind:      models.TextGeneration,
			Status:    "completed",
		}))
	}

	got, err := repo.Request().GetRequestLogs(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestLogEvent_DoesNotError(t *testing.T) {
	repo := openTestRepo(t)
	err := repo.Event().LogEvent(context.Background(), "info", "boot", "worker starting",
		map[string]interface{}{"instance": "worker-1"})
	assert.NoError(t, err)
}
