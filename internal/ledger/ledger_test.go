package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/workload"
)

func newTestLedger(t *testing.T, partialCredit float64) *Ledger {
	t.Helper()
	registry, err := workload.NewRegistry(workload.DefaultCalibration())
	require.NoError(t, err)
	return New(registry, partialCredit)
}

func textDesc(id string, maxNewTokens int) *models.Descriptor {
	return &models.Descriptor{
		ReqID:        id,
		Kind:         models.TextGeneration,
		Arrived:      time.Now(),
		MaxNewTokens: maxNewTokens,
	}
}

func imageDesc(id string, w, h, steps int) *models.Descriptor {
	return &models.Descriptor{
		ReqID:   id,
		Kind:    models.ImageGeneration,
		Arrived: time.Now(),
		Width:   w,
		Height:  h,
		Steps:   steps,
	}
}

func TestRegister_AddsAprioriEstimate(t *testing.T) {
	l := newTestLedger(t, 0)

	est, err := l.Register(textDesc("r1", 250))
	require.NoError(t, err)
	assert.Equal(t, 250.0, est)
	assert.Equal(t, 250.0, l.Peek())
	assert.Equal(t, 1, l.Working())
}

func TestRegister_DuplicateIDRejected(t *testing.T) {
	l := newTestLedger(t, 0)

	_, err := l.Register(textDesc("r1", 100))
	require.NoError(t, err)
	_, err = l.Register(textDesc("r1", 100))
	assert.Error(t, err)

	assert.Equal(t, 100.0, l.Peek())
	assert.Equal(t, 1, l.Working())
}

func TestTokenEvents_MeasuredSupersedesEstimate(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 250))
	require.NoError(t, err)

	// While measured is below the estimate the estimate keeps standing in
	// for the aggregate.
	for i := 0; i < 100; i++ {
		l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventToken, Count: 1})
	}
	assert.Equal(t, 250.0, l.Peek())

	l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventComplete})

	// Request completed after 100 tokens: measured load wins over the
	// 250-token estimate.
	assert.Equal(t, 100.0, l.SnapshotAggregate())
	assert.Equal(t, 0.0, l.Peek())
	assert.Equal(t, 0, l.Working())
	assert.Equal(t, 100.0, l.TakeServed())
}

func TestTokenEvents_MeasuredAboveEstimate(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 50))
	require.NoError(t, err)

	for i := 0; i < 80; i++ {
		l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventToken})
	}
	// Measured exceeded the estimate before completion.
	assert.Equal(t, 80.0, l.Peek())
}

func TestApplyEvent_UnknownRequestIgnored(t *testing.T) {
	l := newTestLedger(t, 0)
	l.ApplyEvent(models.ProgressEvent{ReqID: "nope", Kind: models.EventToken})
	assert.Equal(t, 0.0, l.Peek())
}

func TestApplyEvent_TerminalIdempotent(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 10))
	require.NoError(t, err)

	l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventComplete})
	l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventComplete})
	l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventError, Status: "late"})

	assert.Equal(t, 0, l.Working())
	assert.Equal(t, 10.0, l.TakeServed())
}

func TestFail_PartialCreditWithoutProgress(t *testing.T) {
	l := newTestLedger(t, 0.25)
	_, err := l.Register(textDesc("r1", 200))
	require.NoError(t, err)

	l.Fail("r1", "client disconnected", true)

	state, final, ok := l.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, models.StateCanceled, state)
	assert.Equal(t, 50.0, final)

	assert.Equal(t, 50.0, l.SnapshotAggregate())
	assert.Equal(t, 0.0, l.TakeServed())
	assert.Equal(t, 0.0, l.SnapshotAggregate())
}

func TestFail_ZeroCreditDropsEstimate(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 200))
	require.NoError(t, err)

	l.Fail("r1", "backend refused", false)

	assert.Equal(t, 0.0, l.SnapshotAggregate())
	assert.Equal(t, 0, l.Working())
}

func TestFail_KeepsMeasuredProgress(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 200))
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventToken})
	}
	l.Fail("r1", "stream broke", false)

	_, final, ok := l.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, 30.0, final)
}

func TestSnapshotAggregate_DrainsTerminalOnce(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 40))
	require.NoError(t, err)
	_, err = l.Register(textDesc("r2", 60))
	require.NoError(t, err)

	l.ApplyEvent(models.ProgressEvent{ReqID: "r1", Kind: models.EventComplete})

	// Terminal entries are reported once more, then disappear.
	assert.Equal(t, 100.0, l.SnapshotAggregate())
	assert.Equal(t, 60.0, l.SnapshotAggregate())

	_, _, ok := l.Lookup("r1")
	assert.False(t, ok)
	_, _, ok = l.Lookup("r2")
	assert.True(t, ok)
}

func TestImageProgress_FractionScalesEstimate(t *testing.T) {
	l := newTestLedger(t, 0)
	d := imageDesc("img1", 1024, 1024, 28)
	est, err := l.Register(d)
	require.NoError(t, err)
	assert.InDelta(t, 4600, est, 5)

	l.ApplyEvent(models.ProgressEvent{ReqID: "img1", Kind: models.EventPixelBatch, Fraction: 0.5})
	assert.InDelta(t, est/2, l.Peek(), 0.01)

	// Fraction only moves forward.
	l.ApplyEvent(models.ProgressEvent{ReqID: "img1", Kind: models.EventPixelBatch, Fraction: 0.25})
	assert.InDelta(t, est/2, l.Peek(), 0.01)

	l.ApplyEvent(models.ProgressEvent{ReqID: "img1", Kind: models.EventComplete})
	assert.InDelta(t, est, l.SnapshotAggregate(), 0.01)
}

func TestBreakdown_SplitsByKind(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("t1", 100))
	require.NoError(t, err)
	_, err = l.Register(imageDesc("i1", 1024, 1024, 28))
	require.NoError(t, err)

	bd := l.Breakdown()
	assert.Equal(t, 100.0, bd[models.TextGeneration])
	assert.InDelta(t, 4600, bd[models.ImageGeneration], 5)
}

func TestTakeReceived_ResetsCounter(t *testing.T) {
	l := newTestLedger(t, 0)
	for i := 0; i < 3; i++ {
		_, err := l.Register(textDesc(fmt.Sprintf("r%d", i), 10))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, l.TakeReceived())
	assert.Equal(t, 0, l.TakeReceived())
}

func TestComplete_ExplicitFinalLoad(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 100))
	require.NoError(t, err)

	l.Complete("r1", 42)
	_, final, ok := l.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, 42.0, final)
	assert.Equal(t, 42.0, l.TakeServed())
}

func TestComplete_FallsBackToEstimateWithoutProgress(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Register(textDesc("r1", 100))
	require.NoError(t, err)

	// Non-streaming completion: nothing measured, the estimate stands.
	l.Complete("r1", 0)
	_, final, ok := l.Lookup("r1")
	require.True(t, ok)
	assert.Equal(t, 100.0, final)
}

func TestConcurrentLifecycle_AggregateConsistent(t *testing.T) {
	l := newTestLedger(t, 0)

	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-r%d", w, i)
				if _, err := l.Register(textDesc(id, 20)); err != nil {
					t.Error(err)
					return
				}
				for tok := 0; tok < 10; tok++ {
					l.ApplyEvent(models.ProgressEvent{ReqID: id, Kind: models.EventToken})
				}
				if i%2 == 0 {
					l.ApplyEvent(models.ProgressEvent{ReqID: id, Kind: models.EventComplete})
				} else {
					l.Fail(id, "induced", false)
				}
			}
		}(w)
	}

	// Concurrent readers race the writers; values must never be torn or
	// negative.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			assert.GreaterOrEqual(t, l.Peek(), 0.0)
			l.Breakdown()
		}
	}()

	wg.Wait()
	<-done

	// Drain everything terminal, then the table must be empty.
	l.SnapshotAggregate()
	assert.Equal(t, 0.0, l.SnapshotAggregate())
	assert.Equal(t, 0, l.Working())
	assert.Empty(t, l.Entries())

	// Even-indexed requests completed with 10 measured tokens each.
	completed := workers * ((perWorker + 1) / 2)
	assert.Equal(t, float64(completed)*10, l.TakeServed())
}
