package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilimcininkoroglu/fetchengine/internal/hostmetrics"
)

func TestAcquireRespectsGlobalLimit(t *testing.T) {
	c := New(Config{MaxConcurrent: 1, MaxConcurrentPerHost: 5})
	require.True(t, c.AcquireChunkSlot(1, "a.example"), "expected first acquire to succeed")
	require.False(t, c.AcquireChunkSlot(2, "b.example"), "expected second acquire to fail: global limit is 1")
	c.ReleaseChunkSlot(1, "a.example")
	require.True(t, c.AcquireChunkSlot(2, "b.example"), "expected acquire to succeed after release")
}

func TestAcquireRespectsPerHostLimit(t *testing.T) {
	c := New(Config{MaxConcurrent: 10, MaxConcurrentPerHost: 1})
	require.True(t, c.AcquireChunkSlot(1, "a.example"), "expected first acquire to succeed")
	require.False(t, c.AcquireChunkSlot(1, "a.example"), "expected second same-host acquire to fail")
	require.True(t, c.AcquireChunkSlot(1, "b.example"), "expected different-host acquire to succeed")
}

func TestReleaseAllForDownload(t *testing.T) {
	c := New(Config{MaxConcurrent: 2, MaxConcurrentPerHost: 2})
	c.AcquireChunkSlot(1, "a.example")
	c.AcquireChunkSlot(1, "a.example")
	require.Equal(t, 2, c.HeldCount(1))
	c.ReleaseAllForDownload(1)
	require.Equal(t, 0, c.HeldCount(1))
	require.True(t, c.AcquireChunkSlot(2, "a.example") && c.AcquireChunkSlot(2, "a.example"), "expected both slots free after release-all")
}

func TestSetTurboForcesSingleSlot(t *testing.T) {
	c := New(Config{MaxConcurrent: 10, MaxConcurrentPerHost: 10})
	c.SetTurbo(true)
	require.True(t, c.AcquireChunkSlot(1, "a.example"), "expected first acquire to succeed under turbo")
	require.False(t, c.AcquireChunkSlot(2, "b.example"), "expected second acquire to fail under turbo (global=1)")
}

func TestAcquireChunkStartRatePacesHost(t *testing.T) {
	c := New(Config{MaxConcurrent: 10, MaxConcurrentPerHost: 4, BaseChunkStartRate: 1})
	ok := 0
	for i := 0; i < 10; i++ {
		if c.AcquireChunkSlot(1, "a.example") {
			ok++
			// Release at once so the per-host slot limit never rejects;
			// only the chunk-start pacing limiter can.
			c.ReleaseChunkSlot(1, "a.example")
		}
	}
	require.Less(t, ok, 10, "expected pacing limiter to reject some immediate bursts")
	require.GreaterOrEqual(t, ok, 1, "expected at least the initial burst to succeed")
}

func TestEvaluatorScalesDownOnHighErrorRate(t *testing.T) {
	ctrl := New(Config{MaxConcurrent: 10, MaxConcurrentPerHost: 4})
	metrics := hostmetrics.New(hostmetrics.DefaultConfig())
	for i := 0; i < 10; i++ {
		metrics.RecordCompleted("bad.example")
	}
	for i := 0; i < 5; i++ {
		metrics.RecordTransientRetry("bad.example")
	}

	cfg := DefaultAdaptiveConfig()
	cfg.Cooldown = 0
	ev := NewEvaluator(ctrl, metrics, cfg)

	ctrl.AcquireChunkSlot(1, "bad.example") // ensure the host semaphore exists
	ctrl.ReleaseChunkSlot(1, "bad.example")

	ev.evaluateHost("bad.example")

	ctrl.mu.Lock()
	limit := ctrl.perHostLimits["bad.example"]
	ctrl.mu.Unlock()
	require.NotZero(t, limit)
	require.Less(t, limit, int64(4), "expected per-host limit scaled down below 4")
}

func TestEvaluatorRunStopsOnContextCancel(t *testing.T) {
	ctrl := New(Config{MaxConcurrent: 1, MaxConcurrentPerHost: 1})
	metrics := hostmetrics.New(hostmetrics.DefaultConfig())
	cfg := DefaultAdaptiveConfig()
	cfg.EvaluationInterval = 5 * time.Millisecond
	ev := NewEvaluator(ctrl, metrics, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		ev.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
