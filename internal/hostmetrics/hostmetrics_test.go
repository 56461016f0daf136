package hostmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordBytesEMA(t *testing.T) {
	r := New(DefaultConfig())
	r.RecordBytes("example.com", 1<<20, time.Second)
	m := r.Get("example.com")
	require.Positive(t, m.AvgSpeedBps)
}

func TestTransientRetryCountNonNegativeAndBounded(t *testing.T) {
	r := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		r.RecordTransientRetry("example.com")
	}
	count := r.TransientRetryCount("example.com")
	require.GreaterOrEqual(t, count, int64(0), "transient retry count must be non-negative")
	require.LessOrEqual(t, count, int64(5), "count exceeds samples seen (5)")
}

func TestLRUEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHosts = 2
	r := New(cfg)
	r.RecordCompleted("a.com")
	r.RecordCompleted("b.com")
	r.RecordCompleted("c.com") // should evict a.com (least recently used)
	require.Equal(t, 2, r.Len())
	require.Zero(t, r.Get("a.com").CompletedCount, "expected a.com to be evicted")
}

func TestRetryWindowExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryWindow = 10 * time.Millisecond
	r := New(cfg)
	r.RecordTransientRetry("example.com")
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, r.TransientRetryCount("example.com"), "expected expired window to report 0")
}
