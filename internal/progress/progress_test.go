package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitAndUpdateBytes(t *testing.T) {
	a := New(time.Minute)
	a.Init(1, []int{0, 1, 2})
	a.UpdateBytes(1, 0, 100)
	a.UpdateBytes(1, 1, 200)
	require.EqualValues(t, 300, a.TotalDownloaded(1))
}

func TestAllCompleted(t *testing.T) {
	a := New(time.Minute)
	a.Init(1, []int{0, 1})
	require.False(t, a.AllCompleted(1), "should not be complete yet")
	a.MarkCompleted(1, 0, 10)
	a.MarkCompleted(1, 1, 10)
	require.True(t, a.AllCompleted(1), "should be complete")
}

func TestSetAndGetHash(t *testing.T) {
	a := New(time.Minute)
	a.Init(1, []int{0})
	a.SetHash(1, 0, "deadbeef")
	hash, ok := a.GetHash(1, 0)
	require.True(t, ok)
	require.Equal(t, "deadbeef", hash)
}

func TestPurgeExpired(t *testing.T) {
	a := New(10 * time.Millisecond)
	a.Init(1, []int{0})
	time.Sleep(20 * time.Millisecond)
	a.PurgeExpired()
	require.Zero(t, a.TotalDownloaded(1), "expected purged entry to report 0")
}

func TestClearExplicit(t *testing.T) {
	a := New(time.Minute)
	a.Init(1, []int{0})
	a.UpdateBytes(1, 0, 50)
	a.Clear(1)
	require.Zero(t, a.TotalDownloaded(1), "expected cleared entry")
}
