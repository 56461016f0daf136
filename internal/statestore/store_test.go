package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared", Config{MaxQueueSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addTestDownload(t *testing.T, s *Store, url string) int64 {
	t.Helper()
	snap, err := s.Add(context.Background(), Download{
		Title:            "test",
		SourceURL:        url,
		SavePath:         "/tmp/" + url,
		DownloadPathBase: "/tmp",
		Priority:         2,
	}, false)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Downloads, "expected at least one download in snapshot")
	return snap.Downloads[len(snap.Downloads)-1].ID
}

func TestAddAndGetSnapshot(t *testing.T) {
	s := newTestStore(t)
	id := addTestDownload(t, s, "http://example.com/a")

	snap, err := s.GetSnapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Positive(t, snap.StateVersion, "expected positive state version after insert")
	found := false
	for _, d := range snap.Downloads {
		if d.ID == id {
			found = true
			require.Equal(t, statemachine.Queued, d.State)
		}
	}
	require.True(t, found, "inserted download not found in snapshot")
}

func TestAddRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	addTestDownload(t, s, "http://example.com/dup")
	_, err := s.Add(context.Background(), Download{
		Title: "dup", SourceURL: "http://example.com/dup", SavePath: "/tmp/http://example.com/dup",
		DownloadPathBase: "/tmp", Priority: 2,
	}, false)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestAddRejectsWhenQueueFull(t *testing.T) {
	s := newTestStore(t)
	s.maxQueueSize = 1
	addTestDownload(t, s, "http://example.com/first")
	_, err := s.Add(context.Background(), Download{
		Title: "second", SourceURL: "http://example.com/second", SavePath: "/tmp/second",
		DownloadPathBase: "/tmp", Priority: 2,
	}, false)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestTransitionValidAndInvalid(t *testing.T) {
	s := newTestStore(t)
	id := addTestDownload(t, s, "http://example.com/transition")

	require.NoError(t, s.Transition(context.Background(), id, statemachine.Starting, nil), "QUEUED->STARTING should be allowed")
	require.Error(t, s.Transition(context.Background(), id, statemachine.Completed, nil), "STARTING->COMPLETED should be rejected")
}

func TestTransitionFiresHooks(t *testing.T) {
	var exited, entered []statemachine.State
	s, err := Open(context.Background(), "file::memory:?cache=shared", Config{
		MaxQueueSize: 10,
		Hooks: statemachine.Hooks{
			OnExit:  func(_ int64, from statemachine.State) { exited = append(exited, from) },
			OnEnter: func(_ int64, to statemachine.State) { entered = append(entered, to) },
		},
	})
	require.NoError(t, err)
	defer s.Close()

	id := addTestDownload(t, s, "http://example.com/hooks")
	require.NoError(t, s.Transition(context.Background(), id, statemachine.Starting, nil))
	require.Equal(t, []statemachine.State{statemachine.Starting}, entered)

	require.NoError(t, s.Transition(context.Background(), id, statemachine.Paused, nil))
	require.Equal(t, []statemachine.State{statemachine.Starting}, exited)
}

func TestCrashRecoveryResetsActiveStates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := addTestDownload(t, s, "http://example.com/crash")
	require.NoError(t, s.Transition(ctx, id, statemachine.Starting, nil))
	require.NoError(t, s.Transition(ctx, id, statemachine.Downloading, nil))

	// Simulate reopening after a crash against the same in-memory DB.
	require.NoError(t, s.recoverCrashed(ctx))

	d, err := s.GetDownload(ctx, id)
	require.NoError(t, err)
	require.Equal(t, statemachine.Queued, d.State)
}

func TestChunkCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := addTestDownload(t, s, "http://example.com/chunks")

	require.NoError(t, s.CreateChunks(ctx, id, []Chunk{
		{Index: 0, Start: 0, End: 99},
		{Index: 1, Start: 100, End: 199},
	}))

	chunks, err := s.GetChunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	require.NoError(t, s.UpdateChunkProgress(ctx, id, 0, 100, "COMPLETED", "abc123"))
	chunks, _ = s.GetChunks(ctx, id)
	require.EqualValues(t, 100, chunks[0].Downloaded)
	require.Equal(t, "COMPLETED", chunks[0].State)
	require.Equal(t, "abc123", chunks[0].Hash)

	require.NoError(t, s.DeleteChunks(ctx, id))
	chunks, _ = s.GetChunks(ctx, id)
	require.Empty(t, chunks)
}

func TestAttemptAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := addTestDownload(t, s, "http://example.com/attempts")

	require.NoError(t, s.AppendAttempt(ctx, Attempt{DownloadID: id, Category: "timeout", Message: "deadline exceeded"}))
	attempts, err := s.GetAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "timeout", attempts[0].Category)
}

func TestProgressBatchingFlushesOnTimer(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "file::memory:?cache=shared", Config{MaxQueueSize: 10, ProgressBatchDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	id := addTestDownload(t, s, "http://example.com/batch")
	downloaded := int64(12345)
	require.NoError(t, s.Update(ctx, id, UpdatePartial{DownloadedBytes: &downloaded}))

	time.Sleep(30 * time.Millisecond)

	d, err := s.GetDownload(ctx, id)
	require.NoError(t, err)
	require.Equal(t, downloaded, d.DownloadedBytes, "expected batch flush")
}

func TestIncrementalSnapshotTracksDeletions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id1 := addTestDownload(t, s, "http://example.com/inc1")
	id2 := addTestDownload(t, s, "http://example.com/inc2")

	snap, err := s.GetIncrementalSnapshot(ctx, time.Unix(0, 0), 0)
	require.NoError(t, err)
	require.Len(t, snap.CurrentIDs, 2)

	require.NoError(t, s.Delete(ctx, id1))
	snap, err = s.GetIncrementalSnapshot(ctx, time.Unix(0, 0), 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id2}, snap.CurrentIDs)
}
