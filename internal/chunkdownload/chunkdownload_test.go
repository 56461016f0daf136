package chunkdownload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilimcininkoroglu/fetchengine/internal/bufferpool"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkstore"
	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/hostmetrics"
	"github.com/kilimcininkoroglu/fetchengine/internal/httpclient"
	"github.com/kilimcininkoroglu/fetchengine/internal/progress"
	"github.com/kilimcininkoroglu/fetchengine/internal/response"
	"github.com/kilimcininkoroglu/fetchengine/internal/retry"
	"github.com/kilimcininkoroglu/fetchengine/internal/sizer"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

type fakeAssembler struct {
	completedChunks []int
	completeAfter   int // returns complete=true once this many chunks have arrived
}

func (a *fakeAssembler) OnChunkCompleted(ctx context.Context, downloadID int64, chunkIndex int) (bool, error) {
	a.completedChunks = append(a.completedChunks, chunkIndex)
	return a.completeAfter > 0 && len(a.completedChunks) >= a.completeAfter, nil
}

func newTestOrchestrator(t *testing.T, assembler Assembler, cfg Config) (*Orchestrator, *statestore.Store, *chunkstore.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := statestore.Open(context.Background(), dbPath, statestore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cs := chunkstore.New(t.TempDir())
	pool := bufferpool.New(4096, 8, false)
	handler := response.New(httpclient.New(), progress.New(time.Minute), hostmetrics.New(hostmetrics.DefaultConfig()),
		pool, response.WithProgressInterval(5*time.Millisecond))
	sz := sizer.New(sizer.DefaultConfig())
	ccCtrl := concurrency.New(concurrency.Config{MaxConcurrent: 4, MaxConcurrentPerHost: 4})
	metrics := hostmetrics.New(hostmetrics.DefaultConfig())
	prog := progress.New(time.Minute)
	bus := events.NewBus(16)
	classifier := retry.NewClassifier()

	o := New(store, cs, handler, sz, ccCtrl, metrics, prog, bus, classifier, assembler, cfg)
	return o, store, cs
}

func mustAddDownload(t *testing.T, store *statestore.Store, url string, size int64) int64 {
	t.Helper()
	snap, err := store.Add(context.Background(), statestore.Download{
		Title:            "test",
		SourceURL:        url,
		SavePath:         filepath.Join(t.TempDir(), "out.bin"),
		DownloadPathBase: t.TempDir(),
		TotalBytes:       size,
		State:            statemachine.Queued,
	}, true)
	require.NoError(t, err)
	return snap.Downloads[len(snap.Downloads)-1].ID
}

func TestStartPlansAndDownloadsAllChunksSuccessfully(t *testing.T) {
	body := "the quick brown fox jumps over the lazy dog"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, body[start:end+1])
	}))
	defer srv.Close()

	asm := &fakeAssembler{}
	o, store, _ := newTestOrchestrator(t, asm, Config{MaxChunkRetries: 2, ChunkOperationTimeout: 5 * time.Second})
	id := mustAddDownload(t, store, srv.URL, int64(len(body)))

	_, err := o.Start(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: int64(len(body))})
	require.NoError(t, err)

	chunks, err := store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, chunks, "expected at least one chunk to have been planned")
	for _, c := range chunks {
		require.Equal(t, "COMPLETED", c.State, "chunk %d", c.Index)
	}
	require.Len(t, asm.completedChunks, len(chunks))
}

func TestStartShortCircuitsWhenAssemblerReportsComplete(t *testing.T) {
	body := "abcdefghij"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, body[start:end+1])
	}))
	defer srv.Close()

	asm := &fakeAssembler{completeAfter: 1}
	o, store, _ := newTestOrchestrator(t, asm, DefaultConfig())
	id := mustAddDownload(t, store, srv.URL, int64(len(body)))

	_, err := o.Start(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: int64(len(body))})
	require.NoError(t, err)
	require.NotEmpty(t, asm.completedChunks, "expected the assembler to have been invoked at least once")
}

func TestStartRetriesTransientFailuresThenSucceeds(t *testing.T) {
	body := "retry-me"
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, body[start:end+1])
	}))
	defer srv.Close()

	o, store, _ := newTestOrchestrator(t, &fakeAssembler{}, Config{MaxChunkRetries: 3, ChunkOperationTimeout: 5 * time.Second})
	id := mustAddDownload(t, store, srv.URL, int64(len(body)))

	_, err := o.Start(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: int64(len(body))})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 2, "expected at least one retry")
}

func TestStartFailsDownloadAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o, store, _ := newTestOrchestrator(t, &fakeAssembler{}, Config{MaxChunkRetries: 1, ChunkOperationTimeout: 2 * time.Second})
	id := mustAddDownload(t, store, srv.URL, 10)

	_, err := o.Start(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: 10})
	require.Error(t, err, "expected an error once retries are exhausted")

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted, "expected a RetriesExhaustedError naming the offending chunk")
	require.Equal(t, 0, exhausted.ChunkIndex)

	// The orchestrator reports the failure but leaves the FAILED
	// transition and the terminal event to its caller (single-owner
	// emission), so the download's state is untouched here.
	dl, err := store.GetDownload(context.Background(), id)
	require.NoError(t, err)
	require.NotEqual(t, statemachine.Failed, dl.State)
}

func TestReconcileResetsInterruptedDownloadingChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		body := "0123456789"
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, body[start:end+1])
	}))
	defer srv.Close()

	o, store, cs := newTestOrchestrator(t, &fakeAssembler{}, DefaultConfig())
	id := mustAddDownload(t, store, srv.URL, 10)

	require.NoError(t, store.CreateChunks(context.Background(), id, []statestore.Chunk{{Index: 0, Start: 0, End: 9}}))
	require.NoError(t, store.UpdateChunkProgress(context.Background(), id, 0, 3, "DOWNLOADING", ""))
	require.NoError(t, cs.CreateChunkDir(id))
	f, err := cs.OpenChunkFile(id, 0, 10)
	require.NoError(t, err)
	f.Close()

	_, err = o.Start(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: 10})
	require.NoError(t, err)

	chunks, err := store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "COMPLETED", chunks[0].State, "expected the interrupted chunk to be re-downloaded")
}

func TestSessionInvalidationAbortsSchedulingLoop(t *testing.T) {
	blockUntilInvalidated := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blockUntilInvalidated
		w.WriteHeader(http.StatusInternalServerError)
	}))
	// The goroutine below closes blockUntilInvalidated; only the server
	// is torn down here.
	defer srv.Close()

	o, store, cs := newTestOrchestrator(t, &fakeAssembler{}, Config{MaxChunkRetries: 5, ChunkOperationTimeout: 2 * time.Second})
	id := mustAddDownload(t, store, srv.URL, 10)
	require.NoError(t, store.CreateChunks(context.Background(), id, []statestore.Chunk{{Index: 0, Start: 0, End: 9}}))
	require.NoError(t, cs.CreateChunkDir(id))

	sessionID := o.NewSession(id)
	go func() {
		time.Sleep(20 * time.Millisecond)
		o.InvalidateSession(id)
		close(blockUntilInvalidated)
	}()

	_, err := o.runLoop(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test", TotalBytes: 10}, sessionID)
	require.ErrorIs(t, err, response.ErrSessionInvalidated)
}

func TestSaveChunkCheckpointsForPausePersistsTailHash(t *testing.T) {
	o, store, cs := newTestOrchestrator(t, &fakeAssembler{}, DefaultConfig())
	id := mustAddDownload(t, store, "http://example.invalid", 10)

	require.NoError(t, store.CreateChunks(context.Background(), id, []statestore.Chunk{{Index: 0, Start: 0, End: 9}}))
	require.NoError(t, cs.CreateChunkDir(id))
	f, err := cs.OpenChunkFile(id, 0, 10)
	require.NoError(t, err)
	f.WriteAt([]byte("01234"), 0)
	f.Close()
	require.NoError(t, store.UpdateChunkProgress(context.Background(), id, 0, 5, "DOWNLOADING", ""))

	chunks, err := store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.SaveChunkCheckpointsForPause(context.Background(), id, chunks))

	chunks, err = store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, chunks[0].TailChecksumHash, "expected a non-empty tail checkpoint hash after pause")
	require.Equal(t, "PENDING", chunks[0].State)
}

func TestDownloadSingleChunkSkipsAlreadyCompleteChunk(t *testing.T) {
	o, store, cs := newTestOrchestrator(t, &fakeAssembler{}, DefaultConfig())
	id := mustAddDownload(t, store, "http://example.invalid", 10)

	require.NoError(t, cs.CreateChunkDir(id))
	f, err := cs.OpenChunkFile(id, 0, 5)
	require.NoError(t, err)
	f.WriteAt([]byte("01234"), 0)
	f.Close()

	c := statestore.Chunk{Index: 0, Start: 0, End: 4, Downloaded: 5, State: "COMPLETED", Hash: "deadbeef"}
	res := o.downloadSingleChunk(context.Background(), Params{DownloadID: id, URL: "http://example.invalid", Host: "test"}, 1, c)
	require.NoError(t, res.err)
	require.EqualValues(t, 5, res.bytesWritten)
	require.Equal(t, "deadbeef", res.hash, "expected preserved COMPLETED hash")
}

func TestDownloadSingleChunkRestartsOversizedPartial(t *testing.T) {
	body := "hello"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, body)
	}))
	defer srv.Close()

	o, store, cs := newTestOrchestrator(t, &fakeAssembler{}, DefaultConfig())
	id := mustAddDownload(t, store, srv.URL, int64(len(body)))

	require.NoError(t, cs.CreateChunkDir(id))
	path := cs.GetChunkPath(id, 0)
	require.NoError(t, os.WriteFile(path, []byte("way too much data for this chunk"), 0o644), "seeding oversized chunk file")

	c := statestore.Chunk{Index: 0, Start: 0, End: int64(len(body) - 1), Downloaded: 0, State: "PENDING"}
	res := o.downloadSingleChunk(context.Background(), Params{DownloadID: id, URL: srv.URL, Host: "test"}, 1, c)
	require.NoError(t, res.err)
	require.EqualValues(t, len(body), res.bytesWritten)
}
