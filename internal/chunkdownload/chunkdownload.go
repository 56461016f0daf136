// Package chunkdownload implements the Chunk Downloader (spec
// §4.C11): the per-download orchestrator that reconciles existing
// chunks, plans new ones, and runs the scheduling loop that spawns,
// retries, and requeues chunk workers under the Concurrency
// Controller.
//
// Grounded on the teacher's internal/engine/downloader.go (the
// per-download worker-pool shape: spawn up to N workers, await
// completion, requeue failures), generalized from its
// sync.WaitGroup-plus-channel pattern to golang.org/x/sync/errgroup
// for the worker lifetime, matching the orchestration idiom the pack's
// EGAfetch repo uses for its own chunk workers.
package chunkdownload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilimcininkoroglu/fetchengine/internal/checksum"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkstore"
	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/fetcherrors"
	"github.com/kilimcininkoroglu/fetchengine/internal/hostmetrics"
	"github.com/kilimcininkoroglu/fetchengine/internal/progress"
	"github.com/kilimcininkoroglu/fetchengine/internal/response"
	"github.com/kilimcininkoroglu/fetchengine/internal/retry"
	"github.com/kilimcininkoroglu/fetchengine/internal/sizer"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

// tailCheckpointWindow is how many trailing bytes the pause checkpoint
// hashes (spec §4.C12's TailHash window, reused here for C11's resume
// verification).
const tailCheckpointWindow = 64 * 1024

// RetriesExhaustedError is returned by Start when a chunk's retries
// ran out, carrying the offending chunk index for the caller's
// terminal failure event.
type RetriesExhaustedError struct {
	ChunkIndex int
	Err        error
}

func (e *RetriesExhaustedError) Error() string { return e.Err.Error() }
func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Assembler is the subset of the File Assembler (§4.C12) the Chunk
// Downloader drives: one call per completed chunk, told to merge
// incrementally when possible.
type Assembler interface {
	OnChunkCompleted(ctx context.Context, downloadID int64, chunkIndex int) (complete bool, err error)
}

// Store is the subset of *statestore.Store this package needs —
// narrowed for testability.
type Store interface {
	GetChunks(ctx context.Context, downloadID int64) ([]statestore.Chunk, error)
	CreateChunks(ctx context.Context, downloadID int64, chunks []statestore.Chunk) error
	UpdateChunkProgress(ctx context.Context, downloadID int64, chunkIndex int, downloaded int64, state string, hash string) error
	UpdateChunkTailCheckpoint(ctx context.Context, downloadID int64, chunkIndex int, hash string, size int64) error
	ClearChunkTailCheckpoint(ctx context.Context, downloadID int64, chunkIndex int) error
	DeleteChunks(ctx context.Context, downloadID int64) error
	AppendAttempt(ctx context.Context, a statestore.Attempt) error
	Update(ctx context.Context, id int64, p statestore.UpdatePartial) error
}

// Config tunes the orchestrator (spec §6 "Downloads").
type Config struct {
	MaxChunkRetries       int
	ChunkOperationTimeout time.Duration // per spec §5 "chunk-operation overall (5 min)"
}

// DefaultConfig returns spec §6 defaults.
func DefaultConfig() Config {
	return Config{MaxChunkRetries: 5, ChunkOperationTimeout: 5 * time.Minute}
}

// Orchestrator runs the Chunk Downloader for downloads handed to it.
type Orchestrator struct {
	store      Store
	chunkStore *chunkstore.Store
	handler    *response.Handler
	sizer      *sizer.Sizer
	ccCtrl     *concurrency.Controller
	metrics    *hostmetrics.Registry
	progress   *progress.Aggregator
	bus        *events.Bus
	classifier *retry.Classifier
	assembler  Assembler
	cfg        Config

	mu          sync.Mutex
	sessions    map[int64]int64
	nextSession int64
}

// New builds an Orchestrator.
func New(
	store Store,
	chunkStore *chunkstore.Store,
	handler *response.Handler,
	sz *sizer.Sizer,
	ccCtrl *concurrency.Controller,
	metrics *hostmetrics.Registry,
	prog *progress.Aggregator,
	bus *events.Bus,
	classifier *retry.Classifier,
	assembler Assembler,
	cfg Config,
) *Orchestrator {
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = 5
	}
	if cfg.ChunkOperationTimeout <= 0 {
		cfg.ChunkOperationTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		store:      store,
		chunkStore: chunkStore,
		handler:    handler,
		sizer:      sz,
		ccCtrl:     ccCtrl,
		metrics:    metrics,
		progress:   prog,
		bus:        bus,
		classifier: classifier,
		assembler:  assembler,
		cfg:        cfg,
		sessions:   make(map[int64]int64),
	}
}

// Params describes the download to run.
type Params struct {
	DownloadID int64
	URL        string
	Host       string
	TotalBytes int64
}

// CurrentSession returns downloadID's live session id, for
// response.Request.CurrentSession invalidation checks.
func (o *Orchestrator) CurrentSession(downloadID int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[downloadID]
}

// NewSession mints a fresh session id for downloadID, invalidating any
// in-flight chunk workers still carrying the old one (spec §4.C11
// step 3, and §5's cancellation semantics).
func (o *Orchestrator) NewSession(downloadID int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSession++
	o.sessions[downloadID] = o.nextSession
	return o.nextSession
}

// InvalidateSession discards downloadID's session without minting a
// replacement (pause/cancel with no immediate resume).
func (o *Orchestrator) InvalidateSession(downloadID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, downloadID)
}

// Start runs spec §4.C11's start(download): reconcile-or-plan, mint a
// session, then the scheduling loop. Returns nil once every chunk is
// COMPLETED (post-hoc merge still required) or the Assembler reports
// the incremental merge already finished (caller should move straight
// to VERIFYING), and a non-nil error for any fatal condition (the
// download's state is left untouched; transitioning it FAILED is the
// caller's job) or session invalidation (pause/cancel; not an error
// condition for the caller to surface).
// Start runs the orchestration described above. The returned bool is
// true only when an Assembler incremental-merge session reported the
// staging file complete — in that case the caller should finalize via
// Assembler.FinalizeIncremental rather than run a post-hoc merge.
func (o *Orchestrator) Start(ctx context.Context, params Params) (mergedIncrementally bool, err error) {
	existing, err := o.store.GetChunks(ctx, params.DownloadID)
	if err != nil {
		return false, fmt.Errorf("chunkdownload: loading existing chunks: %w", err)
	}

	if len(existing) > 0 {
		if err := o.reconcile(ctx, params, existing); err != nil {
			return false, fmt.Errorf("chunkdownload: reconciling chunks: %w", err)
		}
	} else {
		if err := o.planAndCreate(ctx, params); err != nil {
			return false, fmt.Errorf("chunkdownload: planning chunks: %w", err)
		}
	}

	sessionID := o.NewSession(params.DownloadID)
	return o.runLoop(ctx, params, sessionID)
}

func (o *Orchestrator) reconcile(ctx context.Context, params Params, existing []statestore.Chunk) error {
	extents := make([]chunkstore.ChunkExtent, len(existing))
	for i, c := range existing {
		extents[i] = chunkstore.ChunkExtent{Index: c.Index, Start: c.Start, End: c.End, Completed: c.State == "COMPLETED"}
	}
	result, err := o.chunkStore.Reconcile(params.DownloadID, extents)
	if err != nil {
		return err
	}

	bad := make(map[int]bool, len(result.Missing)+len(result.Mismatched))
	for _, idx := range result.Missing {
		bad[idx] = true
	}
	for _, idx := range result.Mismatched {
		bad[idx] = true
	}

	indices := make([]int, 0, len(existing))
	for _, c := range existing {
		indices = append(indices, c.Index)
		if bad[c.Index] || c.State == "DOWNLOADING" {
			if err := o.chunkStore.DeleteChunk(params.DownloadID, c.Index); err != nil {
				return err
			}
			if err := o.store.UpdateChunkProgress(ctx, params.DownloadID, c.Index, 0, "PENDING", ""); err != nil {
				return err
			}
			o.progress.ResetChunk(params.DownloadID, c.Index)
		}
	}
	for _, idx := range result.Orphaned {
		o.chunkStore.DeleteChunk(params.DownloadID, idx)
	}

	o.progress.Init(params.DownloadID, indices)
	return nil
}

func (o *Orchestrator) planAndCreate(ctx context.Context, params Params) error {
	m := o.metrics.Get(params.Host)
	ranges, err := o.sizer.PlanChunks(params.TotalBytes, int64(m.AvgSpeedBps), int(m.CompletedCount))
	if err != nil {
		return err
	}

	chunks := make([]statestore.Chunk, len(ranges))
	indices := make([]int, len(ranges))
	for i, r := range ranges {
		chunks[i] = statestore.Chunk{Index: i, Start: r.Start, End: r.End}
		indices[i] = i
	}

	if err := o.store.CreateChunks(ctx, params.DownloadID, chunks); err != nil {
		return err
	}
	if err := o.chunkStore.CreateChunkDir(params.DownloadID); err != nil {
		return err
	}
	o.progress.Init(params.DownloadID, indices)
	return nil
}

// restartAsSingleChunk implements spec §9 QA1's resolution for a
// server that ignores a Range request on a non-first chunk: that
// response invalidates the whole multi-chunk plan, so rather than fail
// the download it cancels the sibling workers, discards all chunk
// state, and restarts as one direct (non-ranged) chunk covering the
// entire file. A 200 on the first chunk is not routed here — it is
// the expected single-chunk-download response and Handle already
// treats it as success.
func (o *Orchestrator) restartAsSingleChunk(ctx context.Context, params Params) (bool, error) {
	o.InvalidateSession(params.DownloadID)

	if err := o.chunkStore.DeleteAllChunks(params.DownloadID); err != nil {
		return false, fmt.Errorf("chunkdownload: clearing chunk files for restart: %w", err)
	}
	if err := o.store.DeleteChunks(ctx, params.DownloadID); err != nil {
		return false, fmt.Errorf("chunkdownload: clearing chunk records for restart: %w", err)
	}

	single := []statestore.Chunk{{Index: 0, Start: 0, End: params.TotalBytes - 1}}
	if err := o.store.CreateChunks(ctx, params.DownloadID, single); err != nil {
		return false, fmt.Errorf("chunkdownload: creating single-chunk restart plan: %w", err)
	}
	if err := o.chunkStore.CreateChunkDir(params.DownloadID); err != nil {
		return false, fmt.Errorf("chunkdownload: recreating chunk dir for restart: %w", err)
	}
	o.progress.Init(params.DownloadID, []int{0})

	sessionID := o.NewSession(params.DownloadID)
	return o.runLoop(ctx, params, sessionID)
}

// SaveChunkCheckpointsForPause implements spec §4.C11's pause
// pre-step: for every DOWNLOADING chunk, tail-hash its current partial
// file and persist the checkpoint, so a later resume can verify the
// on-disk bytes before trusting them.
func (o *Orchestrator) SaveChunkCheckpointsForPause(ctx context.Context, downloadID int64, chunks []statestore.Chunk) error {
	for _, c := range chunks {
		if c.State != "DOWNLOADING" {
			continue
		}
		path := o.chunkStore.GetChunkPath(downloadID, c.Index)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			continue
		}
		hash, size, err := checksum.TailHash(f, info.Size(), tailCheckpointWindow)
		f.Close()
		if err != nil {
			continue
		}
		if err := o.store.UpdateChunkTailCheckpoint(ctx, downloadID, c.Index, hash, size); err != nil {
			return err
		}
		if err := o.store.UpdateChunkProgress(ctx, downloadID, c.Index, info.Size(), "PENDING", ""); err != nil {
			return err
		}
	}
	return nil
}

type chunkResult struct {
	index        int
	bytesWritten int64
	hash         string
	err          error
}

func (o *Orchestrator) runLoop(parentCtx context.Context, params Params, sessionID int64) (bool, error) {
	chunks, err := o.store.GetChunks(parentCtx, params.DownloadID)
	if err != nil {
		return false, fmt.Errorf("chunkdownload: listing chunks: %w", err)
	}

	byIndex := make(map[int]statestore.Chunk, len(chunks))
	var pending []statestore.Chunk
	for _, c := range chunks {
		byIndex[c.Index] = c
		if c.State != "COMPLETED" {
			pending = append(pending, c)
		}
	}

	active := 0
	results := make(chan chunkResult)
	var g errgroup.Group // errors surfaced via chunkResult; no group-wide cancellation on a single chunk failure
	defer func() {
		// Drain any still-running workers before returning so slots and
		// file handles are never leaked past Start's return.
		for active > 0 {
			<-results
			active--
		}
		g.Wait()
	}()

	retryCounts := make(map[int]int)
	var retryBatch []statestore.Chunk
	var retryErr error
	var maxRetryAfterMs int64

	for len(pending) > 0 || active > 0 {
		if o.CurrentSession(params.DownloadID) != sessionID {
			return false, response.ErrSessionInvalidated
		}

		for len(pending) > 0 && o.ccCtrl.AcquireChunkSlot(params.DownloadID, params.Host) {
			c := pending[0]
			pending = pending[1:]
			active++
			g.Go(func() error {
				res := o.downloadSingleChunk(parentCtx, params, sessionID, c)
				o.ccCtrl.ReleaseChunkSlot(params.DownloadID, params.Host)
				results <- res
				return nil
			})
		}

		if active == 0 {
			if len(pending) == 0 {
				break
			}
			// No slot available and nothing active: yield briefly so the
			// caller's context/cancellation is still observed.
			select {
			case <-parentCtx.Done():
				return false, parentCtx.Err()
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		select {
		case <-parentCtx.Done():
			return false, parentCtx.Err()
		case res := <-results:
			active--

			if errors.Is(res.err, response.ErrSessionInvalidated) {
				return false, response.ErrSessionInvalidated
			}

			if errors.Is(res.err, response.ErrServerIgnoredRange) {
				return o.restartAsSingleChunk(parentCtx, params)
			}

			if res.err == nil {
				o.handleChunkSuccess(parentCtx, params, res)
				if o.assembler != nil {
					complete, aerr := o.assembler.OnChunkCompleted(parentCtx, params.DownloadID, res.index)
					if aerr != nil {
						return false, fmt.Errorf("chunkdownload: incremental assembly: %w", aerr)
					}
					if complete {
						return true, nil
					}
				}
				continue
			}

			c := byIndex[res.index]
			fatal, ferr := o.handleChunkFailure(parentCtx, params, c, res.err, retryCounts)
			if fatal {
				return false, ferr
			}
			retryBatch = append(retryBatch, c)
			retryErr = res.err
			if fe, ok := fetcherrors.As(res.err); ok && fe.RetryAfterMs > maxRetryAfterMs {
				maxRetryAfterMs = fe.RetryAfterMs
			}
		}

		if active == 0 && len(retryBatch) > 0 {
			if o.CurrentSession(params.DownloadID) != sessionID {
				return false, response.ErrSessionInvalidated
			}
			delay := o.batchDelay(retryErr, maxRetryAfterMs)
			for _, c := range retryBatch {
				o.chunkStore.DeleteChunk(params.DownloadID, c.Index)
				o.store.UpdateChunkProgress(parentCtx, params.DownloadID, c.Index, 0, "PENDING", "")
				o.progress.ResetChunk(params.DownloadID, c.Index)
				pending = append(pending, c)
			}
			retryBatch = nil
			maxRetryAfterMs = 0
			select {
			case <-time.After(delay):
			case <-parentCtx.Done():
				return false, parentCtx.Err()
			}
		}
	}

	return false, nil
}

func (o *Orchestrator) handleChunkSuccess(ctx context.Context, params Params, res chunkResult) {
	o.store.UpdateChunkProgress(ctx, params.DownloadID, res.index, res.bytesWritten, "COMPLETED", res.hash)
	o.progress.MarkCompleted(params.DownloadID, res.index, res.bytesWritten)
	if res.hash != "" {
		o.progress.SetHash(params.DownloadID, res.index, res.hash)
	}
	o.metrics.RecordCompleted(params.Host)
	o.bus.Publish(events.Event{Type: events.ChunkCompleted, DownloadID: params.DownloadID, Payload: res.index})
}

// handleChunkFailure records the attempt and reports whether the
// download must now abort (retries exhausted).
func (o *Orchestrator) handleChunkFailure(ctx context.Context, params Params, c statestore.Chunk, chunkErr error, retryCounts map[int]int) (fatal bool, err error) {
	idx := c.Index
	o.store.AppendAttempt(ctx, statestore.Attempt{
		DownloadID: params.DownloadID,
		ChunkIndex: &idx,
		Category:   string(retry.Classify(chunkErr)),
		Message:    chunkErr.Error(),
	})
	retryCounts[idx]++
	o.bus.Publish(events.Event{
		Type:       events.ChunkFailed,
		DownloadID: params.DownloadID,
		Payload:    events.FailedPayload{Error: chunkErr.Error(), WillRetry: retryCounts[idx] <= o.cfg.MaxChunkRetries, ChunkIndex: idx},
	})

	if retryCounts[idx] > o.cfg.MaxChunkRetries {
		// The FAILED transition and the terminal DownloadFailed event
		// are the engine's responsibility (single-owner emission) —
		// this only reports which chunk exhausted its retries.
		return true, &RetriesExhaustedError{ChunkIndex: idx, Err: chunkErr}
	}
	return false, nil
}

// batchDelay implements spec §4.C11's "classify representative error,
// compute a single batch delay via C6 — special-case 429/503 uses the
// maximum observed Retry-After value (floored by configured default)."
func (o *Orchestrator) batchDelay(representative error, maxRetryAfterMs int64) time.Duration {
	delay := o.classifier.ComputeDelay(0, representative)
	cat := retry.Classify(representative)
	if cat == retry.ServerOverload && maxRetryAfterMs > 0 {
		observed := time.Duration(maxRetryAfterMs) * time.Millisecond
		if observed > delay {
			delay = observed
		}
	}
	return delay
}

// downloadSingleChunk implements spec §4.C11's downloadSingleChunk
// pre-checks, then hands off to the Response Handler.
func (o *Orchestrator) downloadSingleChunk(ctx context.Context, params Params, sessionID int64, c statestore.Chunk) chunkResult {
	chunkCtx, cancel := context.WithTimeout(ctx, o.cfg.ChunkOperationTimeout)
	defer cancel()

	expectedSize := c.End - c.Start + 1
	path := o.chunkStore.GetChunkPath(params.DownloadID, c.Index)
	downloaded := c.Downloaded

	if c.State == "COMPLETED" {
		if info, err := os.Stat(path); err == nil && info.Size() == expectedSize {
			o.bus.Publish(events.Event{Type: events.ChunkCompleted, DownloadID: params.DownloadID, Payload: c.Index})
			return chunkResult{index: c.Index, bytesWritten: expectedSize, hash: c.Hash}
		}
		o.chunkStore.DeleteChunk(params.DownloadID, c.Index)
		downloaded = 0
	}

	if info, err := os.Stat(path); err == nil {
		switch {
		case info.Size() > expectedSize:
			o.chunkStore.DeleteChunk(params.DownloadID, c.Index)
			downloaded = 0
		case info.Size() < expectedSize && c.TailChecksumHash != "":
			if !o.verifyTailCheckpoint(path, info.Size(), c.TailChecksumHash) {
				o.chunkStore.DeleteChunk(params.DownloadID, c.Index)
				downloaded = 0
			} else {
				downloaded = info.Size()
			}
		case info.Size() < expectedSize:
			downloaded = info.Size()
		}
	} else {
		downloaded = 0
	}

	if downloaded >= expectedSize {
		o.progress.MarkCompleted(params.DownloadID, c.Index, downloaded)
		return chunkResult{index: c.Index, bytesWritten: downloaded}
	}

	f, err := o.chunkStore.OpenChunkFile(params.DownloadID, c.Index, expectedSize)
	if err != nil {
		return chunkResult{index: c.Index, err: fetcherrors.Wrap(fetcherrors.KindDisk, "opening chunk file", err, c.Index)}
	}
	defer f.Close()

	req := response.Request{
		DownloadID:      params.DownloadID,
		ChunkIndex:      c.Index,
		IsFirstChunk:    c.Index == 0,
		URL:             params.URL,
		Host:            params.Host,
		Start:           c.Start,
		End:             c.End,
		DownloadedBytes: downloaded,
		File:            f,
		SessionID:       sessionID,
		CurrentSession:  func() int64 { return o.CurrentSession(params.DownloadID) },
	}

	result, err := o.handler.Handle(chunkCtx, req)
	if err != nil {
		return chunkResult{index: c.Index, err: err}
	}
	o.store.ClearChunkTailCheckpoint(ctx, params.DownloadID, c.Index)
	return chunkResult{index: c.Index, bytesWritten: result.BytesWritten, hash: result.Hash}
}

func (o *Orchestrator) verifyTailCheckpoint(path string, size int64, expectedHash string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hash, _, err := checksum.TailHash(f, size, tailCheckpointWindow)
	if err != nil {
		return false
	}
	return hash == expectedHash
}

func statePtr(s statemachine.State) *statemachine.State { return &s }
