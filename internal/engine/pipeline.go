package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/assembler"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkdownload"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/response"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

// schedulerLoop is the Engine's single scheduler task (spec §5 "one
// scheduler loop"): it repeatedly asks the Scheduler for the next
// QUEUED download and spawns its pipeline.
func (e *Engine) schedulerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			d, err := e.scheduler.Next(e.ctx, time.Now())
			if err != nil {
				e.logger.Warn("scheduler.Next failed", "error", err)
				continue
			}
			if d == nil {
				continue
			}
			if err := e.store.Transition(e.ctx, d.ID, statemachine.Starting, nil); err != nil {
				// Lost a race with a concurrent pause/cancel; skip this tick.
				continue
			}
			e.stateDebounce.trigger()

			dlCtx, cancel := context.WithCancel(e.ctx)
			e.mu.Lock()
			e.running[d.ID] = cancel
			e.mu.Unlock()

			e.wg.Add(1)
			go e.runDownload(dlCtx, *d)
		}
	}
}

// runDownload drives one download from STARTING through its chunk
// downloads, merge, and verification (spec §4.C15's per-download
// lifecycle). The Engine itself plans chunks (when none exist yet)
// before the Chunk Downloader's own Start, because the File
// Assembler's incremental-merge session must be opened before any
// chunk can complete — spec §3 assigns the Engine exclusive ownership
// of the per-download merge session, so this duplicates the Chunk
// Downloader's own (harmless, reconcile-only) planning path rather
// than exposing the chunk list back out of it.
func (e *Engine) runDownload(ctx context.Context, d statestore.Download) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, d.ID)
		e.mu.Unlock()
	}()

	host := d.SourceURL
	if u, err := url.Parse(d.SourceURL); err == nil {
		host = u.Hostname()
	}

	existing, err := e.store.GetChunks(ctx, d.ID)
	if err != nil {
		e.fail(ctx, d.ID, fmt.Sprintf("listing chunks: %v", err))
		return
	}

	if len(existing) == 0 {
		if !d.ForceOverwrite {
			if _, statErr := os.Stat(d.SavePath); statErr == nil {
				e.needsConfirmation(ctx, d)
				return
			}
		}
		existing, err = e.planChunks(ctx, d, host)
		if err != nil {
			e.fail(ctx, d.ID, fmt.Sprintf("planning chunks: %v", err))
			return
		}
		if err := e.assembler.StartIncremental(d.ID, d.SavePath, existing); err != nil {
			e.logger.Warn("starting incremental merge session failed, will fall back to post-hoc merge", "download_id", d.ID, "error", err)
		}
	}

	now := time.Now()
	if err := e.store.Update(ctx, d.ID, statestore.UpdatePartial{StartedAt: &now}); err != nil {
		e.logger.Warn("recording started_at failed", "download_id", d.ID, "error", err)
	}
	if err := e.store.Transition(ctx, d.ID, statemachine.Downloading, nil); err != nil {
		e.fail(ctx, d.ID, fmt.Sprintf("transitioning to downloading: %v", err))
		return
	}
	e.stateDebounce.trigger()

	mergedIncrementally, err := e.orch.Start(ctx, chunkdownload.Params{
		DownloadID: d.ID,
		URL:        d.SourceURL,
		Host:       host,
		TotalBytes: d.TotalBytes,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, response.ErrSessionInvalidated) {
			return // paused or cancelled elsewhere; that path owns the state transition
		}
		var exhausted *chunkdownload.RetriesExhaustedError
		if errors.As(err, &exhausted) {
			e.failChunk(ctx, d.ID, exhausted.ChunkIndex, err.Error())
			return
		}
		e.fail(ctx, d.ID, err.Error())
		return
	}

	if err := e.store.Transition(ctx, d.ID, statemachine.Merging, nil); err != nil {
		e.fail(ctx, d.ID, fmt.Sprintf("transitioning to merging: %v", err))
		return
	}
	e.stateDebounce.trigger()

	if err := e.merge(ctx, d, mergedIncrementally); err != nil {
		if ctx.Err() != nil {
			return // cancelled during merge; CancelDownload owns cleanup and the state transition
		}
		e.failMerge(ctx, d.ID, err.Error())
		return
	}

	if err := e.store.Transition(ctx, d.ID, statemachine.Verifying, nil); err != nil {
		e.fail(ctx, d.ID, fmt.Sprintf("transitioning to verifying: %v", err))
		return
	}
	e.stateDebounce.trigger()

	e.verifyAndComplete(ctx, d)
}

// planChunks duplicates the Chunk Downloader's own planAndCreate: it
// asks the Adaptive Sizer for ranges using this host's current
// metrics, persists them, and creates the chunk directory — all
// before the Engine can hand the chunk list to StartIncremental.
func (e *Engine) planChunks(ctx context.Context, d statestore.Download, host string) ([]statestore.Chunk, error) {
	m := e.metrics.Get(host)
	ranges, err := e.sizer.PlanChunks(d.TotalBytes, int64(m.AvgSpeedBps), int(m.CompletedCount))
	if err != nil {
		return nil, err
	}

	chunks := make([]statestore.Chunk, len(ranges))
	indices := make([]int, len(ranges))
	for i, r := range ranges {
		chunks[i] = statestore.Chunk{DownloadID: d.ID, Index: i, Start: r.Start, End: r.End}
		indices[i] = i
	}

	if err := e.store.CreateChunks(ctx, d.ID, chunks); err != nil {
		return nil, err
	}
	if err := e.chunkStore.CreateChunkDir(d.ID); err != nil {
		return nil, err
	}
	e.progress.Init(d.ID, indices)
	return e.store.GetChunks(ctx, d.ID)
}

// merge finalizes the download's artifact, applying the single
// silent-retry-then-FAILED policy spec §7 assigns to the Assembler
// ("first failure keeps MERGING and re-attempts; second failure
// transitions FAILED"). The retry is skipped when ctx was cancelled
// after the first failure.
func (e *Engine) merge(ctx context.Context, d statestore.Download, mergedIncrementally bool) error {
	var mergeErr error
	if mergedIncrementally {
		mergeErr = e.assembler.FinalizeIncremental(d.ID, d.ForceOverwrite)
	} else {
		e.bus.Publish(events.Event{Type: events.MergeStarted, DownloadID: d.ID})
		mergeErr = e.assembler.MergePostHoc(ctx, postHocOpts(d))
	}
	if mergeErr == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.logger.Warn("merge failed, retrying once", "download_id", d.ID, "error", mergeErr)
	if mergedIncrementally {
		mergeErr = e.assembler.FinalizeIncremental(d.ID, d.ForceOverwrite)
	} else {
		mergeErr = e.assembler.MergePostHoc(ctx, postHocOpts(d))
	}
	if mergeErr != nil {
		return fmt.Errorf("merge: %w", mergeErr)
	}
	return nil
}

func postHocOpts(d statestore.Download) assembler.PostHocOptions {
	return assembler.PostHocOptions{
		DownloadID:     d.ID,
		SavePath:       d.SavePath,
		TotalBytes:     d.TotalBytes,
		ForceOverwrite: d.ForceOverwrite,
	}
}

// verifyAndComplete performs the final hash check (when the download
// has an ExpectedHash) and transitions to COMPLETED or FAILED.
func (e *Engine) verifyAndComplete(ctx context.Context, d statestore.Download) {
	verified := true
	if d.ExpectedHash != "" && !e.cfg.Downloads.SkipVerification {
		ok, err := checksumVerify(d.SavePath, d.ExpectedHash)
		if err != nil || !ok {
			msg := "checksum verification failed"
			if err != nil {
				msg = err.Error()
			}
			e.fail(ctx, d.ID, msg)
			return
		}
		verified = true
	}

	now := time.Now()
	if err := e.store.Update(ctx, d.ID, statestore.UpdatePartial{Verified: &verified, CompletedAt: &now}); err != nil {
		e.logger.Warn("recording verification result failed", "download_id", d.ID, "error", err)
	}
	if err := e.store.Transition(ctx, d.ID, statemachine.Completed, nil); err != nil {
		e.fail(ctx, d.ID, fmt.Sprintf("transitioning to completed: %v", err))
		return
	}
	e.progress.Clear(d.ID)
	e.stateDebounce.trigger()
	e.bus.Publish(events.Event{
		Type:       events.DownloadCompleted,
		DownloadID: d.ID,
		Payload:    events.CompletedPayload{FinalPath: d.SavePath},
	})
}

// needsConfirmation parks d in PAUSED (so the scheduler stops
// re-selecting it) and asks the embedding application to call
// ConfirmOverwrite, which moves it back to QUEUED (spec §4.C15
// "confirmOverwrite ... user response to a needsConfirmation event").
func (e *Engine) needsConfirmation(ctx context.Context, d statestore.Download) {
	if err := e.store.Transition(ctx, d.ID, statemachine.Paused, nil); err != nil {
		e.logger.Warn("needsConfirmation: pausing for confirmation failed", "download_id", d.ID, "error", err)
	}
	e.stateDebounce.trigger()
	e.bus.Publish(events.Event{Type: events.NeedsConfirmation, DownloadID: d.ID})
}

// fail, with its variants failMerge and failChunk, owns the terminal
// DownloadFailed event: every path that aborts a download (chunk
// download, merge, verification) calls exactly one of them once, and
// all three publish through failEvent, so a subscriber never sees two
// failure events for the same download.
func (e *Engine) fail(ctx context.Context, id int64, message string) {
	e.failEvent(ctx, id, message, false, 0, false)
}

// failMerge is fail's merge-path variant, flagging the event payload
// per spec §7/§9 so listeners can tell a merge failure apart from a
// download/verification failure.
func (e *Engine) failMerge(ctx context.Context, id int64, message string) {
	e.failEvent(ctx, id, message, true, 0, false)
}

// failChunk is fail's variant for a chunk that exhausted its retries,
// attaching the offending chunk index to the terminal event.
func (e *Engine) failChunk(ctx context.Context, id int64, chunkIndex int, message string) {
	e.failEvent(ctx, id, message, false, chunkIndex, true)
}

func (e *Engine) failEvent(ctx context.Context, id int64, message string, failedDuringMerge bool, chunkIndex int, hasChunkIndex bool) {
	state := statemachine.Failed
	if err := e.store.Update(ctx, id, statestore.UpdatePartial{
		State:     &state,
		LastError: &message,
	}); err != nil {
		e.logger.Error("recording download failure failed", "download_id", id, "error", err)
	}
	e.stateDebounce.trigger()
	payload := events.FailedPayload{Error: message, WillRetry: false, FailedDuringMerge: failedDuringMerge}
	if hasChunkIndex {
		payload.ChunkIndex = chunkIndex
	}
	e.bus.Publish(events.Event{
		Type:       events.DownloadFailed,
		DownloadID: id,
		Payload:    payload,
	})
}

// debouncer coalesces bursts of trigger() calls into at most one call
// to fn per window (spec §4.C15 "stateChanged is debounced (~50 ms)").
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	fn      func()
	pending bool
	timer   *time.Timer
}

func newDebouncer(window time.Duration, fn func()) *debouncer {
	return &debouncer{window: window, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return
	}
	d.pending = true
	d.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		d.fn()
	})
}
