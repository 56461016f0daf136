// Package engine implements the Engine (spec §4.C15): the top-level
// coordinator that owns every other component, exposes the public
// operation surface (addDownload/pauseDownload/resumeDownload/...),
// drives the scheduler loop, and owns per-download merge sessions.
//
// Grounded on the teacher's internal/engine/downloader.go for the
// overall shape of a coordinator type holding a config, a client, and
// a running set of per-download goroutines, generalized from a single
// in-process download to the full multi-download queue/schedule/
// chunk/merge/verify pipeline spec.md describes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/assembler"
	"github.com/kilimcininkoroglu/fetchengine/internal/bufferpool"
	"github.com/kilimcininkoroglu/fetchengine/internal/checksum"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkdownload"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkstore"
	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/config"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/hooks"
	"github.com/kilimcininkoroglu/fetchengine/internal/hostmetrics"
	"github.com/kilimcininkoroglu/fetchengine/internal/httpclient"
	"github.com/kilimcininkoroglu/fetchengine/internal/logging"
	"github.com/kilimcininkoroglu/fetchengine/internal/progress"
	"github.com/kilimcininkoroglu/fetchengine/internal/response"
	"github.com/kilimcininkoroglu/fetchengine/internal/retry"
	"github.com/kilimcininkoroglu/fetchengine/internal/scheduler"
	"github.com/kilimcininkoroglu/fetchengine/internal/sizer"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
	"github.com/kilimcininkoroglu/fetchengine/internal/writebuffer"
	"golang.org/x/net/proxy"
)

// Engine is the top-level coordinator (spec §4.C15). One Engine owns
// one State Store, one Chunk Store, and the full set of supporting
// components; the process embeds exactly one.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *statestore.Store
	chunkStore *chunkstore.Store
	pool       *bufferpool.Pool
	metrics    *hostmetrics.Registry
	progress   *progress.Aggregator
	bus        *events.Bus
	classifier *retry.Classifier
	ccCtrl     *concurrency.Controller
	evaluator  *concurrency.Evaluator
	scheduler  *scheduler.Scheduler
	client     *httpclient.Client
	handler    *response.Handler
	sizer      *sizer.Sizer
	assembler  *assembler.Assembler
	orch       *chunkdownload.Orchestrator
	hooks      *hooks.Manager

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	ctx        context.Context
	tickPeriod time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc

	stateDebounce *debouncer
}

// New wires every component together from cfg and opens the State
// Store at its configured path. The caller must call Close.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logging.New(logging.Options{Level: slog.LevelInfo, Format: "text", Output: os.Stderr})
	}

	bufSize, maxPooled, preAlloc, err := buildBufferPoolParams(cfg.Buffers.BufferPool)
	if err != nil {
		return nil, err
	}
	pool := bufferpool.New(bufSize, maxPooled, preAlloc)

	wbCfg, err := buildWriteBufferConfig(cfg.Buffers)
	if err != nil {
		return nil, err
	}
	wbSizer := writebuffer.New(wbCfg)

	szCfg, err := buildSizerConfig(cfg.Chunking)
	if err != nil {
		return nil, err
	}
	sz := sizer.New(szCfg)

	metrics := hostmetrics.New(hostmetrics.DefaultConfig())
	prog := progress.New(10 * time.Minute)
	bus := events.NewBus(64)
	classifier := buildClassifier(cfg.Retry)
	ccCtrl := concurrency.New(buildConcurrencyConfig(cfg.Downloads))

	stateDBPath := cfg.Paths.StateDBPath
	if stateDBPath == "" {
		base := cfg.Paths.UserDataDir
		if base == "" {
			base, err = os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("engine: resolving default state dir: %w", err)
			}
			base = filepath.Join(base, "fetchengine")
		}
		stateDBPath = filepath.Join(base, "downloads-state.db")
	}

	tempBase := cfg.Paths.TempBaseDir
	if tempBase == "" {
		tempBase = filepath.Join(filepath.Dir(stateDBPath), "chunks")
	}
	chunkStore := chunkstore.New(tempBase)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		chunkStore: chunkStore,
		pool:       pool,
		metrics:    metrics,
		progress:   prog,
		bus:        bus,
		classifier: classifier,
		ccCtrl:     ccCtrl,
		sizer:      sz,
		running:    make(map[int64]context.CancelFunc),
		tickPeriod: 200 * time.Millisecond,
	}
	e.stateDebounce = newDebouncer(50*time.Millisecond, e.emitStateChanged)

	store, err := statestore.Open(context.Background(), stateDBPath, statestore.Config{
		MaxQueueSize:       cfg.Downloads.MaxQueueSize,
		ProgressBatchDelay: cfg.Downloads.ProgressBatchDelay,
		Hooks: statemachine.Hooks{
			OnExit: func(id int64, from statemachine.State) {
				ccCtrl.ReleaseAllForDownload(id)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: opening state store: %w", err)
	}
	e.store = store

	clientOpts := []httpclient.Option{
		httpclient.WithUserAgent(cfg.Network.UserAgent),
		httpclient.WithTimeout(cfg.Network.ResponseTimeout),
		httpclient.WithAllowedHosts(cfg.Paths.AllowedHosts),
	}
	if cfg.Network.ProxyHTTPS != "" {
		clientOpts = append(clientOpts, httpclient.WithHTTPProxy(cfg.Network.ProxyHTTPS))
	} else if cfg.Network.ProxyHTTP != "" {
		clientOpts = append(clientOpts, httpclient.WithHTTPProxy(cfg.Network.ProxyHTTP))
	}
	if cfg.Network.ProxySOCKS5 != "" {
		clientOpts = append(clientOpts, httpclient.WithSOCKS5Proxy(cfg.Network.ProxySOCKS5, (*proxy.Auth)(nil)))
	}
	e.client = httpclient.New(clientOpts...)

	e.handler = response.New(e.client, prog, metrics, pool,
		response.WithIdleTimeout(cfg.Network.IdleTimeout),
		response.WithWriteBufferSizer(wbSizer),
		response.WithMaxRetryAfterSeconds(int(cfg.Network.MaxRetryAfter.Seconds())),
	)

	e.assembler = assembler.New(store, chunkStore, pool, prog, bus, buildAssemblerConfig())

	e.orch = chunkdownload.New(store, chunkStore, e.handler, sz, ccCtrl, metrics, prog, bus,
		classifier, e.assembler, buildChunkDownloadConfig(cfg.Downloads))

	e.scheduler = scheduler.New(store, ccCtrl, buildSchedulerConfig(cfg.Scheduler))
	if cfg.Downloads.TurboDownload {
		e.scheduler.SetTurbo(true)
	}

	e.hooks = hooks.NewManager(e.resolveDownloadInfo)

	e.evaluator = concurrency.NewEvaluator(ccCtrl, metrics, concurrency.DefaultAdaptiveConfig())

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.schedulerLoop()
	e.wg.Add(1)
	go e.hookLoop()
	e.wg.Add(1)
	go e.purgeLoop()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.evaluator.Run(e.ctx)
	}()

	return e, nil
}

// Hooks returns the lifecycle hook manager so the embedding
// application can register command/webhook hooks before downloads
// start flowing.
func (e *Engine) Hooks() *hooks.Manager { return e.hooks }

// Subscribe returns a new subscription to the Engine's event bus
// (spec §4.C15 "Event stream").
func (e *Engine) Subscribe() (<-chan events.Event, *events.Subscription) {
	return e.bus.Subscribe()
}

func (e *Engine) resolveDownloadInfo(downloadID int64) hooks.DownloadInfo {
	d, err := e.store.GetDownload(e.ctx, downloadID)
	if err != nil || d == nil {
		return hooks.DownloadInfo{}
	}
	return hooks.DownloadInfo{SourceURL: d.SourceURL, SavePath: d.SavePath}
}

func (e *Engine) hookLoop() {
	defer e.wg.Done()
	ch, sub := e.bus.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.hooks.HandleEvent(e.ctx, ev); err != nil {
				e.logger.Warn("lifecycle hook failed", "download_id", ev.DownloadID, "error", err)
			}
		}
	}
}

func (e *Engine) purgeLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.progress.PurgeExpired()
		}
	}
}

func (e *Engine) emitStateChanged() {
	snap, err := e.store.GetSnapshot(e.ctx, 0)
	if err != nil {
		e.logger.Warn("reading state version for stateChanged", "error", err)
		return
	}
	e.bus.Publish(events.Event{Type: events.StateChanged, Payload: events.StateChangedPayload{Version: snap.StateVersion}})
}

// AddDownload persists a new download and fires stateChanged (spec
// §4.C15 "addDownload").
func (e *Engine) AddDownload(ctx context.Context, d statestore.Download) (*statestore.Snapshot, error) {
	snap, err := e.store.Add(ctx, d, false)
	if err != nil {
		return nil, err
	}
	e.stateDebounce.trigger()
	return snap, nil
}

// PauseDownload transitions an active download to PAUSED, saving
// chunk checkpoints and invalidating its session first (spec §4.C15
// "pauseDownload").
func (e *Engine) PauseDownload(ctx context.Context, id int64) (*statestore.Snapshot, error) {
	d, err := e.store.GetDownload(ctx, id)
	if err != nil {
		return nil, err
	}
	// Only STARTING/DOWNLOADING accept a pause transition (spec §4.C7's
	// edges); a download already MERGING or VERIFYING runs to
	// completion or failure instead of pausing mid-merge.
	if d.State != statemachine.Starting && d.State != statemachine.Downloading {
		return nil, fmt.Errorf("engine: download %d is not pausable from state %s", id, d.State)
	}

	chunks, err := e.store.GetChunks(ctx, id)
	if err == nil && len(chunks) > 0 {
		_ = e.orch.SaveChunkCheckpointsForPause(ctx, id, chunks)
	}
	e.orch.InvalidateSession(id)
	e.stopRunning(id)

	if err := e.store.Transition(ctx, id, statemachine.Paused, nil); err != nil {
		return nil, err
	}
	e.stateDebounce.trigger()
	return e.store.GetSnapshot(ctx, 0)
}

// ResumeDownload moves a PAUSED or FAILED download back to QUEUED
// (spec §4.C15 "resumeDownload").
func (e *Engine) ResumeDownload(ctx context.Context, id int64) (*statestore.Snapshot, error) {
	d, err := e.store.GetDownload(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != statemachine.Paused && d.State != statemachine.Failed {
		return nil, fmt.Errorf("engine: download %d cannot resume from state %s", id, d.State)
	}
	if err := e.store.Transition(ctx, id, statemachine.Queued, nil); err != nil {
		return nil, err
	}
	e.stateDebounce.trigger()
	return e.store.GetSnapshot(ctx, 0)
}

// CancelDownload transitions a queued/active/paused download to
// CANCELLED, invalidates its session, and cleans up on-disk artifacts
// (spec §4.C15 "cancelDownload").
func (e *Engine) CancelDownload(ctx context.Context, id int64) (*statestore.Snapshot, error) {
	d, err := e.store.GetDownload(ctx, id)
	if err != nil {
		return nil, err
	}
	e.orch.InvalidateSession(id)
	e.stopRunning(id)

	if err := e.store.Transition(ctx, id, statemachine.Cancelled, nil); err != nil {
		return nil, err
	}
	e.assembler.CleanupCancelled(id, d.SavePath)
	_ = e.chunkStore.DeleteAllChunks(id)
	_ = e.store.DeleteChunks(ctx, id)
	e.progress.Clear(id)

	e.stateDebounce.trigger()
	return e.store.GetSnapshot(ctx, 0)
}

// ConfirmOverwrite is the user's response to a needsConfirmation
// event: it sets forceOverwrite and resumes the download (spec
// §4.C15 "confirmOverwrite").
func (e *Engine) ConfirmOverwrite(ctx context.Context, id int64) (*statestore.Snapshot, error) {
	yes := true
	if err := e.store.Update(ctx, id, statestore.UpdatePartial{ForceOverwrite: &yes}); err != nil {
		return nil, err
	}
	return e.ResumeDownload(ctx, id)
}

// PauseAll pauses every active download.
func (e *Engine) PauseAll(ctx context.Context) (*statestore.Snapshot, error) {
	for _, st := range []statemachine.State{statemachine.Starting, statemachine.Downloading} {
		downloads, err := e.store.ListByState(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, d := range downloads {
			if _, err := e.PauseDownload(ctx, d.ID); err != nil {
				e.logger.Warn("pauseAll: pausing download failed", "download_id", d.ID, "error", err)
			}
		}
	}
	return e.store.GetSnapshot(ctx, 0)
}

// CancelAll cancels every queued, active, or paused download.
func (e *Engine) CancelAll(ctx context.Context) (*statestore.Snapshot, error) {
	states := []statemachine.State{
		statemachine.Queued, statemachine.Starting, statemachine.Downloading,
		statemachine.Merging, statemachine.Verifying, statemachine.Paused,
	}
	for _, st := range states {
		downloads, err := e.store.ListByState(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, d := range downloads {
			if _, err := e.CancelDownload(ctx, d.ID); err != nil {
				e.logger.Warn("cancelAll: cancelling download failed", "download_id", d.ID, "error", err)
			}
		}
	}
	return e.store.GetSnapshot(ctx, 0)
}

// ResumeAll resumes every paused or failed download.
func (e *Engine) ResumeAll(ctx context.Context) (*statestore.Snapshot, error) {
	for _, st := range []statemachine.State{statemachine.Paused, statemachine.Failed} {
		downloads, err := e.store.ListByState(ctx, st)
		if err != nil {
			return nil, err
		}
		for _, d := range downloads {
			if _, err := e.ResumeDownload(ctx, d.ID); err != nil {
				e.logger.Warn("resumeAll: resuming download failed", "download_id", d.ID, "error", err)
			}
		}
	}
	return e.store.GetSnapshot(ctx, 0)
}

// RestartStoppedWithOverwrite restarts FAILED/COMPLETED rows with
// forceOverwrite set (spec §4.C15 "restartStoppedWithOverwrite"). A
// nil ids restarts every stopped row.
func (e *Engine) RestartStoppedWithOverwrite(ctx context.Context, ids []int64) (*statestore.Snapshot, error) {
	targets := ids
	if len(targets) == 0 {
		for _, st := range []statemachine.State{statemachine.Failed, statemachine.Completed} {
			downloads, err := e.store.ListByState(ctx, st)
			if err != nil {
				return nil, err
			}
			for _, d := range downloads {
				targets = append(targets, d.ID)
			}
		}
	}

	yes := true
	for _, id := range targets {
		if err := e.store.Update(ctx, id, statestore.UpdatePartial{ForceOverwrite: &yes}); err != nil {
			e.logger.Warn("restartStoppedWithOverwrite: setting forceOverwrite failed", "download_id", id, "error", err)
			continue
		}
		if err := e.store.Transition(ctx, id, statemachine.Queued, nil); err != nil {
			e.logger.Warn("restartStoppedWithOverwrite: transition failed", "download_id", id, "error", err)
		}
	}
	e.stateDebounce.trigger()
	return e.store.GetSnapshot(ctx, 0)
}

// GetSnapshot returns the State Store's current snapshot (spec §6
// "read-only getSnapshot").
func (e *Engine) GetSnapshot(ctx context.Context, minVersion int64) (*statestore.Snapshot, error) {
	return e.store.GetSnapshot(ctx, minVersion)
}

// SessionMetrics is the read-only view behind getSessionMetrics: a
// per-host snapshot of the adaptive metrics the Scheduler and Sizer
// read from.
type SessionMetrics struct {
	Host string
	hostmetrics.Metric
}

// GetSessionMetrics returns the current per-host metrics (spec §6
// "read-only getSessionMetrics").
func (e *Engine) GetSessionMetrics(hosts []string) []SessionMetrics {
	out := make([]SessionMetrics, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, SessionMetrics{Host: h, Metric: e.metrics.Get(h)})
	}
	return out
}

// Close drains the scheduler loop, stops background timers, and
// closes the State Store (spec §4.C15 "close").
func (e *Engine) Close() error {
	e.cancel()
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.bus.Close()
	return e.store.Close()
}

func (e *Engine) stopRunning(id int64) {
	e.mu.Lock()
	cancel, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func checksumVerify(path string, expected string) (bool, error) {
	digest, err := checksum.Parse(expected)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return checksum.Verify(f, digest)
}
