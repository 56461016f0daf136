// Package assembler implements the File Assembler (spec §4.C12): the
// component that produces the final artifact from a download's
// ordered chunks, either incrementally (merging each chunk into a
// staging file as soon as it and all earlier chunks are done) or
// post-hoc (a single pass over all chunks once every one of them is
// COMPLETED).
//
// Grounded on the teacher's internal/storage/writer.go
// preallocate/offset-write/atomic-rename idiom, generalized here from
// single-writer-per-file to a cursor-ordered merge across many
// chunk files.
package assembler

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/kilimcininkoroglu/fetchengine/internal/bufferpool"
	"github.com/kilimcininkoroglu/fetchengine/internal/checksum"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkstore"
	"github.com/kilimcininkoroglu/fetchengine/internal/events"
	"github.com/kilimcininkoroglu/fetchengine/internal/progress"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

// Config tunes the post-hoc merge pass (spec §4.C12 step 4: "16 MiB
// buffered reads, 8 MiB flush batches").
type Config struct {
	PostHocReadBufferSize  int64
	PostHocFlushBatchSize  int64
}

// DefaultConfig returns spec §4.C12's defaults.
func DefaultConfig() Config {
	return Config{
		PostHocReadBufferSize: 16 << 20,
		PostHocFlushBatchSize: 8 << 20,
	}
}

// Store is the subset of *statestore.Store the Assembler needs.
type Store interface {
	GetChunks(ctx context.Context, downloadID int64) ([]statestore.Chunk, error)
}

// Assembler merges a download's chunks into its final artifact.
type Assembler struct {
	store      Store
	chunkStore *chunkstore.Store
	pool       *bufferpool.Pool
	progress   *progress.Aggregator
	bus        *events.Bus
	cfg        Config

	mu       sync.Mutex
	sessions map[int64]*incrementalSession
}

// New builds an Assembler.
func New(store Store, chunkStore *chunkstore.Store, pool *bufferpool.Pool, prog *progress.Aggregator, bus *events.Bus, cfg Config) *Assembler {
	if cfg.PostHocReadBufferSize <= 0 {
		cfg.PostHocReadBufferSize = DefaultConfig().PostHocReadBufferSize
	}
	if cfg.PostHocFlushBatchSize <= 0 {
		cfg.PostHocFlushBatchSize = DefaultConfig().PostHocFlushBatchSize
	}
	return &Assembler{
		store:      store,
		chunkStore: chunkStore,
		pool:       pool,
		progress:   prog,
		bus:        bus,
		cfg:        cfg,
		sessions:   make(map[int64]*incrementalSession),
	}
}

// incrementalSession holds one download's in-progress incremental
// merge: an open staging-file handle, the next-expected chunk index,
// and the set of completed-but-out-of-order indices still waiting for
// their turn.
type incrementalSession struct {
	mu          sync.Mutex
	downloadID  int64
	stagingPath string
	savePath    string
	totalChunks int
	cursor      int
	extents     map[int]statestore.Chunk
	ready       map[int]bool
	file        *os.File
	written     int64
}

// StartIncremental opens a `<savePath>.staging` handle and registers
// an incremental-merge session for downloadID. Call once, after chunk
// planning, before any chunk completes.
func (a *Assembler) StartIncremental(downloadID int64, savePath string, chunks []statestore.Chunk) error {
	stagingPath := savePath + ".staging"
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("assembler: opening staging file: %w", err)
	}

	extents := make(map[int]statestore.Chunk, len(chunks))
	for _, c := range chunks {
		extents[c.Index] = c
	}

	sess := &incrementalSession{
		downloadID:  downloadID,
		stagingPath: stagingPath,
		savePath:    savePath,
		totalChunks: len(chunks),
		extents:     extents,
		file:        f,
		ready:       make(map[int]bool),
	}

	a.mu.Lock()
	a.sessions[downloadID] = sess
	a.mu.Unlock()
	return nil
}

// HasIncrementalSession reports whether downloadID has an active
// incremental-merge session.
func (a *Assembler) HasIncrementalSession(downloadID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[downloadID]
	return ok
}

// OnChunkCompleted implements the Chunk Downloader's Assembler
// contract (spec §4.C11 step "if possible, incrementally assemble
// into the staging file"). Returns complete=true once the cursor has
// consumed every chunk. If no incremental session is active for
// downloadID, it is a no-op returning (false, nil) so the caller falls
// back to post-hoc merge once every chunk is COMPLETED.
func (a *Assembler) OnChunkCompleted(ctx context.Context, downloadID int64, chunkIndex int) (bool, error) {
	a.mu.Lock()
	sess, ok := a.sessions[downloadID]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return a.drain(sess, chunkIndex)
}

// drain marks chunkIndex ready and merges every contiguous ready chunk
// starting at the cursor.
func (a *Assembler) drain(sess *incrementalSession, chunkIndex int) (bool, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.ready[chunkIndex] = true
	for sess.ready[sess.cursor] {
		c, ok := sess.extents[sess.cursor]
		if !ok {
			return false, fmt.Errorf("assembler: unknown chunk index %d", sess.cursor)
		}
		if err := a.appendChunk(sess, c); err != nil {
			return false, fmt.Errorf("assembler: appending chunk %d: %w", c.Index, err)
		}
		delete(sess.ready, sess.cursor)
		sess.cursor++
	}

	return sess.cursor >= sess.totalChunks, nil
}

func (a *Assembler) appendChunk(sess *incrementalSession, c statestore.Chunk) error {
	path := a.chunkStore.GetChunkPath(sess.downloadID, c.Index)
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	buf := a.pool.Acquire()
	defer a.pool.Release(buf)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := sess.file.Write(buf[:n]); werr != nil {
				return werr
			}
			sess.written += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// FinalizeIncremental implements spec §4.C12's `finalize(forceOverwrite)`:
// closes the staging handle and renames it onto savePath, deleting any
// existing target first when forceOverwrite is set.
func (a *Assembler) FinalizeIncremental(downloadID int64, forceOverwrite bool) error {
	a.mu.Lock()
	sess, ok := a.sessions[downloadID]
	if ok {
		delete(a.sessions, downloadID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("assembler: no incremental session for download %d", downloadID)
	}

	if err := sess.file.Close(); err != nil {
		return fmt.Errorf("assembler: closing staging file: %w", err)
	}
	if forceOverwrite {
		os.Remove(sess.savePath)
	}
	if err := os.Rename(sess.stagingPath, sess.savePath); err != nil {
		return fmt.Errorf("assembler: renaming staging to save path: %w", err)
	}
	return nil
}

// AbortIncremental discards downloadID's incremental session and
// deletes its staging file, without renaming onto savePath.
func (a *Assembler) AbortIncremental(downloadID int64) {
	a.mu.Lock()
	sess, ok := a.sessions[downloadID]
	if ok {
		delete(a.sessions, downloadID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.file.Close()
	os.Remove(sess.stagingPath)
}

// PostHocOptions parameterizes MergePostHoc.
type PostHocOptions struct {
	DownloadID     int64
	SavePath       string
	TotalBytes     int64
	ForceOverwrite bool
}

// MergePostHoc implements spec §4.C12's post-hoc merge path: used when
// the incremental session was never started, or failed.
func (a *Assembler) MergePostHoc(ctx context.Context, opts PostHocOptions) error {
	chunks, err := a.store.GetChunks(ctx, opts.DownloadID)
	if err != nil {
		return fmt.Errorf("assembler: loading chunks: %w", err)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	if err := a.precheck(opts.DownloadID, chunks); err != nil {
		return err
	}

	stagingPath := opts.SavePath + ".staging"
	os.Remove(stagingPath)

	for _, c := range chunks {
		if c.Hash == "" {
			continue
		}
		if err := a.verifyChunkHash(opts.DownloadID, c); err != nil {
			return err
		}
	}

	assembled, err := a.copyChunks(ctx, opts, stagingPath, chunks)
	if err != nil {
		return err
	}

	info, err := os.Stat(stagingPath)
	if err != nil {
		return fmt.Errorf("assembler: stat assembled file: %w", err)
	}
	if info.Size() != opts.TotalBytes {
		return fmt.Errorf("assembler: assembled size %d != expected %d (copied %d)", info.Size(), opts.TotalBytes, assembled)
	}

	if opts.ForceOverwrite {
		os.Remove(opts.SavePath)
	}
	if err := os.Rename(stagingPath, opts.SavePath); err != nil {
		return fmt.Errorf("assembler: renaming staging to save path: %w", err)
	}
	return nil
}

func (a *Assembler) precheck(downloadID int64, chunks []statestore.Chunk) error {
	for _, c := range chunks {
		if c.State != "COMPLETED" {
			return fmt.Errorf("assembler: chunk %d not completed (state=%s)", c.Index, c.State)
		}
		path := a.chunkStore.GetChunkPath(downloadID, c.Index)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("assembler: chunk %d file missing: %w", c.Index, err)
		}
		expected := c.End - c.Start + 1
		if info.Size() != expected {
			return fmt.Errorf("assembler: chunk %d size mismatch: on-disk %d, expected %d", c.Index, info.Size(), expected)
		}
	}
	return nil
}

func (a *Assembler) verifyChunkHash(downloadID int64, c statestore.Chunk) error {
	path := a.chunkStore.GetChunkPath(downloadID, c.Index)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("assembler: opening chunk %d for hash verification: %w", c.Index, err)
	}
	defer f.Close()

	h := checksum.NewSHA256()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("assembler: hashing chunk %d: %w", c.Index, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != c.Hash {
		return fmt.Errorf("assembler: chunk %d hash mismatch: got %s, want %s", c.Index, got, c.Hash)
	}
	return nil
}

func (a *Assembler) copyChunks(ctx context.Context, opts PostHocOptions, stagingPath string, chunks []statestore.Chunk) (int64, error) {
	out, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("assembler: opening staging file: %w", err)
	}
	defer out.Close()

	readBuf := make([]byte, a.cfg.PostHocReadBufferSize)
	var assembled, sinceFlush int64

	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return assembled, ctx.Err()
		default:
		}

		path := a.chunkStore.GetChunkPath(opts.DownloadID, c.Index)
		src, err := os.Open(path)
		if err != nil {
			return assembled, fmt.Errorf("assembler: opening chunk %d: %w", c.Index, err)
		}

		for {
			n, rerr := src.Read(readBuf)
			if n > 0 {
				if _, werr := out.Write(readBuf[:n]); werr != nil {
					src.Close()
					return assembled, werr
				}
				assembled += int64(n)
				sinceFlush += int64(n)
				if sinceFlush >= a.cfg.PostHocFlushBatchSize {
					out.Sync()
					sinceFlush = 0
				}
				if a.bus != nil {
					a.bus.Publish(events.Event{
						Type:       events.DownloadProgress,
						DownloadID: opts.DownloadID,
						Payload:    events.ProgressPayload{DownloadedBytes: assembled, TotalBytes: opts.TotalBytes},
					})
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				src.Close()
				return assembled, fmt.Errorf("assembler: reading chunk %d: %w", c.Index, rerr)
			}
		}
		src.Close()
	}

	return assembled, nil
}

// CleanupCancelled implements spec §4.C12's "cancellation during
// merge": deletes staging, chunk files, and savePath without raising.
func (a *Assembler) CleanupCancelled(downloadID int64, savePath string) {
	a.AbortIncremental(downloadID)
	os.Remove(savePath + ".staging")
	a.chunkStore.DeleteAllChunks(downloadID)
	os.Remove(savePath)
	if a.progress != nil {
		a.progress.Clear(downloadID)
	}
}
