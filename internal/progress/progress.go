// Package progress implements the Progress Aggregator (spec §4.C4): a
// hot-path, non-authoritative cache of per-chunk byte counts and
// states, avoiding a DB round-trip on every progress tick. The State
// Store remains the source of truth; the Engine reads here for hot
// paths only.
package progress

import (
	"sync"
	"time"
)

// ChunkProgress is the cached state for one chunk.
type ChunkProgress struct {
	Downloaded int64
	State      string
	Hash       string
}

// entry is the per-download cache row.
type entry struct {
	chunks       map[int]*ChunkProgress
	lastActivity time.Time
}

// Aggregator is the process-scope progress cache.
type Aggregator struct {
	mu      sync.Mutex
	maxAge  time.Duration
	entries map[int64]*entry
}

// New builds an Aggregator with the given TTL (default 10 min per
// spec §3/§4.C4).
func New(maxAge time.Duration) *Aggregator {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Aggregator{maxAge: maxAge, entries: make(map[int64]*entry)}
}

// Init initializes (or re-initializes) the cache for downloadId with
// the given chunk indices, and performs a TTL purge as a safety net.
func (a *Aggregator) Init(downloadID int64, chunkIndices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purgeLocked(time.Now())

	e := &entry{chunks: make(map[int]*ChunkProgress, len(chunkIndices)), lastActivity: time.Now()}
	for _, idx := range chunkIndices {
		e.chunks[idx] = &ChunkProgress{}
	}
	a.entries[downloadID] = e
}

func (a *Aggregator) get(downloadID int64) *entry {
	e, ok := a.entries[downloadID]
	if !ok {
		e = &entry{chunks: make(map[int]*ChunkProgress), lastActivity: time.Now()}
		a.entries[downloadID] = e
	}
	return e
}

// UpdateBytes sets the downloaded byte count for a chunk.
func (a *Aggregator) UpdateBytes(downloadID int64, chunkIndex int, downloaded int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(downloadID)
	cp, ok := e.chunks[chunkIndex]
	if !ok {
		cp = &ChunkProgress{}
		e.chunks[chunkIndex] = cp
	}
	cp.Downloaded = downloaded
	e.lastActivity = time.Now()
}

// UpdateState sets the cached state label for a chunk.
func (a *Aggregator) UpdateState(downloadID int64, chunkIndex int, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(downloadID)
	cp, ok := e.chunks[chunkIndex]
	if !ok {
		cp = &ChunkProgress{}
		e.chunks[chunkIndex] = cp
	}
	cp.State = state
	e.lastActivity = time.Now()
}

// MarkCompleted marks a chunk completed at size bytes.
func (a *Aggregator) MarkCompleted(downloadID int64, chunkIndex int, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(downloadID)
	existingHash := ""
	if cp, ok := e.chunks[chunkIndex]; ok {
		existingHash = cp.Hash
	}
	e.chunks[chunkIndex] = &ChunkProgress{Downloaded: size, State: "completed", Hash: existingHash}
	e.lastActivity = time.Now()
}

// ResetChunk zeroes a chunk's cached progress (e.g. after a failed
// resume-hash check).
func (a *Aggregator) ResetChunk(downloadID int64, chunkIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(downloadID)
	e.chunks[chunkIndex] = &ChunkProgress{}
	e.lastActivity = time.Now()
}

// SetHash records a chunk's computed hash.
func (a *Aggregator) SetHash(downloadID int64, chunkIndex int, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(downloadID)
	cp, ok := e.chunks[chunkIndex]
	if !ok {
		cp = &ChunkProgress{}
		e.chunks[chunkIndex] = cp
	}
	cp.Hash = hash
	e.lastActivity = time.Now()
}

// GetHash returns a chunk's cached hash, if any.
func (a *Aggregator) GetHash(downloadID int64, chunkIndex int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[downloadID]
	if !ok {
		return "", false
	}
	cp, ok := e.chunks[chunkIndex]
	if !ok || cp.Hash == "" {
		return "", false
	}
	return cp.Hash, true
}

// TotalDownloaded sums downloaded bytes across all cached chunks.
func (a *Aggregator) TotalDownloaded(downloadID int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[downloadID]
	if !ok {
		return 0
	}
	var total int64
	for _, cp := range e.chunks {
		total += cp.Downloaded
	}
	return total
}

// AllCompleted reports whether every tracked chunk is completed.
func (a *Aggregator) AllCompleted(downloadID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[downloadID]
	if !ok || len(e.chunks) == 0 {
		return false
	}
	for _, cp := range e.chunks {
		if cp.State != "completed" {
			return false
		}
	}
	return true
}

// GetProgressArray returns a snapshot of all chunk indices' progress.
func (a *Aggregator) GetProgressArray(downloadID int64) map[int]ChunkProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[downloadID]
	if !ok {
		return nil
	}
	out := make(map[int]ChunkProgress, len(e.chunks))
	for idx, cp := range e.chunks {
		out[idx] = *cp
	}
	return out
}

// Clear removes a download's cache explicitly (completion/cancel).
func (a *Aggregator) Clear(downloadID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, downloadID)
}

// PurgeExpired evicts caches idle beyond maxAge.
func (a *Aggregator) PurgeExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purgeLocked(time.Now())
}

func (a *Aggregator) purgeLocked(now time.Time) {
	for id, e := range a.entries {
		if now.Sub(e.lastActivity) > a.maxAge {
			delete(a.entries, id)
		}
	}
}
