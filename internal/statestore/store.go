// Package statestore implements the State Store (spec §4.C1): the
// durable, transactional, single-writer record of downloads, chunks,
// and attempts, backed by SQLite. Grounded on the teacher's
// internal/download/state.go (struct-per-entity + atomic-save shape,
// generalized here to transactional SQL operations) and on the
// database/sql + tx idiom shown in the pack's debswarm downloader
// state manager.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
)

// Download is one row of the downloads table plus its derived
// summary fields.
type Download struct {
	ID                int64
	Title             string
	SourceURL         string
	SavePath          string
	DownloadPathBase  string
	TotalBytes        int64
	DownloadedBytes   int64
	State             statemachine.State
	Priority          int
	ForceOverwrite    bool
	QueuePosition     int
	RetryCount        int
	LastError         string
	ExpectedHash      string
	ActualHash        string
	Verified          bool
	TailChecksumHash  string
	TailChecksumSize  int64
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
}

// Chunk is one row of the chunks table.
type Chunk struct {
	DownloadID       int64
	Index            int
	Start            int64
	End              int64
	Downloaded       int64
	State            string
	Hash             string
	TailChecksumHash string
	TailChecksumSize int64
}

// Attempt is one logged failed/retried attempt.
type Attempt struct {
	ID         int64
	DownloadID int64
	ChunkIndex *int
	Category   string
	Message    string
	OccurredAt time.Time
}

// Snapshot is the result of getSnapshot (spec §4.C1).
type Snapshot struct {
	StateVersion int64
	Downloads    []Download
	Summary      Summary
	HasChanges   bool
}

// Summary aggregates download counts by activeness, used by callers
// that only need headline numbers.
type Summary struct {
	Total     int
	Active    int
	Queued    int
	Completed int
	Failed    int
}

// ErrQueueFull is returned by Add when the queue is at capacity and
// skipQueueLimit is false.
var ErrQueueFull = fmt.Errorf("statestore: queue full")

// ErrDuplicate is returned by Add when a download with the same
// source URL and save path already exists in an active or queued
// state.
var ErrDuplicate = fmt.Errorf("statestore: duplicate download")

// ErrInvalidTransition wraps statemachine.Validate failures.
type ErrInvalidTransition struct {
	From, To statemachine.State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("statestore: invalid transition %s -> %s", e.From, e.To)
}

// Hooks mirrors statemachine.Hooks; the Store invokes them whenever a
// transition crosses the State Store's public update/transition path.
type Hooks = statemachine.Hooks

// Store is the single-writer, transactional State Store.
type Store struct {
	db            *sql.DB
	hooks         Hooks
	maxQueueSize  int
	batchDelay    time.Duration

	batchMu sync.Mutex
	batches map[int64]*progressBatch
	stopCh  chan struct{}
}

type progressBatch struct {
	downloadedBytes int64
	dirty           bool
}

// Config configures Open.
type Config struct {
	MaxQueueSize       int
	ProgressBatchDelay time.Duration
	Hooks              Hooks
}

// Open opens (creating if necessary) the SQLite database at path,
// applies pragmas and schema/migrations, and runs crash recovery
// (spec §4.C1: "any Download in {STARTING, DOWNLOADING, MERGING,
// VERIFYING} is moved back to QUEUED").
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer per spec §4's "Shared resource policy"

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil && !isDuplicateColumn(err) {
			db.Close()
			return nil, fmt.Errorf("applying migration %q: %w", m, err)
		}
	}

	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	delay := cfg.ProgressBatchDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	s := &Store{
		db:           db,
		hooks:        cfg.Hooks,
		maxQueueSize: maxQueue,
		batchDelay:   delay,
		batches:      make(map[int64]*progressBatch),
		stopCh:       make(chan struct{}),
	}

	if err := s.recoverCrashed(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("crash recovery: %w", err)
	}

	go s.flushLoop()
	return s, nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column")
}

// Close stops the progress-batch flush loop and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

// recoverCrashed implements spec §4.C1's recovery contract.
func (s *Store) recoverCrashed(ctx context.Context) error {
	stuck := []statemachine.State{
		statemachine.Starting,
		statemachine.Downloading,
		statemachine.Merging,
		statemachine.Verifying,
	}
	for _, st := range stuck {
		_, err := s.db.ExecContext(ctx,
			`UPDATE downloads SET state = ?, updated_at = ? WHERE state = ?`,
			string(statemachine.Queued), time.Now().Unix(), string(st))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.batchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.flushBatches(context.Background())
		}
	}
}

func (s *Store) flushBatches(ctx context.Context) {
	s.batchMu.Lock()
	pending := s.batches
	s.batches = make(map[int64]*progressBatch)
	s.batchMu.Unlock()

	for id, b := range pending {
		if !b.dirty {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE downloads SET downloaded_bytes = ?, updated_at = ? WHERE id = ?`,
			b.downloadedBytes, time.Now().Unix(), id); err != nil {
			// Failure semantics (spec §4.C1): reconstitute the batch,
			// merging on top of any newer in-memory value, and retry
			// on the next tick.
			s.batchMu.Lock()
			if existing, ok := s.batches[id]; ok {
				existing.dirty = true
			} else {
				s.batches[id] = &progressBatch{downloadedBytes: b.downloadedBytes, dirty: true}
			}
			s.batchMu.Unlock()
		}
	}
}
