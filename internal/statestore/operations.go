package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
)

// Add inserts a new Download (spec §4.C1 "add"), assigning the next
// queue position and refusing when the queue is full.
func (s *Store) Add(ctx context.Context, d Download, skipQueueLimit bool) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if !skipQueueLimit {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM downloads WHERE state IN ('QUEUED','PAUSED')`).Scan(&count); err != nil {
			return nil, err
		}
		if count >= s.maxQueueSize {
			return nil, ErrQueueFull
		}
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE source_url = ? AND save_path = ? AND state NOT IN ('COMPLETED','FAILED','CANCELLED')`,
		d.SourceURL, d.SavePath).Scan(&dup); err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, ErrDuplicate
	}

	var nextPos int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM downloads`).Scan(&nextPos); err != nil {
		return nil, err
	}

	now := time.Now()
	if d.State == "" {
		d.State = statemachine.Queued
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO downloads (
			title, source_url, save_path, download_path_base, total_bytes,
			downloaded_bytes, state, priority, force_overwrite, queue_position,
			retry_count, expected_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, 0, ?, ?, ?)`,
		d.Title, d.SourceURL, d.SavePath, d.DownloadPathBase, d.TotalBytes,
		string(d.State), d.Priority, boolToInt(d.ForceOverwrite), nextPos,
		nullableString(d.ExpectedHash), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("inserting download: %w", err)
	}
	if _, err := res.LastInsertId(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSnapshot(ctx, 0)
}

// UpdatePartial merges non-nil fields into a Download row. A non-nil
// State triggers C7 validation and transition hooks.
type UpdatePartial struct {
	State           *statemachine.State
	DownloadedBytes *int64
	TotalBytes      *int64
	RetryCount      *int
	LastError       *string
	ActualHash      *string
	Verified        *bool
	TailChecksumHash *string
	TailChecksumSize *int64
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ForceOverwrite  *bool
}

// Update applies a partial update, validating and firing hooks when
// State is set (spec §4.C1 "update").
func (s *Store) Update(ctx context.Context, id int64, p UpdatePartial) error {
	if p.State != nil {
		return s.transitionLocked(ctx, id, *p.State, nil, p)
	}

	// Progress-only fast path: batch in memory, flush on a timer
	// (spec §4.C1 "Progress batching"), unless a non-progress field
	// is also present, which forces an immediate flush.
	onlyProgress := p.TotalBytes == nil && p.RetryCount == nil && p.LastError == nil &&
		p.ActualHash == nil && p.Verified == nil && p.TailChecksumHash == nil &&
		p.TailChecksumSize == nil && p.StartedAt == nil && p.CompletedAt == nil &&
		p.ForceOverwrite == nil

	if onlyProgress && p.DownloadedBytes != nil {
		s.batchMu.Lock()
		b, ok := s.batches[id]
		if !ok {
			b = &progressBatch{}
			s.batches[id] = b
		}
		b.downloadedBytes = *p.DownloadedBytes
		b.dirty = true
		s.batchMu.Unlock()
		return nil
	}

	return s.applyUpdate(ctx, id, p)
}

func (s *Store) applyUpdate(ctx context.Context, id int64, p UpdatePartial) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	if p.DownloadedBytes != nil {
		sets = append(sets, "downloaded_bytes = ?")
		args = append(args, *p.DownloadedBytes)
	}
	if p.TotalBytes != nil {
		sets = append(sets, "total_bytes = ?")
		args = append(args, *p.TotalBytes)
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *p.RetryCount)
	}
	if p.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *p.LastError)
	}
	if p.ActualHash != nil {
		sets = append(sets, "actual_hash = ?")
		args = append(args, *p.ActualHash)
	}
	if p.Verified != nil {
		sets = append(sets, "verified = ?")
		args = append(args, boolToInt(*p.Verified))
	}
	if p.TailChecksumHash != nil {
		sets = append(sets, "tail_checkpoint_hash = ?")
		args = append(args, *p.TailChecksumHash)
	}
	if p.TailChecksumSize != nil {
		sets = append(sets, "tail_checkpoint_size = ?")
		args = append(args, *p.TailChecksumSize)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, p.StartedAt.Unix())
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.CompletedAt.Unix())
	}
	if p.ForceOverwrite != nil {
		sets = append(sets, "force_overwrite = ?")
		args = append(args, boolToInt(*p.ForceOverwrite))
	}

	args = append(args, id)
	query := "UPDATE downloads SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Transition performs an atomic CAS-style state change (spec §4.C1
// "transition"): rejects if not allowed by C7, or if oldState is
// given and differs from the current state.
func (s *Store) Transition(ctx context.Context, id int64, newState statemachine.State, oldState *statemachine.State) error {
	return s.transitionLocked(ctx, id, newState, oldState, UpdatePartial{})
}

func (s *Store) transitionLocked(ctx context.Context, id int64, newState statemachine.State, oldState *statemachine.State, extra UpdatePartial) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM downloads WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("statestore: download %d not found", id)
		}
		return err
	}
	from := statemachine.State(current)

	if oldState != nil && from != *oldState {
		return &ErrInvalidTransition{From: from, To: newState}
	}
	if from != newState && !statemachine.CanTransition(from, newState) {
		return &ErrInvalidTransition{From: from, To: newState}
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(newState), time.Now().Unix()}
	extra.State = nil // already applied above; avoid double-apply below
	fields, fieldArgs := updateFields(extra)
	sets = append(sets, fields...)
	args = append(args, fieldArgs...)
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, "UPDATE downloads SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (download_id, from_state, to_state, occurred_at) VALUES (?, ?, ?, ?)`,
		id, string(from), string(newState), time.Now().Unix()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.hooks.Fire(id, from, newState)
	return nil
}

func updateFields(p UpdatePartial) ([]string, []any) {
	var sets []string
	var args []any
	if p.DownloadedBytes != nil {
		sets = append(sets, "downloaded_bytes = ?")
		args = append(args, *p.DownloadedBytes)
	}
	if p.TotalBytes != nil {
		sets = append(sets, "total_bytes = ?")
		args = append(args, *p.TotalBytes)
	}
	if p.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *p.LastError)
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *p.RetryCount)
	}
	if p.ActualHash != nil {
		sets = append(sets, "actual_hash = ?")
		args = append(args, *p.ActualHash)
	}
	if p.Verified != nil {
		sets = append(sets, "verified = ?")
		args = append(args, boolToInt(*p.Verified))
	}
	if p.TailChecksumHash != nil {
		sets = append(sets, "tail_checkpoint_hash = ?")
		args = append(args, *p.TailChecksumHash)
	}
	if p.TailChecksumSize != nil {
		sets = append(sets, "tail_checkpoint_size = ?")
		args = append(args, *p.TailChecksumSize)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, p.StartedAt.Unix())
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.CompletedAt.Unix())
	}
	if p.ForceOverwrite != nil {
		sets = append(sets, "force_overwrite = ?")
		args = append(args, boolToInt(*p.ForceOverwrite))
	}
	return sets, args
}

// GetSnapshot returns the current state_version, all downloads, and
// a summary (spec §4.C1 "getSnapshot").
func (s *Store) GetSnapshot(ctx context.Context, minVersion int64) (*Snapshot, error) {
	version, err := s.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	downloads, err := s.listDownloads(ctx, "")
	if err != nil {
		return nil, err
	}

	hasChanges := true
	if version <= minVersion {
		hasChanges = hasActiveDownload(downloads)
	}

	return &Snapshot{
		StateVersion: version,
		Downloads:    downloads,
		Summary:      summarize(downloads),
		HasChanges:   hasChanges,
	}, nil
}

// IncrementalSnapshot is the result of getIncrementalSnapshot: rows
// changed since sinceTs plus the full set of current IDs so consumers
// can detect deletions.
type IncrementalSnapshot struct {
	StateVersion int64
	Changed      []Download
	CurrentIDs   []int64
}

// GetIncrementalSnapshot implements spec §4.C1
// "getIncrementalSnapshot".
func (s *Store) GetIncrementalSnapshot(ctx context.Context, sinceTs time.Time, minVersion int64) (*IncrementalSnapshot, error) {
	version, err := s.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	changed, err := s.listDownloads(ctx, "WHERE updated_at > ?", sinceTs.Unix())
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM downloads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return &IncrementalSnapshot{StateVersion: version, Changed: changed, CurrentIDs: ids}, nil
}

func (s *Store) currentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM state_version WHERE id = 1`).Scan(&version)
	return version, err
}

func hasActiveDownload(downloads []Download) bool {
	for _, d := range downloads {
		if statemachine.IsActive(d.State) {
			return true
		}
	}
	return false
}

func summarize(downloads []Download) Summary {
	var sm Summary
	sm.Total = len(downloads)
	for _, d := range downloads {
		switch {
		case statemachine.IsActive(d.State):
			sm.Active++
		case d.State == statemachine.Queued || d.State == statemachine.Paused:
			sm.Queued++
		case d.State == statemachine.Completed:
			sm.Completed++
		case d.State == statemachine.Failed:
			sm.Failed++
		}
	}
	return sm
}

func (s *Store) listDownloads(ctx context.Context, where string, args ...any) ([]Download, error) {
	query := `SELECT id, title, source_url, save_path, download_path_base, total_bytes,
		downloaded_bytes, state, priority, force_overwrite, queue_position, retry_count,
		last_error, expected_hash, actual_hash, verified, tail_checkpoint_hash,
		tail_checkpoint_size, created_at, started_at, completed_at, updated_at
		FROM downloads ` + where + ` ORDER BY priority DESC, queue_position ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDownload(rows *sql.Rows) (Download, error) {
	var d Download
	var state string
	var forceOverwrite, verified int
	var lastError, expectedHash, actualHash, tailHash sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := rows.Scan(&d.ID, &d.Title, &d.SourceURL, &d.SavePath, &d.DownloadPathBase,
		&d.TotalBytes, &d.DownloadedBytes, &state, &d.Priority, &forceOverwrite,
		&d.QueuePosition, &d.RetryCount, &lastError, &expectedHash, &actualHash,
		&verified, &tailHash, &d.TailChecksumSize, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return d, err
	}

	d.State = statemachine.State(state)
	d.ForceOverwrite = forceOverwrite != 0
	d.Verified = verified != 0
	d.LastError = lastError.String
	d.ExpectedHash = expectedHash.String
	d.ActualHash = actualHash.String
	d.TailChecksumHash = tailHash.String
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		d.CompletedAt = &t
	}
	return d, nil
}

// ListByState returns every download in the given state, ordered by
// priority DESC, queue_position ASC (the same order the QUEUED index
// serves the Scheduler from).
func (s *Store) ListByState(ctx context.Context, state statemachine.State) ([]Download, error) {
	return s.listDownloads(ctx, "WHERE state = ?", string(state))
}

// GetDownload fetches a single download by id.
func (s *Store) GetDownload(ctx context.Context, id int64) (*Download, error) {
	downloads, err := s.listDownloads(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(downloads) == 0 {
		return nil, sql.ErrNoRows
	}
	return &downloads[0], nil
}

// Delete removes a download and its chunks/attempts (cascaded by FK).
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	return err
}

// CreateChunks inserts chunk rows for a download (spec §4.C1 "Chunk
// ops").
func (s *Store) CreateChunks(ctx context.Context, downloadID int64, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (download_id, chunk_index, start_byte, end_byte, downloaded, state)
		VALUES (?, ?, ?, ?, 0, 'PENDING')
		ON CONFLICT(download_id, chunk_index) DO UPDATE SET
			start_byte = excluded.start_byte, end_byte = excluded.end_byte`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, downloadID, c.Index, c.Start, c.End); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetChunks returns all chunks for a download, ordered by index.
func (s *Store) GetChunks(ctx context.Context, downloadID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id, chunk_index, start_byte, end_byte, downloaded, state, hash,
			tail_checkpoint_hash, tail_checkpoint_size
		FROM chunks WHERE download_id = ? ORDER BY chunk_index`, downloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var hash, tailHash sql.NullString
		if err := rows.Scan(&c.DownloadID, &c.Index, &c.Start, &c.End, &c.Downloaded, &c.State, &hash,
			&tailHash, &c.TailChecksumSize); err != nil {
			return nil, err
		}
		c.Hash = hash.String
		c.TailChecksumHash = tailHash.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChunkProgress updates one chunk's downloaded bytes, state,
// and (optionally) hash.
func (s *Store) UpdateChunkProgress(ctx context.Context, downloadID int64, chunkIndex int, downloaded int64, state string, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET downloaded = ?, state = ?, hash = COALESCE(NULLIF(?, ''), hash)
		WHERE download_id = ? AND chunk_index = ?`,
		downloaded, state, hash, downloadID, chunkIndex)
	return err
}

// UpdateChunkTailCheckpoint persists the pause-time tail-hash
// checkpoint for one chunk (spec §4.C11 "saveChunkCheckpointsForPause").
func (s *Store) UpdateChunkTailCheckpoint(ctx context.Context, downloadID int64, chunkIndex int, hash string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET tail_checkpoint_hash = ?, tail_checkpoint_size = ?
		WHERE download_id = ? AND chunk_index = ?`,
		hash, size, downloadID, chunkIndex)
	return err
}

// ClearChunkTailCheckpoint clears a chunk's stored checkpoint after it
// has been consumed on resume.
func (s *Store) ClearChunkTailCheckpoint(ctx context.Context, downloadID int64, chunkIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET tail_checkpoint_hash = NULL, tail_checkpoint_size = 0
		WHERE download_id = ? AND chunk_index = ?`,
		downloadID, chunkIndex)
	return err
}

// DeleteChunks removes all chunk rows for a download.
func (s *Store) DeleteChunks(ctx context.Context, downloadID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE download_id = ?`, downloadID)
	return err
}

// AppendAttempt records a failed/retried attempt (spec §4.C1 "Attempt
// ops: append + query by download").
func (s *Store) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (download_id, chunk_index, category, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.DownloadID, a.ChunkIndex, a.Category, a.Message, time.Now().Unix())
	return err
}

// GetAttempts returns all attempts logged for a download.
func (s *Store) GetAttempts(ctx context.Context, downloadID int64) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, download_id, chunk_index, category, message, occurred_at
		FROM attempts WHERE download_id = ? ORDER BY occurred_at ASC`, downloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var chunkIdx sql.NullInt64
		var occurredAt int64
		if err := rows.Scan(&a.ID, &a.DownloadID, &chunkIdx, &a.Category, &a.Message, &occurredAt); err != nil {
			return nil, err
		}
		if chunkIdx.Valid {
			v := int(chunkIdx.Int64)
			a.ChunkIndex = &v
		}
		a.OccurredAt = time.Unix(occurredAt, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
