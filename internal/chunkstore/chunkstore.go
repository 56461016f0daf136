// Package chunkstore implements the Chunk Store (spec §4.C2): the
// owner of temporary per-chunk files on disk, opaque to the State
// Store beyond the path strings it hands back.
//
// Grounded on the teacher's internal/storage/writer.go (FileWriter's
// preallocate/offset-write/atomic-rename shape), generalized here to
// a directory of per-chunk files rather than one sequential file.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store owns the `<base>/<downloadId>/chunk_<index>` file layout.
type Store struct {
	base string
}

// New returns a Store rooted at base.
func New(base string) *Store {
	return &Store{base: base}
}

// downloadDir returns the per-download directory.
func (s *Store) downloadDir(downloadID int64) string {
	return filepath.Join(s.base, fmt.Sprintf("%d", downloadID))
}

// GetChunkPath returns the deterministic path for one chunk.
func (s *Store) GetChunkPath(downloadID int64, chunkIndex int) string {
	return filepath.Join(s.downloadDir(downloadID), fmt.Sprintf("chunk_%d", chunkIndex))
}

// CreateChunkDir ensures the per-download directory exists.
func (s *Store) CreateChunkDir(downloadID int64) error {
	if err := os.MkdirAll(s.downloadDir(downloadID), 0755); err != nil {
		return fmt.Errorf("creating chunk dir: %w", err)
	}
	return nil
}

// OpenChunkFile opens (creating if needed) a chunk file for
// read/write, preallocating it to size bytes when it is newly
// created, mirroring FileWriter.preallocate.
func (s *Store) OpenChunkFile(downloadID int64, chunkIndex int, size int64) (*os.File, error) {
	if err := s.CreateChunkDir(downloadID); err != nil {
		return nil, err
	}
	path := s.GetChunkPath(downloadID, chunkIndex)

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening chunk file %s: %w", path, err)
	}

	if !existed && size > 0 {
		if _, err := f.Seek(size-1, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Write([]byte{0}); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// DeleteChunk removes one chunk file. Missing files are not an error.
func (s *Store) DeleteChunk(downloadID int64, chunkIndex int) error {
	path := s.GetChunkPath(downloadID, chunkIndex)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk file %s: %w", path, err)
	}
	return nil
}

// DeleteAllChunks removes the entire per-download directory.
func (s *Store) DeleteAllChunks(downloadID int64) error {
	if err := os.RemoveAll(s.downloadDir(downloadID)); err != nil {
		return fmt.Errorf("removing chunk dir: %w", err)
	}
	return nil
}

// ChunkExtent is the expected byte range for one chunk, as the State
// Store records it.
type ChunkExtent struct {
	Index     int
	Start     int64
	End       int64
	Completed bool
}

// ReconcileResult reports what was found during Reconcile.
type ReconcileResult struct {
	Missing   []int // expected-completed chunk files that don't exist
	Mismatched []int // expected-completed chunk files with the wrong size
	Orphaned  []int // on-disk files for indices the State Store doesn't know about
}

// Reconcile compares on-disk chunk files against the extents the
// State Store claims are COMPLETED (spec §4.C2
// "reconcileChunks(downloadId, dbChunks) → {missing, mismatched,
// orphaned}").
func (s *Store) Reconcile(downloadID int64, dbChunks []ChunkExtent) (ReconcileResult, error) {
	var result ReconcileResult

	known := make(map[int]bool, len(dbChunks))
	for _, c := range dbChunks {
		known[c.Index] = true
		if !c.Completed {
			continue
		}
		path := s.GetChunkPath(downloadID, c.Index)
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			result.Missing = append(result.Missing, c.Index)
		case err != nil:
			return result, fmt.Errorf("stat chunk %d: %w", c.Index, err)
		case info.Size() != c.End-c.Start+1:
			result.Mismatched = append(result.Mismatched, c.Index)
		}
	}

	entries, err := os.ReadDir(s.downloadDir(downloadID))
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("reading chunk dir: %w", err)
	}
	for _, entry := range entries {
		var idx int
		if _, err := fmt.Sscanf(entry.Name(), "chunk_%d", &idx); err != nil {
			continue
		}
		if !known[idx] {
			result.Orphaned = append(result.Orphaned, idx)
		}
	}

	return result, nil
}
