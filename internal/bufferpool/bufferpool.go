// Package bufferpool implements the Buffer Pool (spec §4.C3): a
// fixed-size LIFO buffer recycler bounded by maxPooled, with hit-rate
// stats sync.Pool cannot report (it makes no size or capacity
// guarantee and exposes no statistics), so a hand-rolled slice-backed
// stack is used instead. Shape grounded on the mutex-guarded struct
// idiom of the teacher's internal/storage/writer.go FileWriter.
package bufferpool

import "sync"

// Stats reports hit-rate information.
type Stats struct {
	Reuses         int64
	Misses         int64
	AvailableCount int
}

// HitRate returns reuses / (reuses + misses), or 0 if there have been
// no acquisitions yet.
func (s Stats) HitRate() float64 {
	total := s.Reuses + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Reuses) / float64(total)
}

// Pool is a fixed-size LIFO buffer recycler.
type Pool struct {
	mu         sync.Mutex
	bufferSize int
	maxPooled  int
	available  [][]byte
	reuses     int64
	misses     int64
}

// New creates a Pool of buffers sized bufferSize, capped at maxPooled
// pooled buffers. If preAllocate, maxPooled buffers are allocated
// up front.
func New(bufferSize, maxPooled int, preAllocate bool) *Pool {
	p := &Pool{
		bufferSize: bufferSize,
		maxPooled:  maxPooled,
		available:  make([][]byte, 0, maxPooled),
	}
	if preAllocate {
		for i := 0; i < maxPooled; i++ {
			p.available = append(p.available, make([]byte, bufferSize))
		}
	}
	return p
}

// Acquire returns a buffer of exactly bufferSize, reused from the pool
// when available, freshly allocated otherwise.
func (p *Pool) Acquire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.available)
	if n > 0 {
		buf := p.available[n-1]
		p.available = p.available[:n-1]
		p.reuses++
		return buf
	}
	p.misses++
	return make([]byte, p.bufferSize)
}

// AcquireFor returns a pooled buffer if requested <= bufferSize,
// otherwise a one-shot buffer that must not be passed to Release.
func (p *Pool) AcquireFor(requested int) (buf []byte, pooled bool) {
	if requested <= p.bufferSize {
		return p.Acquire(), true
	}
	return make([]byte, requested), false
}

// Release returns buf to the pool. Buffers of the wrong size are
// ignored (dropped); buffers are discarded once the pool is full.
func (p *Pool) Release(buf []byte) {
	if len(buf) != p.bufferSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) >= p.maxPooled {
		return
	}
	p.available = append(p.available, buf[:p.bufferSize])
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Reuses:         p.reuses,
		Misses:         p.misses,
		AvailableCount: len(p.available),
	}
}

// BufferSize returns the configured buffer size.
func (p *Pool) BufferSize() int { return p.bufferSize }
