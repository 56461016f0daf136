// Package scheduler implements the Scheduler (spec §4.C14): picks the
// next QUEUED download to start, scored by priority, aging, a
// shortest-job-first bias, and a retry penalty, with ties broken by
// queue position. Turbo mode ignores aging/SJF and forces the
// Concurrency Controller down to one in-flight download.
//
// Grounded on the teacher's internal/download/queue.go (slice +
// RWMutex shape, QueueStats-style summary), generalized here from an
// unscored FIFO to the scored selection spec §4.C14 describes.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

// PriorityLowest is the lowest value of the 1..3 priority range (spec
// §3 "priority (1..3)"); aging bonus is multiplied by
// LowPriorityAgingMultiplier for downloads at this priority.
const PriorityLowest = 1

// Config mirrors config.SchedulerConfig (spec §6 "Scheduler").
type Config struct {
	AgingEnabled               bool
	AgingIntervalMs            int64
	MaxAgingBonus              float64
	LowPriorityAgingMultiplier float64
	SJFEnabled                 bool
	SJFWeight                  float64
	SJFTolerancePercent        float64
	RetryPenaltyEnabled        bool
	RetryPenaltyPerRetry       float64
	MaxRetryPenalty            float64
	FreeRetries                int
}

// DefaultConfig mirrors the teacher's config.go defaults for this
// section.
func DefaultConfig() Config {
	return Config{
		AgingEnabled:               true,
		AgingIntervalMs:            30000,
		MaxAgingBonus:              2,
		LowPriorityAgingMultiplier: 2,
		SJFEnabled:                 true,
		SJFWeight:                  0.5,
		SJFTolerancePercent:        20,
		RetryPenaltyEnabled:        true,
		RetryPenaltyPerRetry:       0.25,
		MaxRetryPenalty:            2,
		FreeRetries:                1,
	}
}

// Store is the subset of *statestore.Store the Scheduler needs.
type Store interface {
	ListByState(ctx context.Context, state statemachine.State) ([]statestore.Download, error)
}

// Scheduler selects the next QUEUED download to start.
type Scheduler struct {
	store Store
	cc    *concurrency.Controller
	cfg   Config
	turbo bool
}

// New builds a Scheduler.
func New(store Store, cc *concurrency.Controller, cfg Config) *Scheduler {
	return &Scheduler{store: store, cc: cc, cfg: cfg}
}

// SetTurbo toggles turbo mode: scoring ignores aging and SJF (only
// priority and retry penalty remain), and the Concurrency Controller
// is forced to global=1/per-host=1.
func (s *Scheduler) SetTurbo(on bool) {
	s.turbo = on
	s.cc.SetTurbo(on)
}

// scored pairs a download with its computed score, for stable sorting.
type scored struct {
	d     statestore.Download
	score float64
}

// Next returns the highest-scored QUEUED download, or nil if the
// queue is empty. now is passed in rather than read from time.Now so
// callers control the aging clock (and tests can fake it).
func (s *Scheduler) Next(ctx context.Context, now time.Time) (*statestore.Download, error) {
	queued, err := s.store.ListByState(ctx, statemachine.Queued)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	minSize, maxSize := sjfBounds(queued)

	scoredList := make([]scored, len(queued))
	for i, d := range queued {
		scoredList[i] = scored{d: d, score: s.score(d, now, minSize, maxSize)}
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		if scoredList[i].score != scoredList[j].score {
			return scoredList[i].score > scoredList[j].score
		}
		return scoredList[i].d.QueuePosition < scoredList[j].d.QueuePosition
	})

	winner := scoredList[0].d
	return &winner, nil
}

// score implements spec §4.C14's formula. Turbo mode zeroes aging and
// SJF, leaving priority and retry penalty.
func (s *Scheduler) score(d statestore.Download, now time.Time, minSize, maxSize int64) float64 {
	score := float64(d.Priority)

	if !s.turbo && s.cfg.AgingEnabled {
		score += s.agingBonus(d, now)
	}
	if s.cfg.RetryPenaltyEnabled {
		score -= s.retryPenalty(d)
	}
	if !s.turbo && s.cfg.SJFEnabled {
		score += s.sjfBias(d, minSize, maxSize)
	}
	return score
}

func (s *Scheduler) agingBonus(d statestore.Download, now time.Time) float64 {
	if s.cfg.AgingIntervalMs <= 0 {
		return 0
	}
	elapsedMs := now.Sub(d.CreatedAt).Milliseconds()
	if elapsedMs <= 0 {
		return 0
	}
	bonus := math.Floor(float64(elapsedMs) / float64(s.cfg.AgingIntervalMs))
	if bonus > s.cfg.MaxAgingBonus {
		bonus = s.cfg.MaxAgingBonus
	}
	if d.Priority == PriorityLowest {
		bonus *= s.cfg.LowPriorityAgingMultiplier
	}
	return bonus
}

func (s *Scheduler) retryPenalty(d statestore.Download) float64 {
	over := d.RetryCount - s.cfg.FreeRetries
	if over <= 0 {
		return 0
	}
	penalty := float64(over) * s.cfg.RetryPenaltyPerRetry
	if penalty > s.cfg.MaxRetryPenalty {
		penalty = s.cfg.MaxRetryPenalty
	}
	return penalty
}

// sjfBounds finds the min/max TotalBytes among downloads with a known
// (positive) size. Downloads with an unknown size (0, not yet probed)
// are excluded from the bounds and receive a neutral bias of 0.
func sjfBounds(downloads []statestore.Download) (min, max int64) {
	first := true
	for _, d := range downloads {
		if d.TotalBytes <= 0 {
			continue
		}
		if first {
			min, max = d.TotalBytes, d.TotalBytes
			first = false
			continue
		}
		if d.TotalBytes < min {
			min = d.TotalBytes
		}
		if d.TotalBytes > max {
			max = d.TotalBytes
		}
	}
	return min, max
}

// sjfBias favors smaller downloads: normalizedInverseSize is 1 for the
// smallest queued download and 0 for the largest, scaled by
// sjfWeight. Sizes within sjfTolerancePercent (of the queued size
// span) above the smallest are clipped to the same band and get equal
// bias, since the spec treats "close enough" sizes as a tie left to
// priority/aging/queue position.
func (s *Scheduler) sjfBias(d statestore.Download, minSize, maxSize int64) float64 {
	if d.TotalBytes <= 0 || maxSize <= minSize {
		return 0
	}

	span := float64(maxSize - minSize)
	toleranceSpan := span * (s.cfg.SJFTolerancePercent / 100)
	size := float64(d.TotalBytes)

	// Clip the size into the tolerance band around the minimum before
	// normalizing, so downloads within tolerance of the smallest job
	// are treated as equally "short".
	clipped := size
	if clipped < float64(minSize)+toleranceSpan {
		clipped = float64(minSize) + toleranceSpan
	}

	normalizedInverseSize := 1 - (clipped-float64(minSize))/span
	if normalizedInverseSize < 0 {
		normalizedInverseSize = 0
	}
	return s.cfg.SJFWeight * normalizedInverseSize
}
