package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/statemachine"
	"github.com/kilimcininkoroglu/fetchengine/internal/statestore"
)

type fakeStore struct {
	downloads []statestore.Download
}

func (f *fakeStore) ListByState(ctx context.Context, state statemachine.State) ([]statestore.Download, error) {
	var out []statestore.Download
	for _, d := range f.downloads {
		if d.State == state {
			out = append(out, d)
		}
	}
	return out, nil
}

func newController() *concurrency.Controller {
	return concurrency.New(concurrency.Config{MaxConcurrent: 8, MaxConcurrentPerHost: 4})
}

func TestNextReturnsNilWhenQueueEmpty(t *testing.T) {
	s := New(&fakeStore{}, newController(), DefaultConfig())
	d, err := s.Next(context.Background(), time.Now())
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestNextPrefersHigherPriority(t *testing.T) {
	now := time.Now()
	store := &fakeStore{downloads: []statestore.Download{
		{ID: 1, State: statemachine.Queued, Priority: 1, CreatedAt: now, TotalBytes: 1000},
		{ID: 2, State: statemachine.Queued, Priority: 3, CreatedAt: now, TotalBytes: 1000},
	}}
	s := New(store, newController(), DefaultConfig())
	d, err := s.Next(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.ID, "expected download 2 (higher priority)")
}

func TestNextBreaksTiesByQueuePosition(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.AgingEnabled = false
	cfg.SJFEnabled = false
	cfg.RetryPenaltyEnabled = false
	store := &fakeStore{downloads: []statestore.Download{
		{ID: 1, State: statemachine.Queued, Priority: 2, CreatedAt: now, QueuePosition: 5},
		{ID: 2, State: statemachine.Queued, Priority: 2, CreatedAt: now, QueuePosition: 1},
	}}
	s := New(store, newController(), cfg)
	d, err := s.Next(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.ID, "expected download 2 (earlier queue position)")
}

func TestAgingBonusFavorsOlderLowPriorityDownload(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.SJFEnabled = false
	cfg.RetryPenaltyEnabled = false
	store := &fakeStore{downloads: []statestore.Download{
		// Low priority but created long ago: aging (with the low-priority
		// multiplier) should let it overtake a fresher higher-priority one.
		{ID: 1, State: statemachine.Queued, Priority: PriorityLowest, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: 2, State: statemachine.Queued, Priority: PriorityLowest + 1, CreatedAt: now},
	}}
	s := New(store, newController(), cfg)
	d, err := s.Next(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 1, d.ID, "expected aged download 1 to win")
}

func TestAgingBonusIsCapped(t *testing.T) {
	cfg := DefaultConfig()
	s := New(&fakeStore{}, newController(), cfg)
	d := statestore.Download{Priority: 2, CreatedAt: time.Now().Add(-time.Hour)}
	bonus := s.agingBonus(d, time.Now())
	require.Equal(t, cfg.MaxAgingBonus, bonus, "agingBonus should be capped")
}

func TestRetryPenaltyIsCappedAndFreeRetriesExempt(t *testing.T) {
	cfg := DefaultConfig()
	s := New(&fakeStore{}, newController(), cfg)

	exempt := statestore.Download{RetryCount: cfg.FreeRetries}
	require.Zero(t, s.retryPenalty(exempt), "retryPenalty within free retries")

	heavy := statestore.Download{RetryCount: cfg.FreeRetries + 100}
	require.Equal(t, cfg.MaxRetryPenalty, s.retryPenalty(heavy), "retryPenalty should be capped")
}

func TestSJFBiasFavorsSmallerDownload(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.AgingEnabled = false
	cfg.RetryPenaltyEnabled = false
	cfg.SJFTolerancePercent = 0
	store := &fakeStore{downloads: []statestore.Download{
		{ID: 1, State: statemachine.Queued, Priority: 2, CreatedAt: now, TotalBytes: 10_000_000},
		{ID: 2, State: statemachine.Queued, Priority: 2, CreatedAt: now, TotalBytes: 1_000},
	}}
	s := New(store, newController(), cfg)
	d, err := s.Next(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.ID, "expected smaller download 2 to win via SJF bias")
}

func TestSJFBiasWithinToleranceIsNeutral(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SJFTolerancePercent = 100
	s := New(&fakeStore{}, newController(), cfg)
	// Tolerance spans the whole range, so both ends clip to 0 bias.
	require.Zero(t, s.sjfBias(statestore.Download{TotalBytes: 1000}, 1000, 2000), "sjfBias under full tolerance")
}

func TestTurboModeIgnoresAgingAndSJF(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.RetryPenaltyEnabled = false
	store := &fakeStore{downloads: []statestore.Download{
		// Without turbo, this aged low-priority download would win (as in
		// TestAgingBonusFavorsOlderLowPriorityDownload). Turbo must ignore
		// aging and SJF, leaving pure priority to decide.
		{ID: 1, State: statemachine.Queued, Priority: PriorityLowest, CreatedAt: now.Add(-10 * time.Minute), TotalBytes: 1},
		{ID: 2, State: statemachine.Queued, Priority: PriorityLowest + 1, CreatedAt: now, TotalBytes: 10_000_000},
	}}
	s := New(store, newController(), cfg)
	s.SetTurbo(true)

	d, err := s.Next(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.ID, "expected higher-priority download 2 to win under turbo")
}

func TestSetTurboForcesConcurrencyControllerToSingleSlot(t *testing.T) {
	cc := newController()
	s := New(&fakeStore{}, cc, DefaultConfig())
	s.SetTurbo(true)

	require.True(t, cc.AcquireChunkSlot(1, "example.com"), "expected first slot to be acquirable under turbo")
	require.False(t, cc.AcquireChunkSlot(2, "example.com"), "expected turbo mode to cap per-host slots at 1")
	require.False(t, cc.AcquireChunkSlot(1, "other.com"), "expected turbo mode to cap global slots at 1")
}
