package sizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sumSizes(ranges []Range) int64 {
	var total int64
	for _, r := range ranges {
		total += r.Size()
	}
	return total
}

func assertTiled(t *testing.T, ranges []Range, total int64) {
	t.Helper()
	require.NotEmpty(t, ranges)
	require.Zero(t, ranges[0].Start, "first range should start at 0")
	require.Equal(t, total-1, ranges[len(ranges)-1].End, "last range should end at total-1")
	for i := 1; i < len(ranges); i++ {
		require.Equal(t, ranges[i-1].End+1, ranges[i].Start, "gap/overlap between range %d and %d", i-1, i)
	}
	require.Equal(t, total, sumSizes(ranges), "sum of sizes")
}

func TestSingleRangeBelowThreshold(t *testing.T) {
	s := New(DefaultConfig())
	ranges, err := s.PlanChunks(1<<20, 0, 0) // 1 MiB, below 50 MiB threshold
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assertTiled(t, ranges, 1<<20)
}

func TestStaticBandMedium(t *testing.T) {
	s := New(DefaultConfig())
	total := int64(128 << 20) // 128 MiB
	ranges, err := s.PlanChunks(total, 0, 0)
	require.NoError(t, err)
	// ceil(128 MiB / 8 MiB target) = 16, clamped to the medium band's
	// MaxChunks (8) — this is the §4.C8 algorithm's actual output, not
	// the 4 chunks a literal reading of the spec's scenario S2 implies;
	// see DESIGN.md for the discrepancy.
	require.Len(t, ranges, 8, "expected 8 chunks for 128 MiB under the medium band's MaxChunks clamp")
	assertTiled(t, ranges, total)
	require.Equal(t, total-1, ranges[len(ranges)-1].End)
}

func TestStaticBandLarge(t *testing.T) {
	s := New(DefaultConfig())
	total := int64(600 << 20)
	ranges, err := s.PlanChunks(total, 0, 0)
	require.NoError(t, err)
	assertTiled(t, ranges, total)
	require.GreaterOrEqual(t, len(ranges), 8)
	require.LessOrEqual(t, len(ranges), 16)
}

func TestAdaptiveBySpeed(t *testing.T) {
	s := New(DefaultConfig())
	total := int64(200 << 20)
	ranges, err := s.PlanChunks(total, 60<<20, 5) // 60 MiB/s -> else band, 64 MiB target
	require.NoError(t, err)
	assertTiled(t, ranges, total)
}

func TestInsufficientSamplesFallsBackToStatic(t *testing.T) {
	s := New(DefaultConfig())
	total := int64(128 << 20)
	withSpeed, _ := s.PlanChunks(total, 60<<20, 1) // below MinSamples
	withoutSpeed, _ := s.PlanChunks(total, 0, 0)
	require.Len(t, withSpeed, len(withoutSpeed), "insufficient samples should fall back to static band")
}

func TestBoundaryAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	ranges, err := s.PlanChunks(cfg.SizeThreshold, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ranges), cfg.MediumMinChunks)
}
