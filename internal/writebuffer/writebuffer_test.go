package writebuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecommendUnknownSpeedUsesDefault(t *testing.T) {
	s := New(DefaultConfig())
	require.Equal(t, DefaultConfig().Default, s.Recommend(0))
}

func TestRecommendAdaptiveBand(t *testing.T) {
	s := New(DefaultConfig())
	got := s.Recommend(1 << 20) // 1 MiB/s -> falls in <2MiB band -> 64KiB
	require.EqualValues(t, 64*1024, got)
}

func TestRecommendClampedWhenNotAdaptive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adaptive = false
	s := New(cfg)
	require.Equal(t, cfg.Default, s.Recommend(100<<20))
}
