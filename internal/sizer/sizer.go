// Package sizer implements the Chunk Sizer (spec §4.C8): a range
// planner producing a tiling of [0, totalBytes) either from static
// size bands or from measured per-host speed.
package sizer

import "fmt"

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of bytes in r.
func (r Range) Size() int64 { return r.End - r.Start + 1 }

// Config holds the Chunk Sizer's tunables, all named in spec §6.
type Config struct {
	SizeThreshold int64 // below this, single range
	MinChunkSize  int64
	MaxChunkSize  int64
	MinChunks     int
	MaxChunks     int
	MinSamples    int // adaptive: minimum samples before trusting measuredSpeed

	// Static bands (used when measuredSpeed unavailable or insufficient samples)
	MediumBandMax   int64 // 500 MiB
	MediumTarget    int64 // 8 MiB
	MediumMinChunks int
	MediumMaxChunks int
	LargeTarget     int64 // 32 MiB
	LargeMinChunks  int
	LargeMaxChunks  int

	// Adaptive speed bands: ordered ascending by threshold bytes/sec.
	SpeedBands []SpeedBand
}

// SpeedBand maps a speed ceiling to a target chunk size.
type SpeedBand struct {
	MaxBps     int64 // this band applies when measured speed < MaxBps
	TargetSize int64
}

// DefaultConfig returns the spec §4.C8 defaults.
func DefaultConfig() Config {
	const MiB = 1 << 20
	return Config{
		SizeThreshold:   50 * MiB,
		MinChunkSize:    1 * MiB,
		MaxChunkSize:    64 * MiB,
		MinChunks:       1,
		MaxChunks:       16,
		MinSamples:      2,
		MediumBandMax:   500 * MiB,
		MediumTarget:    8 * MiB,
		MediumMinChunks: 4,
		MediumMaxChunks: 8,
		LargeTarget:     32 * MiB,
		LargeMinChunks:  8,
		LargeMaxChunks:  16,
		SpeedBands: []SpeedBand{
			{512 * 1024, 4 * MiB},
			{2 * MiB, 8 * MiB},
			{10 * MiB, 16 * MiB},
			{50 * MiB, 32 * MiB},
			{1 << 62, 64 * MiB}, // else band
		},
	}
}

// Sizer plans chunk ranges.
type Sizer struct {
	cfg Config
}

// New builds a Sizer from cfg.
func New(cfg Config) *Sizer { return &Sizer{cfg: cfg} }

// PlanChunks implements spec §4.C8's planChunks operation.
func (s *Sizer) PlanChunks(totalBytes int64, measuredSpeedBps int64, samples int) ([]Range, error) {
	if totalBytes <= 0 {
		return nil, fmt.Errorf("totalBytes must be positive, got %d", totalBytes)
	}

	if totalBytes < s.cfg.SizeThreshold {
		return []Range{{Start: 0, End: totalBytes - 1}}, nil
	}

	var target int64
	var minChunks, maxChunks int

	if measuredSpeedBps > 0 && samples >= s.cfg.MinSamples {
		target = s.targetForSpeed(measuredSpeedBps)
		minChunks, maxChunks = s.cfg.MinChunks, s.cfg.MaxChunks
	} else if totalBytes <= s.cfg.MediumBandMax {
		target = s.cfg.MediumTarget
		minChunks, maxChunks = s.cfg.MediumMinChunks, s.cfg.MediumMaxChunks
	} else {
		target = s.cfg.LargeTarget
		minChunks, maxChunks = s.cfg.LargeMinChunks, s.cfg.LargeMaxChunks
	}

	if target < s.cfg.MinChunkSize {
		target = s.cfg.MinChunkSize
	}
	if target > s.cfg.MaxChunkSize {
		target = s.cfg.MaxChunkSize
	}

	count := int(ceilDiv(totalBytes, target))
	if count < minChunks {
		count = minChunks
	}
	if count > maxChunks {
		count = maxChunks
	}
	if count > s.cfg.MaxChunks {
		count = s.cfg.MaxChunks
	}
	if count < 1 {
		count = 1
	}

	return tile(totalBytes, count), nil
}

func (s *Sizer) targetForSpeed(speed int64) int64 {
	for _, band := range s.cfg.SpeedBands {
		if speed < band.MaxBps {
			return band.TargetSize
		}
	}
	return s.cfg.SpeedBands[len(s.cfg.SpeedBands)-1].TargetSize
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// tile splits [0,totalBytes) into count contiguous ranges of
// ceil(totalBytes/count), with the last chunk absorbing the
// remainder so the ranges always tile exactly.
func tile(totalBytes int64, count int) []Range {
	chunkSize := ceilDiv(totalBytes, int64(count))
	ranges := make([]Range, 0, count)
	start := int64(0)
	for start < totalBytes {
		end := start + chunkSize - 1
		if end >= totalBytes {
			end = totalBytes - 1
		}
		ranges = append(ranges, Range{Start: start, End: end})
		start = end + 1
	}
	return ranges
}
