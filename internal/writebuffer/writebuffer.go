// Package writebuffer implements the Write Buffer Sizer (spec §4.C9):
// it recommends a stream write high-water-mark sized to the measured
// per-host speed, or a configured default when adaptive sizing is off
// or the host speed is unknown.
package writebuffer

// Band maps a speed ceiling to a recommended buffer size.
type Band struct {
	MaxBps int64
	Size   int64
}

// Config holds the Write Buffer Sizer's tunables (spec §6 "Buffers").
type Config struct {
	Adaptive     bool
	Default      int64 // writeBufferSize / chunkWriteBufferSize
	MinSize      int64
	MaxSize      int64
	Bands        []Band // ascending by MaxBps
}

// DefaultConfig returns reasonable defaults grounded in the same
// speed-band shape as the Chunk Sizer.
func DefaultConfig() Config {
	const KiB = 1 << 10
	const MiB = 1 << 20
	return Config{
		Adaptive: true,
		Default:  64 * KiB,
		MinSize:  16 * KiB,
		MaxSize:  4 * MiB,
		Bands: []Band{
			{512 * KiB, 32 * KiB},
			{2 * MiB, 64 * KiB},
			{10 * MiB, 256 * KiB},
			{50 * MiB, 1 * MiB},
			{1 << 62, 4 * MiB},
		},
	}
}

// Sizer recommends write buffer sizes.
type Sizer struct {
	cfg Config
}

// New builds a Sizer from cfg.
func New(cfg Config) *Sizer { return &Sizer{cfg: cfg} }

// Recommend implements spec §4.C9's recommend(host?, forChunk?) →
// bytes. hostSpeedBps <= 0 means "unknown speed".
func (s *Sizer) Recommend(hostSpeedBps int64) int64 {
	if !s.cfg.Adaptive || hostSpeedBps <= 0 {
		return clamp(s.cfg.Default, s.cfg.MinSize, s.cfg.MaxSize)
	}
	for _, band := range s.cfg.Bands {
		if hostSpeedBps < band.MaxBps {
			return clamp(band.Size, s.cfg.MinSize, s.cfg.MaxSize)
		}
	}
	return clamp(s.cfg.Bands[len(s.cfg.Bands)-1].Size, s.cfg.MinSize, s.cfg.MaxSize)
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
