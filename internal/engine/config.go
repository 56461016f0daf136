package engine

import (
	"fmt"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/assembler"
	"github.com/kilimcininkoroglu/fetchengine/internal/bufferpool"
	"github.com/kilimcininkoroglu/fetchengine/internal/chunkdownload"
	"github.com/kilimcininkoroglu/fetchengine/internal/concurrency"
	"github.com/kilimcininkoroglu/fetchengine/internal/config"
	"github.com/kilimcininkoroglu/fetchengine/internal/retry"
	"github.com/kilimcininkoroglu/fetchengine/internal/scheduler"
	"github.com/kilimcininkoroglu/fetchengine/internal/sizer"
	"github.com/kilimcininkoroglu/fetchengine/internal/writebuffer"
)

// buildSizerConfig translates the user-facing size strings in
// cfg.Chunking into the Adaptive Sizer's byte-typed Config, leaving
// every band subdivision and speed band the §4.C8 defaults provide
// (the finite config struct exposes only the size/count knobs spec §6
// documents; the rest is Adaptive Sizer's own tuning).
func buildSizerConfig(cc config.ChunkingConfig) (sizer.Config, error) {
	sc := sizer.DefaultConfig()

	threshold, err := config.ParseSize(cc.SizeThreshold)
	if err != nil {
		return sizer.Config{}, fmt.Errorf("chunking.size_threshold: %w", err)
	}
	sc.SizeThreshold = threshold

	if cc.MinChunks > 0 {
		sc.MinChunks = cc.MinChunks
	}
	if cc.MaxChunks > 0 {
		sc.MaxChunks = cc.MaxChunks
	}

	if medium, err := config.ParseSize(cc.MediumBand); err != nil {
		return sizer.Config{}, fmt.Errorf("chunking.medium_band_target: %w", err)
	} else if medium > 0 {
		sc.MediumTarget = medium
	}
	if large, err := config.ParseSize(cc.LargeBand); err != nil {
		return sizer.Config{}, fmt.Errorf("chunking.large_band_target: %w", err)
	} else if large > 0 {
		sc.LargeTarget = large
	}

	if cc.Adaptive.MinSamples > 0 {
		sc.MinSamples = cc.Adaptive.MinSamples
	}
	if minSize, err := config.ParseSize(cc.Adaptive.MinChunkSize); err != nil {
		return sizer.Config{}, fmt.Errorf("chunking.adaptive.min_chunk_size: %w", err)
	} else if minSize > 0 {
		sc.MinChunkSize = minSize
	}
	if maxSize, err := config.ParseSize(cc.Adaptive.MaxChunkSize); err != nil {
		return sizer.Config{}, fmt.Errorf("chunking.adaptive.max_chunk_size: %w", err)
	} else if maxSize > 0 {
		sc.MaxChunkSize = maxSize
	}

	return sc, nil
}

// buildBufferPoolParams translates the Buffer Pool's config section
// into New's (bufferSize, maxPooled, preAllocate) positional form.
func buildBufferPoolParams(bp config.BufferPoolConfig) (size, maxPooled int, preAllocate bool, err error) {
	sz, err := config.ParseSize(bp.BufferSize)
	if err != nil {
		return 0, 0, false, fmt.Errorf("buffers.buffer_pool.buffer_size: %w", err)
	}
	if sz <= 0 {
		sz = 64 << 10
	}
	maxPooled = bp.MaxPooled
	if maxPooled <= 0 {
		maxPooled = 32
	}
	return int(sz), maxPooled, bp.PreAllocate, nil
}

// buildWriteBufferConfig translates the Write Buffer Sizer's config
// section, keeping the §4.C9 speed bands at their defaults (not
// individually exposed in the finite config struct).
func buildWriteBufferConfig(bc config.BuffersConfig) (writebuffer.Config, error) {
	wc := writebuffer.DefaultConfig()
	wc.Adaptive = bc.Adaptive
	if def, err := config.ParseSize(bc.DefaultWriteBuffer); err != nil {
		return writebuffer.Config{}, fmt.Errorf("buffers.default_write_buffer: %w", err)
	} else if def > 0 {
		wc.Default = def
	}
	return wc, nil
}

// buildConcurrencyConfig maps the downloads section's concurrency
// knobs onto the Concurrency Controller's config.
func buildConcurrencyConfig(dc config.DownloadsConfig) concurrency.Config {
	return concurrency.Config{
		MaxConcurrent:        int64(dc.MaxConcurrent),
		MaxConcurrentPerHost: int64(dc.MaxConcurrentPerHost),
		BaseChunkStartRate:   2,
	}
}

// buildSchedulerConfig maps field-for-field onto scheduler.Config; the
// two structs were deliberately kept in lockstep so this is a pure
// conversion, no defaulting logic duplicated here.
func buildSchedulerConfig(sc config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		AgingEnabled:               sc.AgingEnabled,
		AgingIntervalMs:            sc.AgingIntervalMs,
		MaxAgingBonus:              sc.MaxAgingBonus,
		LowPriorityAgingMultiplier: sc.LowPriorityAgingMultiplier,
		SJFEnabled:                 sc.SJFEnabled,
		SJFWeight:                  sc.SJFWeight,
		SJFTolerancePercent:        sc.SJFTolerancePercent,
		RetryPenaltyEnabled:        sc.RetryPenaltyEnabled,
		RetryPenaltyPerRetry:       sc.RetryPenaltyPerRetry,
		MaxRetryPenalty:            sc.MaxRetryPenalty,
		FreeRetries:                sc.FreeRetries,
	}
}

// buildChunkDownloadConfig maps the downloads section's retry/timeout
// knobs onto the Chunk Downloader's config.
func buildChunkDownloadConfig(dc config.DownloadsConfig) chunkdownload.Config {
	cfg := chunkdownload.DefaultConfig()
	if dc.MaxChunkRetries > 0 {
		cfg.MaxChunkRetries = dc.MaxChunkRetries
	}
	if dc.ChunkOperationTimeoutMinutes > 0 {
		cfg.ChunkOperationTimeout = time.Duration(dc.ChunkOperationTimeoutMinutes) * time.Minute
	}
	return cfg
}

// buildClassifier starts from the built-in retry profiles and applies
// any per-category overrides from the config file (spec §6 "Retry
// profiles per category").
func buildClassifier(rc config.RetryConfig) *retry.Classifier {
	c := retry.NewClassifier()
	for cat, override := range rc.Overrides {
		profile, ok := c.Profiles[retry.Category(cat)]
		if !ok {
			continue
		}
		if override.BaseDelayMs != nil {
			profile.BaseDelayMs = *override.BaseDelayMs
		}
		if override.MaxDelayMs != nil {
			profile.MaxDelayMs = *override.MaxDelayMs
		}
		if override.GrowthFactor != nil {
			profile.GrowthFactor = *override.GrowthFactor
		}
		if override.JitterFactor != nil {
			profile.JitterFactor = *override.JitterFactor
		}
		c.Profiles[retry.Category(cat)] = profile
	}
	return c
}

// buildAssemblerConfig uses the File Assembler's §4.C12 defaults
// directly — the post-hoc read/flush sizes aren't exposed in the
// finite config struct.
func buildAssemblerConfig() assembler.Config {
	return assembler.DefaultConfig()
}
