// Package concurrency implements the Concurrency Controller (spec
// §4.C13): a global chunk-slot counter and a per-host counter, plus an
// optional adaptive evaluator that raises or lowers per-host limits
// from observed throughput/error-rate trends.
//
// Grounded on the teacher's internal/engine/ratelimit.go
// PerHostRateLimiter (the per-host map-of-limiters shape), generalized
// from rate-limiting tokens to weighted chunk-slot semaphores via
// golang.org/x/sync/semaphore — the pack's idiomatic bounded-resource
// primitive (paired with golang.org/x/sync/errgroup in the Chunk
// Downloader's scheduling loop).
package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kilimcininkoroglu/fetchengine/internal/hostmetrics"
)

// Config tunes the Controller (spec §6 "Scheduler"/"Downloads").
type Config struct {
	MaxConcurrent        int64
	MaxConcurrentPerHost int64

	// BaseChunkStartRate is how many new chunk starts per second a
	// single per-host concurrency slot is allowed to open (paces chunk
	// starts, not raw byte throughput — that layer sits outside this
	// engine, per spec). 0 disables pacing.
	BaseChunkStartRate float64
}

type heldSlot struct {
	host      string
	hostSem   *semaphore.Weighted
	globalSem *semaphore.Weighted
}

// Controller enforces the global and per-host concurrency ceilings.
type Controller struct {
	mu sync.Mutex

	global      *semaphore.Weighted
	globalLimit int64

	defaultPerHostLimit int64
	perHostLimits       map[string]int64
	perHostSems         map[string]*semaphore.Weighted

	baseChunkStartRate float64
	perHostLimiters    map[string]*rate.Limiter

	held map[int64][]heldSlot

	turbo bool
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxConcurrentPerHost <= 0 {
		cfg.MaxConcurrentPerHost = 2
	}
	return &Controller{
		global:              semaphore.NewWeighted(cfg.MaxConcurrent),
		globalLimit:         cfg.MaxConcurrent,
		defaultPerHostLimit: cfg.MaxConcurrentPerHost,
		perHostLimits:       make(map[string]int64),
		perHostSems:         make(map[string]*semaphore.Weighted),
		baseChunkStartRate:  cfg.BaseChunkStartRate,
		perHostLimiters:     make(map[string]*rate.Limiter),
		held:                make(map[int64][]heldSlot),
	}
}

// SetTurbo forces global=1, per-host=1 (spec §4.C14 "Turbo mode"),
// or restores the configured limits when disabled. Only affects slots
// acquired after the call.
func (c *Controller) SetTurbo(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turbo = on
	if on {
		c.global = semaphore.NewWeighted(1)
	} else {
		c.global = semaphore.NewWeighted(c.globalLimit)
	}
	c.perHostSems = make(map[string]*semaphore.Weighted)
}

func (c *Controller) hostSemLocked(host string) *semaphore.Weighted {
	sem, ok := c.perHostSems[host]
	if !ok {
		limit := c.defaultPerHostLimit
		if c.turbo {
			limit = 1
		}
		if l, ok := c.perHostLimits[host]; ok && !c.turbo {
			limit = l
		}
		sem = semaphore.NewWeighted(limit)
		c.perHostSems[host] = sem
	}
	return sem
}

func (c *Controller) hostLimiterLocked(host string, limit int64) *rate.Limiter {
	lim, ok := c.perHostLimiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.baseChunkStartRate*float64(limit)), int(limit)+1)
		c.perHostLimiters[host] = lim
	}
	return lim
}

// AcquireChunkSlot implements spec §4.C13's acquireChunkSlot: a
// non-blocking attempt against both the global and per-host ceilings.
// Returns false (no slot held) if either is saturated.
func (c *Controller) AcquireChunkSlot(downloadID int64, host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.global.TryAcquire(1) {
		return false
	}
	hostSem := c.hostSemLocked(host)
	if !hostSem.TryAcquire(1) {
		c.global.Release(1)
		return false
	}

	limit := c.defaultPerHostLimit
	if l, ok := c.perHostLimits[host]; ok {
		limit = l
	}
	if c.baseChunkStartRate > 0 && !c.hostLimiterLocked(host, limit).Allow() {
		hostSem.Release(1)
		c.global.Release(1)
		return false
	}

	c.held[downloadID] = append(c.held[downloadID], heldSlot{host: host, hostSem: hostSem, globalSem: c.global})
	return true
}

// ReleaseChunkSlot releases one previously-acquired slot for host
// under downloadID.
func (c *Controller) ReleaseChunkSlot(downloadID int64, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := c.held[downloadID]
	for i, s := range slots {
		if s.host == host {
			s.hostSem.Release(1)
			s.globalSem.Release(1)
			c.held[downloadID] = append(slots[:i], slots[i+1:]...)
			return
		}
	}
}

// ReleaseAllForDownload releases every slot still held by downloadID
// (spec §4.C13 "All slots tied to a download release when its state
// exits active"), intended to be wired as a statemachine.Hooks.OnExit.
func (c *Controller) ReleaseAllForDownload(downloadID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.held[downloadID] {
		s.hostSem.Release(1)
		s.globalSem.Release(1)
	}
	delete(c.held, downloadID)
}

// HeldCount reports how many slots downloadID currently holds (tests,
// diagnostics).
func (c *Controller) HeldCount(downloadID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held[downloadID])
}

// AdaptiveConfig tunes the evaluator (spec §4.C13 "Adaptive
// concurrency").
type AdaptiveConfig struct {
	EvaluationInterval       time.Duration
	ScaleUpErrorRateMax      float64
	ScaleUpMinThroughputBps  float64
	ScaleUpMinSamples        int64
	ScaleDownErrorRateMin    float64
	ScaleDownTransientRetry  int64
	ThroughputDropThreshold  float64 // fraction, e.g. 0.5 == "dropped by more than 50%"
	Cooldown                 time.Duration
	MinPerHost               int64
	MaxPerHost               int64
}

// DefaultAdaptiveConfig returns sane defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		EvaluationInterval:      30 * time.Second,
		ScaleUpErrorRateMax:     0.05,
		ScaleUpMinThroughputBps: 256 * 1024,
		ScaleUpMinSamples:       5,
		ScaleDownErrorRateMin:   0.2,
		ScaleDownTransientRetry: 3,
		ThroughputDropThreshold: 0.5,
		Cooldown:                time.Minute,
		MinPerHost:              1,
		MaxPerHost:              8,
	}
}

type hostWindow struct {
	lastThroughput float64
	lastChange     time.Time
}

// Evaluator periodically resizes per-host limits from hostmetrics
// samples.
type Evaluator struct {
	ctrl    *Controller
	metrics *hostmetrics.Registry
	cfg     AdaptiveConfig

	mu      sync.Mutex
	windows map[string]*hostWindow
}

// NewEvaluator builds an Evaluator. Call Run in a goroutine.
func NewEvaluator(ctrl *Controller, metrics *hostmetrics.Registry, cfg AdaptiveConfig) *Evaluator {
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = 30 * time.Second
	}
	return &Evaluator{ctrl: ctrl, metrics: metrics, cfg: cfg, windows: make(map[string]*hostWindow)}
}

// Run blocks, evaluating every EvaluationInterval until ctx is done.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll()
		}
	}
}

func (e *Evaluator) evaluateAll() {
	e.ctrl.mu.Lock()
	hosts := make([]string, 0, len(e.ctrl.perHostSems))
	for h := range e.ctrl.perHostSems {
		hosts = append(hosts, h)
	}
	e.ctrl.mu.Unlock()

	for _, host := range hosts {
		e.evaluateHost(host)
	}
}

func (e *Evaluator) evaluateHost(host string) {
	m := e.metrics.Get(host)
	now := time.Now()

	e.mu.Lock()
	w, ok := e.windows[host]
	if !ok {
		w = &hostWindow{lastThroughput: m.AvgSpeedBps, lastChange: now.Add(-e.cfg.Cooldown)}
		e.windows[host] = w
	}
	prevThroughput := w.lastThroughput
	cooledDown := now.Sub(w.lastChange) >= e.cfg.Cooldown
	e.mu.Unlock()

	if !cooledDown {
		return
	}

	errorRate := 0.0
	total := m.CompletedCount + m.TransientRetryCount
	if total > 0 {
		errorRate = float64(m.TransientRetryCount) / float64(total)
	}

	dropped := prevThroughput > 0 && m.AvgSpeedBps < prevThroughput*(1-e.cfg.ThroughputDropThreshold)

	switch {
	case errorRate >= e.cfg.ScaleDownErrorRateMin || m.TransientRetryCount >= e.cfg.ScaleDownTransientRetry || dropped:
		e.resize(host, -1, now)
	case errorRate <= e.cfg.ScaleUpErrorRateMax && m.AvgSpeedBps >= e.cfg.ScaleUpMinThroughputBps &&
		m.CompletedCount >= e.cfg.ScaleUpMinSamples:
		e.resize(host, 1, now)
	}

	e.mu.Lock()
	w.lastThroughput = m.AvgSpeedBps
	e.mu.Unlock()
}

func (e *Evaluator) resize(host string, delta int64, now time.Time) {
	e.ctrl.mu.Lock()
	current, ok := e.ctrl.perHostLimits[host]
	if !ok {
		current = e.ctrl.defaultPerHostLimit
	}
	newLimit := current + delta
	if newLimit < e.cfg.MinPerHost {
		newLimit = e.cfg.MinPerHost
	}
	if newLimit > e.cfg.MaxPerHost {
		newLimit = e.cfg.MaxPerHost
	}
	if newLimit != current {
		e.ctrl.perHostLimits[host] = newLimit
		e.ctrl.perHostSems[host] = semaphore.NewWeighted(newLimit)
		if lim, ok := e.ctrl.perHostLimiters[host]; ok {
			lim.SetLimit(rate.Limit(e.ctrl.baseChunkStartRate * float64(newLimit)))
			lim.SetBurst(int(newLimit) + 1)
		}
	}
	e.ctrl.mu.Unlock()

	e.mu.Lock()
	if w, ok := e.windows[host]; ok {
		w.lastChange = now
	}
	e.mu.Unlock()
}
