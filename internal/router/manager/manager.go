// Package manager owns the set of process pools, the in-pipeline admission
// index, and the periodic maintenance loops (stale-entry cleanup, leak
// detection) that keep the router's in-memory state correct over a
// long-running process.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/mediator"
	poolmetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/pipeline"
	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	// DefaultPoolConcurrency is used for pools created implicitly from a
	// message's pool code when no explicit configuration exists.
	DefaultPoolConcurrency = 20

	// DefaultQueueCapacityMultiplier sizes the default queue relative to
	// concurrency when no explicit queue capacity is configured.
	DefaultQueueCapacityMultiplier = 2

	// MinQueueCapacity floors the computed default queue capacity.
	MinQueueCapacity = 50

	// DefaultPoolCode names the pool used for messages with no pool code.
	DefaultPoolCode = "DEFAULT-POOL"
)

// WarningService records operator-facing warnings surfaced by periodic
// maintenance loops (e.g. leak detection).
type WarningService interface {
	AddWarning(code, level, message, source string)
}

// PoolConfig describes the desired shape of a process pool. Pool
// configuration is static for the lifetime of the process: it is supplied
// once at startup (see ConfigurePools) and mutated only by operator calls to
// UpdatePool, never by a background sync against external state.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// PipelineCleanupConfig controls the periodic sweep of stuck pipeline
// entries: messages admitted into the index but never released because
// their ack/nack was lost.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

// DefaultPipelineCleanupConfig returns the standard cleanup cadence.
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      time.Hour,
	}
}

// LeakDetectionConfig controls the periodic check comparing pipeline index
// size against total pool capacity.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns the standard leak-check cadence.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager owns the process pool set and the pipeline admission index,
// and coordinates the maintenance loops that keep both healthy.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // code -> *pool.ProcessPool, pools draining after removal from config

	pipelineIdx *pipeline.Index
	mediator    *mediator.HTTPMediator
	callback    *MessageCallbackImpl
	poolStats   *poolmetrics.InMemoryPoolMetricsService

	runningMu sync.Mutex
	running   bool

	warningService WarningService

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	leakConfig *LeakDetectionConfig
	leakCtx    context.Context
	leakCancel context.CancelFunc
	leakWg     sync.WaitGroup
}

// NewQueueManager creates a manager with no pools. Pools are created lazily
// by GetOrCreatePool as messages route to pool codes that don't yet exist,
// or eagerly via ConfigurePools at startup.
func NewQueueManager(mediatorCfg *mediator.Config) *QueueManager {
	m := &QueueManager{
		pools:         make(map[string]*pool.ProcessPool),
		pipelineIdx:   pipeline.New(),
		mediator:      mediator.NewHTTPMediator(mediatorCfg),
		cleanupConfig: DefaultPipelineCleanupConfig(),
		leakConfig:    DefaultLeakDetectionConfig(),
		poolStats:     poolmetrics.NewInMemoryPoolMetricsService(),
	}
	m.callback = &MessageCallbackImpl{manager: m}
	return m
}

// WithWarningService wires operator-facing warnings from leak detection.
func (m *QueueManager) WithWarningService(svc WarningService) *QueueManager {
	m.warningService = svc
	return m
}

// WithPipelineCleanup overrides the stale pipeline entry sweep cadence.
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithLeakDetection overrides the leak-check cadence.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakConfig = cfg
	return m
}

// Callback returns the pool.MessageCallback implementation wired to this
// manager, for use when constructing pools outside of GetOrCreatePool.
func (m *QueueManager) Callback() pool.MessageCallback {
	return m.callback
}

// Start begins all enabled maintenance loops.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	m.running = true
	m.runningMu.Unlock()

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
	}

	if m.leakConfig.Enabled {
		m.leakCtx, m.leakCancel = context.WithCancel(context.Background())
		m.leakWg.Add(1)
		go m.runLeakDetection()
	}

	slog.Info("Queue manager started")
}

// Stop cancels all maintenance loops and shuts down every pool.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.leakCancel != nil {
		m.leakCancel()
		m.leakWg.Wait()
	}

	m.poolsMu.Lock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.poolsMu.Unlock()

	for _, p := range pools {
		p.Drain()
		if !p.WaitUntilDrained(30 * time.Second) {
			slog.Warn("Shutdown proceeding with work still queued", "pool", p.GetPoolCode())
		}
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetOrCreatePool returns the existing pool for cfg.Code, creating one with
// cfg's settings if none exists.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.RLock()
	existing, ok := m.pools[cfg.Code]
	m.poolsMu.RUnlock()
	if ok {
		return existing
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if existing, ok := m.pools[cfg.Code]; ok {
		return existing
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = max(concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity)
	}

	p := pool.New(cfg.Code, concurrency, queueCapacity, cfg.RateLimitPerMinute, m.mediator, m.callback)
	p.SetStatsRecorder(m.poolStats)
	p.Start()
	m.pools[cfg.Code] = p

	slog.Info("Created process pool", "pool", cfg.Code, "concurrency", concurrency, "queueCapacity", queueCapacity)
	return p
}

// ConfigurePools creates or updates a pool for every entry in cfgs,
// reconciling them against the currently running set. Pools whose code is
// no longer present in cfgs are drained and removed, except the implicit
// default pool. Intended to be called once at startup with the router's
// static configuration; the router carries no persisted or cross-process
// pool configuration, so there is nothing to resync later.
func (m *QueueManager) ConfigurePools(cfgs []PoolConfig) {
	active := make(map[string]bool, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i]
		active[cfg.Code] = true

		if existing := m.GetPool(cfg.Code); existing != nil {
			m.UpdatePool(&cfg)
			continue
		}
		m.GetOrCreatePool(&cfg)
	}

	m.poolsMu.RLock()
	var toRemove []string
	for code := range m.pools {
		if !active[code] && code != DefaultPoolCode {
			toRemove = append(toRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range toRemove {
		m.drainPool(code)
	}

	slog.Info("Pools configured", "count", len(cfgs), "removed", len(toRemove))
}

// GetPool returns the pool for code, or nil if none exists.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool applies cfg's concurrency and rate limit to an existing pool.
// Returns false if the pool doesn't exist.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	p := m.GetPool(cfg.Code)
	if p == nil {
		return false
	}
	if cfg.Concurrency > 0 {
		p.UpdateConcurrency(cfg.Concurrency, 60*time.Second)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)
	return true
}

// RemovePool drains and removes a pool immediately.
func (m *QueueManager) RemovePool(code string) {
	m.drainPool(code)
}

func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("Draining pool", "pool", code)

	go func() {
		p.Drain()
		if !p.WaitUntilDrained(30 * time.Second) {
			slog.Warn("Pool removal proceeding with work still queued", "pool", code)
		}
		p.Shutdown()
		m.drainingPools.Delete(code)
		m.poolStats.RemovePoolMetrics(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// PipelineSize returns the number of messages currently admitted into the
// pipeline index.
func (m *QueueManager) PipelineSize() int {
	return m.pipelineIdx.Count()
}

// TotalPoolCapacity returns the summed queue capacity across every pool.
func (m *QueueManager) TotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// GetAllPoolStats adapts the monitoring metrics service's pool stats to the
// shape health.InfrastructureHealthService expects, satisfying
// health.PoolMetricsProvider.
func (m *QueueManager) GetAllPoolStats() map[string]*health.PoolStats {
	src := m.poolStats.GetAllPoolStats()
	out := make(map[string]*health.PoolStats, len(src))
	for code, s := range src {
		out[code] = &health.PoolStats{
			PoolCode:                s.PoolCode,
			TotalProcessed:          s.TotalProcessed,
			TotalSucceeded:          s.TotalSucceeded,
			TotalFailed:             s.TotalFailed,
			TotalRateLimited:        s.TotalRateLimited,
			SuccessRate:             s.SuccessRate,
			ActiveWorkers:           s.ActiveWorkers,
			AvailablePermits:        s.AvailablePermits,
			MaxConcurrency:          s.MaxConcurrency,
			QueueSize:               s.QueueSize,
			MaxQueueCapacity:        s.MaxQueueCapacity,
			AverageProcessingTimeMs: s.AverageProcessingTimeMs,
		}
	}
	return out
}

// GetLastActivityTimestamp satisfies health.PoolMetricsProvider.
func (m *QueueManager) GetLastActivityTimestamp(poolCode string) *time.Time {
	return m.poolStats.GetLastActivityTimestamp(poolCode)
}

// PoolStatsService exposes the underlying monitoring metrics service for
// API handlers that need per-pool detail beyond PoolMetricsProvider.
func (m *QueueManager) PoolStatsService() *poolmetrics.InMemoryPoolMetricsService {
	return m.poolStats
}

func (m *QueueManager) isRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return m.running
}

// runPipelineCleanup periodically sweeps pipeline entries stuck past the
// configured TTL, a sign of a lost ack/nack.
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			stale := m.pipelineIdx.Sweep(m.cleanupConfig.TTL)
			if len(stale) > 0 {
				slog.Warn("Cleaned up stale pipeline entries, messages may have been stuck",
					"count", len(stale), "ttl", m.cleanupConfig.TTL)
			}
		}
	}
}

// runLeakDetection periodically checks whether the pipeline index has grown
// past total pool capacity, which indicates messages are not being released
// after processing.
func (m *QueueManager) runLeakDetection() {
	defer m.leakWg.Done()

	ticker := time.NewTicker(m.leakConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakCtx.Done():
			slog.Info("Leak detection stopped")
			return
		case <-ticker.C:
			m.checkForLeaks()
		}
	}
}

func (m *QueueManager) checkForLeaks() {
	if !m.isRunning() {
		return
	}

	pipelineSize := m.pipelineIdx.Count()
	totalCapacity := m.TotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("pipeline index size (%d) exceeds total pool capacity (%d), possible leak", pipelineSize, totalCapacity)
		slog.Warn(message, "pipelineSize", pipelineSize, "totalCapacity", totalCapacity)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_INDEX_LEAK", "WARNING", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}
