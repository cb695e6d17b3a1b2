package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// PoolStats is a point-in-time snapshot of a process pool's throughput,
// capacity, and recent success rate. It is the wire shape the monitoring
// API and the stall-detecting health monitor both read.
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`

	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	SuccessRate5min    float64 `json:"successRate5min"`

	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats returns the zero-activity snapshot for a pool that has not
// processed anything yet.
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService is the recording and query surface a process pool uses
// to report its own throughput and a QueueManager uses to answer monitoring
// and health-check requests across every pool it owns.
type PoolMetricsService interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordRateLimitExceeded(poolCode string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	GetPoolStats(poolCode string) *PoolStats
	GetAllPoolStats() map[string]*PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// poolCounters holds the mutable counters and gauges for one pool.
type poolCounters struct {
	mu sync.RWMutex

	submitted, succeeded, failed, rateLimited, transient int64
	processingTimeMs                                     int64

	activeWorkers, availablePermits, queueSize, groupCount int
	maxConcurrency, maxQueueCapacity                       int

	lastActivity time.Time
	window       rollingWindow
}

// InMemoryPoolMetricsService is the process-local PoolMetricsService
// implementation; the router holds no metrics state across restarts.
type InMemoryPoolMetricsService struct {
	mu     sync.RWMutex
	byPool map[string]*poolCounters
}

// NewInMemoryPoolMetricsService creates an empty pool metrics service.
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{byPool: make(map[string]*poolCounters)}
}

func (s *InMemoryPoolMetricsService) RecordMessageSubmitted(poolCode string) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

// RecordProcessingSuccess records a successful delivery. Success moves the
// pool's last-activity timestamp forward, which is what keeps the stall
// monitor from flagging a healthy, low-traffic pool.
func (s *InMemoryPoolMetricsService) RecordProcessingSuccess(poolCode string, durationMs int64) {
	now := time.Now()
	c := s.counters(poolCode)
	c.mu.Lock()
	c.succeeded++
	c.processingTimeMs += durationMs
	c.lastActivity = now
	c.window.record(true, now)
	c.mu.Unlock()
}

// RecordProcessingFailure records a terminal failure (a response the
// mediator classified as non-retriable). Like success, it counts as
// activity: the pool is doing work, just not succeeding at it.
func (s *InMemoryPoolMetricsService) RecordProcessingFailure(poolCode string, durationMs int64, errorType string) {
	now := time.Now()
	c := s.counters(poolCode)
	c.mu.Lock()
	c.failed++
	c.processingTimeMs += durationMs
	c.lastActivity = now
	c.window.record(false, now)
	c.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) RecordRateLimitExceeded(poolCode string) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// RecordProcessingTransient records a retriable error: mediation ended in
// ERROR_PROCESS after the mediator's own retries, and the message is nacked
// for redelivery. It does NOT update lastActivity: a pool stuck
// retrying against a dead downstream target is exactly the stall case the
// health monitor needs to catch, so a transient failure must not look like
// forward progress.
func (s *InMemoryPoolMetricsService) RecordProcessingTransient(poolCode string, durationMs int64) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.transient++
	c.processingTimeMs += durationMs
	c.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.maxConcurrency = maxConcurrency
	c.maxQueueCapacity = maxQueueCapacity
	c.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	c := s.counters(poolCode)
	c.mu.Lock()
	c.activeWorkers = activeWorkers
	c.availablePermits = availablePermits
	c.queueSize = queueSize
	c.groupCount = messageGroupCount
	c.mu.Unlock()
}

func (s *InMemoryPoolMetricsService) GetPoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	c, ok := s.byPool[poolCode]
	s.mu.RUnlock()
	if !ok {
		return EmptyPoolStats(poolCode)
	}
	return c.snapshot(poolCode)
}

func (s *InMemoryPoolMetricsService) GetAllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*PoolStats, len(s.byPool))
	for code, c := range s.byPool {
		out[code] = c.snapshot(code)
	}
	return out
}

func (s *InMemoryPoolMetricsService) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.RLock()
	c, ok := s.byPool[poolCode]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastActivity.IsZero() {
		return nil
	}
	ts := c.lastActivity
	return &ts
}

func (s *InMemoryPoolMetricsService) RemovePoolMetrics(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPool[poolCode]; ok {
		delete(s.byPool, poolCode)
		slog.Info("removed pool metrics", "pool", poolCode)
	}
}

func (s *InMemoryPoolMetricsService) counters(poolCode string) *poolCounters {
	s.mu.RLock()
	c, ok := s.byPool[poolCode]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byPool[poolCode]; ok {
		return c
	}

	c = &poolCounters{}
	s.byPool[poolCode] = c
	slog.Info("tracking new pool", "pool", poolCode)
	return c
}

func (c *poolCounters) snapshot(poolCode string) *PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.succeeded + c.failed
	avgMs := 0.0
	if total > 0 {
		avgMs = float64(c.processingTimeMs) / float64(total)
	}

	win := c.window.counts(time.Now())

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          total,
		TotalSucceeded:          c.succeeded,
		TotalFailed:             c.failed,
		TotalRateLimited:        c.rateLimited,
		SuccessRate:             successRate(c.succeeded, c.failed),
		ActiveWorkers:           c.activeWorkers,
		AvailablePermits:        c.availablePermits,
		MaxConcurrency:          c.maxConcurrency,
		QueueSize:               c.queueSize,
		MaxQueueCapacity:        c.maxQueueCapacity,
		AverageProcessingTimeMs: avgMs,
		TotalProcessed5min:      win.succeeded5m + win.failed5m,
		Succeeded5min:           win.succeeded5m,
		Failed5min:              win.failed5m,
		SuccessRate5min:         successRate(win.succeeded5m, win.failed5m),
		TotalProcessed30min:     win.succeeded30m + win.failed30m,
		Succeeded30min:          win.succeeded30m,
		Failed30min:             win.failed30m,
		SuccessRate30min:        successRate(win.succeeded30m, win.failed30m),
	}
}
