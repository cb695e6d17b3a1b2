package health

import (
	"sync"
	"time"
)

// HealthStatusService aggregates infrastructure health, broker connectivity,
// pool stats, circuit breaker state, warnings, and queue stats into one
// HealthStatus DTO for the monitoring API.
type HealthStatusService struct {
	mu sync.RWMutex

	startTime   time.Time
	infra       *InfrastructureHealthService
	broker      *BrokerHealthService
	poolMetrics PoolMetricsProvider

	circuitBreakers CircuitBreakerGetter
	warnings        WarningGetter
	queueStats      QueueStatsGetter
}

// CircuitBreakerGetter exposes circuit breaker state for the health summary.
type CircuitBreakerGetter interface {
	GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats
	GetOpenCircuitBreakerCount() int
}

// WarningGetter exposes recorded warnings for the health summary.
type WarningGetter interface {
	GetUnacknowledgedWarnings() []*Warning
	GetAllWarnings() []*Warning
}

// QueueStatsGetter exposes aggregate queue-source backlog and throughput.
type QueueStatsGetter interface {
	GetAllQueueStats() map[string]*QueueStats
	GetTotalQueueDepth() int64
	GetThroughput() float64
}

// NewHealthStatusService creates a status service over the two mandatory
// dependencies; circuit breaker, warning, and queue-stats sources are
// optional and attached afterward with the With* setters.
func NewHealthStatusService(infra *InfrastructureHealthService, broker *BrokerHealthService, poolMetrics PoolMetricsProvider) *HealthStatusService {
	return &HealthStatusService{
		startTime:   time.Now(),
		infra:       infra,
		broker:      broker,
		poolMetrics: poolMetrics,
	}
}

func (s *HealthStatusService) SetCircuitBreakerGetter(g CircuitBreakerGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitBreakers = g
}

func (s *HealthStatusService) SetWarningGetter(g WarningGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = g
}

func (s *HealthStatusService) SetQueueStatsGetter(g QueueStatsGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueStats = g
}

// GetHealthStatus builds a fresh HealthStatus snapshot, running a new
// infrastructure health check as it goes.
func (s *HealthStatusService) GetHealthStatus() *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		Status:                  "UNKNOWN",
		UpSince:                 s.startTime,
		LastInfrastructureCheck: time.Now(),
	}

	if s.infra != nil {
		infraHealth := s.infra.CheckHealth()
		status.InfrastructureHealth = healthLabel(infraHealth.Healthy)
		status.LastInfrastructureCheck = s.infra.GetLastHealthCheck()
	}

	if s.broker != nil {
		status.BrokerType = string(s.broker.SourceType())
		status.BrokerConnected = s.broker.IsAvailable()
	}

	if s.poolMetrics != nil {
		s.applyPoolSummary(status)
	}

	if s.circuitBreakers != nil {
		status.CircuitBreakersOpen = s.circuitBreakers.GetOpenCircuitBreakerCount()
	}

	if s.warnings != nil {
		status.UnacknowledgedWarnings = len(s.warnings.GetUnacknowledgedWarnings())
	}

	if s.queueStats != nil {
		status.CurrentQueueDepth = s.queueStats.GetTotalQueueDepth()
		status.Throughput = s.queueStats.GetThroughput()
	}

	status.Status = overallStatus(status)
	return status
}

// applyPoolSummary folds every pool's stats into the aggregate totals and
// builds the per-pool PoolHealth breakdown, classifying a pool as STALLED
// using the same threshold the infrastructure check applies.
func (s *HealthStatusService) applyPoolSummary(status *HealthStatus) {
	stallThreshold := DefaultStallThreshold
	if s.infra != nil {
		stallThreshold = s.infra.StallThreshold()
	}

	poolStats := s.poolMetrics.GetAllPoolStats()
	status.ActivePoolCount = len(poolStats)

	var processed, succeeded, failed int64
	var activeWorkers int
	poolHealth := make([]PoolHealth, 0, len(poolStats))

	for poolCode, stats := range poolStats {
		processed += stats.TotalProcessed
		succeeded += stats.TotalSucceeded
		failed += stats.TotalFailed
		activeWorkers += stats.ActiveWorkers

		ph := PoolHealth{
			PoolCode:      poolCode,
			Status:        "HEALTHY",
			ActiveWorkers: stats.ActiveWorkers,
			QueueSize:     stats.QueueSize,
		}
		if lastActivity := s.poolMetrics.GetLastActivityTimestamp(poolCode); lastActivity != nil {
			ph.LastActivityAt = *lastActivity
			if time.Since(*lastActivity) > stallThreshold {
				ph.Status = "STALLED"
			}
		}
		poolHealth = append(poolHealth, ph)
	}

	status.TotalMessagesProcessed = processed
	status.TotalMessagesSucceeded = succeeded
	status.TotalMessagesFailed = failed
	status.TotalActiveWorkers = activeWorkers
	status.PoolHealth = poolHealth
	status.OverallSuccessRate = successRate(succeeded, failed)
}

func healthLabel(healthy bool) string {
	if healthy {
		return "HEALTHY"
	}
	return "UNHEALTHY"
}

// overallStatus folds infrastructure, broker, and circuit breaker state into
// a single traffic-light summary: an open circuit breaker degrades service
// without making the router itself unhealthy.
func overallStatus(status *HealthStatus) string {
	if status.InfrastructureHealth != "HEALTHY" || !status.BrokerConnected {
		return "UNHEALTHY"
	}
	if status.CircuitBreakersOpen > 0 {
		return "DEGRADED"
	}
	return "HEALTHY"
}

func successRate(succeeded, failed int64) float64 {
	total := succeeded + failed
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total)
}

// GetUptime returns how long this service has been running.
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
