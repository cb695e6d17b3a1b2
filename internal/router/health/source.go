package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/queue"
)

// SourceConnectivityChecker performs broker-specific connectivity checks for
// the queue source the router is configured against.
type SourceConnectivityChecker interface {
	CheckConnectivity(ctx context.Context) error
	CheckQueueAccessible(ctx context.Context, queueName string) error
}

// BrokerHealthService tracks connectivity to the configured queue source
// (embedded NATS, external NATS, or SQS) so the monitoring API and
// HealthStatusService can report it without touching the consumer directly.
type BrokerHealthService struct {
	mu sync.RWMutex

	enabled    bool
	sourceType queue.QueueType
	checker    SourceConnectivityChecker
	lastCheck  time.Time
	lastResult bool
	lastIssues []string

	attempts, successes, failures int64
	available                     atomic.Int32
}

// NewBrokerHealthService creates a broker health service for the given queue
// source type. An embedded source is always considered available since it
// has no external dependency to fail.
func NewBrokerHealthService(enabled bool, sourceType queue.QueueType, checker SourceConnectivityChecker) *BrokerHealthService {
	svc := &BrokerHealthService{enabled: enabled, sourceType: sourceType, checker: checker}
	if sourceType == queue.QueueTypeEmbedded {
		svc.available.Store(1)
	}
	return svc
}

// CheckBrokerConnectivity runs a connectivity probe and returns any issues
// found (empty if healthy).
func (s *BrokerHealthService) CheckBrokerConnectivity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	atomic.AddInt64(&s.attempts, 1)
	s.lastCheck = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var issues []string
	connected := s.probe(ctx, &issues)

	if connected {
		atomic.AddInt64(&s.successes, 1)
		s.available.Store(1)
	} else {
		atomic.AddInt64(&s.failures, 1)
		s.available.Store(0)
	}

	s.lastResult = connected
	s.lastIssues = issues
	return issues
}

func (s *BrokerHealthService) probe(ctx context.Context, issues *[]string) bool {
	if s.sourceType == queue.QueueTypeEmbedded {
		return true
	}
	if s.checker == nil {
		*issues = append(*issues, fmt.Sprintf("%s source checker not configured", s.sourceType))
		return false
	}
	if err := s.checker.CheckConnectivity(ctx); err != nil {
		slog.Error("queue source connectivity check failed", "error", err, "sourceType", s.sourceType)
		*issues = append(*issues, fmt.Sprintf("%s connectivity check failed: %v", s.sourceType, err))
		return false
	}
	return true
}

// CheckQueueAccessible probes a single queue/subject rather than the broker
// as a whole.
func (s *BrokerHealthService) CheckQueueAccessible(queueName string) []string {
	if !s.enabled || s.checker == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.checker.CheckQueueAccessible(ctx, queueName); err != nil {
		return []string{fmt.Sprintf("cannot access queue %q: %v", queueName, err)}
	}
	return nil
}

// SourceType returns the configured queue source type.
func (s *BrokerHealthService) SourceType() queue.QueueType {
	return s.sourceType
}

// IsAvailable reports whether the last connectivity check succeeded.
func (s *BrokerHealthService) IsAvailable() bool {
	return s.available.Load() == 1
}

// GetMetrics returns cumulative connectivity-check counts.
func (s *BrokerHealthService) GetMetrics() (attempts, successes, failures int64) {
	return atomic.LoadInt64(&s.attempts), atomic.LoadInt64(&s.successes), atomic.LoadInt64(&s.failures)
}

// GetLastCheck returns when the last check ran, its result, and any issues.
func (s *BrokerHealthService) GetLastCheck() (time.Time, bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastResult, s.lastIssues
}

// SetChecker replaces the connectivity checker, e.g. once the NATS/SQS
// client finishes connecting during startup.
func (s *BrokerHealthService) SetChecker(checker SourceConnectivityChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checker = checker
}
