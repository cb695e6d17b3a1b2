package metrics

import (
	"sync"
	"time"
)

// QueueStats is a point-in-time snapshot of one queue source's throughput
// and backlog.
type QueueStats struct {
	Name               string  `json:"name"`
	TotalMessages      int64   `json:"totalMessages"`
	TotalConsumed      int64   `json:"totalConsumed"`
	TotalFailed        int64   `json:"totalFailed"`
	SuccessRate        float64 `json:"successRate"`
	CurrentSize        int64   `json:"currentSize"`
	Throughput         float64 `json:"throughput"`
	PendingMessages    int64   `json:"pendingMessages"`
	MessagesNotVisible int64   `json:"messagesNotVisible"`

	TotalMessages5min int64   `json:"totalMessages5min"`
	Consumed5min      int64   `json:"consumed5min"`
	Failed5min        int64   `json:"failed5min"`
	SuccessRate5min   float64 `json:"successRate5min"`

	TotalMessages30min int64   `json:"totalMessages30min"`
	Consumed30min      int64   `json:"consumed30min"`
	Failed30min        int64   `json:"failed30min"`
	SuccessRate30min   float64 `json:"successRate30min"`
}

// EmptyQueueStats returns the zero-activity snapshot for a queue source
// that hasn't delivered anything yet.
func EmptyQueueStats(name string) *QueueStats {
	return &QueueStats{
		Name:             name,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// QueueMetricsService tracks per-queue-source throughput, backlog, and
// success rate. The router's consume loop records against it once per
// message; the monitoring API and HealthStatusService read it back.
type QueueMetricsService interface {
	RecordMessageReceived(queueName string)
	RecordMessageProcessed(queueName string, success bool)
	RecordQueueDepth(queueName string, depth int64)
	RecordQueueMetrics(queueName string, pendingMessages, messagesNotVisible int64)
	GetQueueStats(queueName string) *QueueStats
	GetAllQueueStats() map[string]*QueueStats
	GetTotalQueueDepth() int64
	GetThroughput() float64
}

type queueCounters struct {
	mu sync.RWMutex

	received, consumed, failed  int64
	currentDepth                int64
	pendingMessages, notVisible int64
	startedAt, lastProcessed    time.Time
	window                      rollingWindow
}

// InMemoryQueueMetricsService is the process-local QueueMetricsService
// implementation.
type InMemoryQueueMetricsService struct {
	mu      sync.RWMutex
	byQueue map[string]*queueCounters
}

// NewInMemoryQueueMetricsService creates an empty queue metrics service.
func NewInMemoryQueueMetricsService() *InMemoryQueueMetricsService {
	return &InMemoryQueueMetricsService{byQueue: make(map[string]*queueCounters)}
}

func (s *InMemoryQueueMetricsService) RecordMessageReceived(queueName string) {
	c := s.counters(queueName)
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (s *InMemoryQueueMetricsService) RecordMessageProcessed(queueName string, success bool) {
	now := time.Now()
	c := s.counters(queueName)
	c.mu.Lock()
	if success {
		c.consumed++
	} else {
		c.failed++
	}
	c.lastProcessed = now
	c.window.record(success, now)
	c.mu.Unlock()
}

func (s *InMemoryQueueMetricsService) RecordQueueDepth(queueName string, depth int64) {
	c := s.counters(queueName)
	c.mu.Lock()
	c.currentDepth = depth
	c.mu.Unlock()
}

func (s *InMemoryQueueMetricsService) RecordQueueMetrics(queueName string, pendingMessages, messagesNotVisible int64) {
	c := s.counters(queueName)
	c.mu.Lock()
	c.pendingMessages = pendingMessages
	c.notVisible = messagesNotVisible
	c.mu.Unlock()
}

func (s *InMemoryQueueMetricsService) GetQueueStats(queueName string) *QueueStats {
	s.mu.RLock()
	c, ok := s.byQueue[queueName]
	s.mu.RUnlock()
	if !ok {
		return EmptyQueueStats(queueName)
	}
	return c.snapshot(queueName)
}

func (s *InMemoryQueueMetricsService) GetAllQueueStats() map[string]*QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*QueueStats, len(s.byQueue))
	for name, c := range s.byQueue {
		out[name] = c.snapshot(name)
	}
	return out
}

// GetTotalQueueDepth sums CurrentSize across every tracked queue source.
func (s *InMemoryQueueMetricsService) GetTotalQueueDepth() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, c := range s.byQueue {
		c.mu.RLock()
		total += c.currentDepth
		c.mu.RUnlock()
	}
	return total
}

// GetThroughput sums each queue source's messages-per-second rate.
func (s *InMemoryQueueMetricsService) GetThroughput() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for name, c := range s.byQueue {
		total += c.snapshot(name).Throughput
	}
	return total
}

func (s *InMemoryQueueMetricsService) counters(queueName string) *queueCounters {
	s.mu.RLock()
	c, ok := s.byQueue[queueName]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byQueue[queueName]; ok {
		return c
	}

	c = &queueCounters{startedAt: time.Now()}
	s.byQueue[queueName] = c
	return c
}

func (c *queueCounters) snapshot(name string) *QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 0.0
	if c.received > 0 {
		rate = float64(c.consumed) / float64(c.received)
	} else {
		rate = 1.0
	}

	throughput := 0.0
	if elapsed := time.Since(c.startedAt).Seconds(); elapsed > 0 {
		throughput = float64(c.consumed) / elapsed
	}

	win := c.window.counts(time.Now())

	return &QueueStats{
		Name:               name,
		TotalMessages:      c.received,
		TotalConsumed:      c.consumed,
		TotalFailed:        c.failed,
		SuccessRate:        rate,
		CurrentSize:        c.currentDepth,
		Throughput:         throughput,
		PendingMessages:    c.pendingMessages,
		MessagesNotVisible: c.notVisible,
		TotalMessages5min:  win.succeeded5m + win.failed5m,
		Consumed5min:       win.succeeded5m,
		Failed5min:         win.failed5m,
		SuccessRate5min:    successRate(win.succeeded5m, win.failed5m),
		TotalMessages30min: win.succeeded30m + win.failed30m,
		Consumed30min:      win.succeeded30m,
		Failed30min:        win.failed30m,
		SuccessRate30min:   successRate(win.succeeded30m, win.failed30m),
	}
}
