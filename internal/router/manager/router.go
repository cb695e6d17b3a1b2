package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/metrics"
)

// Router ties a queue.Consumer to a QueueManager: it pulls messages off the
// broker and hands each to RouteMessage, translating the handler's bool
// result back into the ack/nack the consumer expects. It also records
// per-subject throughput into a QueueMetricsService so the monitoring API
// and HealthStatusService can report queue-source backlog independently of
// pool stats.
type Router struct {
	manager      *QueueManager
	consumer     queue.Consumer
	queueMetrics metrics.QueueMetricsService

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a Router backed by a fresh QueueManager configured to
// mediate via mediatorCfg.
func NewRouter(consumer queue.Consumer, mediatorCfg *mediator.Config) *Router {
	return &Router{
		manager:      NewQueueManager(mediatorCfg),
		consumer:     consumer,
		queueMetrics: metrics.NewInMemoryQueueMetricsService(),
	}
}

// Manager returns the underlying QueueManager, for wiring into config sync,
// monitoring, and admin surfaces.
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// QueueMetrics returns the queue-source metrics service, for wiring into the
// monitoring API and HealthStatusService.
func (r *Router) QueueMetrics() metrics.QueueMetricsService {
	return r.queueMetrics
}

// Start begins the manager's maintenance loops and the consume loop. It
// returns immediately; consumption runs on a background goroutine until
// Stop is called.
func (r *Router) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	r.manager.Start()

	r.wg.Add(1)
	go r.consume(ctx)
}

func (r *Router) consume(ctx context.Context) {
	defer r.wg.Done()

	err := r.consumer.Consume(ctx, func(msg queue.Message) error {
		subject := msg.Subject()
		r.queueMetrics.RecordMessageReceived(subject)

		accepted := r.manager.RouteMessage(msg)
		r.queueMetrics.RecordMessageProcessed(subject, accepted)
		if !accepted {
			return errors.New("message rejected by router")
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("Queue consumer stopped unexpectedly", "error", err)
	}
}

// Stop cancels the consume loop, waits for it to drain, then stops the
// manager and its pools.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()

	r.manager.Stop()
}
