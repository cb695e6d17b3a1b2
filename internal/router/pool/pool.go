// Package pool implements the process pool: a named worker pool that
// dispatches admitted messages to a Mediator with bounded concurrency,
// per-message-group FIFO ordering, rate limiting, and cascading nack on
// batch-group failure.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/batchgroup"
	"go.flowcatalyst.tech/internal/router/group"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/ratelimit"
)

// StatsRecorder receives pool activity for the monitoring dashboard. It is
// satisfied structurally by *router/metrics.InMemoryPoolMetricsService; a
// pool with no recorder wired simply skips these calls.
type StatsRecorder interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordRateLimitExceeded(poolCode string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
}

// MessageCallback reports the disposition the pool reached for a message
// back to whatever admitted it (a queue consumer, via the manager).
type MessageCallback interface {
	Ack(msg *model.MessagePointer)
	Nack(msg *model.MessagePointer)
	SetVisibilityDelay(msg *model.MessagePointer, seconds int)
	SetFastFailVisibility(msg *model.MessagePointer)
	ResetVisibilityToDefault(msg *model.MessagePointer)
}

// Pool is the external surface of a process pool.
type Pool interface {
	Start()
	Drain()
	Submit(msg *model.MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	WaitUntilDrained(timeout time.Duration) bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeout time.Duration) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// DefaultGroup is re-exported for callers that need to label the default
// message group explicitly (e.g. metrics or logging).
const DefaultGroup = group.DefaultGroup

// IdleTimeout is how long an inactive message-group goroutine lives before
// it exits and frees its resources.
const IdleTimeout = 5 * time.Minute

// ProcessPool implements Pool. One ProcessPool exists per pool code.
type ProcessPool struct {
	poolCode      string
	concurrency   atomic.Int32
	queueCapacity int
	semaphore     chan struct{}

	running atomic.Bool

	limiter      *ratelimit.Limiter
	med          mediator.Mediator
	callback     MessageCallback
	batchTracker *batchgroup.Tracker
	serializer   *group.Serializer
	stats        StatsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup

	shutdownMu sync.Mutex
}

// New creates a ProcessPool. rateLimitPerMinute of nil or <= 0 disables rate
// limiting.
func New(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	med mediator.Mediator,
	callback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:      poolCode,
		queueCapacity: queueCapacity,
		semaphore:     make(chan struct{}, concurrency),
		limiter:       ratelimit.New(rateLimitPerMinute),
		med:           med,
		callback:      callback,
		batchTracker:  batchgroup.New(),
		serializer:    group.New(poolCode, queueCapacity, IdleTimeout),
		ctx:           ctx,
		cancel:        cancel,
		gaugeCtx:      gaugeCtx,
		gaugeCancel:   gaugeCancel,
	}
	p.concurrency.Store(int32(concurrency))

	for i := 0; i < concurrency; i++ {
		p.semaphore <- struct{}{}
	}

	if rl := p.limiter.Limit(); rl != nil {
		slog.Info("created pool-level rate limiter", "pool", poolCode, "rateLimit", *rl)
	}

	return p
}

// SetStatsRecorder wires a monitoring recorder into the pool. Must be
// called before Start to capture the initial capacity snapshot.
func (p *ProcessPool) SetStatsRecorder(s StatsRecorder) {
	p.stats = s
	if s != nil {
		s.InitializePoolCapacity(p.poolCode, int(p.concurrency.Load()), p.queueCapacity)
	}
}

// Start begins accepting and processing submissions. Idempotent.
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.serializer.Start()
		go p.limiter.Run()

		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("starting process pool", "pool", p.poolCode, "concurrency", p.concurrency.Load())
	}
}

// Drain stops accepting new submissions but lets queued work finish.
func (p *ProcessPool) Drain() {
	slog.Info("draining process pool", "pool", p.poolCode, "queued", p.serializer.QueueLen())
	p.running.Store(false)
	p.serializer.Stop()
}

// Submit admits msg for processing. It returns false if the pool is not
// running or its total queue capacity is exhausted.
func (p *ProcessPool) Submit(msg *model.MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	batchKey := batchgroup.NewKey(msg.BatchID, groupID)
	p.batchTracker.Register(batchKey)

	if p.stats != nil {
		p.stats.RecordMessageSubmitted(p.poolCode)
	}

	submitted := p.serializer.Submit(groupID, func() {
		p.processMessage(msg, batchKey)
	})
	if !submitted {
		slog.Debug("pool at capacity, rejecting message", "pool", p.poolCode, "messageId", msg.ID)
		p.batchTracker.Release(batchKey)
		return false
	}
	return true
}

// processMessage runs on the message's group goroutine: it enforces the
// batch-group failure barrier and rate limit, acquires a concurrency
// permit, mediates, and releases the batch-group accounting.
func (p *ProcessPool) processMessage(msg *model.MessagePointer, batchKey batchgroup.Key) {
	var semaphoreAcquired bool

	defer func() {
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("panic during message processing", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
			p.nackSafely(msg)
			p.batchTracker.MarkFailed(batchKey)
			p.batchTracker.Release(batchKey)
		}
	}()

	if p.batchTracker.Failed(batchKey) {
		slog.Warn("message from failed batch-group, nacking to preserve ordering",
			"pool", p.poolCode, "messageId", msg.ID)
		p.callback.SetFastFailVisibility(msg)
		p.nackSafely(msg)
		p.batchTracker.Release(batchKey)
		return
	}

	waited, err := p.limiter.Acquire(p.ctx)
	if waited {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		if p.stats != nil {
			p.stats.RecordRateLimitExceeded(p.poolCode)
		}
		slog.Warn("rate limit exhausted, waiting for next window", "pool", p.poolCode, "messageId", msg.ID)
	}
	if err != nil {
		slog.Info("pool shutting down while waiting on rate limiter, nacking for redelivery", "pool", p.poolCode, "messageId", msg.ID)
		p.nackSafely(msg)
		p.batchTracker.Release(batchKey)
		return
	}

	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		p.batchTracker.Release(batchKey)
		return
	}

	slog.Info("processing message via mediator", "pool", p.poolCode, "messageId", msg.ID, "target", msg.MediationTarget)

	// An in-flight mediator call runs to completion even through Shutdown;
	// only the waits before it (rate limit, semaphore) are cancellable.
	start := time.Now()
	outcome := p.med.Process(context.WithoutCancel(p.ctx), msg)
	duration := time.Since(start)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())
	slog.Info("message processing completed", "pool", p.poolCode, "messageId", msg.ID, "result", string(outcome.Result), "duration", duration)

	p.handleOutcome(msg, outcome, batchKey, duration)
}

// handleOutcome maps a mediation outcome to ack/nack and batch-group state,
// per the router's error-handling disposition table. ERROR_CONFIG does not
// mark the batch-group failed: a permanent error on one message describes
// that message's target, not its siblings.
func (p *ProcessPool) handleOutcome(msg *model.MessagePointer, outcome *mediator.Outcome, batchKey batchgroup.Key, duration time.Duration) {
	if outcome == nil {
		outcome = &mediator.Outcome{Result: mediator.ResultErrorProcess}
	}
	durationMs := duration.Milliseconds()

	switch outcome.Result {
	case mediator.ResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingSuccess(p.poolCode, durationMs)
		}
		p.callback.Ack(msg)
		p.batchTracker.Release(batchKey)

	case mediator.ResultErrorConfig:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingFailure(p.poolCode, durationMs, "config")
		}
		slog.Warn("configuration error, acking to prevent retry", "pool", p.poolCode, "messageId", msg.ID, "statusCode", outcome.StatusCode)
		p.callback.Ack(msg)
		p.batchTracker.Release(batchKey)

	case mediator.ResultErrorProcess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.stats != nil {
			p.stats.RecordProcessingTransient(p.poolCode, durationMs)
		}
		if outcome.HasCustomDelay() {
			p.callback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
		} else {
			p.callback.ResetVisibilityToDefault(msg)
		}
		p.callback.Nack(msg)
		p.batchTracker.MarkFailed(batchKey)
		p.batchTracker.Release(batchKey)

	default:
		slog.Warn("unknown mediation result, nacking for retry", "pool", p.poolCode, "messageId", msg.ID, "result", string(outcome.Result))
		if p.stats != nil {
			p.stats.RecordProcessingFailure(p.poolCode, durationMs, "unknown")
		}
		p.callback.ResetVisibilityToDefault(msg)
		p.callback.Nack(msg)
		p.batchTracker.MarkFailed(batchKey)
		p.batchTracker.Release(batchKey)
	}
}

func (p *ProcessPool) nackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during message nack", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
		}
	}()
	p.callback.Nack(msg)
}

// GetPoolCode returns the pool's code.
func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

// GetConcurrency returns the current concurrency limit.
func (p *ProcessPool) GetConcurrency() int { return int(p.concurrency.Load()) }

// GetRateLimitPerMinute returns the configured rate limit, or nil if
// unlimited.
func (p *ProcessPool) GetRateLimitPerMinute() *int { return p.limiter.Limit() }

// IsFullyDrained reports whether the pool has no queued work and every
// concurrency permit is free.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.serializer.QueueLen() == 0 && len(p.semaphore) == int(p.concurrency.Load())
}

// WaitUntilDrained blocks until the pool is fully drained or timeout
// elapses, reporting which happened. Call after Drain to let accepted work
// reach a terminal outcome before Shutdown cancels what remains.
func (p *ProcessPool) WaitUntilDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.IsFullyDrained() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return p.IsFullyDrained()
}

// Shutdown stops every background goroutine, waiting up to 10s for group
// goroutines to finish their current message.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()
	p.limiter.Stop()
	p.cancel()

	p.serializer.Shutdown(10 * time.Second)
	slog.Info("pool shutdown complete", "pool", p.poolCode)
}

// GetQueueSize returns the total messages queued across every group.
func (p *ProcessPool) GetQueueSize() int { return p.serializer.QueueLen() }

// GetActiveWorkers returns the number of concurrency permits currently in
// use.
func (p *ProcessPool) GetActiveWorkers() int {
	return int(p.concurrency.Load()) - len(p.semaphore)
}

// GetQueueCapacity returns the pool's fixed queue capacity.
func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// HasCapacity reports whether the pool can accept `needed` more messages
// without exceeding its queue capacity.
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited reports whether the current rate-limit window is
// exhausted.
func (p *ProcessPool) IsRateLimited() bool { return p.limiter.IsLimited() }

// UpdateConcurrency changes the concurrency limit on a running pool. When
// decreasing, it waits up to timeout to acquire the permits being removed,
// returning false (and leaving concurrency unchanged) on timeout.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeout time.Duration) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(p.concurrency.Load())
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		p.concurrency.Store(int32(newLimit))
		slog.Info("concurrency increased", "pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(timeout)
	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("concurrency decrease timed out", "pool", p.poolCode, "from", current, "to", newLimit)
			return false
		}
	}

	p.concurrency.Store(int32(newLimit))
	slog.Info("concurrency decreased", "pool", p.poolCode, "from", current, "to", newLimit)
	return true
}

// UpdateRateLimit changes the pool's per-minute rate limit, opening a fresh
// window immediately. nil or <= 0 disables rate limiting.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.limiter.Update(newRateLimitPerMinute)
	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		slog.Info("rate limiting disabled", "pool", p.poolCode)
	} else {
		slog.Info("rate limit updated", "pool", p.poolCode, "rateLimit", *newRateLimitPerMinute)
	}
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()
	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(p.concurrency.Load()) - activeWorkers
	groups := p.serializer.GroupCount()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groups))

	if p.stats != nil {
		p.stats.UpdatePoolGauges(p.poolCode, activeWorkers, availablePermits, queueSize, groups)
	}
}
