// Package ratelimit provides the pool-level rate limiter.
//
// Unlike a steady-rate/leaky-bucket limiter, this limiter grants its entire
// per-minute quota atomically at the start of each one-minute window ("burst
// at epoch"): a pool configured for 300/min can process all 300 messages in
// the first second of the window, then blocks until the next window opens.
// golang.org/x/time/rate cannot produce this behavior — it spreads permits
// out over the window instead of granting them up front — so this package
// implements the bucket itself: a mutex-guarded counter that is refilled
// lazily once its window has expired, and also by the ticker loop in Run.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how often a blocked Acquire rechecks the bucket between
// ticks of the background refill loop.
const pollInterval = 25 * time.Millisecond

// Limiter grants up to N permits per one-minute window, all available the
// instant the window opens.
type Limiter struct {
	mu          sync.RWMutex
	limit       int32
	remaining   int32
	windowStart time.Time
	window      time.Duration

	stop chan struct{}
	once sync.Once
}

// New creates a Limiter for the given per-minute quota. A nil or
// non-positive limit means unlimited; Allow always returns true and
// IsLimited always returns false.
func New(perMinute *int) *Limiter {
	l := &Limiter{stop: make(chan struct{}), window: time.Minute}
	l.reconfigure(perMinute)
	return l
}

// SetWindow overrides the refill window duration. Only meaningful in tests
// that want to observe a window rollover without waiting a full minute.
func (l *Limiter) SetWindow(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = d
}

func (l *Limiter) reconfigure(perMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute == nil || *perMinute <= 0 {
		l.limit = 0
		l.remaining = 0
		return
	}
	l.limit = int32(*perMinute)
	l.remaining = l.limit
	l.windowStart = time.Now()
}

// Allow reports whether a permit is available in the current window and, if
// so, consumes it. It never blocks. Rolling the window forward happens
// lazily here rather than on a background goroutine, so Allow is safe to
// call even if the background refill loop (Run) was never started.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return true
	}

	l.rollWindowLocked()

	if l.remaining <= 0 {
		return false
	}
	l.remaining--
	return true
}

// IsLimited reports whether the current window is exhausted.
func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return false
	}
	l.rollWindowLocked()
	return l.remaining <= 0
}

// rollWindowLocked opens a fresh window, restoring the full quota, once the
// window duration has elapsed since windowStart. Must be called with mu
// held.
func (l *Limiter) rollWindowLocked() {
	if time.Since(l.windowStart) >= l.window {
		l.remaining = l.limit
		l.windowStart = time.Now()
	}
}

// Acquire blocks until a permit is available or ctx is cancelled, per the
// router's rate-limiter contract: acquisition never rejects outright, it
// waits for the next window to open. waited reports whether the caller
// actually had to wait, so callers can increment a rate-limited-wait metric
// once per wait episode rather than once per poll. An unlimited limiter
// (nil/<=0 quota) always returns immediately with waited=false.
func (l *Limiter) Acquire(ctx context.Context) (waited bool, err error) {
	if l.Allow() {
		return false, nil
	}

	waited = true
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-ticker.C:
			if l.Allow() {
				return waited, nil
			}
		}
	}
}

// Update changes the per-minute quota, opening a fresh window immediately.
func (l *Limiter) Update(perMinute *int) {
	l.reconfigure(perMinute)
}

// Limit returns the configured per-minute quota, or nil if unlimited.
func (l *Limiter) Limit() *int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.limit <= 0 {
		return nil
	}
	v := int(l.limit)
	return &v
}

// Run starts a background goroutine that proactively rolls the window every
// second so IsLimited reflects reality even with no Allow traffic. It is
// optional: Allow and IsLimited are correct without it. Run blocks until
// Stop is called.
func (l *Limiter) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.rollWindowLocked()
			l.mu.Unlock()
		}
	}
}

// Stop terminates the background refill goroutine started by Run, if any.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
