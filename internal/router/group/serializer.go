// Package group provides per-message-group FIFO task serialization: tasks
// submitted under the same group id run one at a time, in submission order,
// on a dedicated goroutine, while different groups run fully concurrently
// with each other.
package group

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGroup is used for tasks submitted with an empty group id.
const DefaultGroup = "__DEFAULT__"

// groupQueue is one group's task channel plus the mutex that makes the
// channel's send and its goroutine's idle-teardown mutually exclusive. Without
// it, Submit could load the channel just before run's idle timer decides to
// tear it down, enqueue a task nobody will ever read, and orphan the message.
type groupQueue struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
}

// Serializer owns one buffered channel and one goroutine per active group.
// A group's goroutine exits after IdleTimeout with an empty queue, and is
// restarted transparently the next time that group id is submitted.
type Serializer struct {
	label         string
	queueCapacity int
	idleTimeout   time.Duration

	queues sync.Map // map[string]*groupQueue
	active sync.Map // map[string]bool
	total  atomic.Int32

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Serializer. label is used only in log lines, to tell
// multiple serializers apart (e.g. one per pool).
func New(label string, queueCapacity int, idleTimeout time.Duration) *Serializer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		label:         label,
		queueCapacity: queueCapacity,
		idleTimeout:   idleTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start marks the serializer as accepting work. It is idempotent.
func (s *Serializer) Start() {
	s.running.Store(true)
}

// Stop marks the serializer as no longer accepting new submissions; tasks
// already queued continue to drain.
func (s *Serializer) Stop() {
	s.running.Store(false)
}

// Submit enqueues task to run on groupID's dedicated goroutine. It returns
// false without running task if the serializer isn't running or the total
// queue capacity is exhausted.
func (s *Serializer) Submit(groupID string, task func()) bool {
	if !s.running.Load() {
		return false
	}
	if groupID == "" {
		groupID = DefaultGroup
	}

	for {
		queueIface, loaded := s.queues.LoadOrStore(groupID, &groupQueue{ch: make(chan func(), s.queueCapacity)})
		gq := queueIface.(*groupQueue)

		gq.mu.Lock()

		if gq.closed {
			// Lost the race with run's idle teardown: this entry is dead.
			// Drop it and retry with a fresh one.
			gq.mu.Unlock()
			s.queues.CompareAndDelete(groupID, gq)
			continue
		}

		if !loaded {
			s.startGroupGoroutine(groupID, gq)
		} else if _, active := s.active.Load(groupID); !active {
			slog.Warn("group goroutine missing, restarting", "serializer", s.label, "group", groupID)
			s.startGroupGoroutine(groupID, gq)
		}

		if int(s.total.Load()) >= s.queueCapacity {
			gq.mu.Unlock()
			return false
		}

		select {
		case gq.ch <- task:
			s.total.Add(1)
			gq.mu.Unlock()
			return true
		default:
			gq.mu.Unlock()
			return false
		}
	}
}

func (s *Serializer) startGroupGoroutine(groupID string, gq *groupQueue) {
	s.active.Store(groupID, true)
	s.wg.Add(1)
	go s.run(groupID, gq)
}

func (s *Serializer) run(groupID string, gq *groupQueue) {
	defer s.wg.Done()
	defer s.active.Delete(groupID)

	timer := time.NewTimer(s.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case task := <-gq.ch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.idleTimeout)

			s.total.Add(-1)
			task()

		case <-timer.C:
			gq.mu.Lock()
			if len(gq.ch) == 0 {
				gq.closed = true
				s.queues.Delete(groupID)
				gq.mu.Unlock()
				return
			}
			gq.mu.Unlock()
			timer.Reset(s.idleTimeout)
		}
	}
}

// QueueLen returns the total number of tasks currently queued across every
// group.
func (s *Serializer) QueueLen() int {
	return int(s.total.Load())
}

// GroupCount returns the number of groups with a live goroutine.
func (s *Serializer) GroupCount() int {
	n := 0
	s.queues.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown cancels every group goroutine and waits up to timeout for them
// to exit.
func (s *Serializer) Shutdown(timeout time.Duration) {
	s.running.Store(false)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("serializer shutdown timed out", "serializer", s.label)
	}
}
