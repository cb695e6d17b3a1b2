package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
)

type mockMediator struct {
	mu        sync.Mutex
	processed []string
	result    mediator.Result
	delay     time.Duration
	calls     atomic.Int32
}

func newMockMediator(result mediator.Result) *mockMediator {
	return &mockMediator{result: result}
}

func (m *mockMediator) Process(ctx context.Context, msg *model.MessagePointer) *mediator.Outcome {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.processed = append(m.processed, msg.ID)
	m.mu.Unlock()
	return &mediator.Outcome{Result: m.result}
}

func (m *mockMediator) MediationType() model.MediationType {
	return model.MediationTypeHTTP
}

func (m *mockMediator) processedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.processed))
	copy(out, m.processed)
	return out
}

type mockCallback struct {
	acked   atomic.Int32
	nacked  atomic.Int32
	delayed atomic.Int32
}

func (c *mockCallback) Ack(msg *model.MessagePointer)                       { c.acked.Add(1) }
func (c *mockCallback) Nack(msg *model.MessagePointer)                      { c.nacked.Add(1) }
func (c *mockCallback) SetVisibilityDelay(msg *model.MessagePointer, s int) { c.delayed.Add(1) }
func (c *mockCallback) SetFastFailVisibility(msg *model.MessagePointer)     {}
func (c *mockCallback) ResetVisibilityToDefault(msg *model.MessagePointer)  {}

func TestNewProcessPool(t *testing.T) {
	p := New("POOL-A", 5, 100, nil, newMockMediator(mediator.ResultSuccess), &mockCallback{})
	if p.GetPoolCode() != "POOL-A" {
		t.Errorf("expected pool code POOL-A, got %s", p.GetPoolCode())
	}
	if p.GetConcurrency() != 5 {
		t.Errorf("expected concurrency 5, got %d", p.GetConcurrency())
	}
	if p.GetQueueCapacity() != 100 {
		t.Errorf("expected capacity 100, got %d", p.GetQueueCapacity())
	}
}

func TestProcessPoolSubmitAndAck(t *testing.T) {
	cb := &mockCallback{}
	p := New("POOL-A", 2, 10, nil, newMockMediator(mediator.ResultSuccess), cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		if !p.Submit(&model.MessagePointer{ID: string(rune('a' + i))}) {
			t.Fatalf("expected submit %d to succeed", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for cb.acked.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cb.acked.Load() != 5 {
		t.Fatalf("expected 5 acks, got %d", cb.acked.Load())
	}
}

func TestProcessPoolConcurrencyLimit(t *testing.T) {
	med := newMockMediator(mediator.ResultSuccess)
	med.delay = 100 * time.Millisecond

	var maxConcurrent atomic.Int32
	cb := &mockCallback{}
	p := New("POOL-A", 3, 20, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 10; i++ {
		groupID := string(rune('a' + i)) // distinct groups run concurrently
		p.Submit(&model.MessagePointer{ID: groupID, MessageGroupID: groupID})
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		n := int32(p.GetActiveWorkers())
		for {
			max := maxConcurrent.Load()
			if n <= max || maxConcurrent.CompareAndSwap(max, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	if maxConcurrent.Load() > 3 {
		t.Fatalf("expected active workers to never exceed concurrency 3, saw %d", maxConcurrent.Load())
	}
}

func TestProcessPoolMessageGroupFIFO(t *testing.T) {
	med := newMockMediator(mediator.ResultSuccess)
	cb := &mockCallback{}
	p := New("POOL-A", 4, 50, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 10; i++ {
		p.Submit(&model.MessagePointer{ID: string(rune('a' + i)), MessageGroupID: "order-1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for cb.acked.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ids := med.processedIDs()
	if len(ids) != 10 {
		t.Fatalf("expected 10 processed messages, got %d", len(ids))
	}
	for i, id := range ids {
		if id != string(rune('a'+i)) {
			t.Fatalf("expected FIFO order within group, got %v", ids)
		}
	}
}

func TestProcessPoolCascadingNackOnBatchFailure(t *testing.T) {
	med := newMockMediator(mediator.ResultErrorProcess)
	cb := &mockCallback{}
	p := New("POOL-A", 1, 50, nil, med, cb)
	p.Start()
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		p.Submit(&model.MessagePointer{
			ID:             string(rune('a' + i)),
			MessageGroupID: "order-1",
			BatchID:        "batch-1",
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for cb.nacked.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cb.nacked.Load() != 5 {
		t.Fatalf("expected all 5 messages nacked, got %d", cb.nacked.Load())
	}
	if med.calls.Load() >= 5 {
		t.Fatalf("expected cascading nack to short-circuit mediation, mediator was called %d times", med.calls.Load())
	}
}

func TestProcessPoolDrainStopsNewSubmissions(t *testing.T) {
	cb := &mockCallback{}
	p := New("POOL-A", 2, 10, nil, newMockMediator(mediator.ResultSuccess), cb)
	p.Start()
	p.Drain()

	if p.Submit(&model.MessagePointer{ID: "x"}) {
		t.Fatal("expected submit to fail after drain")
	}
	p.Shutdown()
}

func TestProcessPoolUpdateConcurrency(t *testing.T) {
	p := New("POOL-A", 2, 10, nil, newMockMediator(mediator.ResultSuccess), &mockCallback{})
	p.Start()
	defer p.Shutdown()

	if !p.UpdateConcurrency(5, time.Second) {
		t.Fatal("expected increase to succeed")
	}
	if p.GetConcurrency() != 5 {
		t.Fatalf("expected concurrency 5, got %d", p.GetConcurrency())
	}

	if !p.UpdateConcurrency(2, time.Second) {
		t.Fatal("expected decrease to succeed when permits are free")
	}
	if p.GetConcurrency() != 2 {
		t.Fatalf("expected concurrency 2, got %d", p.GetConcurrency())
	}
}

func TestProcessPoolRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rate limit test in short mode")
	}

	cb := &mockCallback{}
	limit := 3
	p := New("POOL-A", 5, 50, &limit, newMockMediator(mediator.ResultSuccess), cb)
	p.limiter.SetWindow(100 * time.Millisecond)
	p.Start()
	defer p.Shutdown()

	before := testutil.ToFloat64(metrics.PoolRateLimitRejections.WithLabelValues("POOL-A"))

	for i := 0; i < 10; i++ {
		p.Submit(&model.MessagePointer{ID: string(rune('a' + i)), MessageGroupID: string(rune('a' + i))})
	}

	// Rate limiting blocks rather than nacks: every accepted message is
	// eventually acked, none are nacked for rate-limit alone.
	deadline := time.Now().Add(2 * time.Second)
	for cb.acked.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if cb.acked.Load() != 10 {
		t.Fatalf("expected all 10 messages eventually acked, got %d", cb.acked.Load())
	}
	if cb.nacked.Load() != 0 {
		t.Fatalf("expected no nacks from rate limiting alone, got %d", cb.nacked.Load())
	}
	after := testutil.ToFloat64(metrics.PoolRateLimitRejections.WithLabelValues("POOL-A"))
	if after <= before {
		t.Fatal("expected at least one rate-limited wait to be recorded")
	}
}

func BenchmarkProcessPoolSubmit(b *testing.B) {
	p := New("POOL-A", 10, 10000, nil, newMockMediator(mediator.ResultSuccess), &mockCallback{})
	p.Start()
	defer p.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Submit(&model.MessagePointer{ID: "bench", MessageGroupID: "bench"})
	}
}
