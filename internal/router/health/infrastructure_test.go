package health

import (
	"testing"
	"time"
)

// stubPoolMetricsProvider implements PoolMetricsProvider for testing.
type stubPoolMetricsProvider struct {
	stats        map[string]*PoolStats
	lastActivity map[string]*time.Time
}

func newStubPoolMetricsProvider() *stubPoolMetricsProvider {
	return &stubPoolMetricsProvider{
		stats:        make(map[string]*PoolStats),
		lastActivity: make(map[string]*time.Time),
	}
}

func (m *stubPoolMetricsProvider) GetAllPoolStats() map[string]*PoolStats {
	return m.stats
}

func (m *stubPoolMetricsProvider) GetLastActivityTimestamp(poolCode string) *time.Time {
	return m.lastActivity[poolCode]
}

func (m *stubPoolMetricsProvider) addPool(poolCode string, stats *PoolStats, lastActivity *time.Time) {
	m.stats[poolCode] = stats
	m.lastActivity[poolCode] = lastActivity
}

func TestNewInfrastructureHealthService(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	svc := NewInfrastructureHealthService(true, provider)

	if svc == nil {
		t.Fatal("NewInfrastructureHealthService returned nil")
	}
	if !svc.enabled {
		t.Error("service should be enabled")
	}
	if svc.StallThreshold() != DefaultStallThreshold {
		t.Errorf("expected default stall threshold %v, got %v", DefaultStallThreshold, svc.StallThreshold())
	}
}

func TestInfrastructureHealthService_DisabledReturnsHealthy(t *testing.T) {
	svc := NewInfrastructureHealthService(false, nil)
	result := svc.CheckHealth()

	if !result.Healthy {
		t.Error("disabled service should report healthy")
	}
	if result.Message != "message router is disabled" {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestInfrastructureHealthService_NilPoolMetrics(t *testing.T) {
	svc := NewInfrastructureHealthService(true, nil)
	result := svc.CheckHealth()

	if result.Healthy {
		t.Error("service without pool metrics should be unhealthy")
	}
	if len(result.Issues) == 0 {
		t.Error("should have issues when pool metrics is nil")
	}
}

func TestInfrastructureHealthService_NoActivePools(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	svc := NewInfrastructureHealthService(true, provider)

	result := svc.CheckHealth()

	if result.Healthy {
		t.Error("service with no pools should be unhealthy")
	}

	found := false
	for _, issue := range result.Issues {
		if issue == "no active process pools" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("should report 'no active process pools' issue, got: %v", result.Issues)
	}
}

func TestInfrastructureHealthService_HealthyWithActivePools(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	recentActivity := time.Now()
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, &recentActivity)

	svc := NewInfrastructureHealthService(true, provider)
	result := svc.CheckHealth()

	if !result.Healthy {
		t.Errorf("service with active pool should be healthy, got issues: %v", result.Issues)
	}
}

func TestInfrastructureHealthService_FreshPoolIsNotStalled(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	// Never processed anything yet: nil timestamp, not stalled.
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, nil)

	svc := NewInfrastructureHealthService(true, provider)
	result := svc.CheckHealth()

	if !result.Healthy {
		t.Errorf("fresh pool with nil last-activity should be healthy, got issues: %v", result.Issues)
	}
}

func TestInfrastructureHealthService_StalledPools(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	oldActivity := time.Now().Add(-3 * time.Minute)
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, &oldActivity)

	svc := NewInfrastructureHealthService(true, provider)
	result := svc.CheckHealth()

	if result.Healthy {
		t.Error("service with all stalled pools should be unhealthy")
	}
}

func TestInfrastructureHealthService_SomePoolsActive(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	oldActivity := time.Now().Add(-3 * time.Minute)
	recentActivity := time.Now()

	// One stalled, one active.
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, &oldActivity)
	provider.addPool("pool2", &PoolStats{PoolCode: "pool2"}, &recentActivity)

	svc := NewInfrastructureHealthService(true, provider)
	result := svc.CheckHealth()

	if !result.Healthy {
		t.Error("service should be healthy when at least one pool is active")
	}
}

func TestInfrastructureHealthService_WithStallThreshold(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	oldActivity := time.Now().Add(-90 * time.Second)
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, &oldActivity)

	// Default threshold (2m) would call this healthy; tighten it to 1m.
	svc := NewInfrastructureHealthService(true, provider).WithStallThreshold(1 * time.Minute)

	if svc.StallThreshold() != 1*time.Minute {
		t.Fatalf("expected stall threshold 1m, got %v", svc.StallThreshold())
	}

	result := svc.CheckHealth()
	if result.Healthy {
		t.Error("pool idle longer than the configured threshold should be unhealthy")
	}
}

func TestInfrastructureHealthService_CachedHealth(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	recentActivity := time.Now()
	provider.addPool("pool1", &PoolStats{PoolCode: "pool1"}, &recentActivity)

	svc := NewInfrastructureHealthService(true, provider)

	first := svc.CheckHealth()
	cached := svc.GetCachedHealth()

	if cached == nil {
		t.Fatal("cached health should not be nil after check")
	}
	if cached.Healthy != first.Healthy {
		t.Error("cached health should match last check")
	}
}

func TestInfrastructureHealthService_LastHealthCheck(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	svc := NewInfrastructureHealthService(true, provider)

	before := time.Now()
	svc.CheckHealth()
	after := time.Now()

	lastCheck := svc.GetLastHealthCheck()
	if lastCheck.Before(before) || lastCheck.After(after) {
		t.Error("last health check time should be between before and after")
	}
}

func TestInfrastructureHealthService_SetQueueManagerStatus(t *testing.T) {
	provider := newStubPoolMetricsProvider()
	svc := NewInfrastructureHealthService(true, provider)

	svc.SetQueueManagerStatus(true)
	if !svc.queueManagerOK {
		t.Error("queue manager status should be true")
	}

	svc.SetQueueManagerStatus(false)
	if svc.queueManagerOK {
		t.Error("queue manager status should be false")
	}
}
