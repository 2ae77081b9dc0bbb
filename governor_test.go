package arbor

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fixedSampler reports adjustable utilization values.
type fixedSampler struct {
	mu    sync.Mutex
	cpu   float64
	mem   float64
	conns int
}

func (s *fixedSampler) set(cpu, mem float64) {
	s.mu.Lock()
	s.cpu, s.mem = cpu, mem
	s.mu.Unlock()
}

func (s *fixedSampler) sample(context.Context) (float64, float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpu, s.mem, s.conns, nil
}

// countingQueue reports a fixed number of in-flight tasks.
type countingQueue struct {
	nopStore
	active int
}

func (q *countingQueue) CountProcessing(context.Context) (int, error) { return q.active, nil }

func TestGovernorDefaults(t *testing.T) {
	g := NewGovernor(GovernorConfig{}, nil)
	if g.cfg.MaxAgents != 8 || g.cfg.CPUCritical != 80 || g.cfg.MemCritical != 80 {
		t.Errorf("defaults = %+v", g.cfg)
	}
	if g.cfg.Tick != time.Second || g.cfg.RecoveryWindow != 10*time.Second {
		t.Errorf("defaults = %+v", g.cfg)
	}
	if g.Degraded() {
		t.Error("new governor starts degraded")
	}
}

func TestGovernorHealthThresholds(t *testing.T) {
	tests := []struct {
		name   string
		cpu    float64
		mem    float64
		active int
		want   HealthStatus
	}{
		{"idle", 10, 20, 0, HealthHealthy},
		{"cpu warning", 70, 20, 0, HealthWarning},
		{"mem warning", 10, 65, 0, HealthWarning},
		{"agent warning", 10, 10, 7, HealthWarning},
		{"cpu critical", 85, 20, 0, HealthCritical},
		{"mem critical", 10, 90, 0, HealthCritical},
		{"agents at cap", 10, 10, 8, HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fixedSampler{cpu: tt.cpu, mem: tt.mem}
			g := NewGovernor(DefaultGovernorConfig(), &countingQueue{active: tt.active}, GovernorSampler(s.sample))
			h := g.sample(context.Background())
			if h.Status != tt.want {
				t.Errorf("status = %s, want %s (cpu=%v mem=%v agents=%d)", h.Status, tt.want, tt.cpu, tt.mem, tt.active)
			}
			if h.ActiveAgents != tt.active {
				t.Errorf("ActiveAgents = %d, want %d", h.ActiveAgents, tt.active)
			}
		})
	}
}

func TestGovernorDegradeTransition(t *testing.T) {
	s := &fixedSampler{cpu: 95, mem: 10}
	g := NewGovernor(DefaultGovernorConfig(), nil, GovernorSampler(s.sample))
	events := g.Subscribe()

	g.tick(context.Background())
	if !g.Degraded() {
		t.Fatal("critical sample did not degrade")
	}
	if g.AdmitBatches() {
		t.Error("degraded governor admits batches")
	}
	select {
	case ev := <-events:
		if ev.Type != EventDegradeOn {
			t.Errorf("event = %s, want degrade", ev.Type)
		}
		if ev.Health.Status != HealthCritical {
			t.Errorf("event health = %s", ev.Health.Status)
		}
	default:
		t.Fatal("no degrade event published")
	}

	// Staying critical publishes nothing further.
	g.tick(context.Background())
	select {
	case ev := <-events:
		t.Errorf("unexpected second event %s", ev.Type)
	default:
	}
}

func TestGovernorRecovery(t *testing.T) {
	s := &fixedSampler{cpu: 95}
	cfg := DefaultGovernorConfig()
	cfg.RecoveryWindow = 10 * time.Millisecond
	g := NewGovernor(cfg, nil, GovernorSampler(s.sample))
	events := g.Subscribe()

	ctx := context.Background()
	g.tick(ctx)
	<-events // degrade

	s.set(10, 10)
	g.tick(ctx)
	if !g.Degraded() {
		t.Fatal("recovered before the window elapsed")
	}

	time.Sleep(15 * time.Millisecond)
	g.tick(ctx)
	if g.Degraded() {
		t.Fatal("still degraded after healthy window")
	}
	select {
	case ev := <-events:
		if ev.Type != EventDegradeOff {
			t.Errorf("event = %s, want recover", ev.Type)
		}
	default:
		t.Fatal("no recovery event published")
	}
}

func TestGovernorCanSpawnAgents(t *testing.T) {
	s := &fixedSampler{cpu: 10, mem: 10}
	g := NewGovernor(DefaultGovernorConfig(), &countingQueue{active: 6}, GovernorSampler(s.sample))
	g.tick(context.Background())

	if !g.CanSpawnAgents(2) {
		t.Error("spawn within cap refused")
	}
	if g.CanSpawnAgents(3) {
		t.Error("spawn past cap allowed")
	}

	s.set(95, 10)
	g.tick(context.Background())
	if g.CanSpawnAgents(1) {
		t.Error("spawn allowed while critical")
	}
}
