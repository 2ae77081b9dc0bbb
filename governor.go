package arbor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus is the governor's overall verdict each poll.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// SystemHealth is one derived health sample. Not persisted.
type SystemHealth struct {
	CPUPercent    float64      `json:"cpu_percent"`
	MemoryPercent float64      `json:"memory_percent"`
	ActiveAgents  int          `json:"active_agents"`
	DBConnections int          `json:"db_connections"`
	Status        HealthStatus `json:"status"`
	SampledAt     time.Time    `json:"sampled_at"`
}

// GovernorEventType marks a degrade-state transition.
type GovernorEventType string

const (
	// EventDegradeOn lowers the parallelism ceiling and pauses batch
	// admission across subscribers.
	EventDegradeOn GovernorEventType = "degrade"
	// EventDegradeOff restores baseline after the recovery window.
	EventDegradeOff GovernorEventType = "recover"
)

// GovernorEvent is published on every degrade-state transition.
type GovernorEvent struct {
	Type   GovernorEventType
	Health SystemHealth
	At     time.Time
}

// SamplerFunc returns host CPU and memory utilization (percent) and the
// current DB connection count. Tests substitute fixed values.
type SamplerFunc func(ctx context.Context) (cpu, mem float64, dbConns int, err error)

// GovernorConfig bounds the resource governor.
type GovernorConfig struct {
	// MaxAgents caps concurrent active agents (processing tasks).
	MaxAgents int
	// CPUCritical and MemCritical are the hard thresholds (default 80).
	// Warning fires at 80% of each.
	CPUCritical float64
	MemCritical float64
	// Tick is the sampling cadence; samples are cached between ticks
	// (default 1s).
	Tick time.Duration
	// RecoveryWindow is how long health must stay non-critical before a
	// degraded governor recovers (default 10s).
	RecoveryWindow time.Duration
}

// DefaultGovernorConfig returns the shipped thresholds.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxAgents:      8,
		CPUCritical:    80,
		MemCritical:    80,
		Tick:           time.Second,
		RecoveryWindow: 10 * time.Second,
	}
}

// Governor samples system health on a tick and gates new work. It is a
// process-wide singleton owned by the engine; the dispatcher asks it
// before admitting batches and the DAG executor reads its degrade state
// at every node admission.
type Governor struct {
	cfg     GovernorConfig
	sampler SamplerFunc
	queue   QueueStore // nil in tests without persistence
	logger  *slog.Logger

	mu           sync.RWMutex
	health       SystemHealth
	healthySince time.Time
	subs         []chan GovernorEvent

	degraded atomic.Bool
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// GovernorSampler replaces the default procfs sampler.
func GovernorSampler(s SamplerFunc) GovernorOption {
	return func(g *Governor) { g.sampler = s }
}

// GovernorLogger sets the structured logger.
func GovernorLogger(l *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = l }
}

// NewGovernor creates a governor. queue supplies the active-agent count
// (processing tasks); nil means active agents are always zero.
func NewGovernor(cfg GovernorConfig, queue QueueStore, opts ...GovernorOption) *Governor {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 8
	}
	if cfg.CPUCritical <= 0 {
		cfg.CPUCritical = 80
	}
	if cfg.MemCritical <= 0 {
		cfg.MemCritical = 80
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10 * time.Second
	}
	g := &Governor{cfg: cfg, queue: queue, health: SystemHealth{Status: HealthHealthy}}
	for _, opt := range opts {
		opt(g)
	}
	if g.sampler == nil {
		g.sampler = newProcfsSampler()
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// Start begins the polling loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (g *Governor) Start(ctx context.Context) error {
	for {
		g.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.cfg.Tick):
		}
	}
}

// tick performs one sample and updates the degrade state.
func (g *Governor) tick(ctx context.Context) {
	h := g.sample(ctx)

	g.mu.Lock()
	g.health = h
	if h.Status != HealthCritical {
		if g.healthySince.IsZero() {
			g.healthySince = time.Now()
		}
	} else {
		g.healthySince = time.Time{}
	}
	recovered := g.degraded.Load() &&
		!g.healthySince.IsZero() &&
		time.Since(g.healthySince) >= g.cfg.RecoveryWindow
	g.mu.Unlock()

	switch {
	case h.Status == HealthCritical && !g.degraded.Load():
		g.degraded.Store(true)
		g.logger.Warn("entering degraded mode",
			"cpu", h.CPUPercent, "memory", h.MemoryPercent, "active_agents", h.ActiveAgents)
		g.publish(GovernorEvent{Type: EventDegradeOn, Health: h, At: time.Now()})
	case recovered:
		g.degraded.Store(false)
		g.logger.Info("recovered from degraded mode", "healthy_for", g.cfg.RecoveryWindow)
		g.publish(GovernorEvent{Type: EventDegradeOff, Health: h, At: time.Now()})
	}
}

// sample derives one SystemHealth value.
func (g *Governor) sample(ctx context.Context) SystemHealth {
	cpu, mem, dbConns, err := g.sampler(ctx)
	if err != nil {
		g.logger.Warn("health sample failed", "error", err)
	}
	active := 0
	if g.queue != nil {
		if n, qerr := g.queue.CountProcessing(ctx); qerr == nil {
			active = n
		} else {
			g.logger.Warn("active-agent count failed", "error", qerr)
		}
	}

	h := SystemHealth{
		CPUPercent:    cpu,
		MemoryPercent: mem,
		ActiveAgents:  active,
		DBConnections: dbConns,
		SampledAt:     time.Now(),
	}
	switch {
	case cpu > g.cfg.CPUCritical || mem > g.cfg.MemCritical || active >= g.cfg.MaxAgents:
		h.Status = HealthCritical
	case cpu > g.cfg.CPUCritical*0.8 || mem > g.cfg.MemCritical*0.8 || float64(active) >= float64(g.cfg.MaxAgents)*0.8:
		h.Status = HealthWarning
	default:
		h.Status = HealthHealthy
	}
	return h
}

// Health returns the latest cached sample.
func (g *Governor) Health() SystemHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// Degraded reports the current degrade state. Implements DegradeSignal.
func (g *Governor) Degraded() bool { return g.degraded.Load() }

// CanSpawnAgents reports whether n more agents may start now: the system
// must not be critical and the cap must hold after the spawn.
func (g *Governor) CanSpawnAgents(n int) bool {
	g.mu.RLock()
	h := g.health
	g.mu.RUnlock()
	if h.Status == HealthCritical {
		return false
	}
	return h.ActiveAgents+n <= g.cfg.MaxAgents
}

// AdmitBatches reports whether new batch admission is allowed. Batches in
// flight continue under reduced concurrency while this is false.
func (g *Governor) AdmitBatches() bool { return !g.degraded.Load() }

// Subscribe returns a channel receiving degrade-state transitions. Slow
// subscribers miss events rather than block the tick.
func (g *Governor) Subscribe() <-chan GovernorEvent {
	ch := make(chan GovernorEvent, 4)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

func (g *Governor) publish(ev GovernorEvent) {
	g.mu.RLock()
	subs := make([]chan GovernorEvent, len(g.subs))
	copy(subs, g.subs)
	g.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- procfs sampler ---

// procfsSampler reads /proc/stat and /proc/meminfo. CPU utilization is
// the busy share of the delta since the previous sample, so the first
// call reports zero.
type procfsSampler struct {
	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func newProcfsSampler() SamplerFunc {
	s := &procfsSampler{}
	return s.sample
}

func (s *procfsSampler) sample(context.Context) (float64, float64, int, error) {
	cpu, cpuErr := s.cpuPercent()
	mem, memErr := memPercent()
	if cpuErr != nil {
		return 0, mem, 0, cpuErr
	}
	return cpu, mem, 0, memErr
}

func (s *procfsSampler) cpuPercent() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, v := range fields[1:] {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, err
		}
		total += n
		if i == 3 || i == 4 { // idle + iowait
			idle += n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	s.prevTotal, s.prevIdle = total, idle
	if dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal), nil
}

func memPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			available = n
		}
		if total > 0 && available > 0 {
			break
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return 100 * float64(total-available) / float64(total), nil
}
