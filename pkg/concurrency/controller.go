// Package concurrency implements the admission-control substrate for
// inference requests: lane/global/per-model/per-client semaphores, adaptive
// concurrency under memory and latency pressure, and graceful drain.
//
// Grounded on the ConcurrencyController of the system this control plane was
// distilled from: lanes and semaphores are acquired in a fixed order and
// released in reverse, the adaptive limit is only ever applied when no
// request is in flight, and drain is voluntary (it does not reject new
// arrivals; that is the lifecycle layer's job).
package concurrency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/memory"
)

// Priority is the admission priority of one request.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Config controls the controller's limits and adaptation behavior.
type Config struct {
	MaxConcurrentRequests int // configured max, clamped to [1, 64]
	AdaptiveMin           int
	SemaphoreTimeout      time.Duration
	AdaptiveEnabled        bool
	TargetLatencyMs        float64
	PerModelCaps           map[string]int
	PerClientDefaultCap    int
	PerClientFairness      bool
}

// lanes bundles the three top-level semaphores that change together on
// rebuild; swapped atomically so acquire() never observes a half-rebuilt
// set.
type lanes struct {
	global *sem
	normal *sem // nil when split is disabled (capacity < 3)
	high   *sem // nil when split is disabled
	limit  int
}

// Controller is the single owner of every semaphore in the process; other
// components pass intent (model ID, priority, client ID) and never hold a
// semaphore across a component boundary other than through Acquire/Release.
type Controller struct {
	cfg Config
	mem *memory.Monitor

	mu          sync.Mutex // guards lanes swap, perModel/perClient maps, latency samples
	current     *lanes
	perModel    map[string]*sem
	perClient   map[string]*sem

	latencies   []time.Duration // ring buffer, most recent N samples
	latencyCap  int

	inFlight        int64Counter
	inFlightByModel map[string]*int64Counter

	drainMu   sync.Mutex
	drainCond *sync.Cond
}

// int64Counter is a tiny mutex-guarded counter helper kept local to this
// package; the controller already serializes most mutation under mu, this
// just avoids a separate atomic import for the hot increment/decrement path.
type int64Counter struct {
	mu sync.Mutex
	v  int64
}

func (c *int64Counter) add(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v += delta
	return c.v
}

func (c *int64Counter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// New constructs a Controller and builds its initial lane set from
// cfg.MaxConcurrentRequests (clamped to [1, 64]).
func New(cfg Config, mon *memory.Monitor) *Controller {
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.MaxConcurrentRequests > 64 {
		cfg.MaxConcurrentRequests = 64
	}
	if cfg.SemaphoreTimeout <= 0 {
		cfg.SemaphoreTimeout = 30 * time.Second
	}
	if cfg.PerModelCaps == nil {
		cfg.PerModelCaps = map[string]int{}
	}
	ctl := &Controller{
		cfg:             cfg,
		mem:             mon,
		perModel:        map[string]*sem{},
		perClient:       map[string]*sem{},
		latencyCap:      256,
		inFlightByModel: map[string]*int64Counter{},
	}
	ctl.drainCond = sync.NewCond(&ctl.drainMu)
	ctl.current = ctl.buildLanes(cfg.MaxConcurrentRequests)
	return ctl
}

func (c *Controller) buildLanes(limit int) *lanes {
	if limit < 3 {
		return &lanes{global: newSem(limit), limit: limit}
	}
	return &lanes{
		global: newSem(limit),
		normal: newSem(limit - 1),
		high:   newSem(1),
		limit:  limit,
	}
}

// Admission is the set of acquired slots for one request; Release must be
// called exactly once, regardless of success or failure downstream.
type Admission struct {
	ctl      *Controller
	lane     *sem
	global   *sem
	model    *sem
	client   *sem
	modelID  string
	acquired time.Time
}

// Acquire admits one request, acquiring lane → global → per-model →
// per-client in order, each bounded by cfg.SemaphoreTimeout. On timeout it
// releases everything already acquired and returns an overloaded error.
func (c *Controller) Acquire(ctx context.Context, modelID string, clientID string, priority Priority) (*Admission, error) {
	lns := c.current // single pointer read; rebuild only swaps this under mu with in_flight==0
	adm := &Admission{ctl: c, modelID: modelID, acquired: time.Now()}

	laneSem := lns.global
	if lns.normal != nil && lns.high != nil {
		if priority == PriorityHigh {
			laneSem = lns.high
		} else {
			laneSem = lns.normal
		}
	}
	if laneSem != lns.global {
		if !laneSem.acquire(ctx, c.cfg.SemaphoreTimeout) {
			return nil, c.overloadErr()
		}
		adm.lane = laneSem
	}

	if !lns.global.acquire(ctx, c.cfg.SemaphoreTimeout) {
		adm.releaseLane()
		return nil, c.overloadErr()
	}
	adm.global = lns.global

	if modelID != "" {
		if cap, ok := c.cfg.PerModelCaps[modelID]; ok && cap < lns.limit {
			ms := c.modelSem(modelID, cap)
			if !ms.acquire(ctx, c.cfg.SemaphoreTimeout) {
				adm.release()
				return nil, c.overloadErr()
			}
			adm.model = ms
		}
	}

	if c.cfg.PerClientFairness {
		key := clientID
		if key == "" {
			key = "anonymous"
		}
		cs := c.clientSem(key)
		if !cs.acquire(ctx, c.cfg.SemaphoreTimeout) {
			adm.release()
			return nil, c.overloadErr()
		}
		adm.client = cs
	}

	c.inFlight.add(1)
	if modelID != "" {
		c.modelCounter(modelID).add(1)
	}
	return adm, nil
}

func (c *Controller) overloadErr() *lmxerr.Error {
	return lmxerr.New(lmxerr.KindOverloaded, "Server is busy — all inference slots occupied").
		WithRetryAfter(5)
}

func (c *Controller) modelSem(modelID string, cap int) *sem {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.perModel[modelID]
	if !ok {
		s = newSem(cap)
		c.perModel[modelID] = s
	}
	return s
}

func (c *Controller) clientSem(clientID string) *sem {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.perClient[clientID]
	if !ok {
		capacity := c.cfg.PerClientDefaultCap
		if capacity <= 0 || capacity > c.current.limit {
			capacity = c.current.limit
		}
		s = newSem(capacity)
		c.perClient[clientID] = s
	}
	return s
}

func (c *Controller) modelCounter(modelID string) *int64Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	cnt, ok := c.inFlightByModel[modelID]
	if !ok {
		cnt = &int64Counter{}
		c.inFlightByModel[modelID] = cnt
	}
	return cnt
}

func (a *Admission) releaseLane() {
	if a.lane != nil {
		a.lane.release()
		a.lane = nil
	}
}

// release gives back every slot this Admission holds, in reverse acquire
// order. Release calls it, then records latency and signals drain waiters.
func (a *Admission) release() {
	if a.client != nil {
		a.client.release()
		a.client = nil
	}
	if a.model != nil {
		a.model.release()
		a.model = nil
	}
	if a.global != nil {
		a.global.release()
		a.global = nil
	}
	a.releaseLane()
}

// Release finishes the request: releases slots, records latency for the
// adaptive controller, and decrements in-flight counters.
func (a *Admission) Release() {
	latency := time.Since(a.acquired)
	a.release()

	c := a.ctl
	c.mu.Lock()
	c.latencies = append(c.latencies, latency)
	if len(c.latencies) > c.latencyCap {
		c.latencies = c.latencies[len(c.latencies)-c.latencyCap:]
	}
	c.mu.Unlock()

	remaining := c.inFlight.add(-1)
	if a.modelID != "" {
		c.modelCounter(a.modelID).add(-1)
	}
	if remaining == 0 {
		c.drainMu.Lock()
		c.drainCond.Broadcast()
		c.drainMu.Unlock()
	}
}

// InFlight returns the current total in-flight request count.
func (c *Controller) InFlight() int64 {
	return c.inFlight.get()
}

// Adapt recomputes the target concurrency limit from current memory
// pressure and (if enabled, with enough samples) p95 latency, then applies
// it — but only when in_flight == 0, to avoid releasing semaphore slots out
// from under requests that hold them.
func (c *Controller) Adapt() {
	max := c.cfg.MaxConcurrentRequests
	ratio := 0.0
	if c.mem != nil {
		ratio = c.mem.PressureRatio()
	}

	var target int
	switch {
	case ratio < 0.70:
		target = max
	case ratio < 0.85:
		target = max * 3 / 4
	case ratio < 0.95:
		target = max / 2
	default:
		target = c.cfg.AdaptiveMin
	}
	if target < c.cfg.AdaptiveMin {
		target = c.cfg.AdaptiveMin
	}

	if c.cfg.AdaptiveEnabled {
		c.mu.Lock()
		samples := append([]time.Duration(nil), c.latencies...)
		c.mu.Unlock()
		if len(samples) >= 8 {
			p95 := percentile(samples, 0.95)
			targetLatency := time.Duration(c.cfg.TargetLatencyMs) * time.Millisecond
			if targetLatency > 0 {
				if p95 > time.Duration(float64(targetLatency)*1.25) {
					target--
				} else if p95 < time.Duration(float64(targetLatency)*0.70) && c.hasBacklog() {
					target++
				}
			}
		}
	}
	if target < c.cfg.AdaptiveMin {
		target = c.cfg.AdaptiveMin
	}
	if target > max {
		target = max
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight.get() != 0 {
		return // applied only when in_flight == 0
	}
	if target == c.current.limit {
		return
	}
	c.current = c.buildLanes(target)
}

func (c *Controller) hasBacklog() bool {
	return c.inFlight.get() > 0
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// CurrentLimit returns the active global lane capacity.
func (c *Controller) CurrentLimit() int {
	return c.current.limit
}

// Drain waits until in_flight reaches zero or timeout elapses. It does not
// reject new arrivals — callers wanting that must stop routing traffic
// before calling Drain.
func (c *Controller) Drain(timeout time.Duration) bool {
	if c.inFlight.get() == 0 {
		return true
	}
	done := make(chan struct{})
	go func() {
		c.drainMu.Lock()
		for c.inFlight.get() != 0 {
			c.drainCond.Wait()
		}
		c.drainMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// LoadSnapshot summarizes current load for the Task Router's tie-breaking
// "least loaded" score.
type LoadSnapshot struct {
	Active          int
	Waiting         int
	Cap             int
	GlobalPressure  float64
}

// ModelLoad returns a load snapshot for modelID's admission state.
func (c *Controller) ModelLoad(modelID string) LoadSnapshot {
	c.mu.Lock()
	cap := c.current.limit
	if v, ok := c.cfg.PerModelCaps[modelID]; ok && v > 0 {
		cap = v
	}
	c.mu.Unlock()

	active := 0
	if cnt, ok := c.inFlightByModel[modelID]; ok {
		active = int(cnt.get())
	}
	pressure := 0.0
	if c.mem != nil {
		pressure = c.mem.PressureRatio()
	}
	return LoadSnapshot{
		Active:         active,
		Cap:            cap,
		GlobalPressure: pressure,
	}
}

// Score computes the "least loaded" score the Task Router uses to break
// ties among candidate models: active + waiting + active/cap + waiting/cap
// + global_pressure.
func (s LoadSnapshot) Score() float64 {
	cap := s.Cap
	if cap <= 0 {
		cap = 1
	}
	return float64(s.Active+s.Waiting) + float64(s.Active)/float64(cap) + float64(s.Waiting)/float64(cap) + s.GlobalPressure
}

// String renders a Controller's current limit for logging.
func (c *Controller) String() string {
	return fmt.Sprintf("concurrency.Controller{limit=%d in_flight=%d}", c.current.limit, c.inFlight.get())
}
