// Package memory polls host memory and publishes a snapshot the
// concurrency controller and model lifecycle manager use for admission and
// eviction decisions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host memory.
type Snapshot struct {
	TotalBytes      uint64
	UsedBytes       uint64
	AvailableBytes  uint64
	UsedPercent     float64
	ObservedAt      time.Time
}

// Monitor polls host memory on an interval and caches the latest Snapshot
// behind a read/write mutex, so readers never wait on a poll.
type Monitor struct {
	highWatermarkPct float64
	pollInterval     time.Duration

	mu       sync.RWMutex
	latest   Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor. Call Start to begin polling; an initial
// synchronous read populates Snapshot before New returns.
func New(highWatermarkPct float64, pollInterval time.Duration) *Monitor {
	m := &Monitor{
		highWatermarkPct: highWatermarkPct,
		pollInterval:     pollInterval,
		stopCh:           make(chan struct{}),
	}
	m.poll()
	return m
}

// Start begins the background polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) poll() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		// Keep the previous snapshot on a transient read failure rather
		// than publishing zeroed-out memory, which would look like total
		// exhaustion to the concurrency controller.
		return
	}
	snap := Snapshot{
		TotalBytes:     vm.Total,
		UsedBytes:      vm.Used,
		AvailableBytes: vm.Available,
		UsedPercent:    vm.UsedPercent,
		ObservedAt:     time.Now(),
	}
	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()
}

// Latest returns the most recent Snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// HighWatermarkPct returns the configured high-watermark percentage.
func (m *Monitor) HighWatermarkPct() float64 {
	return m.highWatermarkPct
}

// PressureRatio returns UsedPercent / HighWatermarkPct, the ratio the
// concurrency controller's adapt loop compares against its thresholds.
func (m *Monitor) PressureRatio() float64 {
	s := m.Latest()
	if m.highWatermarkPct <= 0 {
		return 0
	}
	return s.UsedPercent / m.highWatermarkPct
}
