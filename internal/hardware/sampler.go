// Package hardware implements the agent's periodic hardware-metrics
// sampler. It reads Go runtime memory stats; real CPU/GPU telemetry comes
// from outside this process, so the snapshot only covers what the agent
// itself can observe.
package hardware

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/0xlynett/piercer/pkg/piercer"
)

// Sampler holds the most recently captured snapshot and refreshes it on a
// timer until its Run context is canceled.
type Sampler struct {
	interval time.Duration

	mu   sync.RWMutex
	last *piercer.HardwareSnapshot
}

// New creates a Sampler with an immediate first sample; interval <= 0 falls
// back to 5s.
func New(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Sampler{interval: interval}
	s.sample()
	return s
}

// Run ticks until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := &piercer.HardwareSnapshot{
		MemoryUsedMB:  mem.Alloc / (1 << 20),
		MemoryTotalMB: mem.Sys / (1 << 20),
		SampledAt:     time.Now(),
	}
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

// Latest returns the most recent snapshot, never nil after New.
func (s *Sampler) Latest() *piercer.HardwareSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
