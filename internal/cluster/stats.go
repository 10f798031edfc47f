package cluster

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// sampler reads process resource usage for heartbeat snapshots. CPU
// percentages come from gopsutil interval deltas, so the first call
// primes the counters and readings settle after one interval.
type sampler struct {
	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

func newSampler() *sampler {
	s := &sampler{}
	// Prime the delta so the next non-blocking read is meaningful.
	cpu.Percent(0, false)
	return s
}

// sample returns (cpu fraction 0..1, heap used MB, heap reserved MB).
func (s *sampler) sample() (float64, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-reading faster than gopsutil's delta window just returns
	// noise, so cache for a second.
	if time.Since(s.lastAt) >= time.Second {
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			s.lastCPU = percents[0] / 100
		}
		s.lastAt = time.Now()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return s.lastCPU, int64(mem.HeapAlloc / 1024 / 1024), int64(mem.Sys / 1024 / 1024)
}
