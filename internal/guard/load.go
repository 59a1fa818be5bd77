package guard

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// LoadSampler periodically samples host CPU/memory utilization and
// reports whether the host is over its configured admission ceiling,
// so the server can shed new connections under heavy load rather than
// degrade every existing one.
type LoadSampler struct {
	maxCPUPercent float64
	maxMemPercent float64
	interval      time.Duration

	mu       sync.RWMutex
	cpuPct   float64
	memPct   float64
	sampled  bool
}

func NewLoadSampler(maxCPUPercent, maxMemPercent float64) *LoadSampler {
	return &LoadSampler{maxCPUPercent: maxCPUPercent, maxMemPercent: maxMemPercent, interval: 5 * time.Second}
}

// Run samples in a loop until ctx-equivalent stop channel closes.
func (s *LoadSampler) Run(stop <-chan struct{}) {
	s.sampleOnce()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *LoadSampler) sampleOnce() {
	var cpuPct float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	} else {
		log.Debugf("load sampler: cpu.Percent failed: %v", err)
	}
	var memPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	} else {
		log.Debugf("load sampler: mem.VirtualMemory failed: %v", err)
	}

	s.mu.Lock()
	s.cpuPct, s.memPct, s.sampled = cpuPct, memPct, true
	s.mu.Unlock()
}

// Overloaded reports whether the most recent sample exceeds either
// configured ceiling. Before the first sample completes, it reports
// false (fail open) rather than blocking all admission at startup.
func (s *LoadSampler) Overloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.sampled {
		return false
	}
	if s.maxCPUPercent > 0 && s.cpuPct >= s.maxCPUPercent {
		return true
	}
	if s.maxMemPercent > 0 && s.memPct >= s.maxMemPercent {
		return true
	}
	return false
}
