package plugin

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/cadenzahq/cadenza/internal/config"
)

// defaultSampleInterval applies when the config leaves it unset.
const defaultSampleInterval = 5 * time.Second

// Stats is the resource usage attributed to one plugin.
type Stats struct {
	CurrentCPU float64
	PeakCPU    float64
	AvgCPU     float64

	CurrentMemMB float64
	PeakMemMB    float64
	AvgMemMB     float64

	Samples    int
	Violations int
}

// sampler reads the process's resource usage. Swapped in tests.
type sampler interface {
	sample() (cpuPercent, rssMB float64, err error)
}

// processSampler reads the current process via gopsutil.
type processSampler struct {
	proc *process.Process
}

func newProcessSampler() (*processSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) sample() (float64, float64, error) {
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpu, float64(mem.RSS) / (1024 * 1024), nil
}

// Monitor samples process CPU and resident memory, attributes the totals
// equally across the registered plugins, and stops any plugin whose share
// exceeds the limits for enough consecutive samples. A monitor that cannot
// sample at all disables itself rather than guessing.
type Monitor struct {
	cfg  config.PluginConfig
	stop func(*instance)

	mu       sync.Mutex
	sampler  sampler
	plugins  map[*instance]*Stats
	disabled bool
}

func newMonitor(cfg config.PluginConfig, stop func(*instance)) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	m := &Monitor{
		cfg:     cfg,
		stop:    stop,
		plugins: make(map[*instance]*Stats),
	}
	s, err := newProcessSampler()
	if err != nil {
		slog.Warn("plugin: resource sampling unavailable; monitor disabled", "error", err)
		m.disabled = true
		return m
	}
	m.sampler = s
	return m
}

func (m *Monitor) register(inst *instance) {
	m.mu.Lock()
	m.plugins[inst] = &Stats{}
	m.mu.Unlock()
}

func (m *Monitor) unregister(inst *instance) {
	m.mu.Lock()
	delete(m.plugins, inst)
	m.mu.Unlock()
}

// Stats returns the tracked usage for one plugin.
func (m *Monitor) Stats(agentID, pluginType string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for inst, st := range m.plugins {
		if inst.agentID == agentID && inst.pluginType == pluginType {
			return *st, true
		}
	}
	return Stats{}, false
}

// run samples until ctx is cancelled.
func (m *Monitor) run(ctx context.Context) {
	m.mu.Lock()
	disabled := m.disabled
	m.mu.Unlock()
	if disabled {
		return
	}

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick runs one sampling pass and stops any plugin past the violation
// threshold.
func (m *Monitor) tick() {
	cpu, rssMB, err := m.sampler.sample()
	if err != nil {
		slog.Warn("plugin: resource sample failed; monitor disabled", "error", err)
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		return
	}

	var violators []*instance
	m.mu.Lock()
	n := len(m.plugins)
	if n > 0 {
		cpuShare := cpu / float64(n)
		memShare := rssMB / float64(n)
		for inst, st := range m.plugins {
			st.Samples++
			st.CurrentCPU = cpuShare
			st.CurrentMemMB = memShare
			st.PeakCPU = max(st.PeakCPU, cpuShare)
			st.PeakMemMB = max(st.PeakMemMB, memShare)
			st.AvgCPU += (cpuShare - st.AvgCPU) / float64(st.Samples)
			st.AvgMemMB += (memShare - st.AvgMemMB) / float64(st.Samples)

			violation := (m.cfg.CPULimitPercent > 0 && cpuShare > m.cfg.CPULimitPercent) ||
				(m.cfg.MemoryLimitMB > 0 && memShare > m.cfg.MemoryLimitMB)
			if violation {
				st.Violations++
			} else {
				st.Violations = 0
			}
			if m.cfg.ViolationThreshold > 0 && st.Violations >= m.cfg.ViolationThreshold {
				violators = append(violators, inst)
			}
		}
	}
	m.mu.Unlock()

	// stop unregisters the instance, so it must run outside the lock. An
	// instance unregistered since the pass was collected is skipped, and
	// removing it here keeps a second pass from stopping it again.
	for _, inst := range violators {
		m.mu.Lock()
		_, live := m.plugins[inst]
		delete(m.plugins, inst)
		m.mu.Unlock()
		if live {
			m.stop(inst)
		}
	}
}
