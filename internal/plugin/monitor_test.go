package plugin

import (
	"errors"
	"math"
	"testing"

	"github.com/cadenzahq/cadenza/internal/config"
)

// fakeSampler returns scripted readings, one per tick.
type fakeSampler struct {
	readings []struct{ cpu, mem float64 }
	err      error
	calls    int
}

func (f *fakeSampler) sample() (float64, float64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	r := f.readings[min(f.calls, len(f.readings)-1)]
	f.calls++
	return r.cpu, r.mem, nil
}

func newTestMonitor(cfg config.PluginConfig, s sampler, stop func(*instance)) *Monitor {
	if stop == nil {
		stop = func(*instance) {}
	}
	return &Monitor{
		cfg:     cfg,
		stop:    stop,
		sampler: s,
		plugins: make(map[*instance]*Stats),
	}
}

func steady(cpu, mem float64) *fakeSampler {
	return &fakeSampler{readings: []struct{ cpu, mem float64 }{{cpu, mem}}}
}

func TestMonitorAttributesUsageEqually(t *testing.T) {
	m := newTestMonitor(config.PluginConfig{}, steady(40, 200), nil)
	a := &instance{agentID: "a1", pluginType: "x"}
	b := &instance{agentID: "a1", pluginType: "y"}
	m.register(a)
	m.register(b)

	m.tick()

	for _, typ := range []string{"x", "y"} {
		st, ok := m.Stats("a1", typ)
		if !ok {
			t.Fatalf("no stats for %s", typ)
		}
		if st.CurrentCPU != 20 || st.CurrentMemMB != 100 {
			t.Errorf("%s: cpu=%v mem=%v, want 20 and 100", typ, st.CurrentCPU, st.CurrentMemMB)
		}
		if st.Samples != 1 {
			t.Errorf("%s: samples = %d, want 1", typ, st.Samples)
		}
	}
}

func TestMonitorTracksPeakAndAverage(t *testing.T) {
	s := &fakeSampler{readings: []struct{ cpu, mem float64 }{
		{10, 50}, {30, 150}, {20, 100},
	}}
	m := newTestMonitor(config.PluginConfig{}, s, nil)
	inst := &instance{agentID: "a1", pluginType: "x"}
	m.register(inst)

	m.tick()
	m.tick()
	m.tick()

	st, _ := m.Stats("a1", "x")
	if st.PeakCPU != 30 || st.PeakMemMB != 150 {
		t.Errorf("peak cpu=%v mem=%v, want 30 and 150", st.PeakCPU, st.PeakMemMB)
	}
	if math.Abs(st.AvgCPU-20) > 1e-9 || math.Abs(st.AvgMemMB-100) > 1e-9 {
		t.Errorf("avg cpu=%v mem=%v, want 20 and 100", st.AvgCPU, st.AvgMemMB)
	}
	if st.CurrentCPU != 20 {
		t.Errorf("current cpu = %v, want 20", st.CurrentCPU)
	}
}

func TestMonitorStopsAfterConsecutiveViolations(t *testing.T) {
	var stopped []*instance
	cfg := config.PluginConfig{CPULimitPercent: 25, ViolationThreshold: 3}
	m := newTestMonitor(cfg, steady(50, 10), nil)
	m.stop = func(inst *instance) {
		stopped = append(stopped, inst)
		m.unregister(inst)
	}
	inst := &instance{agentID: "a1", pluginType: "x"}
	m.register(inst)

	m.tick()
	m.tick()
	if len(stopped) != 0 {
		t.Fatal("stopped before reaching the violation threshold")
	}
	m.tick()
	if len(stopped) != 1 || stopped[0] != inst {
		t.Fatalf("stopped = %v", stopped)
	}
	if _, ok := m.Stats("a1", "x"); ok {
		t.Error("stopped plugin still registered")
	}
}

func TestMonitorStopsViolatorOnce(t *testing.T) {
	var stopped int
	cfg := config.PluginConfig{CPULimitPercent: 25, ViolationThreshold: 1}
	m := newTestMonitor(cfg, steady(50, 10), nil)
	// A stop callback that never unregisters; the monitor must still not
	// stop the same instance twice.
	m.stop = func(*instance) { stopped++ }
	m.register(&instance{agentID: "a1", pluginType: "x"})

	m.tick()
	m.tick()
	m.tick()
	if stopped != 1 {
		t.Errorf("stopped = %d, want exactly 1", stopped)
	}
}

func TestMonitorSkipsUnregisteredViolator(t *testing.T) {
	var stopped []*instance
	a := &instance{agentID: "a1", pluginType: "x"}
	b := &instance{agentID: "a1", pluginType: "y"}

	cfg := config.PluginConfig{CPULimitPercent: 1, ViolationThreshold: 1}
	m := newTestMonitor(cfg, steady(50, 10), nil)
	// Stopping one instance tears the other down as well, as an agent-wide
	// shutdown would. The pass must notice and not stop it a second time.
	m.stop = func(inst *instance) {
		stopped = append(stopped, inst)
		m.unregister(a)
		m.unregister(b)
	}
	m.register(a)
	m.register(b)

	m.tick()
	if len(stopped) != 1 {
		t.Errorf("stopped = %v, want a single stop for the pass", stopped)
	}
}

func TestMonitorCleanSampleResetsViolations(t *testing.T) {
	var stopped int
	s := &fakeSampler{readings: []struct{ cpu, mem float64 }{
		{50, 10}, {50, 10}, {5, 10}, {50, 10}, {50, 10},
	}}
	cfg := config.PluginConfig{CPULimitPercent: 25, ViolationThreshold: 3}
	m := newTestMonitor(cfg, s, nil)
	m.stop = func(inst *instance) {
		stopped++
		m.unregister(inst)
	}
	m.register(&instance{agentID: "a1", pluginType: "x"})

	for range 5 {
		m.tick()
	}
	if stopped != 0 {
		t.Errorf("stopped = %d, want 0: a clean sample must reset the streak", stopped)
	}
}

func TestMonitorMemoryLimit(t *testing.T) {
	var stopped int
	cfg := config.PluginConfig{MemoryLimitMB: 64, ViolationThreshold: 1}
	m := newTestMonitor(cfg, steady(1, 200), nil)
	m.stop = func(inst *instance) {
		stopped++
		m.unregister(inst)
	}
	m.register(&instance{agentID: "a1", pluginType: "x"})

	m.tick()
	if stopped != 1 {
		t.Errorf("stopped = %d, want 1", stopped)
	}
}

func TestMonitorZeroLimitsNeverViolate(t *testing.T) {
	var stopped int
	cfg := config.PluginConfig{ViolationThreshold: 1}
	m := newTestMonitor(cfg, steady(999, 9999), nil)
	m.stop = func(*instance) { stopped++ }
	m.register(&instance{agentID: "a1", pluginType: "x"})

	m.tick()
	if stopped != 0 {
		t.Errorf("stopped = %d, want 0 with no limits configured", stopped)
	}
}

func TestMonitorDisablesOnSampleError(t *testing.T) {
	m := newTestMonitor(config.PluginConfig{}, &fakeSampler{err: errors.New("no procfs")}, nil)
	m.register(&instance{agentID: "a1", pluginType: "x"})

	m.tick()

	m.mu.Lock()
	disabled := m.disabled
	m.mu.Unlock()
	if !disabled {
		t.Error("monitor must disable itself when sampling fails")
	}
	if st, _ := m.Stats("a1", "x"); st.Samples != 0 {
		t.Errorf("samples = %d, want 0 after a failed pass", st.Samples)
	}
}
