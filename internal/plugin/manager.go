package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/vault"
)

// dispatchTimeout bounds one fan-out across all of an agent's plugins.
const dispatchTimeout = 5 * time.Second

// instance is one running plugin with its identity.
type instance struct {
	agentID    string
	pluginType string
	plugin     Plugin
	config     map[string]any
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithMetrics wires the active-plugin gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// Manager owns the running plugin instances for every agent. One plugin
// failing to initialize, start, or handle a dispatch never affects its
// siblings.
type Manager struct {
	cfg     config.PluginConfig
	vault   *vault.Vault
	events  events.Publisher
	metrics *observe.Metrics
	monitor *Monitor

	mu     sync.Mutex
	active map[string]map[string]*instance // agentID → pluginType → instance
}

// NewManager creates a plugin manager. v may be nil when no plugin carries
// encrypted credentials.
func NewManager(cfg config.PluginConfig, v *vault.Vault, publisher events.Publisher, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		vault:  v,
		events: publisher,
		active: make(map[string]map[string]*instance),
	}
	for _, o := range opts {
		o(m)
	}
	m.monitor = newMonitor(cfg, m.stopViolator)
	return m
}

// StartMonitor begins resource sampling. Blocks until ctx is cancelled;
// intended to run in its own goroutine. A monitor that cannot sample the
// process disables itself.
func (m *Manager) StartMonitor(ctx context.Context) {
	m.monitor.run(ctx)
}

// InitializeAgentPlugins instantiates, validates, and starts every plugin
// configured on the agent. The result maps plugin type to success; a failing
// plugin is recorded false and skipped, never aborting the others.
func (m *Manager) InitializeAgentPlugins(ctx context.Context, agent *store.Agent) map[string]bool {
	results := make(map[string]bool, len(agent.Plugins))

	for pluginType, rawCfg := range agent.Plugins {
		ok := m.startOne(ctx, agent, pluginType, rawCfg)
		results[pluginType] = ok
	}
	return results
}

// startOne runs the full decrypt-validate-initialize-start sequence for a
// single plugin.
func (m *Manager) startOne(ctx context.Context, agent *store.Agent, pluginType string, rawCfg map[string]any) bool {
	cfg := rawCfg
	if m.vault != nil {
		decrypted, err := m.vault.DecryptFields(pluginType, rawCfg)
		if err != nil {
			slog.Error("plugin: decrypt config failed", "agent_id", agent.ID, "plugin", pluginType, "error", err)
			return false
		}
		cfg = decrypted
	}

	if enabled, present := cfg["enabled"].(bool); present && !enabled {
		slog.Debug("plugin: disabled by config", "agent_id", agent.ID, "plugin", pluginType)
		return false
	}

	factory, ok := lookup(pluginType)
	if !ok {
		slog.Error("plugin: unknown type", "agent_id", agent.ID, "plugin", pluginType)
		return false
	}

	p := factory()
	normalized, err := p.ValidateConfig(cfg)
	if err != nil {
		slog.Error("plugin: config validation failed", "agent_id", agent.ID, "plugin", pluginType, "error", err)
		return false
	}
	if err := p.Initialize(ctx, agent, normalized); err != nil {
		slog.Error("plugin: initialize failed", "agent_id", agent.ID, "plugin", pluginType, "error", err)
		return false
	}
	if err := p.Start(ctx); err != nil {
		slog.Error("plugin: start failed", "agent_id", agent.ID, "plugin", pluginType, "error", err)
		return false
	}

	inst := &instance{agentID: agent.ID, pluginType: pluginType, plugin: p, config: normalized}
	m.mu.Lock()
	if m.active[agent.ID] == nil {
		m.active[agent.ID] = make(map[string]*instance)
	}
	m.active[agent.ID][pluginType] = inst
	m.mu.Unlock()

	m.monitor.register(inst)
	if m.metrics != nil {
		m.metrics.ActivePlugins.Add(ctx, 1)
	}
	slog.Info("plugin: started", "agent_id", agent.ID, "plugin", pluginType)
	return true
}

// StopAgentPlugins stops and removes every plugin of one agent.
func (m *Manager) StopAgentPlugins(ctx context.Context, agentID string) {
	m.mu.Lock()
	insts := m.active[agentID]
	delete(m.active, agentID)
	m.mu.Unlock()

	for _, inst := range insts {
		m.stopInstance(ctx, inst)
	}
}

// RestartPlugin stops a running plugin and starts a fresh instance with the
// same normalized config.
func (m *Manager) RestartPlugin(ctx context.Context, agentID, pluginType string) error {
	m.mu.Lock()
	inst := m.active[agentID][pluginType]
	if inst != nil {
		delete(m.active[agentID], pluginType)
	}
	m.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("plugin: %s/%s is not running", agentID, pluginType)
	}
	m.stopInstance(ctx, inst)

	agent := &store.Agent{ID: agentID, Plugins: map[string]map[string]any{pluginType: inst.config}}
	if !m.startOne(ctx, agent, pluginType, inst.config) {
		return fmt.Errorf("plugin: restart %s/%s failed", agentID, pluginType)
	}
	return nil
}

// DispatchMessage fans a finalized user message out to the agent's plugins.
// The whole fan-out is bounded by one timeout; per-plugin errors are logged
// and swallowed.
func (m *Manager) DispatchMessage(ctx context.Context, agentID, sessionID, text string, meta map[string]any) {
	m.dispatch(ctx, agentID, "message", func(ctx context.Context, p Plugin) error {
		return p.OnMessage(ctx, sessionID, text, meta)
	})
}

// DispatchResponse fans a completed assistant response out to the agent's
// plugins.
func (m *Manager) DispatchResponse(ctx context.Context, agentID, sessionID, text string, meta map[string]any) {
	m.dispatch(ctx, agentID, "response", func(ctx context.Context, p Plugin) error {
		return p.OnResponse(ctx, sessionID, text, meta)
	})
}

func (m *Manager) dispatch(ctx context.Context, agentID, kind string, call func(context.Context, Plugin) error) {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.active[agentID]))
	for _, inst := range m.active[agentID] {
		insts = append(insts, inst)
	}
	m.mu.Unlock()
	if len(insts) == 0 {
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			if err := call(dispatchCtx, inst.plugin); err != nil {
				slog.Warn("plugin: dispatch failed",
					"agent_id", inst.agentID, "plugin", inst.pluginType, "kind", kind, "error", err)
			}
		}(inst)
	}
	wg.Wait()
}

// Get returns the running plugin for (agent, type).
func (m *Manager) Get(agentID, pluginType string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.active[agentID][pluginType]
	if inst == nil {
		return nil, false
	}
	return inst.plugin, true
}

// Shutdown stops every running plugin.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var all []*instance
	for _, byType := range m.active {
		for _, inst := range byType {
			all = append(all, inst)
		}
	}
	m.active = make(map[string]map[string]*instance)
	m.mu.Unlock()

	for _, inst := range all {
		m.stopInstance(ctx, inst)
	}
}

// stopViolator is the monitor's kill switch: stop the plugin and remove it
// from the active set.
func (m *Manager) stopViolator(inst *instance) {
	m.mu.Lock()
	if byType := m.active[inst.agentID]; byType != nil && byType[inst.pluginType] == inst {
		delete(byType, inst.pluginType)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.stopInstance(ctx, inst)

	if m.events != nil {
		m.events.Publish(events.EventPluginStopped, map[string]any{
			"agent_id": inst.agentID,
			"plugin":   inst.pluginType,
			"reason":   "resource_limit",
		})
	}
	slog.Warn("plugin: stopped for resource violations",
		"agent_id", inst.agentID, "plugin", inst.pluginType)
}

func (m *Manager) stopInstance(ctx context.Context, inst *instance) {
	m.monitor.unregister(inst)
	if err := inst.plugin.Stop(ctx); err != nil {
		slog.Warn("plugin: stop failed", "agent_id", inst.agentID, "plugin", inst.pluginType, "error", err)
	}
	if m.metrics != nil {
		m.metrics.ActivePlugins.Add(ctx, -1)
	}
}
