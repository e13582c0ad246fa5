// Package plugin hosts per-agent integrations: external surfaces (chat
// platforms, webhooks) that feed messages into the pipeline and relay
// responses back out. Plugins are registered by type name, instantiated per
// agent from the agent's plugin configuration, and supervised by a resource
// monitor that stops misbehaving instances.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cadenzahq/cadenza/internal/store"
)

// Plugin is the contract every integration implements. Lifecycle order is
// ValidateConfig, Initialize, Start, then Stop; OnMessage and OnResponse are
// only called between Start and Stop.
type Plugin interface {
	// ValidateConfig checks and normalizes the raw config. The returned map
	// is what Initialize receives.
	ValidateConfig(cfg map[string]any) (map[string]any, error)

	// Initialize binds the plugin to its agent. No external connections yet.
	Initialize(ctx context.Context, agent *store.Agent, cfg map[string]any) error

	// Start opens external connections and begins delivering events.
	Start(ctx context.Context) error

	// Stop closes external connections. Must be safe to call more than once.
	Stop(ctx context.Context) error

	// OnMessage is invoked for every finalized user message.
	OnMessage(ctx context.Context, sessionID, text string, meta map[string]any) error

	// OnResponse is invoked for every completed assistant response.
	OnResponse(ctx context.Context, sessionID, text string, meta map[string]any) error
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a plugin type to the global registry. Registering the same
// type twice panics; registration happens in package init blocks where a
// duplicate is a programming error.
func Register(pluginType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[pluginType]; dup {
		panic(fmt.Sprintf("plugin: duplicate registration for %q", pluginType))
	}
	registry[pluginType] = f
}

// lookup returns the factory for a plugin type.
func lookup(pluginType string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[pluginType]
	return f, ok
}

// Registered lists the known plugin types, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
