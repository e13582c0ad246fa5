package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/vault"
)

// fakePlugin records lifecycle calls and can fail at any stage.
type fakePlugin struct {
	mu sync.Mutex

	validateErr error
	initErr     error
	startErr    error
	onMsgErr    error

	cfg       map[string]any
	started   int
	stopped   int
	messages  []string
	responses []string
}

func (f *fakePlugin) ValidateConfig(cfg map[string]any) (map[string]any, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return cfg, nil
}

func (f *fakePlugin) Initialize(ctx context.Context, agent *store.Agent, cfg map[string]any) error {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return f.initErr
}

func (f *fakePlugin) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakePlugin) OnMessage(ctx context.Context, sessionID, text string, meta map[string]any) error {
	f.mu.Lock()
	f.messages = append(f.messages, text)
	f.mu.Unlock()
	return f.onMsgErr
}

func (f *fakePlugin) OnResponse(ctx context.Context, sessionID, text string, meta map[string]any) error {
	f.mu.Lock()
	f.responses = append(f.responses, text)
	f.mu.Unlock()
	return nil
}

// registerFake registers a unique plugin type returning the given instance.
func registerFake(t *testing.T, name string, p *fakePlugin) string {
	t.Helper()
	typ := t.Name() + "/" + name
	Register(typ, func() Plugin { return p })
	return typ
}

func agentWith(plugins map[string]map[string]any) *store.Agent {
	return &store.Agent{ID: "a1", Name: "Ada", Plugins: plugins}
}

func TestInitializeAgentPluginsIsolatesFailures(t *testing.T) {
	good := &fakePlugin{}
	bad := &fakePlugin{validateErr: errors.New("missing token")}
	goodType := registerFake(t, "good", good)
	badType := registerFake(t, "bad", bad)

	m := NewManager(config.PluginConfig{}, nil, nil)
	results := m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{
		goodType: {"k": "v"},
		badType:  {},
	}))

	if !results[goodType] || results[badType] {
		t.Errorf("results = %v", results)
	}
	if good.started != 1 {
		t.Errorf("good plugin started %d times, want 1", good.started)
	}
	if _, ok := m.Get("a1", goodType); !ok {
		t.Error("good plugin missing from active set")
	}
	if _, ok := m.Get("a1", badType); ok {
		t.Error("failed plugin must not be active")
	}
}

func TestInitializeSkipsDisabledPlugins(t *testing.T) {
	p := &fakePlugin{}
	typ := registerFake(t, "disabled", p)

	m := NewManager(config.PluginConfig{}, nil, nil)
	results := m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{
		typ: {"enabled": false},
	}))

	if results[typ] {
		t.Error("disabled plugin reported as started")
	}
	if p.started != 0 {
		t.Error("disabled plugin was started")
	}
}

func TestInitializeUnknownTypeFails(t *testing.T) {
	m := NewManager(config.PluginConfig{}, nil, nil)
	results := m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{
		"no-such-plugin": {},
	}))
	if results["no-such-plugin"] {
		t.Error("unknown plugin type reported as started")
	}
}

func TestInitializeDecryptsConfig(t *testing.T) {
	p := &fakePlugin{}
	typ := registerFake(t, "secret", p)

	v := vault.New("test-secret")
	v.RegisterSensitiveFields(typ, "token")
	encrypted := v.EncryptFields(typ, map[string]any{"token": "hunter2", "channel": "c1"})
	if encrypted["token"] == "hunter2" {
		t.Fatal("fixture: token was not encrypted")
	}

	m := NewManager(config.PluginConfig{}, v, nil)
	results := m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{
		typ: encrypted,
	}))
	if !results[typ] {
		t.Fatalf("results = %v", results)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg["token"] != "hunter2" {
		t.Errorf("token = %v, want decrypted plaintext", p.cfg["token"])
	}
	if p.cfg["channel"] != "c1" {
		t.Errorf("channel = %v, non-sensitive fields must pass through", p.cfg["channel"])
	}
}

func TestDispatchSwallowsPluginErrors(t *testing.T) {
	ok := &fakePlugin{}
	failing := &fakePlugin{onMsgErr: errors.New("boom")}
	okType := registerFake(t, "ok", ok)
	failType := registerFake(t, "fail", failing)

	m := NewManager(config.PluginConfig{}, nil, nil)
	m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{
		okType:   {},
		failType: {},
	}))

	m.DispatchMessage(context.Background(), "a1", "s1", "hello", nil)
	m.DispatchResponse(context.Background(), "a1", "s1", "hi there", nil)

	ok.mu.Lock()
	defer ok.mu.Unlock()
	if len(ok.messages) != 1 || ok.messages[0] != "hello" {
		t.Errorf("messages = %v", ok.messages)
	}
	if len(ok.responses) != 1 || ok.responses[0] != "hi there" {
		t.Errorf("responses = %v", ok.responses)
	}
	failing.mu.Lock()
	defer failing.mu.Unlock()
	if len(failing.messages) != 1 {
		t.Error("failing plugin must still receive the dispatch")
	}
}

func TestStopAgentPlugins(t *testing.T) {
	p := &fakePlugin{}
	typ := registerFake(t, "stop", p)

	m := NewManager(config.PluginConfig{}, nil, nil)
	m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{typ: {}}))
	m.StopAgentPlugins(context.Background(), "a1")

	if p.stopped != 1 {
		t.Errorf("stopped %d times, want 1", p.stopped)
	}
	if _, ok := m.Get("a1", typ); ok {
		t.Error("stopped plugin still active")
	}
}

func TestRestartPlugin(t *testing.T) {
	p := &fakePlugin{}
	typ := registerFake(t, "restart", p)

	m := NewManager(config.PluginConfig{}, nil, nil)
	m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{typ: {"k": "v"}}))

	if err := m.RestartPlugin(context.Background(), "a1", typ); err != nil {
		t.Fatalf("RestartPlugin: %v", err)
	}
	if p.stopped != 1 || p.started != 2 {
		t.Errorf("stopped=%d started=%d, want 1 and 2", p.stopped, p.started)
	}

	if err := m.RestartPlugin(context.Background(), "a1", "missing"); err == nil {
		t.Error("restarting an unknown plugin must fail")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	p1 := &fakePlugin{}
	p2 := &fakePlugin{}
	t1 := registerFake(t, "one", p1)
	t2 := registerFake(t, "two", p2)

	m := NewManager(config.PluginConfig{}, nil, nil)
	m.InitializeAgentPlugins(context.Background(), agentWith(map[string]map[string]any{t1: {}}))
	m.InitializeAgentPlugins(context.Background(), &store.Agent{
		ID: "a2", Plugins: map[string]map[string]any{t2: {}},
	})

	m.Shutdown(context.Background())
	if p1.stopped != 1 || p2.stopped != 1 {
		t.Errorf("stopped = %d/%d, want 1/1", p1.stopped, p2.stopped)
	}
}
