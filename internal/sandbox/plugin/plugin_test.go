package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projecttab/backend/internal/auth/token"
	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/validate"
	"github.com/projecttab/backend/internal/sandbox/supervisor"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []events.EventEnvelope
}

func (p *capturePublisher) Publish(_ context.Context, env events.EventEnvelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return true
}

func (p *capturePublisher) all() []events.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventEnvelope, len(p.envs))
	copy(out, p.envs)
	return out
}

func (p *capturePublisher) crashEnvelopes() []events.EventEnvelope {
	var out []events.EventEnvelope
	for _, env := range p.all() {
		if strings.HasPrefix(env.RunID, events.RunPrefixCrash) {
			out = append(out, env)
		}
	}
	return out
}

// fakeSandbox emulates a shim's HTTP and WebSocket surface on a fixed port.
type fakeSandbox struct {
	srv      *httptest.Server
	port     int
	mu       sync.Mutex
	spawned  bool
	killed   bool
	upgrader websocket.Upgrader
}

func newFakeSandbox(t *testing.T) *fakeSandbox {
	t.Helper()
	f := &fakeSandbox{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/spawn", func(w http.ResponseWriter, r *http.Request) {
		var brief v1.AgentBrief
		_ = json.NewDecoder(r.Body).Decode(&brief)
		f.mu.Lock()
		f.spawned = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(v1.AgentHandle{
			ID:        brief.AgentID,
			Status:    v1.AgentStatusRunning,
			SessionID: "session-1",
		})
	})
	mux.HandleFunc("/kill", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.killed = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(v1.KillResult{ArtifactsExtracted: 1, CleanShutdown: true})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(f.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	_, _ = fmt.Sscanf(portStr, "%d", &f.port)
	return f
}

func (f *fakeSandbox) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// newTestPlugin wires a plugin whose shim command is a shell announcing the
// fake sandbox's port and then sleeping.
func newTestPlugin(t *testing.T, sandbox *fakeSandbox, pub Publisher) (*Aggregating, *supervisor.Supervisor, *Registry) {
	t.Helper()
	log := testLogger()
	sup := supervisor.New(log)
	registry := NewRegistry()
	tokens := token.NewService("test-secret", time.Minute, log)
	quarantine := validate.NewQuarantine(8, log)

	cfg := Config{
		Command:               "/bin/sh",
		Args:                  []string{"-c", fmt.Sprintf(`echo '{"port":%d}'; sleep 60`, sandbox.port)},
		BackendURL:            "http://localhost:0",
		TokenTTL:              time.Minute,
		RPCTimeout:            2 * time.Second,
		HealthPollInterval:    20 * time.Millisecond,
		HealthStartupTimeout:  5 * time.Second,
		InitialReconnectDelay: 20 * time.Millisecond,
		MaxReconnectDelay:     100 * time.Millisecond,
	}
	p := NewAggregating(cfg, sup, tokens, pub, quarantine, registry, log)
	return p, sup, registry
}

func waitForExitHandling(t *testing.T, sup *supervisor.Supervisor, agentID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sup.Alive(agentID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give the exit listener a moment to run the crash pipeline.
	time.Sleep(200 * time.Millisecond)
}

func TestSpawnRegistersAgent(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, registry := newTestPlugin(t, sandbox, pub)
	defer p.KillAll(context.Background(), 100*time.Millisecond, 2*time.Second)

	handle, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: "agent-a", Workstream: "ws-1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if handle.ID != "agent-a" || handle.PluginName != PluginName {
		t.Errorf("unexpected handle %+v", handle)
	}

	registered, ok := registry.Get("agent-a")
	if !ok || registered.Status != v1.AgentStatusRunning {
		t.Errorf("registry missing agent: %+v ok=%v", registered, ok)
	}
	if !sup.Alive("agent-a") {
		t.Error("shim process not alive")
	}
	if _, ok := p.Transport("agent-a"); !ok {
		t.Error("transport not recorded")
	}
}

func TestCrashPublishesSyntheticPair(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, registry := newTestPlugin(t, sandbox, pub)

	crashed := make(chan string, 1)
	p.OnAgentCrash = func(agentID string, code *int, signal string) { crashed <- agentID }

	if _, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: "agent-a"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := sup.ForceKill("agent-a"); err != nil {
		t.Fatalf("force kill: %v", err)
	}
	waitForExitHandling(t, sup, "agent-a")

	select {
	case agentID := <-crashed:
		if agentID != "agent-a" {
			t.Errorf("crash callback for wrong agent %s", agentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash callback not invoked")
	}

	crashEnvs := pub.crashEnvelopes()
	if len(crashEnvs) != 2 {
		t.Fatalf("expected exactly 2 crash envelopes, got %d", len(crashEnvs))
	}
	// The pair shares one run id and is one error plus one lifecycle.
	if crashEnvs[0].RunID != crashEnvs[1].RunID {
		t.Errorf("crash pair run ids differ: %q vs %q", crashEnvs[0].RunID, crashEnvs[1].RunID)
	}
	types := map[events.Type]bool{crashEnvs[0].Event.Type: true, crashEnvs[1].Event.Type: true}
	if !types[events.TypeError] || !types[events.TypeLifecycle] {
		t.Errorf("unexpected crash pair types %v", types)
	}

	if handle, _ := registry.Get("agent-a"); handle.Status != v1.AgentStatusError {
		t.Errorf("registry status not error: %+v", handle)
	}
}

func TestCrashPipelineRunsOnce(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, _ := newTestPlugin(t, sandbox, pub)

	if _, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: "agent-a"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	_ = sup.ForceKill("agent-a")
	waitForExitHandling(t, sup, "agent-a")

	// The stream drop callback races the exit listener; whoever wins, the
	// pair must be synthesized exactly once.
	if got := len(pub.crashEnvelopes()); got != 2 {
		t.Errorf("expected 2 crash envelopes, got %d", got)
	}
}

func TestKillSuppressesCrashSynthesis(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, registry := newTestPlugin(t, sandbox, pub)

	handle, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: "agent-a"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	result, err := p.Kill(context.Background(), *handle, v1.DefaultKillOptions())
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !result.CleanShutdown {
		t.Errorf("unexpected result %+v", result)
	}
	if !sandbox.wasKilled() {
		t.Error("kill RPC never reached the sandbox")
	}

	waitForExitHandling(t, sup, "agent-a")

	if got := len(pub.crashEnvelopes()); got != 0 {
		t.Errorf("intentional kill synthesized %d crash envelopes", got)
	}
	if _, ok := registry.Get("agent-a"); ok {
		t.Error("killed agent still registered")
	}
	if _, ok := p.Transport("agent-a"); ok {
		t.Error("killed agent still has a live record")
	}
}

func TestKillUnknownAgent(t *testing.T) {
	sandbox := newFakeSandbox(t)
	p, _, _ := newTestPlugin(t, sandbox, &capturePublisher{})
	if _, err := p.Kill(context.Background(), v1.AgentHandle{ID: "ghost"}, v1.DefaultKillOptions()); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestCleanExitDoesNotSynthesizeCrash(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, registry := newTestPlugin(t, sandbox, pub)

	// Shim announces, stays up briefly, then exits 0.
	p.cfg.Args = []string{"-c", fmt.Sprintf(`echo '{"port":%d}'; sleep 1; exit 0`, sandbox.port)}

	if _, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: "agent-a"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// The run finishes and reports completion before the process exits.
	registry.SetStatus("agent-a", v1.AgentStatusCompleted)
	waitForExitHandling(t, sup, "agent-a")

	if got := len(pub.crashEnvelopes()); got != 0 {
		t.Errorf("clean exit synthesized %d crash envelopes", got)
	}
	if handle, ok := registry.Get("agent-a"); !ok || handle.Status != v1.AgentStatusCompleted {
		t.Errorf("clean exit clobbered final status: %+v ok=%v", handle, ok)
	}
}

func TestKillAllTearsDownEverything(t *testing.T) {
	sandbox := newFakeSandbox(t)
	pub := &capturePublisher{}
	p, sup, registry := newTestPlugin(t, sandbox, pub)

	for _, id := range []string{"agent-a", "agent-b"} {
		if _, err := p.Spawn(context.Background(), v1.AgentBrief{AgentID: id}); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}

	p.KillAll(context.Background(), 100*time.Millisecond, 5*time.Second)

	for _, id := range []string{"agent-a", "agent-b"} {
		if _, ok := registry.Get(id); ok {
			t.Errorf("%s still registered after KillAll", id)
		}
		if _, ok := p.Transport(id); ok {
			t.Errorf("%s still has a record after KillAll", id)
		}
	}
	waitForExitHandling(t, sup, "agent-a")
	waitForExitHandling(t, sup, "agent-b")
	if got := len(pub.crashEnvelopes()); got != 0 {
		t.Errorf("shutdown synthesized %d crash envelopes", got)
	}
}
