package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/decision"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/bus"
	"github.com/projecttab/backend/internal/events/validate"
	gw "github.com/projecttab/backend/internal/gateway/websocket"
	"github.com/projecttab/backend/internal/knowledge"
	"github.com/projecttab/backend/internal/sandbox/plugin"
	"github.com/projecttab/backend/internal/tick"
	"github.com/projecttab/backend/internal/trust"
	v1 "github.com/projecttab/backend/pkg/api/v1"
	ws "github.com/projecttab/backend/pkg/websocket"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// fakeController records calls and returns canned results.
type fakeController struct {
	spawnedBrief *v1.AgentBrief
	spawnErr     error
	killedHandle *v1.AgentHandle
	killedOpts   v1.KillOptions
	pausedHandle *v1.AgentHandle
	resumedState *v1.SerializedAgentState
	resolvedID   string
	resolvedBody json.RawMessage
	injected     *v1.ContextInjection
	briefChanges json.RawMessage
}

func (f *fakeController) Spawn(_ context.Context, brief v1.AgentBrief) (*v1.AgentHandle, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawnedBrief = &brief
	return &v1.AgentHandle{ID: brief.AgentID, PluginName: "sandbox", Status: v1.AgentStatusRunning, SessionID: "sess-" + brief.AgentID}, nil
}

func (f *fakeController) Kill(_ context.Context, handle v1.AgentHandle, opts v1.KillOptions) (*v1.KillResult, error) {
	f.killedHandle = &handle
	f.killedOpts = opts
	return &v1.KillResult{ArtifactsExtracted: 1, CleanShutdown: opts.Grace}, nil
}

func (f *fakeController) Pause(_ context.Context, handle v1.AgentHandle) (*v1.SerializedAgentState, error) {
	f.pausedHandle = &handle
	return &v1.SerializedAgentState{
		AgentID:      handle.ID,
		PluginName:   handle.PluginName,
		SessionID:    handle.SessionID,
		SerializedAt: time.Now().UTC(),
		SerializedBy: v1.SerializedByPause,
	}, nil
}

func (f *fakeController) Resume(_ context.Context, state v1.SerializedAgentState) (*v1.AgentHandle, error) {
	f.resumedState = &state
	return &v1.AgentHandle{ID: state.AgentID, PluginName: state.PluginName, Status: v1.AgentStatusRunning, SessionID: state.SessionID}, nil
}

func (f *fakeController) ResolveDecision(_ context.Context, _ v1.AgentHandle, decisionID string, resolution json.RawMessage) error {
	f.resolvedID = decisionID
	f.resolvedBody = resolution
	return nil
}

func (f *fakeController) InjectContext(_ context.Context, _ v1.AgentHandle, inj v1.ContextInjection) error {
	f.injected = &inj
	return nil
}

func (f *fakeController) UpdateBrief(_ context.Context, _ v1.AgentHandle, changes json.RawMessage) error {
	f.briefChanges = changes
	return nil
}

type gatewayFixture struct {
	controller *fakeController
	registry   *plugin.Registry
	queue      *decision.Queue
	trust      *trust.Engine
	store      knowledge.Store
	quarantine *validate.Quarantine
	ticks      *tick.Service
	router     *gin.Engine
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger()

	f := &gatewayFixture{
		controller: &fakeController{},
		registry:   plugin.NewRegistry(),
		queue:      decision.NewQueue(3, log),
		trust:      trust.NewEngine(log),
		store:      knowledge.NewMemoryStore(5),
		quarantine: validate.NewQuarantine(8, log),
		ticks:      tick.NewService(tick.ModeManual, 0, log),
	}

	hub := gw.NewHub(ws.NewDispatcher(), log)
	handlers := NewHandlers(f.controller, f.registry, f.queue, f.trust, f.store, f.quarantine, bus.New(bus.Config{}, log), f.ticks, hub, log)
	f.router = gin.New()
	handlers.RegisterRoutes(f.router)
	return f
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func decisionEnvelope(agentID, decisionID string, subtype events.DecisionSubtype, recommended string) events.EventEnvelope {
	return events.EventEnvelope{
		AdapterEvent: events.AdapterEvent{
			SourceEventID:  decisionID + "-src",
			SourceSequence: 1,
			RunID:          "run-" + agentID,
			Event: events.Event{
				Type:    events.TypeDecision,
				AgentID: agentID,
				Decision: &events.DecisionPayload{
					DecisionID:  decisionID,
					Subtype:     subtype,
					Recommended: recommended,
				},
			},
		},
		IngestedAt: time.Now().UTC(),
	}
}

func TestSpawnAgent(t *testing.T) {
	f := newFixture(t)

	brief := v1.AgentBrief{
		AgentID:        "agent-a",
		Role:           "implementer",
		Workstream:     "auth",
		ProjectBrief:   v1.ProjectBrief{Title: "Login flow"},
		ProviderConfig: json.RawMessage(`{"model":"opaque"}`),
	}
	rec := f.do(t, http.MethodPost, "/api/agents", brief)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	var handle v1.AgentHandle
	decodeBody(t, rec, &handle)
	if handle.ID != "agent-a" || handle.Status != v1.AgentStatusRunning {
		t.Errorf("unexpected handle %+v", handle)
	}
	if f.controller.spawnedBrief == nil || f.controller.spawnedBrief.Role != "implementer" {
		t.Errorf("controller did not see the brief")
	}
	if info, err := f.store.Agent(context.Background(), "agent-a"); err != nil || info.Workstream != "auth" {
		t.Errorf("agent not persisted: %v %+v", err, info)
	}
}

func TestSpawnRequiresAgentID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/agents", v1.AgentBrief{Role: "implementer"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSpawnUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.controller.spawnErr = errors.New("sandbox refused")
	rec := f.do(t, http.MethodPost, "/api/agents", v1.AgentBrief{AgentID: "agent-a"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestKillTriagesPendingDecisions(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusRunning})
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d1", events.DecisionSubtypeToolApproval, ""), f.ticks.Current()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/kill", v1.KillOptions{Grace: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if f.controller.killedHandle == nil || f.controller.killedHandle.ID != "agent-a" {
		t.Fatalf("controller not asked to kill")
	}
	if f.controller.killedOpts.Grace {
		t.Errorf("grace flag not forwarded")
	}

	entry, ok := f.queue.Get("d1")
	if !ok {
		t.Fatal("decision missing")
	}
	if entry.Status != decision.StatusTriage || entry.Badge != decision.BadgeAgentKilled {
		t.Errorf("decision not triaged: %+v", entry)
	}
}

func TestKillUnknownAgent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/agents/ghost/kill", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPauseStoresCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", SessionID: "sess-1", Status: v1.AgentStatusRunning})

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	cp, err := f.store.LatestCheckpoint(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("checkpoint not stored: %v", err)
	}
	if cp.State.SerializedBy != v1.SerializedByPause {
		t.Errorf("unexpected checkpoint %+v", cp.State)
	}
}

func TestResumeUsesLatestCheckpoint(t *testing.T) {
	f := newFixture(t)
	state := v1.SerializedAgentState{
		AgentID:      "agent-a",
		PluginName:   "sandbox",
		SessionID:    "sess-old",
		SerializedAt: time.Now().UTC(),
		SerializedBy: v1.SerializedByPause,
	}
	if err := f.store.PutCheckpoint(context.Background(), state); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if f.controller.resumedState == nil || f.controller.resumedState.SessionID != "sess-old" {
		t.Errorf("controller did not receive the stored state")
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resume", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestResolveDecisionAdjustsTrust(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusWaitingOnHuman})
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d1", events.DecisionSubtypeToolApproval, ""), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resolve", v1.DecisionResolution{
		DecisionID: "d1",
		Resolution: json.RawMessage(`{"approved":true}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	if f.controller.resolvedID != "d1" {
		t.Errorf("controller not asked to resolve")
	}
	entry, _ := f.queue.Get("d1")
	if entry.Status != decision.StatusResolved {
		t.Errorf("decision still %s", entry.Status)
	}
	if handle, _ := f.registry.Get("agent-a"); handle.Status != v1.AgentStatusRunning {
		t.Errorf("agent status %s", handle.Status)
	}
	if score := f.trust.Score("agent-a"); score != trust.DefaultScore+1 {
		t.Errorf("score %d after tool approval", score)
	}
}

func TestResolveRecommendedOption(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusWaitingOnHuman})
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d1", events.DecisionSubtypeOption, "opt-2"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resolve", v1.DecisionResolution{
		DecisionID: "d1",
		Resolution: json.RawMessage(`{"optionId":"opt-2"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if score := f.trust.Score("agent-a"); score != trust.DefaultScore+2 {
		t.Errorf("score %d after recommended option", score)
	}
}

func TestResolveOverridePenalizes(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusWaitingOnHuman})
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d1", events.DecisionSubtypeToolApproval, ""), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resolve", v1.DecisionResolution{
		DecisionID: "d1",
		Resolution: json.RawMessage(`{"override":true}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if score := f.trust.Score("agent-a"); score != trust.DefaultScore-3 {
		t.Errorf("score %d after override", score)
	}
}

func TestResolveUnknownDecision(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusRunning})
	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/resolve", v1.DecisionResolution{
		DecisionID: "ghost",
		Resolution: json.RawMessage(`{"approved":true}`),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestInjectContext(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusRunning})
	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/inject-context", v1.ContextInjection{
		Content: "new design doc", Format: "markdown", SnapshotVersion: 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if f.controller.injected == nil || f.controller.injected.SnapshotVersion != 2 {
		t.Errorf("injection not forwarded: %+v", f.controller.injected)
	}
}

func TestUpdateBriefRequiresChanges(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusRunning})

	rec := f.do(t, http.MethodPost, "/api/agents/agent-a/update-brief", v1.BriefUpdate{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}

	// An explicit JSON null is just as absent as a missing key.
	rec = f.do(t, http.MethodPost, "/api/agents/agent-a/update-brief", map[string]any{"changes": nil})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/agents/agent-a/update-brief", v1.BriefUpdate{
		Changes: json.RawMessage(`{"description":"narrower scope"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if string(f.controller.briefChanges) != `{"description":"narrower scope"}` {
		t.Errorf("changes not forwarded: %s", f.controller.briefChanges)
	}
}

func TestListDecisions(t *testing.T) {
	f := newFixture(t)
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d1", events.DecisionSubtypeToolApproval, ""), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(decisionEnvelope("agent-a", "d2", events.DecisionSubtypeOption, ""), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.Resolve("d2"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var body struct {
		Decisions []decision.Entry `json:"decisions"`
	}
	rec := f.do(t, http.MethodGet, "/api/decisions", nil)
	decodeBody(t, rec, &body)
	if len(body.Decisions) != 1 || body.Decisions[0].DecisionID != "d1" {
		t.Errorf("pending view: %+v", body.Decisions)
	}

	rec = f.do(t, http.MethodGet, "/api/decisions?all=true", nil)
	decodeBody(t, rec, &body)
	if len(body.Decisions) != 2 {
		t.Errorf("all view: %+v", body.Decisions)
	}
}

func TestGetAgentAndTrust(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(v1.AgentHandle{ID: "agent-a", PluginName: "sandbox", Status: v1.AgentStatusRunning})
	f.trust.ApplyOutcome("agent-a", trust.OutcomeTaskCompletedClean, 1)

	rec := f.do(t, http.MethodGet, "/api/agents/agent-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		TrustScore int `json:"trustScore"`
	}
	decodeBody(t, rec, &body)
	if body.TrustScore != trust.DefaultScore+3 {
		t.Errorf("trustScore %d", body.TrustScore)
	}

	rec = f.do(t, http.MethodGet, "/api/trust/agent-a", nil)
	var record trust.Record
	decodeBody(t, rec, &record)
	if record.Score != trust.DefaultScore+3 || len(record.History) != 1 {
		t.Errorf("trust record %+v", record)
	}
}

func TestGetAgentUnknown(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/agents/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestQuarantineEndpoints(t *testing.T) {
	f := newFixture(t)
	f.quarantine.Add([]byte(`{"broken":`), errors.New("unterminated JSON"))

	var body struct {
		Quarantined []validate.QuarantinedEvent `json:"quarantined"`
	}
	rec := f.do(t, http.MethodGet, "/api/quarantine", nil)
	decodeBody(t, rec, &body)
	if len(body.Quarantined) != 1 {
		t.Fatalf("quarantine view: %+v", body.Quarantined)
	}

	rec = f.do(t, http.MethodDelete, "/api/quarantine", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if f.quarantine.Len() != 0 {
		t.Errorf("quarantine not cleared")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.ticks.Advance()
	f.ticks.Advance()

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Tick   int64  `json:"tick"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.Tick != 2 {
		t.Errorf("health body %+v", body)
	}
}
