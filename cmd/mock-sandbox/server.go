package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projecttab/backend/internal/events"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server holds the mock sandbox's state: one agent, one event stream.
type server struct {
	bootstrap v1.Bootstrap
	scenario  string
	replay    string
	startedAt time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	spawned   bool
	paused    bool
	killed    bool
	sequence  int64
	runID     string
	decisions map[string]bool
	brief     v1.AgentBrief
}

func newServer(bootstrap v1.Bootstrap, scenario, replay string) *server {
	return &server{
		bootstrap: bootstrap,
		scenario:  scenario,
		replay:    replay,
		startedAt: time.Now(),
		runID:     "run-" + bootstrap.AgentID,
		decisions: make(map[string]bool),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /spawn", s.handleSpawn)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /kill", s.handleKill)
	mux.HandleFunc("POST /resolve", s.handleResolve)
	mux.HandleFunc("POST /inject-context", s.handleAccepted)
	mux.HandleFunc("POST /update-brief", s.handleUpdateBrief)
	mux.HandleFunc("POST /checkpoint", s.handleCheckpoint)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "running"
	s.mu.Lock()
	if s.paused {
		status = "paused"
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, v1.HealthResponse{
		Status:                 "healthy",
		AgentStatus:            status,
		UptimeMs:               time.Since(s.startedAt).Milliseconds(),
		PendingEventBufferSize: 0,
	})
}

func (s *server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var brief v1.AgentBrief
	if err := json.NewDecoder(r.Body).Decode(&brief); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.spawned = true
	s.brief = brief
	s.mu.Unlock()

	go s.runScript()

	writeJSON(w, http.StatusOK, v1.AgentHandle{
		ID:         s.bootstrap.AgentID,
		PluginName: "mock-sandbox",
		Status:     v1.AgentStatusRunning,
		SessionID:  s.runID,
	})
}

func (s *server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.serializedState(v1.SerializedByPause, ""))
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var state v1.SerializedAgentState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.emit(s.lifecycleEvent(events.LifecycleResumed, ""))
	writeJSON(w, http.StatusOK, v1.AgentHandle{
		ID:         s.bootstrap.AgentID,
		PluginName: "mock-sandbox",
		Status:     v1.AgentStatusRunning,
		SessionID:  state.SessionID,
	})
}

func (s *server) handleKill(w http.ResponseWriter, r *http.Request) {
	var opts v1.KillOptions
	_ = json.NewDecoder(r.Body).Decode(&opts)

	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	s.emit(s.lifecycleEvent(events.LifecycleKilled, "killed by control plane"))

	writeJSON(w, http.StatusOK, v1.KillResult{
		ArtifactsExtracted: 1,
		CleanShutdown:      opts.Grace,
	})
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req v1.DecisionResolution
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	known := s.decisions[req.DecisionID]
	delete(s.decisions, req.DecisionID)
	s.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown decisionId"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *server) handleAccepted(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *server) handleUpdateBrief(w http.ResponseWriter, r *http.Request) {
	var update v1.BriefUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil || len(update.Changes) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "changes is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DecisionID string `json:"decisionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.serializedState(v1.SerializedByDecisionCheckpoint, req.DecisionID))
}

func (s *server) serializedState(by v1.SerializedBy, decisionID string) v1.SerializedAgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]string, 0, len(s.decisions))
	for id := range s.decisions {
		pending = append(pending, id)
	}
	if decisionID != "" {
		pending = append(pending, decisionID)
	}

	data, _ := json.Marshal(map[string]string{"mock": "state"})
	return v1.SerializedAgentState{
		AgentID:            s.bootstrap.AgentID,
		PluginName:         "mock-sandbox",
		SessionID:          s.runID,
		Checkpoint:         v1.Checkpoint{SDK: "mock", Data: data},
		BriefSnapshot:      s.brief,
		PendingDecisionIDs: pending,
		LastSequence:       s.sequence,
		SerializedAt:       time.Now().UTC(),
		SerializedBy:       by,
		EstimatedSizeBytes: int64(len(data)),
	}
}

// handleEvents upgrades the control plane's stream connection.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
}

// emit sends one adapter event on the stream, stamping the sequence.
func (s *server) emit(ev events.Event) {
	s.mu.Lock()
	s.sequence++
	adapterEvent := events.AdapterEvent{
		SourceEventID:    s.runID + "-" + strconv.FormatInt(s.sequence, 10),
		SourceSequence:   s.sequence,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            s.runID,
		Event:            ev,
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	data, err := json.Marshal(adapterEvent)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *server) lifecycleEvent(action events.LifecycleAction, reason string) events.Event {
	return events.Event{
		Type:      events.TypeLifecycle,
		AgentID:   s.bootstrap.AgentID,
		Lifecycle: &events.LifecyclePayload{Action: action, Reason: reason},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

