package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/projecttab/backend/internal/events"
)

// Predefined scenarios with fixed timing so e2e assertions stay deterministic.

// runScript plays the selected scenario once the agent is spawned. A replay
// file takes precedence over a named scenario.
func (s *server) runScript() {
	// Give the control plane a moment to open the event stream.
	s.waitForStream(5 * time.Second)

	if s.replay != "" {
		s.runReplay()
		return
	}

	switch s.scenario {
	case "success":
		s.scenarioSuccess()
	case "decision":
		s.scenarioDecision()
	case "crash":
		s.scenarioCrash()
	case "max-turns":
		s.scenarioMaxTurns()
	default:
		fmt.Fprintf(os.Stderr, "mock-sandbox: unknown scenario %q, available: success, decision, crash, max-turns\n", s.scenario)
		s.scenarioSuccess()
	}
}

// waitForStream blocks until the control plane connects to /events or the
// timeout passes. Events emitted before the stream is up are dropped.
func (s *server) waitForStream(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		connected := s.conn != nil
		s.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// halted reports whether the run should stop emitting.
func (s *server) halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// pauseGate blocks while the agent is paused.
func (s *server) pauseGate() {
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *server) step(delay time.Duration, ev events.Event) bool {
	time.Sleep(delay)
	s.pauseGate()
	if s.halted() {
		return false
	}
	s.emit(ev)
	return true
}

// scenarioSuccess: started, status, two tool calls, one artifact, clean completion.
func (s *server) scenarioSuccess() {
	agentID := s.bootstrap.AgentID
	if !s.step(50*time.Millisecond, s.lifecycleEvent(events.LifecycleStarted, "")) {
		return
	}
	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeStatus,
		AgentID: agentID,
		Status:  &events.StatusPayload{Message: "reading the brief"},
	}) {
		return
	}

	readInput, _ := json.Marshal(map[string]string{"path": "README.md"})
	readOutput, _ := json.Marshal(map[string]string{"content": "mock file contents"})
	if !s.toolCall("tc-1", "Read", readInput, readOutput) {
		return
	}

	writeInput, _ := json.Marshal(map[string]string{"path": "docs/plan.md", "content": "# Plan\n"})
	writeOutput, _ := json.Marshal(map[string]string{"written": "docs/plan.md"})
	if !s.toolCall("tc-2", "Write", writeInput, writeOutput) {
		return
	}

	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeArtifact,
		AgentID: agentID,
		Artifact: &events.ArtifactPayload{
			ArtifactID: s.runID + "-artifact-1",
			Name:       "plan.md",
			Kind:       "document",
			Workstream: s.brief.Workstream,
			Provenance: events.ArtifactProvenance{SourcePath: "docs/plan.md", ToolCallID: "tc-2"},
		},
	}) {
		return
	}

	s.step(100*time.Millisecond, events.Event{
		Type:       events.TypeCompletion,
		AgentID:    agentID,
		Completion: &events.CompletionPayload{Outcome: events.OutcomeSuccess, Summary: "done"},
	})
}

// scenarioDecision: started, then a tool approval request that stays open
// until the control plane resolves it, then completion.
func (s *server) scenarioDecision() {
	agentID := s.bootstrap.AgentID
	if !s.step(50*time.Millisecond, s.lifecycleEvent(events.LifecycleStarted, "")) {
		return
	}

	input, _ := json.Marshal(map[string]string{"command": "rm -rf build/"})
	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeToolCall,
		AgentID: agentID,
		ToolCall: &events.ToolCallPayload{
			ToolCallID: "tc-1",
			ToolName:   "Bash",
			Phase:      events.ToolPhaseRequested,
			Input:      input,
		},
	}) {
		return
	}

	decisionID := s.runID + "-decision-1"
	s.mu.Lock()
	s.decisions[decisionID] = true
	s.mu.Unlock()
	if !s.step(50*time.Millisecond, events.Event{
		Type:    events.TypeDecision,
		AgentID: agentID,
		Decision: &events.DecisionPayload{
			DecisionID: decisionID,
			Subtype:    events.DecisionSubtypeToolApproval,
			Prompt:     "Allow Bash: rm -rf build/?",
			ToolCallID: "tc-1",
		},
	}) {
		return
	}

	// Block until the decision is resolved or the run is killed.
	for {
		s.mu.Lock()
		open := s.decisions[decisionID]
		killed := s.killed
		s.mu.Unlock()
		if killed {
			return
		}
		if !open {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	output, _ := json.Marshal(map[string]string{"stdout": ""})
	if !s.step(50*time.Millisecond, events.Event{
		Type:    events.TypeToolCall,
		AgentID: agentID,
		ToolCall: &events.ToolCallPayload{
			ToolCallID: "tc-1",
			ToolName:   "Bash",
			Phase:      events.ToolPhaseCompleted,
			Output:     output,
		},
	}) {
		return
	}

	s.step(100*time.Millisecond, events.Event{
		Type:       events.TypeCompletion,
		AgentID:    agentID,
		Completion: &events.CompletionPayload{Outcome: events.OutcomeSuccess, Summary: "done after approval"},
	})
}

// scenarioCrash: started, one status, then the process dies mid-run.
func (s *server) scenarioCrash() {
	if !s.step(50*time.Millisecond, s.lifecycleEvent(events.LifecycleStarted, "")) {
		return
	}
	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeStatus,
		AgentID: s.bootstrap.AgentID,
		Status:  &events.StatusPayload{Message: "about to do something unwise"},
	}) {
		return
	}
	time.Sleep(100 * time.Millisecond)
	os.Exit(3)
}

// scenarioMaxTurns: started, status, then a max_turns completion.
func (s *server) scenarioMaxTurns() {
	agentID := s.bootstrap.AgentID
	if !s.step(50*time.Millisecond, s.lifecycleEvent(events.LifecycleStarted, "")) {
		return
	}
	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeStatus,
		AgentID: agentID,
		Status:  &events.StatusPayload{Message: "still going"},
	}) {
		return
	}
	s.step(100*time.Millisecond, events.Event{
		Type:       events.TypeCompletion,
		AgentID:    agentID,
		Completion: &events.CompletionPayload{Outcome: events.OutcomeMaxTurns, Summary: "turn budget exhausted"},
	})
}

// toolCall emits the requested and completed phases of one tool invocation.
func (s *server) toolCall(id, name string, input, output json.RawMessage) bool {
	agentID := s.bootstrap.AgentID
	if !s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeToolCall,
		AgentID: agentID,
		ToolCall: &events.ToolCallPayload{
			ToolCallID: id,
			ToolName:   name,
			Phase:      events.ToolPhaseRequested,
			Input:      input,
		},
	}) {
		return false
	}
	return s.step(100*time.Millisecond, events.Event{
		Type:    events.TypeToolCall,
		AgentID: agentID,
		ToolCall: &events.ToolCallPayload{
			ToolCallID: id,
			ToolName:   name,
			Phase:      events.ToolPhaseCompleted,
			Output:     output,
		},
	})
}
