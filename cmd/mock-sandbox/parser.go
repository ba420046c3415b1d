package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/projecttab/backend/internal/events"
)

// Replay mode feeds a recorded provider CLI stream-json transcript through
// the adapter translation, one line per provider message.

// providerMessage is the subset of the provider stream-json envelope the
// translator cares about. Unknown fields are ignored.
type providerMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Result  string          `json:"result"`
	Message *providerBody   `json:"message"`
	Content []providerBlock `json:"content"`
}

type providerBody struct {
	Role    string          `json:"role"`
	Content []providerBlock `json:"content"`
}

type providerBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// runReplay streams the transcript file, translating each provider message
// into adapter events. Lines that do not parse or match no known shape are
// skipped with a log, never fatal.
func (s *server) runReplay() {
	f, err := os.Open(s.replay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-sandbox: open replay: %v\n", err)
		return
	}
	defer f.Close()

	s.emit(s.lifecycleEvent(events.LifecycleStarted, ""))

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	completed := false
	toolNames := make(map[string]string) // tool_use id -> name, for tool_result lines
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.pauseGate()
		if s.halted() {
			return
		}

		var msg providerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-sandbox: replay line %d: %v\n", lineNo, err)
			continue
		}
		if s.translate(msg, lineNo, toolNames) {
			completed = true
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-sandbox: replay scan: %v\n", err)
	}

	if !completed && !s.halted() {
		s.emit(events.Event{
			Type:       events.TypeCompletion,
			AgentID:    s.bootstrap.AgentID,
			Completion: &events.CompletionPayload{Outcome: events.OutcomePartial, Summary: "transcript ended without a result message"},
		})
	}
}

// translate maps one provider message to zero or more adapter events and
// reports whether it was a terminal result. toolNames accumulates tool_use
// id to name mappings so tool_result lines carry the tool name too.
func (s *server) translate(msg providerMessage, lineNo int, toolNames map[string]string) bool {
	agentID := s.bootstrap.AgentID
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			s.emit(events.Event{
				Type:    events.TypeStatus,
				AgentID: agentID,
				Status:  &events.StatusPayload{Message: "provider session initialized"},
			})
			return false
		}

	case "assistant":
		if msg.Message == nil {
			break
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				s.emit(events.Event{
					Type:    events.TypeStatus,
					AgentID: agentID,
					Status:  &events.StatusPayload{Message: block.Text},
				})
			case "tool_use":
				toolNames[block.ID] = block.Name
				s.emit(events.Event{
					Type:    events.TypeToolCall,
					AgentID: agentID,
					ToolCall: &events.ToolCallPayload{
						ToolCallID: block.ID,
						ToolName:   block.Name,
						Phase:      events.ToolPhaseRequested,
						Input:      block.Input,
					},
				})
			}
		}
		return false

	case "user":
		blocks := msg.Content
		if msg.Message != nil {
			blocks = msg.Message.Content
		}
		for _, block := range blocks {
			if block.Type != "tool_result" {
				continue
			}
			name, ok := toolNames[block.ToolUseID]
			if !ok {
				// Without a name the event would fail validation downstream.
				fmt.Fprintf(os.Stderr, "mock-sandbox: replay line %d: tool_result for unknown tool_use %q, skipping\n", lineNo, block.ToolUseID)
				continue
			}
			s.emit(events.Event{
				Type:    events.TypeToolCall,
				AgentID: agentID,
				ToolCall: &events.ToolCallPayload{
					ToolCallID: block.ToolUseID,
					ToolName:   name,
					Phase:      events.ToolPhaseCompleted,
					Output:     block.Content,
				},
			})
		}
		return false

	case "result":
		outcome := events.OutcomeSuccess
		switch msg.Subtype {
		case "success":
		case "error_max_turns", "max_turns":
			outcome = events.OutcomeMaxTurns
		default:
			outcome = events.OutcomePartial
		}
		s.emit(events.Event{
			Type:       events.TypeCompletion,
			AgentID:    agentID,
			Completion: &events.CompletionPayload{Outcome: outcome, Summary: msg.Result},
		})
		return true
	}

	fmt.Fprintf(os.Stderr, "mock-sandbox: replay line %d: skipping unknown shape type=%q subtype=%q\n", lineNo, msg.Type, msg.Subtype)
	return false
}
