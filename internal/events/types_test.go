package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityWarning, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i].AtLeast(ordered[i-1]) {
			t.Errorf("expected %s >= %s", ordered[i], ordered[i-1])
		}
		if ordered[i-1].AtLeast(ordered[i]) {
			t.Errorf("expected %s < %s", ordered[i-1], ordered[i])
		}
	}
}

func TestSeverityUnknown(t *testing.T) {
	if Severity("fatal").Valid() {
		t.Error("expected unknown severity to be invalid")
	}
	if Severity("fatal").Rank() != -1 {
		t.Errorf("expected rank -1, got %d", Severity("fatal").Rank())
	}
	if Severity("fatal").AtLeast(SeverityWarning) {
		t.Error("unknown severity must not rank above warning")
	}
}

func TestEventWireFormat(t *testing.T) {
	ev := AdapterEvent{
		SourceEventID:    "run-a-1",
		SourceSequence:   1,
		SourceOccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RunID:            "run-a",
		Event: Event{
			Type:    TypeToolCall,
			AgentID: "agent-a",
			ToolCall: &ToolCallPayload{
				ToolCallID: "tc-1",
				ToolName:   "Bash",
				Phase:      ToolPhaseRequested,
			},
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Wire keys are camelCase and unset payload pointers are omitted.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, key := range []string{"sourceEventId", "sourceSequence", "sourceOccurredAt", "runId", "event"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire key %q", key)
		}
	}
	var rawEvent map[string]json.RawMessage
	if err := json.Unmarshal(raw["event"], &rawEvent); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if _, ok := rawEvent["toolCall"]; !ok {
		t.Error("missing toolCall payload")
	}
	if _, ok := rawEvent["status"]; ok {
		t.Error("unset status payload should be omitted")
	}

	var back AdapterEvent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Event.ToolCall == nil || back.Event.ToolCall.ToolCallID != "tc-1" {
		t.Errorf("round trip lost tool call payload: %+v", back.Event.ToolCall)
	}
}

func TestDecisionPayloadWireFormat(t *testing.T) {
	payload := DecisionPayload{
		DecisionID: "d1",
		Subtype:    DecisionSubtypeOption,
		Prompt:     "pick one",
		Options: []DecisionOption{
			{ID: "opt-1", Label: "Ship it"},
			{ID: "opt-2", Label: "Hold"},
		},
		Recommended: "opt-1",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back DecisionPayload
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Subtype != "option" {
		t.Errorf("expected subtype option on the wire, got %q", back.Subtype)
	}
	if len(back.Options) != 2 || back.Options[0].ID != "opt-1" {
		t.Errorf("options lost in transit: %+v", back.Options)
	}
}

func TestSyntheticEnvelopes(t *testing.T) {
	env := NewBackpressureWarning("agent-a", 3)
	if !env.IsSynthetic() {
		t.Error("backpressure warning must be synthetic")
	}
	if env.SourceSequence != SyntheticSequence {
		t.Errorf("expected sequence %d, got %d", SyntheticSequence, env.SourceSequence)
	}
	if env.Event.Error == nil || env.Event.Error.Severity != SeverityWarning {
		t.Fatalf("expected warning error payload, got %+v", env.Event.Error)
	}

	quarantined := NewQuarantineWarning("agent-a", []string{"event.agentId: required non-empty string"})
	if quarantined.RunID != RunPrefixQuarantine+"agent-a" {
		t.Errorf("unexpected quarantine run id %q", quarantined.RunID)
	}
}

func TestCrashEnvelopesShareRunID(t *testing.T) {
	runID := CrashRunID("agent-a")
	code := 3
	errEnv := NewCrashError(runID, "agent-a", &code, "")
	lifeEnv := NewCrashLifecycle(runID, "agent-a", &code, "")

	if errEnv.RunID != runID || lifeEnv.RunID != runID {
		t.Errorf("crash pair must share run id: %q vs %q", errEnv.RunID, lifeEnv.RunID)
	}
	if errEnv.Event.Error == nil || errEnv.Event.Error.Severity != SeverityCritical {
		t.Fatalf("expected critical crash error, got %+v", errEnv.Event.Error)
	}
	if errEnv.Event.Error.Recoverable {
		t.Error("crash error must not be recoverable")
	}
	if lifeEnv.Event.Lifecycle == nil || lifeEnv.Event.Lifecycle.Action != LifecycleCrashed {
		t.Fatalf("expected crashed lifecycle, got %+v", lifeEnv.Event.Lifecycle)
	}
}

func TestCrashErrorSignalFormatting(t *testing.T) {
	runID := CrashRunID("agent-b")
	env := NewCrashError(runID, "agent-b", nil, "killed")
	msg := env.Event.Error.Message
	if msg == "" {
		t.Fatal("empty crash message")
	}
	// A signal death has no exit code.
	if want := "code=nil"; !strings.Contains(msg, want) {
		t.Errorf("expected %q in %q", want, msg)
	}
	if want := "signal=killed"; !strings.Contains(msg, want) {
		t.Errorf("expected %q in %q", want, msg)
	}
}
