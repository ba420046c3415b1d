package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Synthetic events carry SourceSequence -1 and a prefixed RunID so they can
// never collide with a real adapter stream and can be filtered out of
// persistent archives.
const (
	SyntheticSequence = -1

	RunPrefixCrash      = "crash-"
	RunPrefixQuarantine = "quarantine-"
	RunPrefixCoherence  = "coherence-"
	RunPrefixInternal   = "internal-"

	CategoryInternal = "internal"
)

// IsSynthetic reports whether the envelope was synthesized by the control plane.
func (e *AdapterEvent) IsSynthetic() bool {
	return e.SourceSequence == SyntheticSequence
}

// IsBackpressureWarning reports whether the envelope is a synthetic
// backpressure warning. These are delivered to subscribers but never enqueued,
// so one overflow cannot trigger another.
func (e *AdapterEvent) IsBackpressureWarning() bool {
	return e.IsSynthetic() && strings.HasPrefix(e.RunID, RunPrefixInternal)
}

func syntheticEnvelope(runID string, ev Event) EventEnvelope {
	now := time.Now().UTC()
	return EventEnvelope{
		AdapterEvent: AdapterEvent{
			SourceEventID:    runID + "-" + uuid.New().String(),
			SourceSequence:   SyntheticSequence,
			SourceOccurredAt: now,
			RunID:            runID,
			Event:            ev,
		},
		IngestedAt: now,
	}
}

// NewBackpressureWarning builds the warning published when a per-agent queue
// overflows and an entry is dropped. The message begins with "backpressure"
// so downstream filters can match on it.
func NewBackpressureWarning(agentID string, dropped int) EventEnvelope {
	env := syntheticEnvelope(RunPrefixInternal+agentID, Event{
		Type:    TypeError,
		AgentID: agentID,
		Error: &ErrorPayload{
			Severity:    SeverityWarning,
			Message:     fmt.Sprintf("backpressure: dropped %d event(s) for agent %s", dropped, agentID),
			Recoverable: true,
			Category:    CategoryInternal,
		},
	})
	return env
}

// NewQuarantineWarning builds the warning published when a malformed adapter
// event is quarantined. The SourceEventID begins with "quarantine-".
func NewQuarantineWarning(agentID string, issues []string) EventEnvelope {
	now := time.Now().UTC()
	return EventEnvelope{
		AdapterEvent: AdapterEvent{
			SourceEventID:    RunPrefixQuarantine + uuid.New().String(),
			SourceSequence:   SyntheticSequence,
			SourceOccurredAt: now,
			RunID:            RunPrefixQuarantine + agentID,
			Event: Event{
				Type:    TypeError,
				AgentID: agentID,
				Error: &ErrorPayload{
					Severity:    SeverityWarning,
					Message:     "Malformed adapter event quarantined: " + strings.Join(issues, "; "),
					Recoverable: true,
					Category:    CategoryInternal,
				},
			},
		},
		IngestedAt: now,
	}
}

// NewParseWarning builds the warning published when a stream frame is not
// valid JSON at all. The message contains the literal "non-JSON".
func NewParseWarning(agentID string, parseErr error) EventEnvelope {
	return syntheticEnvelope(RunPrefixQuarantine+agentID, Event{
		Type:    TypeError,
		AgentID: agentID,
		Error: &ErrorPayload{
			Severity:    SeverityWarning,
			Message:     fmt.Sprintf("non-JSON frame on event stream: %v", parseErr),
			Recoverable: true,
			Category:    CategoryInternal,
		},
	})
}

// CrashRunID derives the shared RunID for the pair of envelopes synthesized
// when an agent process dies unexpectedly.
func CrashRunID(agentID string) string {
	return fmt.Sprintf("%s%s-%d", RunPrefixCrash, agentID, time.Now().UnixMilli())
}

// NewCrashError builds the critical error envelope for an unexpected process
// exit. code is formatted as "nil" when the process died from a signal.
func NewCrashError(runID, agentID string, code *int, signal string) EventEnvelope {
	return syntheticEnvelope(runID, Event{
		Type:    TypeError,
		AgentID: agentID,
		Error: &ErrorPayload{
			Severity:    SeverityCritical,
			Message:     fmt.Sprintf("Agent process exited unexpectedly (code=%s, signal=%s)", formatExitCode(code), formatSignal(signal)),
			Recoverable: false,
			Category:    CategoryInternal,
		},
	})
}

// NewCrashLifecycle builds the lifecycle{crashed} envelope that accompanies a
// crash error. It shares the crash RunID.
func NewCrashLifecycle(runID, agentID string, code *int, signal string) EventEnvelope {
	return syntheticEnvelope(runID, Event{
		Type:    TypeLifecycle,
		AgentID: agentID,
		Lifecycle: &LifecyclePayload{
			Action: LifecycleCrashed,
			Reason: fmt.Sprintf("process exited with code=%s signal=%s", formatExitCode(code), formatSignal(signal)),
		},
	})
}

// NewCoherenceEnvelope wraps a coherence issue found by the monitor so the
// classifier routes it like any other event.
func NewCoherenceEnvelope(agentID string, payload CoherencePayload) EventEnvelope {
	return syntheticEnvelope(RunPrefixCoherence+agentID, Event{
		Type:      TypeCoherence,
		AgentID:   agentID,
		Coherence: &payload,
	})
}

func formatExitCode(code *int) string {
	if code == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *code)
}

func formatSignal(signal string) string {
	if signal == "" {
		return "nil"
	}
	return signal
}
