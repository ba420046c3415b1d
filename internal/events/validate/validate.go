// Package validate checks inbound adapter events against the event schema
// and quarantines the ones that fail for later audit.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/projecttab/backend/internal/events"
)

// Issue describes a single schema violation.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// Error aggregates the issues found in one raw frame. It keeps the raw bytes
// so the quarantine can retain the original input.
type Error struct {
	Issues []Issue
	Raw    json.RawMessage
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return "invalid adapter event: " + strings.Join(msgs, "; ")
}

// Messages returns the issue messages in order, for synthetic warning text.
func (e *Error) Messages() []string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return msgs
}

// rawAdapterEvent mirrors events.AdapterEvent with pointer fields so missing
// keys can be told apart from zero values.
type rawAdapterEvent struct {
	SourceEventID    *string          `json:"sourceEventId"`
	SourceSequence   *int64           `json:"sourceSequence"`
	SourceOccurredAt *time.Time       `json:"sourceOccurredAt"`
	RunID            *string          `json:"runId"`
	Event            *json.RawMessage `json:"event"`
}

// AdapterEvent parses and validates a raw frame. On success it returns the
// decoded event; on failure it returns an *Error listing every issue found.
func AdapterEvent(raw []byte) (*events.AdapterEvent, error) {
	var shadow rawAdapterEvent
	if err := json.Unmarshal(raw, &shadow); err != nil {
		return nil, &Error{
			Issues: []Issue{{Field: "$", Message: fmt.Sprintf("not a valid adapter event object: %v", err)}},
			Raw:    append(json.RawMessage(nil), raw...),
		}
	}

	var issues []Issue
	if shadow.SourceEventID == nil || *shadow.SourceEventID == "" {
		issues = append(issues, Issue{Field: "sourceEventId", Message: "required non-empty string"})
	}
	if shadow.SourceSequence == nil {
		issues = append(issues, Issue{Field: "sourceSequence", Message: "required integer"})
	}
	if shadow.RunID == nil || *shadow.RunID == "" {
		issues = append(issues, Issue{Field: "runId", Message: "required non-empty string"})
	}
	if shadow.SourceOccurredAt == nil {
		issues = append(issues, Issue{Field: "sourceOccurredAt", Message: "required timestamp"})
	}
	if shadow.Event == nil {
		issues = append(issues, Issue{Field: "event", Message: "required object"})
		return nil, &Error{Issues: issues, Raw: append(json.RawMessage(nil), raw...)}
	}

	var ev events.Event
	if err := json.Unmarshal(*shadow.Event, &ev); err != nil {
		issues = append(issues, Issue{Field: "event", Message: fmt.Sprintf("malformed event object: %v", err)})
		return nil, &Error{Issues: issues, Raw: append(json.RawMessage(nil), raw...)}
	}
	issues = append(issues, validateEvent(&ev)...)

	if len(issues) > 0 {
		return nil, &Error{Issues: issues, Raw: append(json.RawMessage(nil), raw...)}
	}

	out := &events.AdapterEvent{
		SourceEventID:    *shadow.SourceEventID,
		SourceSequence:   *shadow.SourceSequence,
		SourceOccurredAt: *shadow.SourceOccurredAt,
		RunID:            *shadow.RunID,
		Event:            ev,
	}
	return out, nil
}

// validateEvent checks the union discriminant and its payload. The switch is
// exhaustive over events.KnownTypes.
func validateEvent(ev *events.Event) []Issue {
	var issues []Issue

	if ev.AgentID == "" {
		issues = append(issues, Issue{Field: "event.agentId", Message: "required non-empty string"})
	}

	switch ev.Type {
	case events.TypeStatus:
		if ev.Status == nil {
			issues = append(issues, Issue{Field: "event.status", Message: "required for type status"})
		}
	case events.TypeProgress:
		if ev.Progress == nil {
			issues = append(issues, Issue{Field: "event.progress", Message: "required for type progress"})
		} else if ev.Progress.OperationID == "" {
			issues = append(issues, Issue{Field: "event.progress.operationId", Message: "required non-empty string"})
		}
	case events.TypeToolCall:
		issues = append(issues, validateToolCall(ev.ToolCall)...)
	case events.TypeDecision:
		issues = append(issues, validateDecision(ev.Decision)...)
	case events.TypeArtifact:
		issues = append(issues, validateArtifact(ev.Artifact)...)
	case events.TypeCoherence:
		if ev.Coherence == nil {
			issues = append(issues, Issue{Field: "event.coherence", Message: "required for type coherence"})
		} else {
			if ev.Coherence.IssueID == "" {
				issues = append(issues, Issue{Field: "event.coherence.issueId", Message: "required non-empty string"})
			}
			if !ev.Coherence.Severity.Valid() {
				issues = append(issues, Issue{Field: "event.coherence.severity", Message: "unknown severity"})
			}
		}
	case events.TypeCompletion:
		if ev.Completion == nil {
			issues = append(issues, Issue{Field: "event.completion", Message: "required for type completion"})
		} else {
			switch ev.Completion.Outcome {
			case events.OutcomeSuccess, events.OutcomePartial, events.OutcomeAbandoned, events.OutcomeMaxTurns:
			default:
				issues = append(issues, Issue{Field: "event.completion.outcome", Message: "unknown outcome"})
			}
		}
	case events.TypeError:
		if ev.Error == nil {
			issues = append(issues, Issue{Field: "event.error", Message: "required for type error"})
		} else if !ev.Error.Severity.Valid() {
			issues = append(issues, Issue{Field: "event.error.severity", Message: "unknown severity"})
		}
	case events.TypeLifecycle:
		if ev.Lifecycle == nil {
			issues = append(issues, Issue{Field: "event.lifecycle", Message: "required for type lifecycle"})
		} else {
			switch ev.Lifecycle.Action {
			case events.LifecycleStarted, events.LifecyclePaused, events.LifecycleResumed,
				events.LifecycleKilled, events.LifecycleCrashed:
			default:
				issues = append(issues, Issue{Field: "event.lifecycle.action", Message: "unknown action"})
			}
		}
	case events.TypeDelegation:
		if ev.Delegation == nil {
			issues = append(issues, Issue{Field: "event.delegation", Message: "required for type delegation"})
		}
	case events.TypeGuardrail:
		if ev.Guardrail == nil {
			issues = append(issues, Issue{Field: "event.guardrail", Message: "required for type guardrail"})
		}
	case events.TypeRawProvider:
		if len(ev.RawProvider) == 0 {
			issues = append(issues, Issue{Field: "event.rawProvider", Message: "required for type raw_provider"})
		}
	default:
		issues = append(issues, Issue{Field: "event.type", Message: fmt.Sprintf("unknown event type %q", ev.Type)})
	}

	return issues
}

func validateToolCall(p *events.ToolCallPayload) []Issue {
	if p == nil {
		return []Issue{{Field: "event.toolCall", Message: "required for type tool_call"}}
	}
	var issues []Issue
	if p.ToolCallID == "" {
		issues = append(issues, Issue{Field: "event.toolCall.toolCallId", Message: "required non-empty string"})
	}
	if p.ToolName == "" {
		issues = append(issues, Issue{Field: "event.toolCall.toolName", Message: "required non-empty string"})
	}
	switch p.Phase {
	case events.ToolPhaseRequested, events.ToolPhaseRunning, events.ToolPhaseCompleted:
	default:
		issues = append(issues, Issue{Field: "event.toolCall.phase", Message: "unknown phase"})
	}
	return issues
}

func validateDecision(p *events.DecisionPayload) []Issue {
	if p == nil {
		return []Issue{{Field: "event.decision", Message: "required for type decision"}}
	}
	var issues []Issue
	if p.DecisionID == "" {
		issues = append(issues, Issue{Field: "event.decision.decisionId", Message: "required non-empty string"})
	}
	switch p.Subtype {
	case events.DecisionSubtypeOption, events.DecisionSubtypeToolApproval:
	default:
		issues = append(issues, Issue{Field: "event.decision.subtype", Message: "unknown subtype"})
	}
	return issues
}

func validateArtifact(p *events.ArtifactPayload) []Issue {
	if p == nil {
		return []Issue{{Field: "event.artifact", Message: "required for type artifact"}}
	}
	var issues []Issue
	if p.ArtifactID == "" {
		issues = append(issues, Issue{Field: "event.artifact.artifactId", Message: "required non-empty string"})
	}
	if p.Name == "" {
		issues = append(issues, Issue{Field: "event.artifact.name", Message: "required non-empty string"})
	}
	return issues
}
