// Package events defines the event model shared by the sandbox adapters and
// the control plane: the Event union, the AdapterEvent wire record, and the
// EventEnvelope carried on the bus.
package events

import (
	"encoding/json"
	"time"
)

// Type discriminates the Event union.
type Type string

const (
	TypeStatus      Type = "status"
	TypeProgress    Type = "progress"
	TypeToolCall    Type = "tool_call"
	TypeDecision    Type = "decision"
	TypeArtifact    Type = "artifact"
	TypeCoherence   Type = "coherence"
	TypeCompletion  Type = "completion"
	TypeError       Type = "error"
	TypeLifecycle   Type = "lifecycle"
	TypeDelegation  Type = "delegation"
	TypeGuardrail   Type = "guardrail"
	TypeRawProvider Type = "raw_provider"
)

// KnownTypes lists every member of the Event union.
var KnownTypes = []Type{
	TypeStatus, TypeProgress, TypeToolCall, TypeDecision, TypeArtifact,
	TypeCoherence, TypeCompletion, TypeError, TypeLifecycle, TypeDelegation,
	TypeGuardrail, TypeRawProvider,
}

// Severity orders warning < low < medium < high < critical.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityWarning:  0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity, or -1 if unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether the severity is a known level.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// DecisionSubtype distinguishes the two decision variants.
type DecisionSubtype string

const (
	DecisionSubtypeOption       DecisionSubtype = "option"
	DecisionSubtypeToolApproval DecisionSubtype = "tool_approval"
)

// ToolCallPhase tracks a tool call through its life.
type ToolCallPhase string

const (
	ToolPhaseRequested ToolCallPhase = "requested"
	ToolPhaseRunning   ToolCallPhase = "running"
	ToolPhaseCompleted ToolCallPhase = "completed"
)

// CompletionOutcome classifies how an agent run ended.
type CompletionOutcome string

const (
	OutcomeSuccess   CompletionOutcome = "success"
	OutcomePartial   CompletionOutcome = "partial"
	OutcomeAbandoned CompletionOutcome = "abandoned"
	OutcomeMaxTurns  CompletionOutcome = "max_turns"
)

// LifecycleAction is the agent lifecycle transition reported by an event.
type LifecycleAction string

const (
	LifecycleStarted LifecycleAction = "started"
	LifecyclePaused  LifecycleAction = "paused"
	LifecycleResumed LifecycleAction = "resumed"
	LifecycleKilled  LifecycleAction = "killed"
	LifecycleCrashed LifecycleAction = "crashed"
)

// StatusPayload carries free-text progress.
type StatusPayload struct {
	Message string `json:"message"`
}

// ProgressPayload reports percent completion of a long-running operation.
type ProgressPayload struct {
	OperationID string  `json:"operationId"`
	Percent     float64 `json:"percent"`
}

// ToolCallPayload describes one phase of a tool invocation.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Phase      ToolCallPhase   `json:"phase"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// DecisionPayload is a request for a human decision.
type DecisionPayload struct {
	DecisionID  string          `json:"decisionId"`
	Subtype     DecisionSubtype `json:"subtype"`
	Prompt      string          `json:"prompt,omitempty"`
	Options     []DecisionOption `json:"options,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	Recommended string          `json:"recommended,omitempty"`
}

// DecisionOption is one selectable answer for an option decision.
type DecisionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ArtifactProvenance records where an artifact came from.
type ArtifactProvenance struct {
	SourcePath string `json:"sourcePath,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ArtifactPayload announces a produced artifact.
type ArtifactPayload struct {
	ArtifactID string             `json:"artifactId"`
	Name       string             `json:"name"`
	Kind       string             `json:"kind"`
	Workstream string             `json:"workstream"`
	Provenance ArtifactProvenance `json:"provenance"`
	URI        string             `json:"uri,omitempty"`
}

// CoherencePayload reports a cross-artifact coherence issue.
type CoherencePayload struct {
	IssueID     string   `json:"issueId"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	AffectedIDs []string `json:"affectedIds,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CompletionPayload reports the end of a run.
type CompletionPayload struct {
	Outcome CompletionOutcome `json:"outcome"`
	Summary string            `json:"summary,omitempty"`
}

// ErrorPayload reports a runtime error inside or about the agent.
type ErrorPayload struct {
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Recoverable bool     `json:"recoverable"`
	Category    string   `json:"category"`
}

// LifecyclePayload reports a lifecycle transition.
type LifecyclePayload struct {
	Action LifecycleAction `json:"action"`
	Reason string          `json:"reason,omitempty"`
}

// DelegationPayload reports work handed to a sub-agent.
type DelegationPayload struct {
	TargetAgentID string `json:"targetAgentId"`
	TaskSummary   string `json:"taskSummary,omitempty"`
}

// GuardrailPayload reports a guardrail evaluation.
type GuardrailPayload struct {
	Name    string `json:"name"`
	Tripped bool   `json:"tripped"`
	Detail  string `json:"detail,omitempty"`
}

// Event is the tagged union carried by adapter events. Type selects which
// payload pointer is populated; exactly one payload is set for a valid event
// (raw_provider carries the raw provider frame instead).
type Event struct {
	Type    Type   `json:"type"`
	AgentID string `json:"agentId"`

	Status      *StatusPayload     `json:"status,omitempty"`
	Progress    *ProgressPayload   `json:"progress,omitempty"`
	ToolCall    *ToolCallPayload   `json:"toolCall,omitempty"`
	Decision    *DecisionPayload   `json:"decision,omitempty"`
	Artifact    *ArtifactPayload   `json:"artifact,omitempty"`
	Coherence   *CoherencePayload  `json:"coherence,omitempty"`
	Completion  *CompletionPayload `json:"completion,omitempty"`
	Error       *ErrorPayload      `json:"error,omitempty"`
	Lifecycle   *LifecyclePayload  `json:"lifecycle,omitempty"`
	Delegation  *DelegationPayload `json:"delegation,omitempty"`
	Guardrail   *GuardrailPayload  `json:"guardrail,omitempty"`
	RawProvider json.RawMessage    `json:"rawProvider,omitempty"`
}

// AdapterEvent is what a sandbox emits on its event stream. SourceSequence is
// monotone per RunID; synthetic control-plane events use SourceSequence -1.
type AdapterEvent struct {
	SourceEventID    string    `json:"sourceEventId"`
	SourceSequence   int64     `json:"sourceSequence"`
	SourceOccurredAt time.Time `json:"sourceOccurredAt"`
	RunID            string    `json:"runId"`
	Event            Event     `json:"event"`
}

// EventEnvelope is the unit carried on the event bus: the adapter event plus
// the ingest timestamp stamped when the control plane accepted it.
type EventEnvelope struct {
	AdapterEvent
	IngestedAt time.Time `json:"ingestedAt"`
}

// NewEnvelope stamps an adapter event with the current ingest time.
func NewEnvelope(ev AdapterEvent) EventEnvelope {
	return EventEnvelope{AdapterEvent: ev, IngestedAt: time.Now().UTC()}
}
