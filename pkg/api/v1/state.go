package v1

import (
	"encoding/json"
	"time"
)

// SerializedBy records which path produced a state snapshot.
type SerializedBy string

const (
	SerializedByPause              SerializedBy = "pause"
	SerializedByDecisionCheckpoint SerializedBy = "decision_checkpoint"
)

// Checkpoint is the SDK-specific resumable state inside a serialized agent.
// Everything beyond the sdk discriminator is opaque to the control plane.
type Checkpoint struct {
	SDK  string          `json:"sdk"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SerializedAgentState is an agent snapshot the sandbox can resume from.
// Produced on pause or when a decision blocks.
type SerializedAgentState struct {
	AgentID             string       `json:"agentId"`
	PluginName          string       `json:"pluginName"`
	SessionID           string       `json:"sessionId"`
	Checkpoint          Checkpoint   `json:"checkpoint"`
	BriefSnapshot       AgentBrief   `json:"briefSnapshot"`
	ConversationSummary string       `json:"conversationSummary,omitempty"`
	PendingDecisionIDs  []string     `json:"pendingDecisionIds"`
	LastSequence        int64        `json:"lastSequence"`
	SerializedAt        time.Time    `json:"serializedAt"`
	SerializedBy        SerializedBy `json:"serializedBy"`
	EstimatedSizeBytes  int64        `json:"estimatedSizeBytes"`
}
