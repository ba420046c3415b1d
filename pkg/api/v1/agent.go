// Package v1 defines the wire types shared between the control plane, the
// sandbox shims, and UI clients.
package v1

import (
	"encoding/json"
	"time"
)

// AgentStatus is an agent's lifecycle status as tracked by the registry.
type AgentStatus string

const (
	AgentStatusRunning        AgentStatus = "running"
	AgentStatusPaused         AgentStatus = "paused"
	AgentStatusWaitingOnHuman AgentStatus = "waiting_on_human"
	AgentStatusCompleted      AgentStatus = "completed"
	AgentStatusError          AgentStatus = "error"
)

// ProjectBrief is the project context handed to an agent.
type ProjectBrief struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Goals       []string `json:"goals,omitempty"`
	Checkpoints []string `json:"checkpoints,omitempty"`
}

// EscalationProtocol describes when an agent must ask for human input.
type EscalationProtocol struct {
	Triggers []string `json:"triggers,omitempty"`
	Contact  string   `json:"contact,omitempty"`
}

// AgentBrief is the immutable task specification handed to a sandbox on
// spawn. ProviderConfig is opaque to the control plane and is preserved
// bit-for-bit.
type AgentBrief struct {
	AgentID            string              `json:"agentId"`
	Role               string              `json:"role"`
	Description        string              `json:"description"`
	Workstream         string              `json:"workstream"`
	ProjectBrief       ProjectBrief        `json:"projectBrief"`
	AllowedTools       []string            `json:"allowedTools,omitempty"`
	KnowledgeSnapshot  json.RawMessage     `json:"knowledgeSnapshot,omitempty"`
	EscalationProtocol *EscalationProtocol `json:"escalationProtocol,omitempty"`
	ControlMode        string              `json:"controlMode,omitempty"`
	ProviderConfig     json.RawMessage     `json:"providerConfig,omitempty"`
}

// AgentHandle is the live identifier for a spawned agent.
type AgentHandle struct {
	ID         string      `json:"id"`
	PluginName string      `json:"pluginName"`
	Status     AgentStatus `json:"status"`
	SessionID  string      `json:"sessionId"`
}

// Bootstrap is the JSON blob handed to a sandbox via AGENT_BOOTSTRAP at
// spawn. Sandboxes derive all backend URIs and the auth header from it.
type Bootstrap struct {
	BackendURL             string    `json:"backendUrl"`
	BackendToken           string    `json:"backendToken"`
	TokenExpiresAt         time.Time `json:"tokenExpiresAt"`
	AgentID                string    `json:"agentId"`
	ArtifactUploadEndpoint string    `json:"artifactUploadEndpoint"`
}

// KillOptions controls how a sandbox is asked to die.
type KillOptions struct {
	Grace          bool  `json:"grace"`
	GraceTimeoutMs int64 `json:"graceTimeoutMs,omitempty"`
}

// DefaultKillOptions asks for a graceful shutdown.
func DefaultKillOptions() KillOptions {
	return KillOptions{Grace: true}
}

// KillResult reports the outcome of a kill.
type KillResult struct {
	ArtifactsExtracted int  `json:"artifactsExtracted"`
	CleanShutdown      bool `json:"cleanShutdown"`
}

// DecisionResolution is a human's answer to a pending decision.
type DecisionResolution struct {
	DecisionID string          `json:"decisionId"`
	Resolution json.RawMessage `json:"resolution"`
}

// ContextInjection pushes fresh context into a running agent.
type ContextInjection struct {
	Content         string `json:"content"`
	Format          string `json:"format"`
	SnapshotVersion int    `json:"snapshotVersion"`
	EstimatedTokens int    `json:"estimatedTokens"`
	Priority        string `json:"priority,omitempty"`
}

// BriefUpdate is a partial overlay applied to a running agent's brief.
type BriefUpdate struct {
	Changes json.RawMessage `json:"changes"`
}

// HealthResponse is the sandbox /health body.
type HealthResponse struct {
	Status                 string          `json:"status"`
	AgentStatus            string          `json:"agentStatus,omitempty"`
	UptimeMs               int64           `json:"uptimeMs,omitempty"`
	ResourceUsage          json.RawMessage `json:"resourceUsage,omitempty"`
	PendingEventBufferSize int             `json:"pendingEventBufferSize,omitempty"`
}
