// Package knowledge is the persistence layer behind the pipeline: agents the
// fleet knows about, artifacts they produced, coherence issues found between
// those artifacts, and resumable checkpoints.
package knowledge

import (
	"context"
	"errors"
	"time"

	"github.com/projecttab/backend/internal/events"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// DefaultCheckpointsPerAgent bounds retained checkpoints; the oldest is
// evicted when a new one arrives at the bound.
const DefaultCheckpointsPerAgent = 3

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("knowledge: not found")

// AgentInfo is the store's view of one agent.
type AgentInfo struct {
	AgentID      string         `json:"agentId" db:"agent_id"`
	Role         string         `json:"role" db:"role"`
	Workstream   string         `json:"workstream" db:"workstream"`
	Status       v1.AgentStatus `json:"status" db:"status"`
	RegisteredAt time.Time      `json:"registeredAt" db:"registered_at"`
}

// Artifact is a stored artifact announcement.
type Artifact struct {
	events.ArtifactPayload
	AgentID  string    `json:"agentId"`
	StoredAt time.Time `json:"storedAt"`
}

// CoherenceIssue is an append-only record of a detected issue.
type CoherenceIssue struct {
	events.CoherencePayload
	AgentID    string    `json:"agentId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// StoredCheckpoint wraps a serialized agent state with its retention key.
type StoredCheckpoint struct {
	AgentID  string                  `json:"agentId"`
	State    v1.SerializedAgentState `json:"state"`
	StoredAt time.Time               `json:"storedAt"`
}

// Store is the knowledge store contract. Implementations are internally
// synchronized.
type Store interface {
	RegisterAgent(ctx context.Context, brief v1.AgentBrief) error
	SetAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error
	RemoveAgent(ctx context.Context, agentID string) error
	Agent(ctx context.Context, agentID string) (*AgentInfo, error)
	ListAgents(ctx context.Context) ([]AgentInfo, error)

	PutArtifact(ctx context.Context, agentID string, payload events.ArtifactPayload) error
	Artifact(ctx context.Context, artifactID string) (*Artifact, error)
	ListArtifacts(ctx context.Context, workstream string) ([]Artifact, error)

	AppendCoherenceIssue(ctx context.Context, agentID string, payload events.CoherencePayload) error
	ListCoherenceIssues(ctx context.Context, agentID string) ([]CoherenceIssue, error)

	PutCheckpoint(ctx context.Context, state v1.SerializedAgentState) error
	Checkpoints(ctx context.Context, agentID string) ([]StoredCheckpoint, error)
	LatestCheckpoint(ctx context.Context, agentID string) (*StoredCheckpoint, error)

	Close() error
}
