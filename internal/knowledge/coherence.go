package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/projecttab/backend/internal/events"
)

// Monitor inspects a newly stored artifact against the rest of the store and
// reports at most one issue. A nil issue with a nil error means no finding.
type Monitor interface {
	Inspect(ctx context.Context, agentID string, artifact events.ArtifactPayload) (*events.CoherencePayload, error)
}

// HeuristicMonitor flags artifacts in the same workstream that share a name
// but come from different agents. It is deliberately cheap; anything smarter
// plugs in behind the Monitor interface.
type HeuristicMonitor struct {
	store Store
}

func NewHeuristicMonitor(store Store) *HeuristicMonitor {
	return &HeuristicMonitor{store: store}
}

func (m *HeuristicMonitor) Inspect(ctx context.Context, agentID string, artifact events.ArtifactPayload) (*events.CoherencePayload, error) {
	existing, err := m.store.ListArtifacts(ctx, artifact.Workstream)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(strings.TrimSpace(artifact.Name))
	for _, other := range existing {
		if other.ArtifactID == artifact.ArtifactID || other.AgentID == agentID {
			continue
		}
		if strings.ToLower(strings.TrimSpace(other.Name)) != name {
			continue
		}
		return &events.CoherencePayload{
			IssueID:     uuid.New().String(),
			Severity:    events.SeverityHigh,
			Category:    "duplicate_artifact",
			AffectedIDs: []string{other.ArtifactID, artifact.ArtifactID},
			Description: fmt.Sprintf("artifact %q produced by multiple agents in workstream %q", artifact.Name, artifact.Workstream),
		}, nil
	}
	return nil, nil
}
