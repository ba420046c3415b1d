package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecttab/backend/internal/events"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

func testBrief(agentID, workstream string) v1.AgentBrief {
	return v1.AgentBrief{
		AgentID:    agentID,
		Role:       "implementer",
		Workstream: workstream,
	}
}

func testArtifact(id, name, workstream string) events.ArtifactPayload {
	return events.ArtifactPayload{
		ArtifactID: id,
		Name:       name,
		Kind:       "document",
		Workstream: workstream,
	}
}

func testState(agentID, sessionID string) v1.SerializedAgentState {
	return v1.SerializedAgentState{
		AgentID:    agentID,
		PluginName: "sandbox-aggregating",
		SessionID:  sessionID,
		Checkpoint: v1.Checkpoint{SDK: "mock", Data: json.RawMessage(`{}`)},
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent(ctx, testBrief("agent-a", "ws-1")))

	info, err := s.Agent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", info.AgentID)
	assert.Equal(t, "ws-1", info.Workstream)
	assert.Equal(t, v1.AgentStatusRunning, info.Status)

	require.NoError(t, s.SetAgentStatus(ctx, "agent-a", v1.AgentStatusPaused))
	info, err = s.Agent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusPaused, info.Status)

	require.NoError(t, s.RemoveAgent(ctx, "agent-a"))
	_, err = s.Agent(ctx, "agent-a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetStatusUnknownAgent(t *testing.T) {
	s := NewMemoryStore(0)
	err := s.SetAgentStatus(context.Background(), "ghost", v1.AgentStatusError)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAgentsSorted(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.RegisterAgent(ctx, testBrief(id, "ws-1")))
	}
	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, "a", agents[0].AgentID)
	assert.Equal(t, "b", agents[1].AgentID)
	assert.Equal(t, "c", agents[2].AgentID)
}

func TestArtifactsByWorkstream(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "plan.md", "ws-1")))
	require.NoError(t, s.PutArtifact(ctx, "agent-b", testArtifact("art-2", "api.md", "ws-2")))

	art, err := s.Artifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", art.AgentID)
	assert.Equal(t, "plan.md", art.Name)

	ws1, err := s.ListArtifacts(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, ws1, 1)
	assert.Equal(t, "art-1", ws1[0].ArtifactID)

	all, err := s.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPutArtifactUpsertsKeepingOrder(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "plan.md", "ws-1")))
	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-2", "api.md", "ws-1")))
	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "plan-v2.md", "ws-1")))

	all, err := s.ListArtifacts(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "art-1", all[0].ArtifactID)
	assert.Equal(t, "plan-v2.md", all[0].Name)
}

func TestCoherenceIssuesAppendOnly(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.AppendCoherenceIssue(ctx, "agent-a", events.CoherencePayload{
			IssueID:  fmt.Sprintf("issue-%d", i),
			Severity: events.SeverityHigh,
			Category: "duplicate_artifact",
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.AppendCoherenceIssue(ctx, "agent-b", events.CoherencePayload{
		IssueID: "issue-x", Severity: events.SeverityLow, Category: "stale_reference",
	}))

	issues, err := s.ListCoherenceIssues(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, "issue-0", issues[0].IssueID)

	all, err := s.ListCoherenceIssues(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCheckpointRetention(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.PutCheckpoint(ctx, testState("agent-a", fmt.Sprintf("session-%d", i))))
	}

	cps, err := s.Checkpoints(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, cps, 2, "retention bound exceeded")
	assert.Equal(t, "session-3", cps[0].State.SessionID)
	assert.Equal(t, "session-4", cps[1].State.SessionID)

	latest, err := s.LatestCheckpoint(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "session-4", latest.State.SessionID)
}

func TestLatestCheckpointEmpty(t *testing.T) {
	s := NewMemoryStore(0)
	_, err := s.LatestCheckpoint(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHeuristicMonitorFlagsDuplicateNames(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	m := NewHeuristicMonitor(s)

	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "Plan.md", "ws-1")))

	dup := testArtifact("art-2", "plan.md", "ws-1")
	require.NoError(t, s.PutArtifact(ctx, "agent-b", dup))

	issue, err := m.Inspect(ctx, "agent-b", dup)
	require.NoError(t, err)
	require.NotNil(t, issue, "same name from a different agent must flag")
	assert.Equal(t, events.SeverityHigh, issue.Severity)
	assert.Equal(t, "duplicate_artifact", issue.Category)
	assert.ElementsMatch(t, []string{"art-1", "art-2"}, issue.AffectedIDs)
}

func TestHeuristicMonitorIgnoresSameAgent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	m := NewHeuristicMonitor(s)

	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "plan.md", "ws-1")))
	next := testArtifact("art-2", "plan.md", "ws-1")
	require.NoError(t, s.PutArtifact(ctx, "agent-a", next))

	issue, err := m.Inspect(ctx, "agent-a", next)
	require.NoError(t, err)
	assert.Nil(t, issue, "an agent revising its own artifact is not an issue")
}

func TestHeuristicMonitorScopedToWorkstream(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	m := NewHeuristicMonitor(s)

	require.NoError(t, s.PutArtifact(ctx, "agent-a", testArtifact("art-1", "plan.md", "ws-1")))
	other := testArtifact("art-2", "plan.md", "ws-2")
	require.NoError(t, s.PutArtifact(ctx, "agent-b", other))

	issue, err := m.Inspect(ctx, "agent-b", other)
	require.NoError(t, err)
	assert.Nil(t, issue, "same name in a different workstream is fine")
}
