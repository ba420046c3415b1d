package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/projecttab/backend/internal/events"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// MemoryStore is the default in-process store. Checkpoints are bounded per
// agent with oldest-first eviction.
type MemoryStore struct {
	mu             sync.RWMutex
	agents         map[string]*AgentInfo
	artifacts      map[string]*Artifact
	artifactOrder  []string
	issues         []CoherenceIssue
	checkpoints    map[string][]StoredCheckpoint
	checkpointsMax int
}

// NewMemoryStore creates a memory store keeping at most checkpointsMax
// checkpoints per agent (DefaultCheckpointsPerAgent when <= 0).
func NewMemoryStore(checkpointsMax int) *MemoryStore {
	if checkpointsMax <= 0 {
		checkpointsMax = DefaultCheckpointsPerAgent
	}
	return &MemoryStore{
		agents:         make(map[string]*AgentInfo),
		artifacts:      make(map[string]*Artifact),
		checkpoints:    make(map[string][]StoredCheckpoint),
		checkpointsMax: checkpointsMax,
	}
}

func (s *MemoryStore) RegisterAgent(_ context.Context, brief v1.AgentBrief) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[brief.AgentID] = &AgentInfo{
		AgentID:      brief.AgentID,
		Role:         brief.Role,
		Workstream:   brief.Workstream,
		Status:       v1.AgentStatusRunning,
		RegisteredAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) SetAgentStatus(_ context.Context, agentID string, status v1.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	info.Status = status
	return nil
}

func (s *MemoryStore) RemoveAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	return nil
}

func (s *MemoryStore) Agent(_ context.Context, agentID string) (*AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *info
	return &copied, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, info := range s.agents {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) PutArtifact(_ context.Context, agentID string, payload events.ArtifactPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[payload.ArtifactID]; !exists {
		s.artifactOrder = append(s.artifactOrder, payload.ArtifactID)
	}
	s.artifacts[payload.ArtifactID] = &Artifact{
		ArtifactPayload: payload,
		AgentID:         agentID,
		StoredAt:        time.Now(),
	}
	return nil
}

func (s *MemoryStore) Artifact(_ context.Context, artifactID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.artifacts[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *art
	return &copied, nil
}

// ListArtifacts returns artifacts in insertion order. An empty workstream
// matches everything.
func (s *MemoryStore) ListArtifacts(_ context.Context, workstream string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.artifactOrder))
	for _, id := range s.artifactOrder {
		art := s.artifacts[id]
		if workstream != "" && art.Workstream != workstream {
			continue
		}
		out = append(out, *art)
	}
	return out, nil
}

func (s *MemoryStore) AppendCoherenceIssue(_ context.Context, agentID string, payload events.CoherencePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, CoherenceIssue{
		CoherencePayload: payload,
		AgentID:          agentID,
		RecordedAt:       time.Now(),
	})
	return nil
}

// ListCoherenceIssues returns issues in append order. An empty agentID
// matches everything.
func (s *MemoryStore) ListCoherenceIssues(_ context.Context, agentID string) ([]CoherenceIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CoherenceIssue, 0, len(s.issues))
	for _, issue := range s.issues {
		if agentID != "" && issue.AgentID != agentID {
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, state v1.SerializedAgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := append(s.checkpoints[state.AgentID], StoredCheckpoint{
		AgentID:  state.AgentID,
		State:    state,
		StoredAt: time.Now(),
	})
	if len(cps) > s.checkpointsMax {
		cps = cps[len(cps)-s.checkpointsMax:]
	}
	s.checkpoints[state.AgentID] = cps
	return nil
}

func (s *MemoryStore) Checkpoints(_ context.Context, agentID string) ([]StoredCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[agentID]
	out := make([]StoredCheckpoint, len(cps))
	copy(out, cps)
	return out, nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, agentID string) (*StoredCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[agentID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	latest := cps[len(cps)-1]
	return &latest, nil
}

func (s *MemoryStore) Close() error { return nil }
