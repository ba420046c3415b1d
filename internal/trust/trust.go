// Package trust maintains a clamped integer trust score per agent, adjusted
// by outcome-indexed deltas with diminishing returns near the bounds.
package trust

import (
	"sync"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/tick"
)

// Outcome indexes the base delta table.
type Outcome string

const (
	OutcomeHumanApprovesToolCall          Outcome = "human_approves_tool_call"
	OutcomeHumanRejectsToolCall           Outcome = "human_rejects_tool_call"
	OutcomeHumanApprovesRecommendedOption Outcome = "human_approves_recommended_option"
	OutcomeHumanPicksNonRecommended       Outcome = "human_picks_non_recommended"
	OutcomeHumanOverridesAgentDecision    Outcome = "human_overrides_agent_decision"
	OutcomeHumanApprovesAlways            Outcome = "human_approves_always"
	OutcomeTaskCompletedClean             Outcome = "task_completed_clean"
	OutcomeTaskCompletedPartial           Outcome = "task_completed_partial"
	OutcomeTaskAbandonedOrMaxTurns        Outcome = "task_abandoned_or_max_turns"
	OutcomeErrorEvent                     Outcome = "error_event"
)

// Score bounds and the starting score for an agent never seen before.
const (
	MinScore     = 10
	MaxScore     = 100
	DefaultScore = 50
)

var baseDeltas = map[Outcome]int{
	OutcomeHumanApprovesToolCall:          +1,
	OutcomeHumanRejectsToolCall:           -2,
	OutcomeHumanApprovesRecommendedOption: +2,
	OutcomeHumanPicksNonRecommended:       -1,
	OutcomeHumanOverridesAgentDecision:    -3,
	OutcomeHumanApprovesAlways:            +3,
	OutcomeTaskCompletedClean:             +3,
	OutcomeTaskCompletedPartial:           +1,
	OutcomeTaskAbandonedOrMaxTurns:        -2,
	OutcomeErrorEvent:                     -2,
}

// HistoryEntry records one applied outcome.
type HistoryEntry struct {
	Tick    int64   `json:"tick"`
	Outcome Outcome `json:"outcome"`
	Applied int     `json:"applied"`
}

// Record is the trust state for one agent.
type Record struct {
	AgentID string         `json:"agentId"`
	Score   int            `json:"score"`
	History []HistoryEntry `json:"history"`
}

// Engine holds trust records for all agents. Internally synchronized.
type Engine struct {
	mu      sync.Mutex
	records map[string]*Record
	logger  *logger.Logger
}

// NewEngine creates an empty trust engine.
func NewEngine(log *logger.Logger) *Engine {
	return &Engine{
		records: make(map[string]*Record),
		logger:  log.WithFields(zap.String("component", "trust")),
	}
}

// Score returns the agent's current score, defaulting to DefaultScore on
// first touch.
func (e *Engine) Score(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(agentID).Score
}

// Record returns a copy of the agent's trust record.
func (e *Engine) Record(agentID string) Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record(agentID)
	out := Record{AgentID: rec.AgentID, Score: rec.Score}
	out.History = append(out.History, rec.History...)
	return out
}

// ApplyOutcome applies the outcome's delta with diminishing returns near the
// bounds, clamps, records history, and returns the signed delta actually
// applied to the score.
func (e *Engine) ApplyOutcome(agentID string, outcome Outcome, tickNow int64) int {
	base, ok := baseDeltas[outcome]
	if !ok {
		e.logger.Warn("Unknown trust outcome ignored",
			zap.String("agent_id", agentID),
			zap.String("outcome", string(outcome)))
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.record(agentID)
	delta := diminish(rec.Score, base)

	before := rec.Score
	rec.Score = clamp(rec.Score + delta)
	applied := rec.Score - before

	rec.History = append(rec.History, HistoryEntry{Tick: tickNow, Outcome: outcome, Applied: applied})

	e.logger.Debug("Trust outcome applied",
		zap.String("agent_id", agentID),
		zap.String("outcome", string(outcome)),
		zap.Int("applied", applied),
		zap.Int("score", rec.Score))
	return applied
}

// SubscribeTo is a stub for future time-based decay. Safe to call; the engine
// currently ignores ticks.
func (e *Engine) SubscribeTo(svc *tick.Service) {
	svc.Subscribe(func(int64) {})
}

// record returns the agent's record, creating it at the default score.
// Callers must hold e.mu.
func (e *Engine) record(agentID string) *Record {
	rec, ok := e.records[agentID]
	if !ok {
		rec = &Record{AgentID: agentID, Score: DefaultScore}
		e.records[agentID] = rec
	}
	return rec
}

// diminish halves the delta near the bounds: above 90 positive gains are
// floored-halved (minimum 1), below 20 negative losses are ceil-halved.
func diminish(score, base int) int {
	switch {
	case score > 90 && base > 0:
		half := base / 2
		if half < 1 {
			half = 1
		}
		return half
	case score < 20 && base < 0:
		// Ceiling division for a negative value rounds toward zero.
		return -((-base) / 2)
	default:
		return base
	}
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
