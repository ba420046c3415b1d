// Package decision implements the human decision queue: pending entries, an
// orphan grace period, and tick-driven expiry into triage.
package decision

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/tick"
)

// Status is the queue state of one entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusTriage   Status = "triage"
	StatusResolved Status = "resolved"
)

// Badges shown to operators.
const (
	BadgeGracePeriod = "grace period"
	BadgeAgentKilled = "agent killed"
)

// Entry priorities. Triage raises an entry to PriorityElevated.
const (
	PriorityNormal   = 0
	PriorityElevated = 1
)

// Entry is one queued decision. Once resolved, the entry is immutable for
// queue purposes and retained as history.
type Entry struct {
	Event             events.EventEnvelope `json:"event"`
	DecisionID        string               `json:"decisionId"`
	AgentID           string               `json:"agentId"`
	EnqueuedAtTick    int64                `json:"enqueuedAtTick"`
	Status            Status               `json:"status"`
	Badge             string               `json:"badge,omitempty"`
	Priority          int                  `json:"priority"`
	GraceDeadlineTick *int64               `json:"graceDeadlineTick,omitempty"`
}

// Queue owns decision entries, indexed by decisionId.
type Queue struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	order      []string // decisionIds in enqueue order
	graceTicks int64
	logger     *logger.Logger
}

// NewQueue creates a decision queue with the given orphan grace period.
func NewQueue(graceTicks int64, log *logger.Logger) *Queue {
	return &Queue{
		entries:    make(map[string]*Entry),
		graceTicks: graceTicks,
		logger:     log.WithFields(zap.String("component", "decision_queue")),
	}
}

// Enqueue adds a pending entry for a decision event.
func (q *Queue) Enqueue(env events.EventEnvelope, nowTick int64) error {
	if env.Event.Type != events.TypeDecision || env.Event.Decision == nil {
		return fmt.Errorf("not a decision event: %s", env.Event.Type)
	}
	decisionID := env.Event.Decision.DecisionID

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[decisionID]; exists {
		return fmt.Errorf("decision %s already enqueued", decisionID)
	}
	q.entries[decisionID] = &Entry{
		Event:          env,
		DecisionID:     decisionID,
		AgentID:        env.Event.AgentID,
		EnqueuedAtTick: nowTick,
		Status:         StatusPending,
		Priority:       PriorityNormal,
	}
	q.order = append(q.order, decisionID)

	q.logger.Info("Decision enqueued",
		zap.String("decision_id", decisionID),
		zap.String("agent_id", env.Event.AgentID),
		zap.Int64("tick", nowTick))
	return nil
}

// Get returns a copy of the entry for a decision id.
func (q *Queue) Get(decisionID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[decisionID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// ListPending returns copies of pending entries in enqueue order.
func (q *Queue) ListPending() []Entry {
	return q.list(func(e *Entry) bool { return e.Status == StatusPending })
}

// ListAll returns copies of all entries in enqueue order.
func (q *Queue) ListAll() []Entry {
	return q.list(func(*Entry) bool { return true })
}

func (q *Queue) list(keep func(*Entry) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, id := range q.order {
		if entry := q.entries[id]; keep(entry) {
			out = append(out, *entry)
		}
	}
	return out
}

// Resolve moves an entry to resolved. Resolution during the grace period is
// allowed; resolved entries are never demoted or re-orphaned.
func (q *Queue) Resolve(decisionID string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[decisionID]
	if !ok {
		return Entry{}, fmt.Errorf("unknown decision %s", decisionID)
	}
	if entry.Status == StatusResolved {
		return *entry, nil
	}
	entry.Status = StatusResolved
	entry.Badge = ""
	entry.GraceDeadlineTick = nil

	q.logger.Info("Decision resolved", zap.String("decision_id", decisionID))
	return *entry, nil
}

// ScheduleOrphanTriage starts the grace period for every pending entry of an
// agent whose sandbox went away: the entries stay pending with a grace badge
// and expire to triage once the deadline tick passes.
func (q *Queue) ScheduleOrphanTriage(agentID string, nowTick int64) {
	deadline := nowTick + q.graceTicks

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		entry := q.entries[id]
		if entry.AgentID != agentID || entry.Status != StatusPending {
			continue
		}
		d := deadline
		entry.Badge = BadgeGracePeriod
		entry.GraceDeadlineTick = &d
	}

	q.logger.Info("Orphan triage scheduled",
		zap.String("agent_id", agentID),
		zap.Int64("deadline_tick", deadline))
}

// HandleAgentKilled is the emergency-brake path: it skips the grace period
// and moves every pending entry for the agent straight to triage.
func (q *Queue) HandleAgentKilled(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for _, id := range q.order {
		entry := q.entries[id]
		if entry.AgentID != agentID || entry.Status != StatusPending {
			continue
		}
		q.triageLocked(entry)
		moved++
	}

	if moved > 0 {
		q.logger.Warn("Pending decisions moved to triage after agent kill",
			zap.String("agent_id", agentID),
			zap.Int("count", moved))
	}
}

// OnTick expires pending entries whose grace deadline has passed.
func (q *Queue) OnTick(nowTick int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		entry := q.entries[id]
		if entry.Status != StatusPending || entry.GraceDeadlineTick == nil {
			continue
		}
		if nowTick >= *entry.GraceDeadlineTick {
			q.triageLocked(entry)
			q.logger.Warn("Decision grace period expired",
				zap.String("decision_id", entry.DecisionID),
				zap.Int64("tick", nowTick))
		}
	}
}

// SubscribeTo wires grace-period expiry to the tick service.
func (q *Queue) SubscribeTo(svc *tick.Service) {
	svc.Subscribe(q.OnTick)
}

// triageLocked transitions an entry to triage. Callers must hold q.mu.
func (q *Queue) triageLocked(entry *Entry) {
	entry.Status = StatusTriage
	entry.Badge = BadgeAgentKilled
	entry.Priority = PriorityElevated
	entry.GraceDeadlineTick = nil
}
