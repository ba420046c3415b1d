package decision

import (
	"fmt"
	"testing"
	"time"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/tick"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func decisionEnvelope(agentID, decisionID string, seq int64) events.EventEnvelope {
	return events.EventEnvelope{
		AdapterEvent: events.AdapterEvent{
			SourceEventID:    fmt.Sprintf("run-%s-%d", agentID, seq),
			SourceSequence:   seq,
			SourceOccurredAt: time.Now().UTC(),
			RunID:            "run-" + agentID,
			Event: events.Event{
				Type:    events.TypeDecision,
				AgentID: agentID,
				Decision: &events.DecisionPayload{
					DecisionID: decisionID,
					Subtype:    events.DecisionSubtypeToolApproval,
					Prompt:     "allow?",
				},
			},
		},
		IngestedAt: time.Now().UTC(),
	}
}

func TestEnqueueAndListPending(t *testing.T) {
	q := NewQueue(3, testLogger())
	if err := q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending := q.ListPending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
	entry := pending[0]
	if entry.DecisionID != "d1" || entry.AgentID != "agent-a" {
		t.Errorf("wrong entry %+v", entry)
	}
	if entry.Status != StatusPending || entry.EnqueuedAtTick != 10 {
		t.Errorf("wrong status/tick %+v", entry)
	}
	if entry.Badge != "" || entry.Priority != PriorityNormal {
		t.Errorf("new entry must have no badge and normal priority: %+v", entry)
	}
}

func TestEnqueueRejectsNonDecision(t *testing.T) {
	q := NewQueue(3, testLogger())
	env := decisionEnvelope("agent-a", "d1", 1)
	env.Event.Type = events.TypeStatus
	env.Event.Decision = nil
	if err := q.Enqueue(env, 1); err == nil {
		t.Error("expected error for non-decision event")
	}
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 1)
	if err := q.Enqueue(decisionEnvelope("agent-a", "d1", 2), 2); err == nil {
		t.Error("expected duplicate enqueue to fail")
	}
}

func TestResolve(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 1)

	entry, err := q.Resolve("d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if entry.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", entry.Status)
	}
	if len(q.ListPending()) != 0 {
		t.Error("resolved entry still listed pending")
	}

	// Resolving again is idempotent.
	again, err := q.Resolve("d1")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", again.Status)
	}
}

func TestResolveUnknown(t *testing.T) {
	q := NewQueue(3, testLogger())
	if _, err := q.Resolve("missing"); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestOrphanGracePeriodExpiresToTriage(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 10)

	q.ScheduleOrphanTriage("agent-a", 10)

	entry, _ := q.Get("d1")
	if entry.Status != StatusPending || entry.Badge != BadgeGracePeriod {
		t.Fatalf("expected pending with grace badge, got %+v", entry)
	}
	if entry.GraceDeadlineTick == nil || *entry.GraceDeadlineTick != 13 {
		t.Fatalf("expected deadline 13, got %+v", entry.GraceDeadlineTick)
	}

	// Before the deadline nothing moves.
	q.OnTick(12)
	entry, _ = q.Get("d1")
	if entry.Status != StatusPending {
		t.Fatalf("expired early: %+v", entry)
	}

	q.OnTick(13)
	entry, _ = q.Get("d1")
	if entry.Status != StatusTriage {
		t.Fatalf("expected triage after deadline, got %+v", entry)
	}
	if entry.Badge != BadgeAgentKilled || entry.Priority != PriorityElevated {
		t.Errorf("triage entry missing badge or elevation: %+v", entry)
	}
}

func TestResolveDuringGraceWins(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 10)
	q.ScheduleOrphanTriage("agent-a", 10)

	if _, err := q.Resolve("d1"); err != nil {
		t.Fatalf("resolve during grace: %v", err)
	}

	// The later deadline must not demote a resolved entry.
	q.OnTick(20)
	entry, _ := q.Get("d1")
	if entry.Status != StatusResolved {
		t.Errorf("resolved entry re-orphaned: %+v", entry)
	}
	if entry.Badge != "" || entry.GraceDeadlineTick != nil {
		t.Errorf("resolution must clear grace state: %+v", entry)
	}
}

func TestHandleAgentKilledSkipsGrace(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 1)
	_ = q.Enqueue(decisionEnvelope("agent-a", "d2", 2), 1)
	_ = q.Enqueue(decisionEnvelope("agent-b", "d3", 1), 1)

	q.HandleAgentKilled("agent-a")

	for _, id := range []string{"d1", "d2"} {
		entry, _ := q.Get(id)
		if entry.Status != StatusTriage || entry.Badge != BadgeAgentKilled {
			t.Errorf("%s: expected immediate triage, got %+v", id, entry)
		}
	}
	other, _ := q.Get("d3")
	if other.Status != StatusPending {
		t.Errorf("unrelated agent affected: %+v", other)
	}
}

func TestHandleAgentKilledLeavesResolvedAlone(t *testing.T) {
	q := NewQueue(3, testLogger())
	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 1)
	_, _ = q.Resolve("d1")

	q.HandleAgentKilled("agent-a")
	entry, _ := q.Get("d1")
	if entry.Status != StatusResolved {
		t.Errorf("resolved entry demoted: %+v", entry)
	}
}

func TestSubscribeToTickService(t *testing.T) {
	q := NewQueue(2, testLogger())
	ticks := tick.NewService(tick.ModeManual, 0, testLogger())
	q.SubscribeTo(ticks)

	_ = q.Enqueue(decisionEnvelope("agent-a", "d1", 1), 0)
	q.ScheduleOrphanTriage("agent-a", 0)

	ticks.Advance() // 1
	entry, _ := q.Get("d1")
	if entry.Status != StatusPending {
		t.Fatalf("expired before deadline: %+v", entry)
	}
	ticks.Advance() // 2, deadline reached
	entry, _ = q.Get("d1")
	if entry.Status != StatusTriage {
		t.Errorf("tick wiring did not expire entry: %+v", entry)
	}
}

func TestListAllKeepsEnqueueOrder(t *testing.T) {
	q := NewQueue(3, testLogger())
	for i, id := range []string{"d1", "d2", "d3"} {
		_ = q.Enqueue(decisionEnvelope("agent-a", id, int64(i+1)), int64(i))
	}
	_, _ = q.Resolve("d2")

	all := q.ListAll()
	if len(all) != 3 {
		t.Fatalf("expected 3, got %d", len(all))
	}
	for i, want := range []string{"d1", "d2", "d3"} {
		if all[i].DecisionID != want {
			t.Errorf("order broken: got %s at %d", all[i].DecisionID, i)
		}
	}
}
