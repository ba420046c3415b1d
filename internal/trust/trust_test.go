package trust

import (
	"testing"

	"github.com/projecttab/backend/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func TestDefaultScoreOnFirstTouch(t *testing.T) {
	e := NewEngine(testLogger())
	if got := e.Score("agent-a"); got != DefaultScore {
		t.Errorf("expected %d, got %d", DefaultScore, got)
	}
}

func TestApplyOutcomeDeltas(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    int
	}{
		{OutcomeHumanApprovesToolCall, +1},
		{OutcomeHumanRejectsToolCall, -2},
		{OutcomeHumanApprovesRecommendedOption, +2},
		{OutcomeHumanPicksNonRecommended, -1},
		{OutcomeHumanOverridesAgentDecision, -3},
		{OutcomeHumanApprovesAlways, +3},
		{OutcomeTaskCompletedClean, +3},
		{OutcomeTaskCompletedPartial, +1},
		{OutcomeTaskAbandonedOrMaxTurns, -2},
		{OutcomeErrorEvent, -2},
	}
	for _, tt := range tests {
		e := NewEngine(testLogger())
		applied := e.ApplyOutcome("agent-a", tt.outcome, 1)
		if applied != tt.want {
			t.Errorf("%s: applied %d, want %d", tt.outcome, applied, tt.want)
		}
		if got := e.Score("agent-a"); got != DefaultScore+tt.want {
			t.Errorf("%s: score %d, want %d", tt.outcome, got, DefaultScore+tt.want)
		}
	}
}

func TestUnknownOutcomeIgnored(t *testing.T) {
	e := NewEngine(testLogger())
	if applied := e.ApplyOutcome("agent-a", Outcome("made_up"), 1); applied != 0 {
		t.Errorf("expected 0, got %d", applied)
	}
	if got := e.Score("agent-a"); got != DefaultScore {
		t.Errorf("score moved on unknown outcome: %d", got)
	}
}

func TestDiminishingReturnsNearTop(t *testing.T) {
	e := NewEngine(testLogger())
	// Drive the score above 90.
	for e.Score("agent-a") <= 90 {
		e.ApplyOutcome("agent-a", OutcomeTaskCompletedClean, 1)
	}
	score := e.Score("agent-a")

	// Above 90 a +3 is halved to +1.
	applied := e.ApplyOutcome("agent-a", OutcomeTaskCompletedClean, 2)
	if applied != 1 {
		t.Errorf("expected +1 above 90, got %+d (score %d)", applied, score)
	}

	// A +1 outcome still moves by at least 1.
	if e.Score("agent-a") < MaxScore {
		applied = e.ApplyOutcome("agent-a", OutcomeHumanApprovesToolCall, 3)
		if applied != 1 && e.Score("agent-a") != MaxScore {
			t.Errorf("expected minimum gain of 1, got %+d", applied)
		}
	}
}

func TestDiminishingReturnsNearBottom(t *testing.T) {
	e := NewEngine(testLogger())
	for e.Score("agent-a") >= 20 {
		e.ApplyOutcome("agent-a", OutcomeHumanOverridesAgentDecision, 1)
	}

	// Below 20 a -2 is halved to -1.
	applied := e.ApplyOutcome("agent-a", OutcomeErrorEvent, 2)
	if applied != -1 {
		t.Errorf("expected -1 below 20, got %+d", applied)
	}
}

func TestClampAtBounds(t *testing.T) {
	e := NewEngine(testLogger())
	for i := 0; i < 200; i++ {
		e.ApplyOutcome("agent-a", OutcomeHumanOverridesAgentDecision, int64(i))
	}
	if got := e.Score("agent-a"); got != MinScore {
		t.Errorf("expected floor %d, got %d", MinScore, got)
	}
	// At the floor, further losses apply nothing.
	if applied := e.ApplyOutcome("agent-a", OutcomeErrorEvent, 999); applied != 0 {
		t.Errorf("expected 0 at floor, got %+d", applied)
	}

	for i := 0; i < 200; i++ {
		e.ApplyOutcome("agent-b", OutcomeTaskCompletedClean, int64(i))
	}
	if got := e.Score("agent-b"); got != MaxScore {
		t.Errorf("expected ceiling %d, got %d", MaxScore, got)
	}
	if applied := e.ApplyOutcome("agent-b", OutcomeTaskCompletedClean, 999); applied != 0 {
		t.Errorf("expected 0 at ceiling, got %+d", applied)
	}
}

func TestHistoryRecordsAppliedDeltas(t *testing.T) {
	e := NewEngine(testLogger())
	e.ApplyOutcome("agent-a", OutcomeHumanApprovesToolCall, 10)
	e.ApplyOutcome("agent-a", OutcomeHumanRejectsToolCall, 11)

	rec := e.Record("agent-a")
	if len(rec.History) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(rec.History))
	}
	if rec.History[0].Tick != 10 || rec.History[0].Outcome != OutcomeHumanApprovesToolCall || rec.History[0].Applied != 1 {
		t.Errorf("unexpected first entry %+v", rec.History[0])
	}
	if rec.History[1].Tick != 11 || rec.History[1].Applied != -2 {
		t.Errorf("unexpected second entry %+v", rec.History[1])
	}
	if rec.Score != DefaultScore-1 {
		t.Errorf("expected score %d, got %d", DefaultScore-1, rec.Score)
	}
}

func TestRecordReturnsCopy(t *testing.T) {
	e := NewEngine(testLogger())
	e.ApplyOutcome("agent-a", OutcomeHumanApprovesToolCall, 1)

	rec := e.Record("agent-a")
	rec.History[0].Applied = 99
	rec.Score = 0

	fresh := e.Record("agent-a")
	if fresh.History[0].Applied == 99 || fresh.Score == 0 {
		t.Error("Record leaked internal state")
	}
}

func TestScoresAreIndependentPerAgent(t *testing.T) {
	e := NewEngine(testLogger())
	e.ApplyOutcome("agent-a", OutcomeTaskCompletedClean, 1)
	if got := e.Score("agent-b"); got != DefaultScore {
		t.Errorf("agent-b affected by agent-a outcome: %d", got)
	}
}
