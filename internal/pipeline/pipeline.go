// Package pipeline ties the bus to everything that reacts to events: the
// classifier fan-out to clients, the decision queue, the knowledge store, the
// coherence monitor and the trust engine.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/decision"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/bus"
	"github.com/projecttab/backend/internal/events/classify"
	gw "github.com/projecttab/backend/internal/gateway/websocket"
	"github.com/projecttab/backend/internal/knowledge"
	"github.com/projecttab/backend/internal/sandbox/plugin"
	"github.com/projecttab/backend/internal/tick"
	"github.com/projecttab/backend/internal/trust"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// CheckpointRequester is the plugin operation the decision handler needs.
type CheckpointRequester interface {
	RequestCheckpoint(ctx context.Context, handle v1.AgentHandle, decisionID string) (*v1.SerializedAgentState, error)
}

// Pipeline owns the bus subscriptions of the control plane's reactive side.
type Pipeline struct {
	bus         *bus.Bus
	hub         *gw.Hub
	queue       *decision.Queue
	registry    *plugin.Registry
	store       knowledge.Store
	monitor     knowledge.Monitor
	trust       *trust.Engine
	ticks       *tick.Service
	checkpoints CheckpointRequester
	logger      *logger.Logger

	subs []*bus.Subscription
}

func New(b *bus.Bus, hub *gw.Hub, queue *decision.Queue, registry *plugin.Registry, store knowledge.Store, monitor knowledge.Monitor, trustEngine *trust.Engine, ticks *tick.Service, checkpoints CheckpointRequester, log *logger.Logger) *Pipeline {
	return &Pipeline{
		bus:         b,
		hub:         hub,
		queue:       queue,
		registry:    registry,
		store:       store,
		monitor:     monitor,
		trust:       trustEngine,
		ticks:       ticks,
		checkpoints: checkpoints,
		logger:      log.WithFields(zap.String("component", "pipeline")),
	}
}

// Wire installs all bus subscriptions. Call once at startup.
func (p *Pipeline) Wire() {
	p.subs = append(p.subs,
		p.bus.Subscribe(bus.Filter{}, p.fanOut),
		p.bus.Subscribe(bus.Filter{EventType: events.TypeDecision}, p.onDecision),
		p.bus.Subscribe(bus.Filter{EventType: events.TypeArtifact}, p.onArtifact),
		p.bus.Subscribe(bus.Filter{EventType: events.TypeLifecycle}, p.onLifecycle),
		p.bus.Subscribe(bus.Filter{EventType: events.TypeCompletion}, p.onCompletion),
		p.bus.Subscribe(bus.Filter{EventType: events.TypeError}, p.onError),
	)
}

// Close drops all subscriptions.
func (p *Pipeline) Close() {
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.subs = nil
}

// fanOut classifies every event and pushes it to the frontend.
func (p *Pipeline) fanOut(_ context.Context, env events.EventEnvelope) error {
	target := classify.Classify(&env.Event)
	p.hub.NotifyEvent(env, target)
	return nil
}

// onDecision enqueues the decision, flips the agent to waiting_on_human, and
// snapshots a checkpoint so the decision can survive a sandbox restart.
func (p *Pipeline) onDecision(ctx context.Context, env events.EventEnvelope) error {
	if env.Event.Decision == nil {
		return nil
	}
	agentID := env.Event.AgentID
	log := p.logger.WithAgentID(agentID)

	if err := p.queue.Enqueue(env, p.ticks.Current()); err != nil {
		log.Warn("Decision not enqueued", zap.Error(err))
		return nil
	}

	p.registry.SetStatus(agentID, v1.AgentStatusWaitingOnHuman)
	if err := p.store.SetAgentStatus(ctx, agentID, v1.AgentStatusWaitingOnHuman); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		log.Warn("Agent status not persisted", zap.Error(err))
	}

	handle, ok := p.registry.Get(agentID)
	if !ok {
		return nil
	}
	state, err := p.checkpoints.RequestCheckpoint(ctx, handle, env.Event.Decision.DecisionID)
	if err != nil {
		log.Warn("Auto-checkpoint failed",
			zap.String("decision_id", env.Event.Decision.DecisionID),
			zap.Error(err))
		return nil
	}
	if err := p.store.PutCheckpoint(ctx, *state); err != nil {
		log.Warn("Checkpoint not stored", zap.Error(err))
	}
	return nil
}

// onArtifact stores the artifact and runs the coherence monitor over it.
func (p *Pipeline) onArtifact(ctx context.Context, env events.EventEnvelope) error {
	if env.Event.Artifact == nil {
		return nil
	}
	agentID := env.Event.AgentID
	if err := p.store.PutArtifact(ctx, agentID, *env.Event.Artifact); err != nil {
		return err
	}

	issue, err := p.monitor.Inspect(ctx, agentID, *env.Event.Artifact)
	if err != nil {
		p.logger.WithAgentID(agentID).Warn("Coherence inspection failed", zap.Error(err))
		return nil
	}
	if issue == nil {
		return nil
	}

	if err := p.store.AppendCoherenceIssue(ctx, agentID, *issue); err != nil {
		p.logger.WithAgentID(agentID).Warn("Coherence issue not stored", zap.Error(err))
	}
	// Republished so the classifier routes the finding like any other event.
	p.bus.Publish(ctx, events.NewCoherenceEnvelope(agentID, *issue))
	return nil
}

func (p *Pipeline) onLifecycle(ctx context.Context, env events.EventEnvelope) error {
	if env.Event.Lifecycle == nil {
		return nil
	}
	agentID := env.Event.AgentID
	log := p.logger.WithAgentID(agentID)

	var err error
	switch env.Event.Lifecycle.Action {
	case events.LifecycleStarted:
		// The plugin registers the full brief on spawn; this covers agents
		// announced only through their stream.
		if _, lookupErr := p.store.Agent(ctx, agentID); errors.Is(lookupErr, knowledge.ErrNotFound) {
			err = p.store.RegisterAgent(ctx, v1.AgentBrief{AgentID: agentID})
		}
		p.registry.SetStatus(agentID, v1.AgentStatusRunning)
	case events.LifecyclePaused:
		err = p.store.SetAgentStatus(ctx, agentID, v1.AgentStatusPaused)
	case events.LifecycleResumed:
		err = p.store.SetAgentStatus(ctx, agentID, v1.AgentStatusRunning)
	case events.LifecycleKilled, events.LifecycleCrashed:
		err = p.store.RemoveAgent(ctx, agentID)
	}
	if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		log.Warn("Lifecycle transition not persisted",
			zap.String("action", string(env.Event.Lifecycle.Action)),
			zap.Error(err))
	}
	return nil
}

// completionOutcomes maps a run's outcome onto the trust delta table.
var completionOutcomes = map[events.CompletionOutcome]trust.Outcome{
	events.OutcomeSuccess:   trust.OutcomeTaskCompletedClean,
	events.OutcomePartial:   trust.OutcomeTaskCompletedPartial,
	events.OutcomeAbandoned: trust.OutcomeTaskAbandonedOrMaxTurns,
	events.OutcomeMaxTurns:  trust.OutcomeTaskAbandonedOrMaxTurns,
}

func (p *Pipeline) onCompletion(ctx context.Context, env events.EventEnvelope) error {
	if env.Event.Completion == nil {
		return nil
	}
	agentID := env.Event.AgentID

	p.registry.SetStatus(agentID, v1.AgentStatusCompleted)
	if err := p.store.SetAgentStatus(ctx, agentID, v1.AgentStatusCompleted); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		p.logger.WithAgentID(agentID).Warn("Completion status not persisted", zap.Error(err))
	}

	outcome, ok := completionOutcomes[env.Event.Completion.Outcome]
	if !ok {
		return nil
	}
	p.applyTrust(agentID, outcome)
	return nil
}

// onError penalizes trust for anything above a warning.
func (p *Pipeline) onError(_ context.Context, env events.EventEnvelope) error {
	if env.Event.Error == nil || env.Event.Error.Severity == events.SeverityWarning {
		return nil
	}
	p.applyTrust(env.Event.AgentID, trust.OutcomeErrorEvent)
	return nil
}

func (p *Pipeline) applyTrust(agentID string, outcome trust.Outcome) {
	applied := p.trust.ApplyOutcome(agentID, outcome, p.ticks.Current())
	if applied == 0 {
		return
	}
	p.hub.NotifyTrust(agentID, p.trust.Score(agentID), applied)
}
