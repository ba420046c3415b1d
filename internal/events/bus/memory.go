package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
)

func uuidString() string { return uuid.New().String() }

// GapWarning records a hole observed in a run's sequence numbers. Gaps are
// warned about, never reordered or rejected.
type GapWarning struct {
	RunID        string    `json:"runId"`
	PrevSequence int64     `json:"prevSequence"`
	GotSequence  int64     `json:"gotSequence"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	TotalPublished    int64          `json:"totalPublished"`
	TotalDeduplicated int64          `json:"totalDeduplicated"`
	TotalDropped      int64          `json:"totalDropped"`
	QueueSizes        map[string]int `json:"queueSizes"`
}

// Subscription is a registered handler. Unsubscribe detaches it from the bus.
type Subscription struct {
	ID      string
	bus     *Bus
	filter  Filter
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
}

// IsValid returns whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type queuedEvent struct {
	env      events.EventEnvelope
	priority Priority
}

// Bus is the fail-open in-process event bus. Safe for concurrent publishers
// and subscribers; handlers run synchronously under the publisher's context.
type Bus struct {
	cfg    Config
	logger *logger.Logger
	mirror *Mirror // optional, nil when no NATS URL is configured

	mu     sync.Mutex
	closed bool

	subs []*Subscription // registration order

	dedup      map[string]struct{}
	dedupOrder []string // FIFO eviction order

	lastSeq map[string]int64 // runId -> highest sequence seen

	queues map[string][]queuedEvent // agentId -> bounded queue

	gapWarnings []GapWarning

	totalPublished    int64
	totalDeduplicated int64
	totalDropped      int64
}

// New creates a bus with the given bounds.
func New(cfg Config, log *logger.Logger) *Bus {
	cfg.normalize()
	return &Bus{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "event_bus")),
		dedup:   make(map[string]struct{}),
		lastSeq: make(map[string]int64),
		queues:  make(map[string][]queuedEvent),
	}
}

// SetMirror attaches an optional NATS mirror. Accepted envelopes are
// republished there fire-and-forget.
func (b *Bus) SetMirror(m *Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers a handler for envelopes matching the filter. Handlers
// are invoked in registration order.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      uuidString(),
		bus:     b,
		filter:  filter,
		handler: handler,
		active:  true,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug("Subscriber registered",
		zap.String("subscription_id", sub.ID),
		zap.String("agent_filter", filter.AgentID),
		zap.String("type_filter", string(filter.EventType)))
	return sub
}

// Publish delivers the envelope to matching subscribers and enqueues it in
// the per-agent queue. Returns false when the envelope was deduplicated or
// the bus is closed.
func (b *Bus) Publish(ctx context.Context, env events.EventEnvelope) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	// Dedup window: at most one delivery per sourceEventId while it remains
	// in the window.
	if _, seen := b.dedup[env.SourceEventID]; seen {
		b.totalDeduplicated++
		b.mu.Unlock()
		return false
	}
	b.dedup[env.SourceEventID] = struct{}{}
	b.dedupOrder = append(b.dedupOrder, env.SourceEventID)
	if len(b.dedupOrder) > b.cfg.DedupCapacity {
		evicted := b.dedupOrder[0]
		b.dedupOrder = b.dedupOrder[1:]
		delete(b.dedup, evicted)
	}

	// Sequence-gap tracking. Synthetic envelopes (sequence -1) are exempt.
	if env.SourceSequence >= 0 {
		if prev, ok := b.lastSeq[env.RunID]; ok && env.SourceSequence > prev+1 {
			warning := GapWarning{
				RunID:        env.RunID,
				PrevSequence: prev,
				GotSequence:  env.SourceSequence,
				ObservedAt:   time.Now().UTC(),
			}
			b.gapWarnings = append(b.gapWarnings, warning)
			if len(b.gapWarnings) > b.cfg.GapWarningCapacity {
				b.gapWarnings = b.gapWarnings[1:]
			}
			b.logger.Warn("Sequence gap detected",
				zap.String("run_id", env.RunID),
				zap.Int64("prev_sequence", prev),
				zap.Int64("got_sequence", env.SourceSequence))
		}
		if env.SourceSequence > b.lastSeq[env.RunID] {
			b.lastSeq[env.RunID] = env.SourceSequence
		}
	}

	b.totalPublished++

	// Snapshot matching subscribers so delivery happens outside the lock and
	// handlers may publish recursively.
	var targets []*Subscription
	for _, sub := range b.subs {
		if sub.IsValid() && sub.filter.Matches(&env) {
			targets = append(targets, sub)
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(ctx, sub, env)
	}

	// Backpressure warnings bypass the queue so an overflow cannot cascade
	// into further overflows.
	if !env.IsBackpressureWarning() {
		if dropped := b.enqueue(env); dropped > 0 {
			b.Publish(ctx, events.NewBackpressureWarning(env.Event.AgentID, dropped))
		}
	}

	if mirror != nil {
		mirror.Publish(env)
	}
	return true
}

// deliver invokes one handler, logging and swallowing errors and panics.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, env events.EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("subscription_id", sub.ID),
				zap.String("source_event_id", env.SourceEventID),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		b.logger.Error("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("source_event_id", env.SourceEventID),
			zap.Error(err))
	}
}

// enqueue appends the envelope to the owning agent's queue, applying the
// eviction policy. Returns the number of entries dropped.
func (b *Bus) enqueue(env events.EventEnvelope) int {
	agentID := env.Event.AgentID
	priority := PriorityOf(env.Event.Type)

	b.mu.Lock()
	defer b.mu.Unlock()

	queue := append(b.queues[agentID], queuedEvent{env: env, priority: priority})
	dropped := 0

	if len(queue) > b.cfg.MaxQueuePerAgent {
		// Evict the oldest low-priority entry, else the oldest non-high
		// entry. If everything is high priority, nothing is evicted here.
		if idx := oldestAtMost(queue, PriorityLow); idx >= 0 {
			queue = append(queue[:idx], queue[idx+1:]...)
			dropped++
		} else if idx := oldestAtMost(queue, PriorityMedium); idx >= 0 {
			queue = append(queue[:idx], queue[idx+1:]...)
			dropped++
		}
	}

	if countHigh(queue) > b.cfg.MaxHighPriorityPerAgent {
		for i, qe := range queue {
			if qe.priority == PriorityHigh {
				queue = append(queue[:i], queue[i+1:]...)
				dropped++
				break
			}
		}
	}

	b.queues[agentID] = queue
	b.totalDropped += int64(dropped)
	return dropped
}

func oldestAtMost(queue []queuedEvent, max Priority) int {
	for i, qe := range queue {
		if qe.priority <= max {
			return i
		}
	}
	return -1
}

func countHigh(queue []queuedEvent) int {
	n := 0
	for _, qe := range queue {
		if qe.priority == PriorityHigh {
			n++
		}
	}
	return n
}

// QueueSize returns the current size of an agent's queue.
func (b *Bus) QueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// AgentQueue returns a snapshot of an agent's queued envelopes, oldest first.
func (b *Bus) AgentQueue(agentID string) []events.EventEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.EventEnvelope, len(b.queues[agentID]))
	for i, qe := range b.queues[agentID] {
		out[i] = qe.env
	}
	return out
}

// DropAgentQueue removes all tracking for an agent, typically after the agent
// is killed or crashes.
func (b *Bus) DropAgentQueue(agentID string) {
	b.mu.Lock()
	delete(b.queues, agentID)
	b.mu.Unlock()
}

// GapWarnings returns the retained sequence-gap warnings, oldest first.
func (b *Bus) GapWarnings() []GapWarning {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]GapWarning, len(b.gapWarnings))
	copy(out, b.gapWarnings)
	return out
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make(map[string]int, len(b.queues))
	for agentID, queue := range b.queues {
		sizes[agentID] = len(queue)
	}
	return Metrics{
		TotalPublished:    b.totalPublished,
		TotalDeduplicated: b.totalDeduplicated,
		TotalDropped:      b.totalDropped,
		QueueSizes:        sizes,
	}
}

// Close stops the bus. Subsequent publishes are rejected.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	// Deactivate outside the bus lock; Unsubscribe takes the locks in the
	// opposite order.
	for _, sub := range subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.logger.Info("Event bus closed")
}
