// Package bus provides the in-process event bus: per-agent bounded priority
// queues with deduplication, backpressure, and filtered subscriptions.
package bus

import (
	"context"

	"github.com/projecttab/backend/internal/events"
)

// Priority classes events for queue eviction. Higher values survive longer
// under backpressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// PriorityOf maps an event type to its priority class.
func PriorityOf(t events.Type) Priority {
	switch t {
	case events.TypeDecision, events.TypeArtifact, events.TypeError:
		return PriorityHigh
	case events.TypeLifecycle, events.TypeDelegation, events.TypeGuardrail,
		events.TypeCompletion, events.TypeCoherence:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Filter selects which envelopes a subscriber receives. Zero-valued fields
// match anything; set fields combine with AND.
type Filter struct {
	AgentID   string
	EventType events.Type
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env *events.EventEnvelope) bool {
	if f.AgentID != "" && f.AgentID != env.Event.AgentID {
		return false
	}
	if f.EventType != "" && f.EventType != env.Event.Type {
		return false
	}
	return true
}

// Handler processes a delivered envelope. Errors are logged and swallowed;
// a handler must not mutate the envelope.
type Handler func(ctx context.Context, env events.EventEnvelope) error

// Config tunes the bus bounds.
type Config struct {
	// DedupCapacity bounds the FIFO window of seen sourceEventIds.
	DedupCapacity int
	// MaxQueuePerAgent bounds each per-agent queue.
	MaxQueuePerAgent int
	// MaxHighPriorityPerAgent bounds high-priority entries per agent queue.
	// Zero means 2x MaxQueuePerAgent.
	MaxHighPriorityPerAgent int
	// GapWarningCapacity bounds the retained sequence-gap warning ring.
	GapWarningCapacity int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DedupCapacity:      10000,
		MaxQueuePerAgent:   500,
		GapWarningCapacity: 256,
	}
}

func (c *Config) normalize() {
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 10000
	}
	if c.MaxQueuePerAgent <= 0 {
		c.MaxQueuePerAgent = 500
	}
	if c.MaxHighPriorityPerAgent <= 0 {
		c.MaxHighPriorityPerAgent = 2 * c.MaxQueuePerAgent
	}
	if c.GapWarningCapacity <= 0 {
		c.GapWarningCapacity = 256
	}
}
