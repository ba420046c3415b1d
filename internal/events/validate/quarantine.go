package validate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
)

// DefaultQuarantineCapacity bounds the quarantine when no capacity is given.
const DefaultQuarantineCapacity = 256

// QuarantinedEvent is a rejected frame retained for audit. Raw is a string
// rather than raw JSON: rejected frames are often not valid JSON, and the
// audit endpoint must still be able to render them.
type QuarantinedEvent struct {
	QuarantinedAt time.Time `json:"quarantinedAt"`
	Raw           string    `json:"raw"`
	Error         string    `json:"error"`
}

// Quarantine is a bounded FIFO store of rejected adapter events. When full,
// the oldest entry is evicted.
type Quarantine struct {
	mu       sync.RWMutex
	entries  []QuarantinedEvent
	capacity int
	logger   *logger.Logger
}

// NewQuarantine creates a quarantine store. capacity <= 0 uses the default.
func NewQuarantine(capacity int, log *logger.Logger) *Quarantine {
	if capacity <= 0 {
		capacity = DefaultQuarantineCapacity
	}
	return &Quarantine{
		capacity: capacity,
		logger:   log.WithFields(zap.String("component", "quarantine")),
	}
}

// Add appends a rejected frame. The raw bytes are copied into a string so
// callers may reuse their buffers.
func (q *Quarantine) Add(raw []byte, validationErr error) {
	entry := QuarantinedEvent{
		QuarantinedAt: time.Now().UTC(),
		Raw:           string(raw),
		Error:         validationErr.Error(),
	}

	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	size := len(q.entries)
	q.mu.Unlock()

	q.logger.Warn("Adapter event quarantined",
		zap.String("error", entry.Error),
		zap.Int("quarantine_size", size))
}

// List returns all entries in insertion order.
func (q *Quarantine) List() []QuarantinedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]QuarantinedEvent, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of quarantined entries.
func (q *Quarantine) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Clear empties the quarantine.
func (q *Quarantine) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
