// Package tick provides the monotonic logical clock used by the decision
// queue's grace period and the trust service.
package tick

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
)

// Mode selects how the clock advances.
type Mode string

const (
	// ModeWallClock advances the tick on a background interval.
	ModeWallClock Mode = "wall_clock"
	// ModeManual advances the tick only via Advance, for tests.
	ModeManual Mode = "manual"
)

// Handler observes each tick after it happens. Handlers must be non-blocking
// and must not call back into the service.
type Handler func(tick int64)

// Service is the monotonic 64-bit tick counter. The counter starts at 0 and
// only the service itself publishes ticks.
type Service struct {
	mode     Mode
	interval time.Duration
	logger   *logger.Logger

	// dispatchMu is held across both the increment and the handler fan-out,
	// so every handler sees ticks in the order they occurred. Handlers must
	// therefore never call back into the service.
	dispatchMu sync.Mutex
	current    int64
	handlers   []Handler

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a tick service. interval is ignored in manual mode.
func NewService(mode Mode, interval time.Duration, log *logger.Logger) *Service {
	return &Service{
		mode:     mode,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "tick")),
	}
}

// Current returns the current tick.
func (s *Service) Current() int64 {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.current
}

// Advance increments the tick and notifies subscribers. The lock is held
// across the fan-out so concurrent Advance calls cannot deliver ticks to a
// handler out of order.
func (s *Service) Advance() int64 {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.current++
	for _, h := range s.handlers {
		s.invoke(h, s.current)
	}
	return s.current
}

func (s *Service) invoke(h Handler, tick int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Tick handler panicked",
				zap.Int64("tick", tick),
				zap.Any("panic", r))
		}
	}()
	h(tick)
}

// Subscribe registers a handler invoked after every increment.
func (s *Service) Subscribe(h Handler) {
	s.dispatchMu.Lock()
	s.handlers = append(s.handlers, h)
	s.dispatchMu.Unlock()
}

// Start begins the wall clock worker. No-op in manual mode or when already
// running.
func (s *Service) Start(ctx context.Context) {
	if s.mode != ModeWallClock {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Advance()
			}
		}
	}()

	s.logger.Info("Tick service started", zap.Duration("interval", s.interval))
}

// Stop halts the wall clock worker and waits for it to exit.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("Tick service stopped")
}
