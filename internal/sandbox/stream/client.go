// Package stream maintains the reconnecting WebSocket link to one sandbox's
// event stream, validating frames and publishing them on the bus.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/validate"
)

// Default reconnect backoff bounds.
const (
	DefaultInitialReconnectDelay = 500 * time.Millisecond
	DefaultMaxReconnectDelay     = 30 * time.Second
)

// Publisher is the slice of the event bus the stream client needs.
type Publisher interface {
	Publish(ctx context.Context, env events.EventEnvelope) bool
}

// Config configures a stream client for one sandbox.
type Config struct {
	AgentID               string
	URL                   string
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	// OnDisconnect is invoked on every connection drop, before a reconnect
	// is scheduled. Optional.
	OnDisconnect func()
}

// Client is a reconnecting link to a sandbox's /events WebSocket.
type Client struct {
	cfg        Config
	bus        Publisher
	quarantine *validate.Quarantine
	logger     *logger.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
}

// NewClient creates a stream client. Connect must be called to start it.
func NewClient(cfg Config, pub Publisher, quarantine *validate.Quarantine, log *logger.Logger) *Client {
	if cfg.InitialReconnectDelay <= 0 {
		cfg.InitialReconnectDelay = DefaultInitialReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return &Client{
		cfg:        cfg,
		bus:        pub,
		quarantine: quarantine,
		logger: log.WithFields(
			zap.String("component", "event_stream"),
			zap.String("agent_id", cfg.AgentID)),
	}
}

// Connect opens the WebSocket. No-op if the client has been closed. On
// failure a reconnect is scheduled with exponential backoff.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("Event stream dial failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("Event stream connected", zap.String("url", c.cfg.URL))
	go c.readLoop(conn)
}

// readLoop consumes frames until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(data)
	}
}

// handleMessage validates one frame and publishes it on the bus. Malformed
// frames are quarantined and replaced with a synthetic warning.
func (c *Client) handleMessage(data []byte) {
	ctx := context.Background()

	if !json.Valid(data) {
		c.logger.Warn("Dropping non-JSON frame on event stream")
		c.bus.Publish(ctx, events.NewParseWarning(c.cfg.AgentID, errors.New("frame is not valid JSON")))
		return
	}

	adapterEvent, err := validate.AdapterEvent(data)
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			c.quarantine.Add(data, verr)
			c.bus.Publish(ctx, events.NewQuarantineWarning(c.cfg.AgentID, verr.Messages()))
		}
		return
	}

	// A stream link belongs to exactly one agent; an event claiming another
	// agent id is dropped.
	if adapterEvent.Event.AgentID != c.cfg.AgentID {
		c.logger.Warn("Dropping event with mismatched agent id",
			zap.String("event_agent_id", adapterEvent.Event.AgentID))
		return
	}

	c.bus.Publish(ctx, events.NewEnvelope(*adapterEvent))
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	c.logger.Warn("Event stream disconnected", zap.Error(err))
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect()
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer:
// delay = min(max, initial * 2^(attempts-1)).
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}

	c.attempts++
	delay := c.cfg.InitialReconnectDelay << (c.attempts - 1)
	if delay > c.cfg.MaxReconnectDelay || delay <= 0 {
		delay = c.cfg.MaxReconnectDelay
	}

	c.logger.Info("Scheduling event stream reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay))

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect()
	})
}

// Close stops the client: the socket is closed and pending reconnects are
// cancelled. Safe to call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("Event stream closed")
}
