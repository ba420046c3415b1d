package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/events"
)

// mirrorSubjectPrefix is the NATS subject root for mirrored envelopes.
// Each envelope goes to agent.events.<agentId>.
const mirrorSubjectPrefix = "agent.events."

// Mirror republishes accepted envelopes to NATS for external consumers.
// Publishing is fire-and-forget: a mirror failure never fails the bus.
type Mirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewMirror connects to NATS with reconnection handling.
func NewMirror(url string, log *logger.Logger) (*Mirror, error) {
	mirrorLog := log.WithFields(zap.String("component", "bus_mirror"))

	opts := []nats.Option{
		nats.Name("projecttab-bus-mirror"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				mirrorLog.Warn("NATS disconnected", zap.Error(err))
			} else {
				mirrorLog.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			mirrorLog.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				mirrorLog.Error("NATS connection closed", zap.Error(err))
			} else {
				mirrorLog.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	mirrorLog.Info("Connected to NATS", zap.String("url", url))
	return &Mirror{conn: conn, logger: mirrorLog}, nil
}

// Publish republishes one envelope. Failures are logged, not returned.
func (m *Mirror) Publish(env events.EventEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("Failed to marshal envelope for mirror", zap.Error(err))
		return
	}
	subject := mirrorSubjectPrefix + env.Event.AgentID
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("Failed to mirror envelope",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (m *Mirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("NATS drain failed", zap.Error(err))
	}
}
