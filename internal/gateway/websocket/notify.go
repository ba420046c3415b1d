package websocket

import (
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/classify"
	ws "github.com/projecttab/backend/pkg/websocket"
)

// EventNotification is the payload of an "event" push: the envelope plus the
// workspaces the classifier routed it to.
type EventNotification struct {
	Envelope   events.EventEnvelope `json:"envelope"`
	Workspaces WorkspaceRouting     `json:"workspaces"`
}

// WorkspaceRouting mirrors classify.Target on the wire.
type WorkspaceRouting struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

// TrustNotification is the payload of a "trust_update" push.
type TrustNotification struct {
	AgentID string `json:"agentId"`
	Score   int    `json:"score"`
	Delta   int    `json:"delta"`
}

// NotifyEvent pushes a classified event to clients following its agent.
func (h *Hub) NotifyEvent(env events.EventEnvelope, target classify.Target) {
	msg, err := ws.NewNotification(ws.ActionEvent, EventNotification{
		Envelope: env,
		Workspaces: WorkspaceRouting{
			Primary:   string(target.Primary),
			Secondary: string(target.Secondary),
		},
	})
	if err != nil {
		h.logger.Error("Failed to build event notification", zap.Error(err))
		return
	}
	h.BroadcastToAgent(env.Event.AgentID, msg)
}

// NotifyTrust pushes a trust score change to every client.
func (h *Hub) NotifyTrust(agentID string, score, delta int) {
	msg, err := ws.NewNotification(ws.ActionTrustUpdate, TrustNotification{
		AgentID: agentID,
		Score:   score,
		Delta:   delta,
	})
	if err != nil {
		h.logger.Error("Failed to build trust notification", zap.Error(err))
		return
	}
	h.Broadcast(msg)
}
