// Package gateway is the upward REST and WebSocket surface of the control
// plane: the frontend manages the fleet through it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/decision"
	"github.com/projecttab/backend/internal/events/bus"
	"github.com/projecttab/backend/internal/events/validate"
	gw "github.com/projecttab/backend/internal/gateway/websocket"
	"github.com/projecttab/backend/internal/knowledge"
	"github.com/projecttab/backend/internal/sandbox/plugin"
	"github.com/projecttab/backend/internal/tick"
	"github.com/projecttab/backend/internal/trust"
	v1 "github.com/projecttab/backend/pkg/api/v1"
	ws "github.com/projecttab/backend/pkg/websocket"
)

// AgentController is the slice of the aggregating plugin the gateway drives.
type AgentController interface {
	Spawn(ctx context.Context, brief v1.AgentBrief) (*v1.AgentHandle, error)
	Kill(ctx context.Context, handle v1.AgentHandle, opts v1.KillOptions) (*v1.KillResult, error)
	Pause(ctx context.Context, handle v1.AgentHandle) (*v1.SerializedAgentState, error)
	Resume(ctx context.Context, state v1.SerializedAgentState) (*v1.AgentHandle, error)
	ResolveDecision(ctx context.Context, handle v1.AgentHandle, decisionID string, resolution json.RawMessage) error
	InjectContext(ctx context.Context, handle v1.AgentHandle, inj v1.ContextInjection) error
	UpdateBrief(ctx context.Context, handle v1.AgentHandle, changes json.RawMessage) error
}

// Handlers exposes fleet operations over HTTP.
type Handlers struct {
	controller AgentController
	registry   *plugin.Registry
	queue      *decision.Queue
	trust      *trust.Engine
	store      knowledge.Store
	quarantine *validate.Quarantine
	bus        *bus.Bus
	ticks      *tick.Service
	hub        *gw.Hub
	logger     *logger.Logger
}

func NewHandlers(controller AgentController, registry *plugin.Registry, queue *decision.Queue, trustEngine *trust.Engine, store knowledge.Store, quarantine *validate.Quarantine, b *bus.Bus, ticks *tick.Service, hub *gw.Hub, log *logger.Logger) *Handlers {
	return &Handlers{
		controller: controller,
		registry:   registry,
		queue:      queue,
		trust:      trustEngine,
		store:      store,
		quarantine: quarantine,
		bus:        b,
		ticks:      ticks,
		hub:        hub,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes installs the REST surface and the WebSocket endpoint.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/agents", h.listAgents)
	api.POST("/agents", h.spawnAgent)
	api.GET("/agents/:id", h.getAgent)
	api.POST("/agents/:id/kill", h.killAgent)
	api.POST("/agents/:id/pause", h.pauseAgent)
	api.POST("/agents/:id/resume", h.resumeAgent)
	api.POST("/agents/:id/resolve", h.resolveDecision)
	api.POST("/agents/:id/inject-context", h.injectContext)
	api.POST("/agents/:id/update-brief", h.updateBrief)
	api.GET("/decisions", h.listDecisions)
	api.GET("/trust/:id", h.getTrust)
	api.GET("/quarantine", h.listQuarantine)
	api.DELETE("/quarantine", h.clearQuarantine)
	api.GET("/health", h.health)

	wsHandler := gw.NewHandler(h.hub, h.logger)
	router.GET("/ws", wsHandler.Handle)

	h.registerWS(h.hub.Dispatcher())
	h.hub.SetStateSyncProvider(h.stateSync)
}

func (h *Handlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionHealthCheck, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, gin.H{"status": "ok"})
	})
	dispatcher.RegisterFunc(ws.ActionAgentList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, h.registry.List())
	})
	dispatcher.RegisterFunc(ws.ActionDecisionList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, h.queue.ListAll())
	})
}

// stateSync is the snapshot pushed to a frontend client on connect.
func (h *Handlers) stateSync(ctx context.Context) (interface{}, error) {
	agents := h.registry.List()
	scores := make(map[string]int, len(agents))
	for _, a := range agents {
		scores[a.ID] = h.trust.Score(a.ID)
	}
	return gin.H{
		"agents":           agents,
		"pendingDecisions": h.queue.ListPending(),
		"trustScores":      scores,
		"tick":             h.ticks.Current(),
	}, nil
}

func (h *Handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

func (h *Handlers) getAgent(c *gin.Context) {
	agentID := c.Param("id")
	handle, ok := h.registry.Get(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	info, err := h.store.Agent(c.Request.Context(), agentID)
	if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"handle":     handle,
		"info":       info,
		"trustScore": h.trust.Score(agentID),
		"queueSize":  h.bus.QueueSize(agentID),
	})
}

func (h *Handlers) spawnAgent(c *gin.Context) {
	var brief v1.AgentBrief
	if err := c.ShouldBindJSON(&brief); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid brief: " + err.Error()})
		return
	}
	if brief.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}

	handle, err := h.controller.Spawn(c.Request.Context(), brief)
	if err != nil {
		h.logger.Error("Spawn failed", zap.String("agent_id", brief.AgentID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.RegisterAgent(c.Request.Context(), brief); err != nil {
		h.logger.Warn("Agent not persisted", zap.String("agent_id", brief.AgentID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, handle)
}

func (h *Handlers) killAgent(c *gin.Context) {
	handle, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	opts := v1.DefaultKillOptions()
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kill options: " + err.Error()})
			return
		}
	}

	result, err := h.controller.Kill(c.Request.Context(), handle, opts)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	// The emergency brake: pending decisions skip the grace period.
	h.queue.HandleAgentKilled(handle.ID)
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) pauseAgent(c *gin.Context) {
	handle, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	state, err := h.controller.Pause(c.Request.Context(), handle)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.PutCheckpoint(c.Request.Context(), *state); err != nil {
		h.logger.Warn("Pause checkpoint not stored", zap.String("agent_id", handle.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) resumeAgent(c *gin.Context) {
	agentID := c.Param("id")
	cp, err := h.store.LatestCheckpoint(c.Request.Context(), agentID)
	if errors.Is(err, knowledge.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint for agent"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.controller.Resume(c.Request.Context(), cp.State)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (h *Handlers) resolveDecision(c *gin.Context) {
	handle, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req v1.DecisionResolution
	if err := c.ShouldBindJSON(&req); err != nil || req.DecisionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decisionId and resolution are required"})
		return
	}

	entry, err := h.queue.Resolve(req.DecisionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if err := h.controller.ResolveDecision(c.Request.Context(), handle, req.DecisionID, req.Resolution); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.registry.SetStatus(handle.ID, v1.AgentStatusRunning)
	if err := h.store.SetAgentStatus(c.Request.Context(), handle.ID, v1.AgentStatusRunning); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		h.logger.Warn("Agent status not persisted", zap.String("agent_id", handle.ID), zap.Error(err))
	}

	h.applyResolutionTrust(handle.ID, entry, req.Resolution)
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "decisionId": req.DecisionID})
}

// resolutionBody is the conventional shape of a human resolution. Fields not
// present are simply not judged.
type resolutionBody struct {
	Approved *bool  `json:"approved,omitempty"`
	Always   bool   `json:"always,omitempty"`
	OptionID string `json:"optionId,omitempty"`
	Override bool   `json:"override,omitempty"`
}

// applyResolutionTrust maps what the human decided onto the trust delta
// table and broadcasts the new score if it moved.
func (h *Handlers) applyResolutionTrust(agentID string, entry decision.Entry, resolution json.RawMessage) {
	var body resolutionBody
	if err := json.Unmarshal(resolution, &body); err != nil {
		return
	}

	var outcome trust.Outcome
	switch {
	case body.Override:
		outcome = trust.OutcomeHumanOverridesAgentDecision
	case body.Approved != nil && *body.Approved && body.Always:
		outcome = trust.OutcomeHumanApprovesAlways
	case body.Approved != nil && *body.Approved:
		outcome = trust.OutcomeHumanApprovesToolCall
	case body.Approved != nil:
		outcome = trust.OutcomeHumanRejectsToolCall
	case body.OptionID != "":
		recommended := ""
		if entry.Event.Event.Decision != nil {
			recommended = entry.Event.Event.Decision.Recommended
		}
		if body.OptionID == recommended && recommended != "" {
			outcome = trust.OutcomeHumanApprovesRecommendedOption
		} else {
			outcome = trust.OutcomeHumanPicksNonRecommended
		}
	default:
		return
	}

	applied := h.trust.ApplyOutcome(agentID, outcome, h.ticks.Current())
	if applied != 0 {
		h.hub.NotifyTrust(agentID, h.trust.Score(agentID), applied)
	}
}

func (h *Handlers) injectContext(c *gin.Context) {
	handle, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	var inj v1.ContextInjection
	if err := c.ShouldBindJSON(&inj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid injection: " + err.Error()})
		return
	}
	if err := h.controller.InjectContext(c.Request.Context(), handle, inj); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *Handlers) updateBrief(c *gin.Context) {
	handle, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	var update v1.BriefUpdate
	// A JSON null survives binding as the literal bytes "null"; treat it as absent.
	if err := c.ShouldBindJSON(&update); err != nil || len(update.Changes) == 0 || bytes.Equal(update.Changes, []byte("null")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "changes is required"})
		return
	}
	if err := h.controller.UpdateBrief(c.Request.Context(), handle, update.Changes); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *Handlers) listDecisions(c *gin.Context) {
	if strings.EqualFold(c.Query("all"), "true") {
		c.JSON(http.StatusOK, gin.H{"decisions": h.queue.ListAll()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": h.queue.ListPending()})
}

func (h *Handlers) getTrust(c *gin.Context) {
	agentID := c.Param("id")
	c.JSON(http.StatusOK, h.trust.Record(agentID))
}

func (h *Handlers) listQuarantine(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quarantined": h.quarantine.List()})
}

func (h *Handlers) clearQuarantine(c *gin.Context) {
	h.quarantine.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *Handlers) health(c *gin.Context) {
	metrics := h.bus.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "projecttab",
		"tick":    h.ticks.Current(),
		"clients": h.hub.ClientCount(),
		"bus":     metrics,
	})
}
