// Package plugin composes the supervisor, the per-agent RPC client and the
// event stream client behind one lifecycle surface. Looks like a plain RPC
// plugin from the outside; supervises the sandbox process underneath.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/projecttab/backend/internal/auth/token"
	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/common/tracing"
	"github.com/projecttab/backend/internal/events"
	"github.com/projecttab/backend/internal/events/validate"
	"github.com/projecttab/backend/internal/sandbox/rpc"
	"github.com/projecttab/backend/internal/sandbox/stream"
	"github.com/projecttab/backend/internal/sandbox/supervisor"
	v1 "github.com/projecttab/backend/pkg/api/v1"
)

// PluginName identifies the aggregating plugin on every handle it returns.
const PluginName = "sandbox-aggregating"

// TokenIssuer issues sandbox credentials for the bootstrap blob.
type TokenIssuer interface {
	Issue(agentID, sandboxID string, ttl time.Duration) (*token.Issued, error)
}

// Publisher is the slice of the event bus crash synthesis publishes on.
type Publisher interface {
	Publish(ctx context.Context, env events.EventEnvelope) bool
}

// Config wires an aggregating plugin.
type Config struct {
	// Command and Args launch the sandbox shim.
	Command string
	Args    []string
	// BackendURL and ArtifactUploadEndpoint go into the bootstrap blob.
	BackendURL             string
	ArtifactUploadEndpoint string
	TokenTTL               time.Duration
	RPCTimeout             time.Duration
	HealthPollInterval     time.Duration
	HealthStartupTimeout   time.Duration
	InitialReconnectDelay  time.Duration
	MaxReconnectDelay      time.Duration
}

// agentRecord holds everything the plugin tracks per live agent. The plugin
// is the only mutator of crashHandled.
type agentRecord struct {
	rpcClient    *rpc.Client
	streamClient *stream.Client
	port         int
	transport    supervisor.Transport
	handle       v1.AgentHandle
	crashHandled bool
}

// Aggregating is the per-agent plugin composing supervisor, RPC and stream.
type Aggregating struct {
	cfg        Config
	sup        *supervisor.Supervisor
	tokens     TokenIssuer
	bus        Publisher
	quarantine *validate.Quarantine
	registry   *Registry
	logger     *logger.Logger

	// OnAgentCrash, when set, is notified after a crash is latched and the
	// record removed, before synthetic events are published.
	OnAgentCrash func(agentID string, exitCode *int, signal string)

	mu      sync.Mutex
	records map[string]*agentRecord
}

func NewAggregating(cfg Config, sup *supervisor.Supervisor, tokens TokenIssuer, bus Publisher, quarantine *validate.Quarantine, registry *Registry, log *logger.Logger) *Aggregating {
	return &Aggregating{
		cfg:        cfg,
		sup:        sup,
		tokens:     tokens,
		bus:        bus,
		quarantine: quarantine,
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "agent_plugin")),
		records:    make(map[string]*agentRecord),
	}
}

// Name returns the plugin's registered name.
func (p *Aggregating) Name() string { return PluginName }

// Spawn launches the sandbox process, waits for it to become healthy, wires
// the event stream and then asks the shim to start the agent.
func (p *Aggregating) Spawn(ctx context.Context, brief v1.AgentBrief) (handle *v1.AgentHandle, err error) {
	agentID := brief.AgentID
	log := p.logger.WithAgentID(agentID)

	ctx, span := tracing.TraceSpawn(ctx, agentID, brief.Workstream)
	defer func() {
		tracing.TraceResult(span, err)
		span.End()
	}()

	issued, err := p.tokens.Issue(agentID, agentID, p.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue sandbox token: %w", err)
	}

	bootstrap := v1.Bootstrap{
		BackendURL:             p.cfg.BackendURL,
		BackendToken:           issued.Token,
		TokenExpiresAt:         issued.ExpiresAt,
		AgentID:                agentID,
		ArtifactUploadEndpoint: p.cfg.ArtifactUploadEndpoint,
	}

	spawned, err := p.sup.Spawn(ctx, agentID, supervisor.SpawnOptions{
		Command:              p.cfg.Command,
		Args:                 p.cfg.Args,
		Bootstrap:            bootstrap,
		HealthPollInterval:   p.cfg.HealthPollInterval,
		HealthStartupTimeout: p.cfg.HealthStartupTimeout,
	})
	if err != nil {
		return nil, err
	}

	rpcClient := rpc.NewClient(agentID, spawned.Transport.RPCEndpoint, p.cfg.RPCTimeout, p.logger)
	streamClient := stream.NewClient(stream.Config{
		AgentID:               agentID,
		URL:                   spawned.Transport.EventStreamEndpoint,
		InitialReconnectDelay: p.cfg.InitialReconnectDelay,
		MaxReconnectDelay:     p.cfg.MaxReconnectDelay,
		OnDisconnect:          func() { p.streamDropped(agentID) },
	}, p.bus, p.quarantine, p.logger)

	rec := &agentRecord{
		rpcClient:    rpcClient,
		streamClient: streamClient,
		port:         spawned.Port,
		transport:    spawned.Transport,
	}
	p.mu.Lock()
	p.records[agentID] = rec
	p.mu.Unlock()

	streamClient.Connect()
	p.sup.OnExit(agentID, func(code *int, signal string) {
		p.handleCrash(agentID, code, signal)
	})

	handle, err = rpcClient.Spawn(ctx, brief)
	if err != nil {
		log.Error("Sandbox rejected spawn, tearing down", zap.Error(err))
		streamClient.Close()
		_ = p.sup.ForceKill(agentID)
		p.sup.Cleanup(agentID)
		p.mu.Lock()
		delete(p.records, agentID)
		p.mu.Unlock()
		return nil, err
	}

	handle.PluginName = PluginName
	p.mu.Lock()
	rec.handle = *handle
	p.mu.Unlock()
	p.registry.Register(*handle)

	log.Info("Agent spawned", zap.Int("port", spawned.Port))
	return handle, nil
}

// streamDropped is the stream client's disconnect callback. A live process
// means the stream will reconnect on its own; a dead one means we beat the
// exit listener here and own the crash pipeline.
func (p *Aggregating) streamDropped(agentID string) {
	p.mu.Lock()
	rec, ok := p.records[agentID]
	if !ok || rec.crashHandled {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.sup.Alive(agentID) {
		return
	}
	code, signal, ok := p.sup.ExitState(agentID)
	if !ok {
		return
	}
	p.handleCrash(agentID, code, signal)
}

// handleCrash is the single crash pipeline. The crashHandled latch makes the
// first observer the author; everyone after is a no-op.
func (p *Aggregating) handleCrash(agentID string, code *int, signal string) {
	p.mu.Lock()
	rec, ok := p.records[agentID]
	if !ok || rec.crashHandled {
		p.mu.Unlock()
		return
	}
	rec.crashHandled = true
	delete(p.records, agentID)
	p.mu.Unlock()

	rec.streamClient.Close()
	p.sup.Cleanup(agentID)

	if p.OnAgentCrash != nil {
		p.OnAgentCrash(agentID, code, signal)
	}

	// Exit code 0 is an intentional clean exit, not a crash. The registry
	// keeps whatever status the run already reported (completed, usually).
	if code != nil && *code == 0 {
		return
	}

	p.registry.SetStatus(agentID, v1.AgentStatusError)
	p.logger.WithAgentID(agentID).Error("Agent process crashed",
		zap.Any("exit_code", code),
		zap.String("signal", signal))

	ctx := context.Background()
	runID := events.CrashRunID(agentID)
	p.bus.Publish(ctx, events.NewCrashError(runID, agentID, code, signal))
	p.bus.Publish(ctx, events.NewCrashLifecycle(runID, agentID, code, signal))
}

// Kill tears one agent down intentionally. Crash synthesis is suppressed by
// latching crashHandled before the process dies.
func (p *Aggregating) Kill(ctx context.Context, handle v1.AgentHandle, opts v1.KillOptions) (*v1.KillResult, error) {
	p.mu.Lock()
	rec, ok := p.records[handle.ID]
	if ok {
		rec.crashHandled = true
		delete(p.records, handle.ID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: no live record", handle.ID)
	}

	result, err := rec.rpcClient.Kill(ctx, handle, opts)
	if err != nil {
		p.logger.WithAgentID(handle.ID).Warn("Kill RPC failed, assuming unclean shutdown", zap.Error(err))
		result = &v1.KillResult{ArtifactsExtracted: 0, CleanShutdown: false}
	}

	rec.streamClient.Close()
	_ = p.sup.Kill(handle.ID)
	p.sup.Cleanup(handle.ID)
	p.registry.Remove(handle.ID)
	return result, nil
}

// KillAll tears down every live agent in parallel, giving each a grace
// period while bounding total teardown with outerDeadline. Used at shutdown.
func (p *Aggregating) KillAll(ctx context.Context, grace, outerDeadline time.Duration) {
	p.mu.Lock()
	recs := make(map[string]*agentRecord, len(p.records))
	for id, rec := range p.records {
		rec.crashHandled = true
		recs[id] = rec
	}
	p.records = make(map[string]*agentRecord)
	p.mu.Unlock()

	if len(recs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, outerDeadline)
	defer cancel()

	var g errgroup.Group
	for id, rec := range recs {
		id, rec := id, rec
		g.Go(func() error {
			opts := v1.KillOptions{Grace: true, GraceTimeoutMs: grace.Milliseconds()}
			if _, err := rec.rpcClient.Kill(ctx, rec.handle, opts); err != nil {
				p.logger.WithAgentID(id).Warn("Kill RPC failed during shutdown", zap.Error(err))
			}
			rec.streamClient.Close()
			_ = p.sup.Kill(id)
			p.sup.Cleanup(id)
			p.registry.Remove(id)
			return nil
		})
	}
	_ = g.Wait()
}

// Transport reports the transport for a live agent, or false if the agent
// has no record (never spawned, killed, or crashed).
func (p *Aggregating) Transport(agentID string) (supervisor.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[agentID]
	if !ok {
		return supervisor.Transport{}, false
	}
	return rec.transport, true
}

// client looks up the live RPC client for a handle.
func (p *Aggregating) client(agentID string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: no live record", agentID)
	}
	return rec.rpcClient, nil
}

func (p *Aggregating) Pause(ctx context.Context, handle v1.AgentHandle) (*v1.SerializedAgentState, error) {
	c, err := p.client(handle.ID)
	if err != nil {
		return nil, err
	}
	state, err := c.Pause(ctx, handle)
	if err == nil {
		p.registry.SetStatus(handle.ID, v1.AgentStatusPaused)
	}
	return state, err
}

func (p *Aggregating) Resume(ctx context.Context, state v1.SerializedAgentState) (*v1.AgentHandle, error) {
	c, err := p.client(state.AgentID)
	if err != nil {
		return nil, err
	}
	handle, err := c.Resume(ctx, state)
	if err == nil {
		handle.PluginName = PluginName
		p.registry.SetStatus(state.AgentID, v1.AgentStatusRunning)
	}
	return handle, err
}

func (p *Aggregating) ResolveDecision(ctx context.Context, handle v1.AgentHandle, decisionID string, resolution json.RawMessage) error {
	c, err := p.client(handle.ID)
	if err != nil {
		return err
	}
	return c.ResolveDecision(ctx, handle, decisionID, resolution)
}

func (p *Aggregating) InjectContext(ctx context.Context, handle v1.AgentHandle, inj v1.ContextInjection) error {
	c, err := p.client(handle.ID)
	if err != nil {
		return err
	}
	return c.InjectContext(ctx, handle, inj)
}

func (p *Aggregating) UpdateBrief(ctx context.Context, handle v1.AgentHandle, changes json.RawMessage) error {
	c, err := p.client(handle.ID)
	if err != nil {
		return err
	}
	return c.UpdateBrief(ctx, handle, changes)
}

func (p *Aggregating) RequestCheckpoint(ctx context.Context, handle v1.AgentHandle, decisionID string) (*v1.SerializedAgentState, error) {
	c, err := p.client(handle.ID)
	if err != nil {
		return nil, err
	}
	return c.RequestCheckpoint(ctx, handle, decisionID)
}
