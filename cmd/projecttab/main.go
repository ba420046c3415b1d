// Package main is the entry point for the Project Tab control plane.
// One binary runs the whole backend: event bus, sandbox supervision,
// decision queue, trust engine, knowledge store and the frontend gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/projecttab/backend/internal/auth/token"
	"github.com/projecttab/backend/internal/common/config"
	"github.com/projecttab/backend/internal/common/httpmw"
	"github.com/projecttab/backend/internal/common/logger"
	"github.com/projecttab/backend/internal/common/tracing"
	"github.com/projecttab/backend/internal/decision"
	"github.com/projecttab/backend/internal/events/bus"
	"github.com/projecttab/backend/internal/events/validate"
	"github.com/projecttab/backend/internal/gateway"
	gateways "github.com/projecttab/backend/internal/gateway/websocket"
	"github.com/projecttab/backend/internal/knowledge"
	"github.com/projecttab/backend/internal/pipeline"
	"github.com/projecttab/backend/internal/sandbox/plugin"
	"github.com/projecttab/backend/internal/sandbox/supervisor"
	"github.com/projecttab/backend/internal/tick"
	"github.com/projecttab/backend/internal/trust"
	ws "github.com/projecttab/backend/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Project Tab control plane...")

	// The tracer reads OTEL_EXPORTER_OTLP_ENDPOINT on first use.
	if cfg.Tracing.Enabled && cfg.Tracing.OTLPEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus, optionally mirrored onto NATS.
	eventBus := bus.New(bus.Config{
		DedupCapacity:           cfg.Bus.DedupCapacity,
		MaxQueuePerAgent:        cfg.Bus.MaxQueuePerAgent,
		MaxHighPriorityPerAgent: cfg.Bus.MaxHighPriorityPerAgent,
		GapWarningCapacity:      cfg.Bus.GapWarningCapacity,
	}, log)
	if cfg.Bus.NATSURL != "" {
		log.Info("Connecting NATS mirror...", zap.String("url", cfg.Bus.NATSURL))
		mirror, err := bus.NewMirror(cfg.Bus.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus.SetMirror(mirror)
		defer mirror.Close()
	}

	// Logical clock driving the decision queue's grace periods.
	ticks := tick.NewService(tick.Mode(cfg.Tick.Mode), cfg.Tick.TickInterval(), log)
	ticks.Start(ctx)

	// Knowledge store (memory, sqlite or postgres).
	store, err := knowledge.Open(cfg.Database, cfg.Checkpoints.MaxPerAgent, log)
	if err != nil {
		log.Fatal("Failed to open knowledge store", zap.Error(err))
	}
	log.Info("Knowledge store ready", zap.String("driver", cfg.Database.Driver))

	quarantine := validate.NewQuarantine(cfg.Quarantine.Capacity, log)
	tokens := token.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDurationTime(), log)
	trustEngine := trust.NewEngine(log)
	trustEngine.SubscribeTo(ticks)

	queue := decision.NewQueue(cfg.Decision.OrphanGracePeriodTicks, log)
	queue.SubscribeTo(ticks)

	// Sandbox supervision stack.
	sup := supervisor.New(log)
	registry := plugin.NewRegistry()
	agentPlugin := plugin.NewAggregating(plugin.Config{
		Command:                cfg.Sandbox.Command,
		Args:                   cfg.Sandbox.Args,
		BackendURL:             cfg.Sandbox.BackendURL,
		ArtifactUploadEndpoint: cfg.Sandbox.ArtifactUploadEndpoint,
		TokenTTL:               cfg.Auth.TokenDurationTime(),
		RPCTimeout:             cfg.Sandbox.RPCTimeout(),
		HealthPollInterval:     cfg.Sandbox.HealthPollInterval(),
		HealthStartupTimeout:   cfg.Sandbox.HealthStartupTimeout(),
		InitialReconnectDelay:  cfg.Sandbox.InitialReconnectDelay(),
		MaxReconnectDelay:      cfg.Sandbox.MaxReconnectDelay(),
	}, sup, tokens, eventBus, quarantine, registry, log)
	agentPlugin.OnAgentCrash = func(agentID string, _ *int, _ string) {
		// Pending decisions of a dead agent enter their grace period.
		queue.ScheduleOrphanTriage(agentID, ticks.Current())
	}

	// Frontend gateway.
	hub := gateways.NewHub(ws.NewDispatcher(), log)
	go hub.Run(ctx)

	pipe := pipeline.New(eventBus, hub, queue, registry, store, knowledge.NewHeuristicMonitor(store), trustEngine, ticks, agentPlugin, log)
	pipe.Wire()
	defer pipe.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "projecttab"))
	if cfg.Tracing.Enabled {
		router.Use(httpmw.OtelTracing("projecttab"))
	}

	handlers := gateway.NewHandlers(agentPlugin, registry, queue, trustEngine, store, quarantine, eventBus, ticks, hub, log)
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/api/health"),
		zap.String("http", "/api"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Project Tab...")

	// Backstop: if teardown wedges, exit anyway.
	backstop := time.AfterFunc(5*time.Second, func() {
		log.Error("Shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer backstop.Stop()

	ticks.Stop()
	agentPlugin.KillAll(context.Background(), cfg.Sandbox.ShutdownGrace(), cfg.Sandbox.ShutdownOuterDeadline())
	cancel()

	if err := store.Close(); err != nil {
		log.Error("Knowledge store close error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	eventBus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Project Tab stopped")
}
