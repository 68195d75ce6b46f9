// Command fabric-server is the connector fabric's composition root: it
// wires the Clock/Scheduler, Capability Registry, Connector Runtime,
// Event Bus, Rule Engine, Action Dispatcher, Correlation Core, Persistence
// Collaborator, Metrics registry, and Outward API into one running
// process, then serves HTTP until SIGTERM. Grounded on the teacher's
// cmd/api/main.go: one large, sequential main() logging each wiring step,
// a try-real-backend-else-warn-and-fall-back idiom for optional external
// dependencies, and signal.Notify-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/connectorfabric/internal/api"
	"github.com/ocx/connectorfabric/internal/bus"
	"github.com/ocx/connectorfabric/internal/capability"
	"github.com/ocx/connectorfabric/internal/clock"
	"github.com/ocx/connectorfabric/internal/config"
	"github.com/ocx/connectorfabric/internal/connector"
	"github.com/ocx/connectorfabric/internal/correlation"
	"github.com/ocx/connectorfabric/internal/dispatch"
	"github.com/ocx/connectorfabric/internal/infra"
	"github.com/ocx/connectorfabric/internal/metrics"
	"github.com/ocx/connectorfabric/internal/model"
	"github.com/ocx/connectorfabric/internal/persistence"
	"github.com/ocx/connectorfabric/internal/rules"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := config.Get()
	clk := clock.Real()

	// =========================================================================
	// Metrics + Event Bus
	// =========================================================================

	metricsRegistry := metrics.New()
	busMetrics := bus.NewMetrics(metricsRegistry.Prometheus())

	busCfg := bus.DefaultConfig()
	if cfg.Runtime.EventQueueSize > 0 {
		busCfg.SubscriberQueueSize = cfg.Runtime.EventQueueSize
	}
	eventBus := bus.New(busCfg, busMetrics)
	slog.Info("event bus initialized", "subscriber_queue_size", busCfg.SubscriberQueueSize)

	// =========================================================================
	// Capability Registry
	// =========================================================================

	registry := capability.NewRegistry(capabilityManifest()...)
	slog.Info("capability registry initialized", "capabilities", len(registry.IDs()))

	// =========================================================================
	// Persistence Collaborator (optional)
	// =========================================================================

	store, err := persistence.New(context.Background(), persistence.Config{
		Backend:         persistence.Backend(cfg.Persistence.Backend),
		PostgresDSN:     cfg.Persistence.PostgresDSN,
		SpannerProject:  cfg.Persistence.Spanner.ProjectID,
		SpannerInstance: cfg.Persistence.Spanner.InstanceID,
		SpannerDatabase: cfg.Persistence.Spanner.DatabaseID,
	})
	if err != nil {
		slog.Warn("persistence backend unavailable, running with no seeding or event audit trail", "backend", cfg.Persistence.Backend, "error", err)
		store = nil
	} else if store != nil {
		slog.Info("persistence collaborator initialized", "backend", cfg.Persistence.Backend)
		defer store.Close()
	}

	// =========================================================================
	// Core wiring: bus -> rule engine -> action dispatcher, bus -> correlation
	// =========================================================================

	core := newFabricCore(registry, clk, eventBus)

	// A Redis-backed dedup store lets several fabric processes behind the
	// same vendor fleet catch a duplicate frame delivered to more than one
	// of them; unconfigured or unreachable, each connector falls back to
	// its own in-memory dedup window.
	if cfg.Redis.Addr != "" {
		redisAdapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, "", 0)
		if err != nil {
			slog.Warn("redis dedup store unavailable, falling back to in-memory dedup windows", "addr", cfg.Redis.Addr, "error", err)
		} else {
			core.deduper = connector.NewRedisDeduper(redisAdapter, 0)
			slog.Info("redis dedup store initialized", "addr", cfg.Redis.Addr)
			defer redisAdapter.Close()
		}
	}

	var dispatcher *dispatch.Dispatcher
	engine := rules.New(clk, func(inv model.ActionInvocation) {
		if dispatcher != nil {
			dispatcher.Submit(inv)
		}
	})
	core.engine = engine

	dispatchCfg := dispatch.DefaultConfig()
	if cfg.Runtime.ActionWorkers > 0 {
		dispatchCfg.Workers = cfg.Runtime.ActionWorkers
	}
	dispatcher = dispatch.New(dispatchCfg, core.lookupConnector, eventBus.Publish, clk, engine.Release)
	core.dispatcher = dispatcher
	slog.Info("rule engine and action dispatcher wired", "workers", dispatchCfg.Workers)

	correlationCore := correlation.New(correlation.DefaultConfig(), clk, eventBus.Publish)
	core.correl = correlationCore
	slog.Info("correlation core started")

	eventBus.Subscribe(nil, engine.Evaluate, bus.DropOldest)
	eventBus.Subscribe(nil, correlationCore.Ingest, bus.DropOldest)

	// =========================================================================
	// Rule hot reload (optional)
	// =========================================================================

	if rulesPath := os.Getenv("RULES_CONFIG_PATH"); rulesPath != "" {
		watcher, err := rules.NewWatcher(rulesPath, func(file rules.RuleFile) error {
			return applyRuleFile(core, file)
		})
		if err != nil {
			slog.Warn("rule file watcher unavailable", "path", rulesPath, "error", err)
		} else if err := watcher.LoadOnce(); err != nil {
			slog.Warn("initial rule file load failed", "path", rulesPath, "error", err)
		} else {
			if err := watcher.Watch(context.Background()); err != nil {
				slog.Warn("rule file watch failed to start", "path", rulesPath, "error", err)
			} else {
				slog.Info("watching rule file for hot reload", "path", rulesPath)
			}
		}
	}

	// =========================================================================
	// Tenant config hot reload (optional)
	// =========================================================================

	if tenantsPath := os.Getenv("TENANTS_CONFIG_PATH"); tenantsPath != "" {
		masterPath := os.Getenv("CONFIG_PATH")
		if masterPath == "" {
			masterPath = "config.yaml"
		}
		manager, err := config.NewManager(masterPath, tenantsPath)
		if err != nil {
			slog.Warn("tenant config manager unavailable", "error", err)
		} else {
			if err := manager.Watch(context.Background()); err != nil {
				slog.Warn("tenant config watch failed to start", "error", err)
			} else {
				slog.Info("watching tenant overrides for hot reload", "path", tenantsPath)
			}
		}
	}

	// =========================================================================
	// Seed from persistence
	// =========================================================================

	if store != nil {
		seedFromStore(context.Background(), core, store)
	}

	// =========================================================================
	// Outward API
	// =========================================================================

	apiServer := api.NewServer(core)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metricsRegistry.Handler(),
	}
	go func() {
		slog.Info("metrics server starting", "addr", cfg.Metrics.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// =========================================================================
	// Graceful shutdown
	// =========================================================================

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
		dispatcher.Stop()
		correlationCore.Stop()
	}()

	slog.Info("fabric server starting", "addr", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("api server failed to start: %v", err)
	}

	slog.Info("fabric server stopped")
}

// capabilityManifest is the composition root's static capability catalog.
// The camera descriptors are an illustrative REST passthrough surface
// (the camera transport forwards capability_id/operation directly onto
// its vendor's REST path); the bridge descriptors match the fixed names
// the bridge transport switches on.
func capabilityManifest() []capability.Descriptor {
	return []capability.Descriptor{
		{
			ID:   "camera.ptz",
			Name: "Pan/tilt/zoom control",
			Operations: map[string]capability.Operation{
				"move": {Params: []capability.ParamSpec{
					{Name: "pan", Kind: capability.ParamFloat},
					{Name: "tilt", Kind: capability.ParamFloat},
					{Name: "zoom", Kind: capability.ParamFloat},
				}},
			},
			RequiresConnection: true,
		},
		{
			ID:   "camera.snapshot",
			Name: "On-demand still capture",
			Operations: map[string]capability.Operation{
				"capture": {},
			},
			RequiresConnection: true,
		},
		{
			ID:   "bridge.slack",
			Name: "Slack notification",
			Operations: map[string]capability.Operation{
				"notify": {Params: []capability.ParamSpec{
					{Name: "channel", Kind: capability.ParamString},
					{Name: "text", Kind: capability.ParamString, Required: true},
				}},
			},
			RequiresConnection: true,
		},
		{
			ID:   "bridge.pubsub",
			Name: "Pub/Sub fan-out",
			Operations: map[string]capability.Operation{
				"publish": {Params: []capability.ParamSpec{
					{Name: "payload", Kind: capability.ParamString, Required: true},
				}},
			},
			RequiresConnection: true,
		},
		{
			ID:   "bridge.cloudtasks",
			Name: "Cloud Tasks durable delivery",
			Operations: map[string]capability.Operation{
				"enqueue": {Params: []capability.ParamSpec{
					{Name: "url", Kind: capability.ParamString, Required: true},
					{Name: "body", Kind: capability.ParamString},
				}},
			},
			RequiresConnection: true,
		},
		{
			ID:   "bridge.socketio",
			Name: "Socket.IO broadcast",
			Operations: map[string]capability.Operation{
				"broadcast": {Params: []capability.ParamSpec{
					{Name: "event", Kind: capability.ParamString, Required: true},
					{Name: "payload", Kind: capability.ParamAny},
				}},
			},
			RequiresConnection: true,
		},
	}
}

// applyRuleFile turns a hot-reloaded rule file into Engine rules via
// fabricCore.PutRule, so file-sourced and API-sourced rules share the
// same predicate-resolution path.
func applyRuleFile(core *fabricCore, file rules.RuleFile) error {
	for _, entry := range file.Rules {
		spec := api.RuleSpec{
			RegoPolicy:   entry.RegoPolicy,
			ConnectorID:  entry.ConnectorID,
			CapabilityID: entry.CapabilityID,
			Operation:    entry.Operation,
			Params:       entry.Params,
			ThrottleKey:  entry.ThrottleKey,
			ThrottleSecs: entry.ThrottleSecs,
			Enabled:      entry.Enabled,
		}
		if spec.RegoPolicy == "" {
			spec.PredicateName = entry.ID
		}
		if err := core.PutRule(entry.ID, spec); err != nil {
			slog.Error("rules: failed to apply hot-reloaded rule", "rule_id", entry.ID, "error", err)
		}
	}
	return nil
}

// seedFromStore loads connectors, rule rows, and detection points
// recorded by the persistence collaborator at startup. The core never
// reads events back, and nothing in this process calls AppendEvent.
func seedFromStore(ctx context.Context, core *fabricCore, store persistence.Store) {
	connectors, err := store.LoadConnectors(ctx)
	if err != nil {
		slog.Warn("failed to load connectors from persistence", "error", err)
	}
	for _, cfg := range connectors {
		if err := core.CreateConnector(ctx, cfg); err != nil {
			slog.Error("failed to recreate persisted connector", "connector_id", cfg.ID, "error", err)
			continue
		}
		if err := core.Connect(ctx, cfg.ID); err != nil {
			slog.Warn("failed to connect persisted connector", "connector_id", cfg.ID, "error", err)
		}
	}

	ruleRows, err := store.LoadRuleFiles(ctx)
	if err != nil {
		slog.Warn("failed to load rules from persistence", "error", err)
	}
	for _, row := range ruleRows {
		spec := api.RuleSpec{
			ConnectorID:  row.ConnectorID,
			CapabilityID: row.CapabilityID,
			Operation:    row.Operation,
			ThrottleKey:  row.ThrottleKey,
			ThrottleSecs: row.ThrottleSecs,
			Enabled:      row.Enabled,
		}
		if err := json.Unmarshal([]byte(row.ParamsJSON), &spec.Params); err != nil && row.ParamsJSON != "" {
			slog.Warn("failed to parse persisted rule params, using none", "rule_id", row.ID, "error", err)
		}
		if strings.HasPrefix(strings.TrimSpace(row.PredicateSpec), "package ") {
			spec.RegoPolicy = row.PredicateSpec
		} else {
			spec.PredicateName = row.PredicateSpec
		}
		if err := core.PutRule(row.ID, spec); err != nil {
			slog.Error("failed to install persisted rule", "rule_id", row.ID, "error", err)
		}
	}

	points, err := store.LoadDetectionPoints(ctx)
	if err != nil {
		slog.Warn("failed to load detection points from persistence", "error", err)
	}
	for _, p := range points {
		core.correl.RegisterDetectionPoint(p)
	}

	slog.Info("seeded from persistence", "connectors", len(connectors), "rules", len(ruleRows), "detection_points", len(points))
}
