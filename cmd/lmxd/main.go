// lmxd is the Opta-LMX control plane: a single process bringing up the
// model lifecycle manager, the inference concurrency controller, the task
// router, the model cache manager, the (optional) agent runtime and skill
// dispatch queue, and the HTTP/WebSocket surface in front of all of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opta-lmx/lmx/pkg/agents"
	agentsscheduler "github.com/opta-lmx/lmx/pkg/agents/scheduler"
	agentsstore "github.com/opta-lmx/lmx/pkg/agents/store"
	"github.com/opta-lmx/lmx/pkg/api"
	"github.com/opta-lmx/lmx/pkg/compat"
	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/config"
	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/events"
	"github.com/opta-lmx/lmx/pkg/helpers"
	"github.com/opta-lmx/lmx/pkg/kvstore"
	"github.com/opta-lmx/lmx/pkg/memory"
	"github.com/opta-lmx/lmx/pkg/metrics"
	"github.com/opta-lmx/lmx/pkg/modelmanager"
	"github.com/opta-lmx/lmx/pkg/router"
	"github.com/opta-lmx/lmx/pkg/schema"
	"github.com/opta-lmx/lmx/pkg/skills"
	"github.com/opta-lmx/lmx/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("LMX_CONFIG", "./deploy/config/lmx.yaml"),
		"Path to the lmxd configuration file")
	flag.Parse()

	log.Printf("Starting lmxd %s", version.Full())
	log.Printf("Config file: %s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load %s: %v", *configPath, err)
		log.Printf("Falling back to built-in defaults")
		cfg = config.Default()
	}
	stat := cfg.Stat()
	log.Printf("Loaded configuration: %d presets, %d helper nodes, %d routing aliases",
		stat.Presets, stat.HelperNodes, stat.Aliases)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.Open(filepath.Join(cfg.Models.CacheDir, ".lmx-kv"))
	if err != nil {
		log.Fatalf("Failed to open kv store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing kv store: %v", err)
		}
	}()

	memMonitor := memory.New(cfg.Memory.HighWatermarkPct, time.Duration(cfg.Memory.PollIntervalSec)*time.Second)
	memMonitor.Start(ctx)
	defer memMonitor.Stop()

	compatRegistry := compat.New(store)
	eventBus := events.NewBus()
	eventsPub := events.NewPublisher(eventBus)
	metricsCollector := metrics.New()

	backendFactory := newBackendFactory(cfg.Models.BackendSidecarAddr)

	eng := engine.New(engine.Config{
		LoaderTimeout:           time.Duration(cfg.Models.LoaderTimeoutSec) * time.Second,
		WarmupOnLoad:            cfg.Models.WarmupOnLoad,
		AllowUnsupportedRuntime: cfg.Models.AllowUnsupportedRuntime,
		DefaultKeepAlive:        time.Duration(cfg.Models.KeepAliveSeconds) * time.Second,
		PerModelKeepAlive:       cfg.Models.PerModelKeepAlive,
		EvictionPollInterval:    30 * time.Second,
	}, memMonitor, compatRegistry, backendFactory, eventsPub)
	eng.StartEvictionLoop(ctx)
	defer eng.Stop()

	// Concurrency tuning (lane width, adaptive floor, target latency) has
	// no dedicated config.yaml section yet, so the values are set here;
	// concurrency.New itself only clamps the limit to [1, 64] and gives a
	// zero semaphore timeout its 30s default.
	ctl := concurrency.New(concurrency.Config{
		MaxConcurrentRequests: 8,
		AdaptiveMin:           2,
		AdaptiveEnabled:       true,
		TargetLatencyMs:       2000,
		SemaphoreTimeout:      30 * time.Second,
		PerModelCaps:          cfg.Models.PerModelCaps,
		PerClientDefaultCap:   4,
	}, memMonitor)

	taskRouter := router.New(cfg.Routing, cfg.Presets)

	repoIndex := modelmanager.NewHTTPIndex(getEnv("LMX_MODEL_REGISTRY_URL", "https://huggingface.co"), &http.Client{Timeout: 30 * time.Second})
	modelManager := modelmanager.New(cfg.Models.CacheDir, repoIndex, eventsPub)

	srv := api.NewServer(cfg, eng, ctl, taskRouter, modelManager, compatRegistry, memMonitor, eventBus, metricsCollector)

	for _, preset := range cfg.Presets {
		if !preset.AutoLoad {
			continue
		}
		if _, err := eng.Load(ctx, preset.ModelID, engine.LoadOptions{}); err != nil {
			log.Printf("Warning: auto_load failed for preset %s (%s): %v", preset.Name, preset.ModelID, err)
		}
	}

	for _, node := range cfg.HelperNodes.Nodes {
		srv.SetHelper(node.Name, helpers.NewFromNodeConfig(node))
	}
	log.Printf("Wired %d helper node(s)", len(cfg.HelperNodes.Nodes))

	if cfg.RAG.Enabled {
		srv.SetRAG(cfg.RAG.UpstreamURL, &http.Client{Timeout: 30 * time.Second})
		log.Printf("RAG facade enabled against %s", cfg.RAG.UpstreamURL)
	}

	if cfg.Skills.ManifestDir != "" {
		registry := skills.NewRegistry()
		count, err := skills.LoadManifestsFromDir(cfg.Skills.ManifestDir, registry)
		if err != nil {
			log.Fatalf("Failed to load skill manifests: %v", err)
		}
		log.Printf("Loaded %d skill manifest(s) from %s", count, cfg.Skills.ManifestDir)

		executor := skills.NewExecutor(cfg.Skills.MaxConcurrentCalls,
			skills.WithDefaultTimeout(time.Duration(cfg.Skills.DefaultTimeoutSec)*time.Second))

		var dispatcher skills.Dispatcher = skills.NewLocalDispatcher(executor)
		if cfg.Skills.QueueBackend == "memory" || cfg.Skills.QueueBackend == "badger" {
			backend := skills.QueueBackendMemory
			var queueStore *kvstore.Store
			if cfg.Skills.QueueBackend == "badger" {
				backend = skills.QueueBackendBadger
				queueStore = store
			}
			queued, err := skills.NewQueuedDispatcher(executor, skills.QueuedDispatcherOptions{
				WorkerCount:  cfg.Skills.WorkerCount,
				MaxQueueSize: cfg.Skills.MaxQueueSize,
				Backend:      backend,
				Store:        queueStore,
			})
			if err != nil {
				log.Fatalf("Failed to construct skill dispatch queue: %v", err)
			}
			if err := queued.Start(ctx); err != nil {
				log.Fatalf("Failed to start skill dispatch queue: %v", err)
			}
			dispatcher = queued
		}

		srv.SetSkills(registry, executor, dispatcher, nil)
		log.Println("Skills subsystem enabled")
	}

	var agentRuntime *agents.Runtime
	if cfg.Agents.PostgresDSN != "" || os.Getenv("LMX_AGENTS_DB_PASSWORD") != "" {
		agentRuntime = mustWireAgents(ctx, cfg, eng, ctl, taskRouter, store, eventsPub, metricsCollector)
		srv.SetAgentsRuntime(agentRuntime)
		log.Println("Agent runtime enabled")
	}

	if err := srv.ValidateWiring(); err != nil {
		log.Fatalf("Server wiring incomplete: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Server.ListenAddr, err)
	}
	log.Printf("HTTP/WebSocket server listening on %s", cfg.Server.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining in-flight requests")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSec)*time.Second)
	defer cancel()

	ctl.Drain(time.Duration(cfg.Server.ShutdownGraceSec) * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during graceful shutdown: %v", err)
	}
	if agentRuntime != nil {
		if err := agentRuntime.Stop(shutdownCtx); err != nil {
			log.Printf("Error stopping agent runtime: %v", err)
		}
	}
	<-errCh
	log.Println("lmxd stopped")
}

// newBackendFactory builds an engine.BackendFactory dialing the configured
// tensor-runtime sidecar over gRPC for every (model, backend-kind) pair;
// every candidate kind, GGUF fallback included, dials the same sidecar
// address, and the kind is not passed to the sidecar.
func newBackendFactory(sidecarAddr string) engine.BackendFactory {
	return func(ctx context.Context, modelID string, kind schema.BackendKind, profile schema.PerformanceProfile) (engine.Backend, error) {
		if sidecarAddr == "" {
			return nil, fmt.Errorf("models.backend_sidecar_addr is not configured")
		}
		return engine.NewGRPCBackend(sidecarAddr)
	}
}

// engineAdapter satisfies agents.Engine over an already-constructed
// *engine.Engine/*concurrency.Controller pair, translating the runtime's
// narrow dependency interface into the two concrete types main owns.
type engineAdapter struct {
	eng *engine.Engine
	ctl *concurrency.Controller
}

func (a *engineAdapter) LoadedModelIDs() []string {
	loaded := a.eng.List()
	ids := make([]string, 0, len(loaded))
	for _, m := range loaded {
		ids = append(ids, m.ID)
	}
	return ids
}

func (a *engineAdapter) IsModelLoaded(modelID string) bool {
	for _, id := range a.LoadedModelIDs() {
		if id == modelID {
			return true
		}
	}
	return false
}

func (a *engineAdapter) ModelLoadSnapshot(modelIDs []string) map[string]float64 {
	out := make(map[string]float64, len(modelIDs))
	for _, id := range modelIDs {
		out[id] = a.ctl.ModelLoad(id).Score()
	}
	return out
}

func (a *engineAdapter) Generate(ctx context.Context, req engine.GenerateRequest) (*schema.ChatCompletionResponse, error) {
	return a.eng.Generate(ctx, a.ctl, req)
}

// mustWireAgents constructs the agent-runtime's Postgres-backed state
// store and run scheduler and starts the runtime. Fatal on any wiring
// error: a misconfigured agent subsystem should stop the process rather
// than serve a silently-degraded /v1/agents surface.
func mustWireAgents(ctx context.Context, cfg *config.Config, eng *engine.Engine, ctl *concurrency.Controller, taskRouter *router.Router, kv *kvstore.Store, eventsPub *events.Publisher, metricsCollector *metrics.Collector) *agents.Runtime {
	storeCfg, err := agentsstore.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load agent store configuration: %v", err)
	}
	agentStore, err := agentsstore.New(ctx, storeCfg)
	if err != nil {
		log.Fatalf("Failed to open agent state store: %v", err)
	}

	backend := agentsscheduler.BackendMemory
	var schedStore *kvstore.Store
	if cfg.Agents.QueueBackend == "badger" {
		backend = agentsscheduler.BackendBadger
		schedStore = kv
	}
	sched, err := agentsscheduler.New(agentsscheduler.Options{
		MaxQueueSize: cfg.Agents.MaxQueueSize,
		WorkerCount:  cfg.Agents.WorkerCount,
		Backend:      backend,
		Store:        schedStore,
	})
	if err != nil {
		log.Fatalf("Failed to construct agent run scheduler: %v", err)
	}

	runtime := agents.New(&engineAdapter{eng: eng, ctl: ctl}, taskRouter, agentStore, sched, eventsPub, metricsCollector, agents.Config{
		StepRetryAttempts: cfg.Agents.StepRetryAttempts,
		RetainCompletedRuns: cfg.Agents.RetainCompletedRuns,
	})
	if err := runtime.Start(ctx); err != nil {
		log.Fatalf("Failed to start agent runtime: %v", err)
	}
	return runtime
}
