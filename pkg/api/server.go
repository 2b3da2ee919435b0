// Package api implements the HTTP/WebSocket surface: OpenAI-compatible
// chat completions, the Anthropic shim, the agent and skills surfaces,
// RAG facades, and the admin control plane.
//
// Grounded on the teacher's pkg/api/server.go wiring idiom (a single
// Server struct assembled via a narrow constructor plus SetXxx calls for
// optional dependencies, validated by ValidateWiring before Start),
// retargeted from echo to gin per the domain stack's HTTP framework
// choice and from one alert-triage backend to the handful of subsystems
// documented below.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/agents"
	"github.com/opta-lmx/lmx/pkg/compat"
	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/config"
	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/events"
	"github.com/opta-lmx/lmx/pkg/helpers"
	"github.com/opta-lmx/lmx/pkg/memory"
	"github.com/opta-lmx/lmx/pkg/metrics"
	"github.com/opta-lmx/lmx/pkg/modelmanager"
	"github.com/opta-lmx/lmx/pkg/router"
	"github.com/opta-lmx/lmx/pkg/skills"
	"github.com/opta-lmx/lmx/pkg/version"
)

// Server bundles a *gin.Engine together with every subsystem a route
// handler may need. Fields documented "nil if ..." are legitimately
// optional; ValidateWiring checks only engine, concurrency, taskRouter,
// models and metrics.
type Server struct {
	router *gin.Engine
	http   *http.Server
	cfg    *config.Config

	startedAt time.Time

	// Core inference path — always required.
	engine      *engine.Engine
	concurrency *concurrency.Controller
	taskRouter  *router.Router
	models      *modelmanager.Manager
	compat      *compat.Registry
	memMonitor  *memory.Monitor
	eventBus    *events.Bus
	eventsPub   *events.Publisher
	metrics     *metrics.Collector

	// Agent runtime — nil if agents are disabled in config.
	agentsRuntime *agents.Runtime

	// Skills — nil if no manifests are configured.
	skillsRegistry   *skills.Registry
	skillsExecutor   *skills.Executor
	skillsDispatcher skills.Dispatcher
	mcpBridge        *skills.MCPBridge

	// Helper nodes, keyed by the role name from config (embedding,
	// rerank, ...); a missing key means that role has no configured
	// helper.
	helpers map[string]*helpers.Client

	// RAG — nil if config.RAGConfig.Enabled is false.
	rag *ragClient

	limiter *rateLimiter
}

// NewServer constructs a Server around the dependencies every deployment
// needs, and wires gin's router. Optional subsystems are attached
// afterward via the SetXxx methods.
func NewServer(cfg *config.Config, eng *engine.Engine, ctl *concurrency.Controller, tr *router.Router, mm *modelmanager.Manager, compatRegistry *compat.Registry, mem *memory.Monitor, bus *events.Bus, mcol *metrics.Collector) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		cfg:         cfg,
		engine:      eng,
		concurrency: ctl,
		taskRouter:  tr,
		models:      mm,
		compat:      compatRegistry,
		memMonitor:  mem,
		eventBus:    bus,
		eventsPub:   events.NewPublisher(bus),
		metrics:     mcol,
		helpers:     map[string]*helpers.Client{},
		startedAt:   time.Now(),
	}
	if cfg.Security.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	}
	s.setupRoutes()
	return s
}

// SetAgentsRuntime wires the agent-runtime route group. nil disables it.
func (s *Server) SetAgentsRuntime(rt *agents.Runtime) { s.agentsRuntime = rt }

// SetSkills wires the skills/MCP route group. registry and executor must
// both be non-nil for the group to activate; dispatcher and bridge may be
// nil (dispatcher falls back to a direct LocalDispatcher, bridge to a
// local MCPBridge constructed from registry/executor).
func (s *Server) SetSkills(registry *skills.Registry, executor *skills.Executor, dispatcher skills.Dispatcher, bridge *skills.MCPBridge) {
	s.skillsRegistry = registry
	s.skillsExecutor = executor
	s.skillsDispatcher = dispatcher
	if s.skillsDispatcher == nil && executor != nil {
		s.skillsDispatcher = skills.NewLocalDispatcher(executor)
	}
	s.mcpBridge = bridge
	if s.mcpBridge == nil && registry != nil && executor != nil {
		s.mcpBridge = skills.NewMCPBridge(registry, executor)
	}
}

// SetHelper registers a helper-node client under role (e.g. "embedding",
// "rerank"); a nil client clears the role.
func (s *Server) SetHelper(role string, client *helpers.Client) {
	if client == nil {
		delete(s.helpers, role)
		return
	}
	s.helpers[role] = client
}

// SetRAG wires the RAG facade against an upstream vector-store base URL.
// An empty url disables the group.
func (s *Server) SetRAG(url string, client *http.Client) {
	if url == "" {
		s.rag = nil
		return
	}
	s.rag = newRAGClient(url, client)
}

// ValidateWiring reports every required dependency left unset. Optional
// subsystems (agents, skills, helpers, RAG) are never checked here — a
// deployment without them is valid, just smaller.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.engine == nil {
		errs = append(errs, errors.New("api: engine not set"))
	}
	if s.concurrency == nil {
		errs = append(errs, errors.New("api: concurrency controller not set"))
	}
	if s.taskRouter == nil {
		errs = append(errs, errors.New("api: task router not set"))
	}
	if s.models == nil {
		errs = append(errs, errors.New("api: model manager not set"))
	}
	if s.metrics == nil {
		errs = append(errs, errors.New("api: metrics collector not set"))
	}
	return errors.Join(errs...)
}

// Handler returns the underlying gin engine, e.g. for httptest.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and blocks until the server stops or errors.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s.http.ListenAndServe()
}

// StartWithListener is Start against a caller-supplied listener, used by
// tests that need an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{Handler: s.router}
	return s.http.Serve(ln)
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(securityHeaders())
	s.router.Use(requestIDMiddleware())
	s.router.Use(mtlsMiddleware(s.cfg.Security))
	s.router.Use(requestLoggerMiddleware())

	s.router.GET("/healthz", s.healthHandler)

	v1 := s.router.Group("/v1")
	v1.Use(inferenceAuthMiddleware(s.cfg.Security))
	{
		v1.POST("/chat/completions", s.rateLimited(s.handleChatCompletions))
		v1.POST("/completions", s.handleCompletionsUnsupported)
		v1.POST("/responses", s.rateLimited(s.handleResponses))
		v1.GET("/models", s.handleListModels)
		v1.GET("/models/:id", s.handleGetModel)
		v1.POST("/messages", s.rateLimited(s.handleAnthropicMessages))
		v1.GET("/chat/stream", s.handleChatStreamWS)

		v1.POST("/rag/ingest", s.handleRAGIngest)
		v1.POST("/rag/query", s.handleRAGQuery)
		v1.POST("/rag/context", s.handleRAGContext)
		v1.GET("/rag/collections", s.handleRAGListCollections)
		v1.DELETE("/rag/collections/:name", s.handleRAGDeleteCollection)

		v1.GET("/skills", s.handleSkillsList)
		v1.GET("/skills/:name", s.handleSkillsGet)
		v1.POST("/skills/:name/invoke", s.handleSkillsInvoke)

		v1.POST("/agents", s.handleAgentsSubmit)
		v1.GET("/agents/:id", s.handleAgentsGet)
		v1.POST("/agents/:id/cancel", s.handleAgentsCancel)
	}

	mcp := s.router.Group("/mcp")
	mcp.Use(inferenceAuthMiddleware(s.cfg.Security))
	{
		mcp.POST("/dispatch", s.handleMCPDispatch)
		mcp.GET("/tools", s.handleMCPToolsList)
		mcp.POST("/tools/call", s.handleMCPToolsCall)
		mcp.GET("/prompts", s.handleMCPPromptsList)
		mcp.GET("/prompts/:name", s.handleMCPPromptsGet)
		mcp.GET("/resources", s.handleMCPResourcesList)
		mcp.GET("/resources/read", s.handleMCPResourcesRead)
		mcp.GET("/capabilities", s.handleMCPCapabilities)
	}

	admin := s.router.Group("/admin")
	admin.Use(adminAuthMiddleware(s.cfg.Security))
	{
		admin.GET("/models", s.handleAdminModelsList)
		admin.POST("/models/load", s.handleAdminModelsLoad)
		admin.POST("/models/load/confirm", s.handleAdminModelsLoadConfirm)
		admin.GET("/models/download/:id/progress", s.handleAdminDownloadProgress)
		admin.POST("/models/unload", s.handleAdminModelsUnload)
		admin.POST("/models/delete", s.handleAdminModelsDelete)
		admin.POST("/models/probe", s.handleAdminModelsProbe)

		admin.GET("/memory", s.handleAdminMemory)
		admin.GET("/status", s.handleAdminStatus)
		admin.POST("/benchmark", s.handleAdminBenchmark)
		admin.GET("/metrics", gin.WrapH(s.metricsHandler()))
		admin.GET("/metrics.json", s.handleAdminMetricsJSON)
		admin.GET("/presets", s.handleAdminPresets)
		admin.GET("/presets/:name", s.handleAdminPresetGet)
		admin.GET("/stack", s.handleAdminStack)
		admin.GET("/diagnostics", s.handleAdminDiagnostics)
		admin.GET("/helpers", s.handleAdminHelpers)
		admin.GET("/compatibility/:model", s.handleAdminCompatibility)
		admin.POST("/autotune", s.handleAdminAutotune)
		admin.POST("/quantize", s.handleAdminQuantize)
		admin.GET("/events", s.handleAdminEvents)
		admin.POST("/config/reload", s.handleAdminConfigReload)
	}
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	}
	return s.metrics.Handler()
}

// healthHandler handles GET /healthz: a minimal, unauthenticated liveness
// probe that never touches the admin-only diagnostics surface.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        version.Full(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// constantTimeEqual compares two secrets without leaking timing
// information about the position of the first mismatch.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
