package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/agents"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
	"github.com/opta-lmx/lmx/pkg/version"
)

// handleAdminMemory serves GET /admin/memory.
func (s *Server) handleAdminMemory(c *gin.Context) {
	snap := s.memMonitor.Latest()
	c.JSON(http.StatusOK, schema.MemoryResponse{
		TotalBytes:       snap.TotalBytes,
		UsedBytes:        snap.UsedBytes,
		AvailableBytes:   snap.AvailableBytes,
		UsedPercent:      snap.UsedPercent,
		HighWatermarkPct: s.memMonitor.HighWatermarkPct(),
	})
}

// handleAdminStatus serves GET /admin/status.
func (s *Server) handleAdminStatus(c *gin.Context) {
	runQueueDepth := 0
	if s.agentsRuntime != nil {
		queued := agents.RunStatusQueued
		runQueueDepth = len(s.agentsRuntime.List(&queued))
	}
	c.JSON(http.StatusOK, schema.StatusResponse{
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		LoadedModels:  len(s.engine.List()),
		RunQueueDepth: runQueueDepth,
		// SkillQueueDepth: QueuedDispatcher exposes no depth accessor;
		// left at zero rather than guessing at an internal count.
	})
}

// handleAdminBenchmark serves POST /admin/benchmark: a single
// streamed generation against modelID, timed end to end, reporting
// throughput and (when the backend reports it) speculative-decoding
// acceptance stats.
func (s *Server) handleAdminBenchmark(c *gin.Context) {
	var req schema.BenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	prompt := req.PromptText
	if prompt == "" {
		prompt = "Say hello in one short sentence."
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 64
	}

	genReq := toGenerateRequest(schema.ChatCompletionRequest{
		Messages:  []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: prompt}}},
		MaxTokens: &maxTokens,
	}, req.ModelID, "admin-benchmark")

	started := time.Now()
	events, err := s.engine.StreamGenerate(c.Request.Context(), s.concurrency, genReq)
	if err != nil {
		writeError(c, err)
		return
	}

	var ttft time.Duration
	var tokens int
	var spec *schema.SpeculativeBenchmarkStats
	firstToken := true
	for ev := range events {
		if ev.Err != nil {
			writeError(c, ev.Err)
			return
		}
		if ev.ContentDelta != "" {
			if firstToken {
				ttft = time.Since(started)
				firstToken = false
			}
			tokens++
		}
		if ev.Speculative != nil {
			spec = ev.Speculative
			spec.Telemetry = "measured"
		}
	}
	total := time.Since(started)
	tokensPerSec := 0.0
	if total > 0 {
		tokensPerSec = float64(tokens) / total.Seconds()
	}

	c.JSON(http.StatusOK, schema.BenchmarkResponse{Result: schema.BenchmarkResult{
		ModelID:         req.ModelID,
		TTFTMillis:      float64(ttft.Microseconds()) / 1000,
		TokensPerSecond: tokensPerSec,
		TotalTokens:     tokens,
		DurationMillis:  float64(total.Microseconds()) / 1000,
		Speculative:     spec,
	}})
}

// handleAdminMetricsJSON serves GET /admin/metrics.json, the JSON sibling
// of GET /admin/metrics' Prometheus exposition format.
func (s *Server) handleAdminMetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// handleAdminPresets serves GET /admin/presets.
func (s *Server) handleAdminPresets(c *gin.Context) {
	presets := s.taskRouter.Presets()
	out := make([]schema.PresetResponse, 0, len(presets))
	for _, p := range presets {
		out = append(out, schema.PresetResponse{
			Name:             p.Name,
			ModelID:          p.ModelID,
			SystemPrompt:     p.SystemPrompt,
			SamplingDefaults: p.SamplingDefaults,
			Performance:      schema.PerformanceProfile(p.Performance),
		})
	}
	c.JSON(http.StatusOK, schema.PresetListResponse{Presets: out})
}

// handleAdminPresetGet serves GET /admin/presets/{name}, the single-preset
// descriptor sibling of the list route.
func (s *Server) handleAdminPresetGet(c *gin.Context) {
	p, ok := s.taskRouter.Preset(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("preset not found: "+c.Param("name"), "preset_not_found", "name"))
		return
	}
	c.JSON(http.StatusOK, schema.PresetResponse{
		Name:             p.Name,
		ModelID:          p.ModelID,
		SystemPrompt:     p.SystemPrompt,
		SamplingDefaults: p.SamplingDefaults,
		Performance:      schema.PerformanceProfile(p.Performance),
	})
}

// handleAdminStack serves GET /admin/stack: which optional subsystems
// (agents, skills, RAG, helper nodes) are currently wired, for operator
// diagnostics without grepping the config file.
func (s *Server) handleAdminStack(c *gin.Context) {
	helperRoles := make([]string, 0, len(s.helpers))
	for role := range s.helpers {
		helperRoles = append(helperRoles, role)
	}
	c.JSON(http.StatusOK, gin.H{
		"agents_enabled": s.agentsRuntime != nil,
		"skills_enabled": s.skillsRegistry != nil,
		"rag_enabled":    s.rag != nil,
		"helper_roles":   helperRoles,
		"version":        version.Full(),
	})
}

// handleAdminDiagnostics serves GET /admin/diagnostics: a best-effort
// snapshot useful for support bundles, combining memory pressure, loaded
// models, and concurrency controller state.
func (s *Server) handleAdminDiagnostics(c *gin.Context) {
	snap := s.memMonitor.Latest()
	c.JSON(http.StatusOK, gin.H{
		"memory":      snap,
		"concurrency": s.concurrency.String(),
		"models":      s.engine.List(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleAdminHelpers serves GET /admin/helpers: health of every configured
// helper node (embedding, rerank, ...).
func (s *Server) handleAdminHelpers(c *gin.Context) {
	out := make(map[string]gin.H, len(s.helpers))
	for role, client := range s.helpers {
		out[role] = gin.H{
			"model":    client.Model(),
			"fallback": client.Fallback(),
			"healthy":  client.IsHealthy(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"helpers": out})
}

// handleAdminCompatibility serves GET /admin/compatibility/{model}, the
// compatibility registry's append-only history for one model.
func (s *Server) handleAdminCompatibility(c *gin.Context) {
	history, err := s.compat.History(c.Param("model"))
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "failed to read compatibility history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_id": c.Param("model"), "history": history})
}

// handleAdminAutotune serves POST /admin/autotune: forces the concurrency
// controller to re-evaluate its adaptive limit immediately rather than
// waiting for the next completed request to trigger it.
func (s *Server) handleAdminAutotune(c *gin.Context) {
	s.concurrency.Adapt()
	c.JSON(http.StatusOK, gin.H{"current_limit": s.concurrency.CurrentLimit()})
}

// quantizeJobs is an in-memory job-status ledger for POST /admin/quantize:
// job lifecycle tracking only, since no quantization backend is wired into
// this control plane.
var (
	quantizeJobsMu sync.Mutex
	quantizeJobs   = map[string]*schema.QuantizeJob{}
)

// handleAdminQuantize serves POST /admin/quantize.
func (s *Server) handleAdminQuantize(c *gin.Context) {
	var req schema.QuantizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	id := fmt.Sprintf("quant-%d", time.Now().UnixNano())
	job := &schema.QuantizeJob{
		ID:            id,
		SourceModelID: req.SourceModelID,
		Method:        req.Method,
		Status:        "queued",
		StartedAt:     time.Now(),
	}
	quantizeJobsMu.Lock()
	quantizeJobs[id] = job
	quantizeJobsMu.Unlock()
	c.JSON(http.StatusAccepted, job)
}

// handleAdminEvents serves GET /admin/events: an SSE feed of lifecycle and
// agent-trace events with a 30-second heartbeat, one subscription per
// connection against the shared event bus.
func (s *Server) handleAdminEvents(c *gin.Context) {
	sub := s.eventBus.Subscribe(0)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	w := c.Writer

	heartbeat := time.Duration(s.cfg.Server.SSEHeartbeatIntervalSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	for {
		ev, ok, err := sub.Next(c.Request.Context(), heartbeat)
		if err != nil {
			return
		}
		if !ok {
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			w.Flush()
			continue
		}
		if err := writeSSENamedEvent(w, string(ev.Type), ev); err != nil {
			return
		}
		w.Flush()
	}
}

// handleAdminConfigReload serves POST /admin/config/reload. Configuration
// reload is not implemented: the route always answers 501, no option group
// is re-read, and configuration changes take effect only after a process
// restart.
func (s *Server) handleAdminConfigReload(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, errorBody(
		"config reload is not supported; restart the process to apply configuration changes",
		"not_implemented", ""))
}
