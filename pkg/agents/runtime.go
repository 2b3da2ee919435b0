package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/metrics"
	"github.com/opta-lmx/lmx/pkg/router"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// Engine is the subset of the inference engine this runtime depends on.
// A concrete implementation adapts *engine.Engine together with the
// concurrency controller it needs for Generate and for the load
// snapshot ModelLoadSnapshot feeds into routing — wired once in cmd/lmxd,
// mirroring the original's EngineProtocol.
type Engine interface {
	LoadedModelIDs() []string
	IsModelLoaded(modelID string) bool
	ModelLoadSnapshot(modelIDs []string) map[string]float64
	Generate(ctx context.Context, req engine.GenerateRequest) (*schema.ChatCompletionResponse, error)
}

// Router is the subset of the task router this runtime depends on.
// *router.Router satisfies this directly.
type Router interface {
	Resolve(requested string, loaded []string, score router.LoadScorer) (string, error)
}

// StateStore persists run records and idempotency bindings across
// restarts. *agents/store.Store satisfies this.
type StateStore interface {
	ListRuns(ctx context.Context) ([]Run, error)
	UpsertRun(ctx context.Context, run Run) error
	DeleteRun(ctx context.Context, id string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	BindIdempotency(ctx context.Context, key, runID, fingerprint string) error
	GetIdempotency(ctx context.Context, key string) (runID string, fingerprint string, ok bool, err error)
	ClearIdempotency(ctx context.Context, key string) error
}

// Scheduler claims queued run IDs and invokes handler for each, respecting
// priority order. *agents/scheduler.Scheduler satisfies this.
type Scheduler interface {
	Start(ctx context.Context, handler func(ctx context.Context, runID string)) error
	Stop(ctx context.Context) error
	Submit(runID string, priority Priority) error
}

// EventSink receives agent-runtime trace events. A nil EventSink is
// valid — every call site checks before invoking it.
type EventSink interface {
	RunSubmitted(runID, strategy, traceparent, tracestate string)
	RunStarted(runID, traceparent, tracestate string)
	StepRetry(runID, stepID, reason, traceparent, tracestate string)
	RunFinished(runID, traceparent, tracestate string)
	RunCancelled(runID, traceparent, tracestate string)
	RunSubmissionFailed(runID, reason, traceparent, tracestate string)
}

// MetricsRecorder receives completed-run tallies. A nil MetricsRecorder
// is valid.
type MetricsRecorder interface {
	RecordAgentRun(r metrics.AgentRunRecord)
}

// Config bounds the runtime's behavior.
type Config struct {
	MaxStepsPerRun      int
	RetainCompletedRuns int
	StepRetryAttempts   int
	StepRetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxStepsPerRun <= 0 {
		c.MaxStepsPerRun = 32
	}
	if c.RetainCompletedRuns <= 0 {
		c.RetainCompletedRuns = 500
	}
	if c.StepRetryBackoff <= 0 {
		c.StepRetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Runtime executes AgentRuns against Engine, persisting state via
// StateStore and dispatching through Scheduler.
type Runtime struct {
	engine    Engine
	router    Router
	store     StateStore
	scheduler Scheduler
	events    EventSink
	metrics   MetricsRecorder
	cfg       Config

	started  bool
	startMu  sync.Mutex
	submitMu sync.Mutex

	runsMu sync.RWMutex
	runs   map[string]*Run

	tasksMu  sync.Mutex
	runTasks map[string]context.CancelFunc
}

// New constructs a Runtime. Callers must call Start before Submit.
func New(eng Engine, r Router, store StateStore, sched Scheduler, events EventSink, metricsRecorder MetricsRecorder, cfg Config) *Runtime {
	return &Runtime{
		engine:    eng,
		router:    r,
		store:     store,
		scheduler: sched,
		events:    events,
		metrics:   metricsRecorder,
		cfg:       cfg.withDefaults(),
		runs:      make(map[string]*Run),
		runTasks:  make(map[string]context.CancelFunc),
	}
}

// Start loads persisted runs, rewrites interrupted ones to failed, and
// starts the scheduler's workers.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if rt.started {
		return nil
	}

	existing, err := rt.store.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted runs: %w", err)
	}
	rt.runsMu.Lock()
	for i := range existing {
		run := existing[i]
		rt.runs[run.ID] = &run
	}
	rt.runsMu.Unlock()
	rt.restoreIncompleteRuns(ctx)

	if err := rt.scheduler.Start(ctx, rt.runFromQueue); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	rt.started = true
	return nil
}

// Stop stops the scheduler's workers. In-flight runs are left to finish
// or to observe cancellation on their own.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if !rt.started {
		return nil
	}
	rt.started = false
	return rt.scheduler.Stop(ctx)
}

// Submit creates (or, for a repeated idempotency key, returns) a run and
// enqueues it for execution.
func (rt *Runtime) Submit(ctx context.Context, req Request, idempotencyKey, idempotencyFingerprint string) (*Run, error) {
	rt.startMu.Lock()
	started := rt.started
	rt.startMu.Unlock()
	if !started {
		return nil, errors.New("agents runtime is not started")
	}
	if len(req.Roles) > rt.cfg.MaxStepsPerRun {
		return nil, fmt.Errorf("run has %d steps but max_steps_per_run is %d", len(req.Roles), rt.cfg.MaxStepsPerRun)
	}

	key := strings.TrimSpace(idempotencyKey)

	rt.submitMu.Lock()
	defer rt.submitMu.Unlock()

	if key != "" {
		if existingID, fingerprint, ok, err := rt.store.GetIdempotency(ctx, key); err != nil {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		} else if ok {
			if fingerprint != "" && idempotencyFingerprint != "" && fingerprint != idempotencyFingerprint {
				return nil, errors.New("idempotency key already used with a different request payload")
			}
			if run := rt.getRunLocked(existingID); run != nil {
				return run, nil
			}
			if run, err := rt.store.GetRun(ctx, existingID); err == nil && run != nil {
				rt.runsMu.Lock()
				rt.runs[run.ID] = run
				rt.runsMu.Unlock()
				return run, nil
			}
			_ = rt.store.ClearIdempotency(ctx, key)
		}
	}

	now := time.Now()
	status := RunStatusQueued
	if req.ApprovalRequired {
		status = RunStatusWaitingApproval
	}
	run := &Run{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Request:   req,
		Status:    status,
		Steps:     buildSteps(req),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rt.recordRun(ctx, run)
	if key != "" {
		if err := rt.store.BindIdempotency(ctx, key, run.ID, idempotencyFingerprint); err != nil {
			return nil, fmt.Errorf("binding idempotency key: %w", err)
		}
	}
	rt.emitRunSubmitted(run)

	if run.Status == RunStatusQueued {
		if err := rt.scheduler.Submit(run.ID, run.Request.Priority); err != nil {
			run.Status = RunStatusFailed
			run.Error = err.Error() + ". Retry when queue pressure drops."
			run.UpdatedAt = time.Now()
			rt.recordRun(ctx, run)
			rt.emitRunSubmissionFailed(run)
		}
	}

	dup := *run
	return &dup, nil
}

// Get returns one run by ID.
func (rt *Runtime) Get(runID string) (*Run, bool) {
	run := rt.getRunLocked(runID)
	if run == nil {
		return nil, false
	}
	return run, true
}

// List returns every known run, newest first, optionally filtered by
// status.
func (rt *Runtime) List(status *RunStatus) []Run {
	rt.runsMu.RLock()
	defer rt.runsMu.RUnlock()
	out := make([]Run, 0, len(rt.runs))
	for _, run := range rt.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, *run)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.Before(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Cancel marks a queued or running run cancelled and cancels its
// executing task, if any.
func (rt *Runtime) Cancel(ctx context.Context, runID string) (bool, error) {
	run := rt.getRunLocked(runID)
	if run == nil {
		return false, nil
	}
	if TerminalRunStates[run.Status] {
		return run.Status == RunStatusCancelled, nil
	}

	rt.markCancelled(run, "run cancelled")
	rt.recordRun(ctx, run)

	rt.tasksMu.Lock()
	cancel, ok := rt.runTasks[runID]
	rt.tasksMu.Unlock()
	if ok {
		cancel()
	}
	rt.emitRunCancelled(run)
	return true, nil
}

func (rt *Runtime) runFromQueue(ctx context.Context, runID string) {
	runCtx, cancel := context.WithCancel(ctx)
	rt.tasksMu.Lock()
	rt.runTasks[runID] = cancel
	rt.tasksMu.Unlock()
	defer func() {
		cancel()
		rt.tasksMu.Lock()
		delete(rt.runTasks, runID)
		rt.tasksMu.Unlock()
	}()

	rt.executeRun(runCtx, runID)
}

func (rt *Runtime) executeRun(ctx context.Context, runID string) {
	run := rt.getRunLocked(runID)
	if run == nil || TerminalRunStates[run.Status] || run.Status == RunStatusWaitingApproval {
		return
	}

	run.Status = RunStatusRunning
	run.Error = ""
	run.UpdatedAt = time.Now()
	rt.recordRun(ctx, run)
	rt.emitRunStarted(run)

	startedAt := time.Now()

	execCtx := ctx
	var timeoutCancel context.CancelFunc
	if run.Request.TimeoutSec != nil {
		execCtx, timeoutCancel = context.WithTimeout(ctx, time.Duration(*run.Request.TimeoutSec*float64(time.Second)))
		defer timeoutCancel()
	}

	resolved, err := rt.resolveModelForRequested(run.Request.Model)
	if err != nil {
		rt.finishRun(ctx, run, startedAt, RunStatusFailed, err.Error())
		return
	}
	run.ResolvedModel = resolved
	rt.recordRun(ctx, run)

	result, err := (graphExecutor{}).execute(execCtx, run.Request, run.Steps, rt.stepRunner(run), rt.onStepUpdate(ctx, run), func() bool {
		current := rt.getRunLocked(run.ID)
		return current != nil && current.Status == RunStatusCancelled
	})

	switch {
	case errors.Is(err, context.Canceled):
		rt.markCancelled(run, "run cancelled")
	case err != nil:
		var budgetErr *BudgetExhaustedError
		if errors.As(err, &budgetErr) {
			run.Status = RunStatusFailed
			run.Error = fmt.Sprintf("Budget exhausted: %s used %.2f of %.2f limit", budgetErr.BudgetType, budgetErr.Used, budgetErr.Limit)
		} else if execCtx.Err() == context.DeadlineExceeded {
			run.Status = RunStatusFailed
			run.Error = "run exceeded configured timeout"
		} else if run.Status != RunStatusCancelled {
			run.Status = RunStatusFailed
			run.Error = err.Error()
		}
	default:
		if run.Status != RunStatusCancelled {
			run.Result = result
			run.Status = RunStatusCompleted
			run.Error = ""
		}
	}

	rt.finishRun(ctx, run, startedAt, run.Status, run.Error)
}

func (rt *Runtime) finishRun(ctx context.Context, run *Run, startedAt time.Time, status RunStatus, errMsg string) {
	run.Status = status
	run.Error = errMsg
	run.UpdatedAt = time.Now()
	rt.recordRun(ctx, run)
	rt.emitRunFinished(run)

	if rt.metrics != nil && TerminalRunStates[run.Status] {
		rt.metrics.RecordAgentRun(metrics.AgentRunRecord{
			Strategy:    string(run.Request.Strategy),
			DurationSec: time.Since(startedAt).Seconds(),
			Steps:       len(run.Request.Roles),
			Outcome:     string(run.Status),
		})
	}
}

func (rt *Runtime) onStepUpdate(ctx context.Context, run *Run) func(*Step) {
	return func(step *Step) {
		run.UpdatedAt = time.Now()
		for _, s := range run.Steps {
			if s.Status == StepStatusCompleted {
				run.CheckpointPointer = s.ID
			}
		}
		rt.recordRun(ctx, run)
	}
}

func (rt *Runtime) checkBudget(run *Run) error {
	if run.Request.TokenBudget != nil && run.TokensUsed >= *run.Request.TokenBudget {
		return &BudgetExhaustedError{BudgetType: "token", Used: float64(run.TokensUsed), Limit: float64(*run.Request.TokenBudget)}
	}
	if run.Request.CostBudgetUSD != nil && run.EstimatedCostUSD >= *run.Request.CostBudgetUSD {
		return &BudgetExhaustedError{BudgetType: "cost", Used: run.EstimatedCostUSD, Limit: *run.Request.CostBudgetUSD}
	}
	return nil
}

func (rt *Runtime) stepRunner(run *Run) StepRunner {
	return func(ctx context.Context, step *Step, role, input string) (string, error) {
		if err := rt.checkBudget(run); err != nil {
			return "", err
		}

		modelID, err := rt.resolveModelForRole(run, role)
		if err != nil {
			return "", err
		}
		priority := rt.inferencePriority(run)
		systemPrompt := rt.systemPromptForRole(run, role)
		tools := rt.toolsForRole(run, role)

		attempts := rt.cfg.StepRetryAttempts + 1
		var resp *schema.ChatCompletionResponse
		for attempt := 0; attempt < attempts; attempt++ {
			resp, err = rt.engine.Generate(ctx, engine.GenerateRequest{
				ModelID:  modelID,
				ClientID: run.Request.SubmittedBy,
				Priority: priority,
				Tools:    tools,
				Messages: []schema.ChatMessage{
					{Role: "system", Content: schema.MessageContent{Text: systemPrompt}},
					{Role: "user", Content: schema.MessageContent{Text: input}},
				},
			})
			if err == nil {
				break
			}
			last := attempt >= attempts-1
			if last || !isRetryableStepError(err) {
				return "", err
			}
			delay := rt.cfg.StepRetryBackoff * time.Duration(1<<uint(attempt))
			rt.emitStepRetry(run, step, err.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if resp == nil {
			return "", nil
		}
		if resp.Usage != nil {
			run.TokensUsed += resp.Usage.PromptTokens + resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			return "", nil
		}
		return resp.Choices[0].Message.Content.Text, nil
	}
}

func (rt *Runtime) resolveModelForRole(run *Run, role string) (string, error) {
	if direct, ok := run.Request.RoleModels[role]; ok && direct != "" {
		return rt.resolveModelForRequested(direct)
	}
	lower := strings.ToLower(role)
	for mappedRole, mappedModel := range run.Request.RoleModels {
		if strings.ToLower(mappedRole) == lower {
			return rt.resolveModelForRequested(mappedModel)
		}
	}
	return rt.resolveModelForRequested(run.Request.Model)
}

func (rt *Runtime) systemPromptForRole(run *Run, role string) string {
	if direct, ok := run.Request.RoleSystemPrompts[role]; ok && direct != "" {
		return direct
	}
	lower := strings.ToLower(role)
	for mappedRole, prompt := range run.Request.RoleSystemPrompts {
		if strings.ToLower(mappedRole) == lower && prompt != "" {
			return prompt
		}
	}
	return fmt.Sprintf("You are acting as the %s agent.", role)
}

func (rt *Runtime) toolsForRole(run *Run, role string) []schema.Tool {
	defs, ok := run.Request.RoleTools[role]
	if !ok {
		lower := strings.ToLower(role)
		for mappedRole, mapped := range run.Request.RoleTools {
			if strings.ToLower(mappedRole) == lower {
				defs = mapped
				ok = true
				break
			}
		}
	}
	if !ok || len(defs) == 0 {
		return nil
	}
	out := make([]schema.Tool, 0, len(defs))
	for _, def := range defs {
		fn := schema.ToolFunction{}
		if name, ok := def.Function["name"].(string); ok {
			fn.Name = name
		}
		if desc, ok := def.Function["description"].(string); ok {
			fn.Description = desc
		}
		if params, ok := def.Function["parameters"]; ok {
			if raw, err := json.Marshal(params); err == nil {
				fn.Parameters = raw
			}
		}
		out = append(out, schema.Tool{Type: def.Type, Function: fn})
	}
	return out
}

func (rt *Runtime) resolveModelForRequested(requested string) (string, error) {
	loaded := rt.engine.LoadedModelIDs()
	if len(loaded) == 0 {
		return "", errors.New("no models are currently loaded; load a model before submitting agent runs")
	}
	snapshot := rt.engine.ModelLoadSnapshot(loaded)
	resolved, err := rt.router.Resolve(requested, loaded, func(modelID string) float64 { return snapshot[modelID] })
	if err != nil {
		return "", err
	}
	if !rt.engine.IsModelLoaded(resolved) {
		return "", fmt.Errorf("resolved model %q is not loaded for requested model %q", resolved, requested)
	}
	return resolved, nil
}

func (rt *Runtime) inferencePriority(run *Run) concurrency.Priority {
	if run.Request.Priority == PriorityInteractive {
		return concurrency.PriorityHigh
	}
	return concurrency.PriorityNormal
}

var retryableStepMarkers = []string{
	"timed out", "timeout", "server is busy", "temporarily unavailable",
	"connection reset", "rate limit",
}

func isRetryableStepError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableStepMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (rt *Runtime) recordRun(ctx context.Context, run *Run) {
	rt.runsMu.Lock()
	rt.runs[run.ID] = run
	rt.runsMu.Unlock()
	rt.pruneCompletedRuns(ctx)
	if err := rt.store.UpsertRun(ctx, *run); err != nil {
		slog.Error("failed to persist agent run", "run_id", run.ID, "error", err)
	}
}

func (rt *Runtime) pruneCompletedRuns(ctx context.Context) {
	rt.runsMu.Lock()
	terminal := make([]*Run, 0)
	for _, run := range rt.runs {
		if TerminalRunStates[run.Status] {
			terminal = append(terminal, run)
		}
	}
	overflow := len(terminal) - rt.cfg.RetainCompletedRuns
	if overflow <= 0 {
		rt.runsMu.Unlock()
		return
	}
	for i := 1; i < len(terminal); i++ {
		for j := i; j > 0 && terminal[j-1].UpdatedAt.After(terminal[j].UpdatedAt); j-- {
			terminal[j-1], terminal[j] = terminal[j], terminal[j-1]
		}
	}
	stale := terminal[:overflow]
	for _, run := range stale {
		delete(rt.runs, run.ID)
	}
	rt.runsMu.Unlock()

	for _, run := range stale {
		if err := rt.store.DeleteRun(ctx, run.ID); err != nil {
			slog.Error("failed to prune agent run", "run_id", run.ID, "error", err)
		}
	}
}

func (rt *Runtime) restoreIncompleteRuns(ctx context.Context) {
	rt.runsMu.Lock()
	defer rt.runsMu.Unlock()
	for _, run := range rt.runs {
		if run.Status == RunStatusQueued || run.Status == RunStatusRunning {
			run.Status = RunStatusFailed
			run.Error = "run was interrupted before completion and was marked failed on startup"
			run.UpdatedAt = time.Now()
			if err := rt.store.UpsertRun(ctx, *run); err != nil {
				slog.Error("failed to persist restored run", "run_id", run.ID, "error", err)
			}
			slog.Info("agent run restored as failed", "run_id", run.ID, "checkpoint_pointer", run.CheckpointPointer)
		}
	}
}

func (rt *Runtime) markCancelled(run *Run, reason string) {
	run.Status = RunStatusCancelled
	run.Error = reason
	run.UpdatedAt = time.Now()
	for i := range run.Steps {
		step := &run.Steps[i]
		if step.Status == StepStatusQueued || step.Status == StepStatusRunning || step.Status == StepStatusWaitingApproval {
			step.Status = StepStatusCancelled
			step.Error = reason
			now := time.Now()
			step.CompletedAt = &now
		}
	}
}

func (rt *Runtime) getRunLocked(runID string) *Run {
	rt.runsMu.RLock()
	defer rt.runsMu.RUnlock()
	run, ok := rt.runs[runID]
	if !ok {
		return nil
	}
	dup := *run
	return &dup
}

func (rt *Runtime) emitRunSubmitted(run *Run) {
	if rt.events != nil {
		rt.events.RunSubmitted(run.ID, string(run.Request.Strategy), run.Request.Traceparent, run.Request.Tracestate)
	}
}

func (rt *Runtime) emitRunStarted(run *Run) {
	if rt.events != nil {
		rt.events.RunStarted(run.ID, run.Request.Traceparent, run.Request.Tracestate)
	}
}

func (rt *Runtime) emitStepRetry(run *Run, step *Step, reason string) {
	if rt.events != nil {
		rt.events.StepRetry(run.ID, step.ID, reason, run.Request.Traceparent, run.Request.Tracestate)
	}
}

func (rt *Runtime) emitRunFinished(run *Run) {
	if rt.events != nil {
		rt.events.RunFinished(run.ID, run.Request.Traceparent, run.Request.Tracestate)
	}
}

func (rt *Runtime) emitRunCancelled(run *Run) {
	if rt.events != nil {
		rt.events.RunCancelled(run.ID, run.Request.Traceparent, run.Request.Tracestate)
	}
}

func (rt *Runtime) emitRunSubmissionFailed(run *Run) {
	if rt.events != nil {
		rt.events.RunSubmissionFailed(run.ID, run.Error, run.Request.Traceparent, run.Request.Tracestate)
	}
}
