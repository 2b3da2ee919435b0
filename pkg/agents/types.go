// Package agents implements the Agent Runtime: multi-step LLM plans
// executed against the inference engine with budgets, retries, priority,
// idempotency, persistence, live cancellation, and trace events.
//
// Grounded on original_source's agents/runtime.py (AgentsRuntime) for the
// submit/execute/cancel lifecycle and agents/scheduler.py (RunScheduler)
// for the queue-worker shape; the cancel-registry pattern (map[string]
// context.CancelFunc behind a mutex) is the teacher's pkg/queue/pool.go
// WorkerPool.activeSessions, retargeted from session IDs to run IDs.
package agents

import "time"

// Strategy selects how an AgentRun's steps are built and executed.
type Strategy string

const (
	// StrategyHandoff runs roles sequentially; step i receives
	// "<step i-1 output>:<original input>" as its input.
	StrategyHandoff Strategy = "HANDOFF"
	// StrategyParallelMap runs every role concurrently against the same
	// shared input, bounded by MaxParallelism.
	StrategyParallelMap Strategy = "PARALLEL_MAP"
	// StrategyRouter runs roles in a fixed ordering determined by role
	// name (planner, coder, reviewer, ..., then anything unrecognized);
	// a failure stops the run.
	StrategyRouter Strategy = "ROUTER"
)

// Priority is a run's scheduling priority, also used to pick the
// engine's inference priority for the run's steps.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityNormal       Priority = "normal"
	PriorityBatch        Priority = "batch"
)

// RunStatus is an AgentRun's lifecycle state.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// TerminalRunStates holds every RunStatus a run cannot leave once entered.
var TerminalRunStates = map[RunStatus]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// StepStatus is one Step's lifecycle state.
type StepStatus string

const (
	StepStatusQueued          StepStatus = "queued"
	StepStatusRunning         StepStatus = "running"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusCancelled       StepStatus = "cancelled"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
)

// Tool is a role-scoped tool definition, shaped like schema.Tool but kept
// independent so pkg/agents never needs to import pkg/schema just for
// this one field.
type Tool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

// Request is the caller-supplied description of a run: strategy, roles,
// per-role overrides, budgets, and routing/trace metadata.
type Request struct {
	Strategy Strategy `json:"strategy"`
	Model    string   `json:"model"`
	Input    string   `json:"input"`
	Roles    []string `json:"roles"`

	RoleModels        map[string]string `json:"role_models,omitempty"`
	RoleSystemPrompts map[string]string `json:"role_system_prompts,omitempty"`
	RoleTools         map[string][]Tool `json:"role_tools,omitempty"`

	Priority         Priority `json:"priority"`
	MaxParallelism   int      `json:"max_parallelism,omitempty"`
	TokenBudget      *int     `json:"token_budget,omitempty"`
	CostBudgetUSD    *float64 `json:"cost_budget_usd,omitempty"`
	TimeoutSec       *float64 `json:"timeout_sec,omitempty"`
	ApprovalRequired bool     `json:"approval_required,omitempty"`

	SubmittedBy string `json:"submitted_by,omitempty"`
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
}

// Step is one role's execution within a run.
type Step struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Status      StepStatus `json:"status"`
	Input       string     `json:"input"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run is one executing or completed agent run.
type Run struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`
	Status  RunStatus `json:"status"`
	Steps   []Step  `json:"steps"`

	Result           any     `json:"result,omitempty"`
	ResolvedModel    string  `json:"resolved_model,omitempty"`
	TokensUsed       int     `json:"tokens_used"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	CheckpointPointer string `json:"checkpoint_pointer,omitempty"`
	Error            string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BudgetExhaustedError reports a hard-stop budget breach, naming the
// budget type ("token" or "cost"), the amount used, and the limit.
type BudgetExhaustedError struct {
	BudgetType string
	Used       float64
	Limit      float64
}

func (e *BudgetExhaustedError) Error() string {
	return "Budget exhausted: " + e.BudgetType
}
