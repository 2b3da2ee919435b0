package agents

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// routerRoleOrder is the fixed role ordering ROUTER runs use. Roles not
// listed here sort after every listed role, in their original relative
// order (stable sort), so an unrecognized role never blocks recognized
// ones from running in the documented order.
var routerRoleOrder = map[string]int{
	"planner":  0,
	"coder":    1,
	"reviewer": 2,
}

// StepRunner executes one step's role against the given input, returning
// its textual output.
type StepRunner func(ctx context.Context, step *Step, role, input string) (string, error)

// graphExecutor sequences a Run's steps per its Strategy. It is stateless
// (every method call is self-contained) — the Runtime constructs one
// alongside each run's execution.
type graphExecutor struct{}

// buildSteps returns the ordered Step slice for run.Request.Strategy.
// HANDOFF and PARALLEL_MAP keep Roles order; ROUTER reorders by
// routerRoleOrder.
func buildSteps(req Request) []Step {
	roles := append([]string(nil), req.Roles...)
	if req.Strategy == StrategyRouter {
		sort.SliceStable(roles, func(i, j int) bool {
			return routerRank(roles[i]) < routerRank(roles[j])
		})
	}
	steps := make([]Step, len(roles))
	for i, role := range roles {
		steps[i] = Step{
			ID:     fmt.Sprintf("step-%d", i+1),
			Role:   role,
			Status: StepStatusQueued,
		}
	}
	return steps
}

func routerRank(role string) int {
	if rank, ok := routerRoleOrder[role]; ok {
		return rank
	}
	return len(routerRoleOrder) + 1
}

// execute runs run.Steps per req.Strategy, invoking runner for each step
// and onStepUpdate after each step's status changes. shouldCancel is
// polled between steps (HANDOFF/ROUTER) or before each role starts
// (PARALLEL_MAP); an in-flight step still runs to its next suspension
// point inside runner, which is expected to check ctx itself.
//
// Returns the run's free-form result: the last step's output for
// HANDOFF/ROUTER, or a role→output map for PARALLEL_MAP.
func (graphExecutor) execute(
	ctx context.Context,
	req Request,
	steps []Step,
	runner StepRunner,
	onStepUpdate func(*Step),
	shouldCancel func() bool,
) (any, error) {
	switch req.Strategy {
	case StrategyParallelMap:
		return executeParallel(ctx, req, steps, runner, onStepUpdate, shouldCancel)
	default: // HANDOFF, ROUTER
		return executeSequential(ctx, req, steps, runner, onStepUpdate, shouldCancel)
	}
}

func executeSequential(
	ctx context.Context,
	req Request,
	steps []Step,
	runner StepRunner,
	onStepUpdate func(*Step),
	shouldCancel func() bool,
) (any, error) {
	prevOutput := ""
	var lastOutput string
	for i := range steps {
		if shouldCancel() {
			cancelRemaining(steps[i:], onStepUpdate)
			return nil, context.Canceled
		}
		step := &steps[i]
		input := req.Input
		if i > 0 {
			input = prevOutput + ":" + req.Input
		}
		step.Input = input
		step.Status = StepStatusRunning
		onStepUpdate(step)

		output, err := runner(ctx, step, step.Role, input)
		if err != nil {
			step.Status = StepStatusFailed
			step.Error = err.Error()
			onStepUpdate(step)
			return nil, err
		}
		step.Output = output
		step.Status = StepStatusCompleted
		onStepUpdate(step)

		prevOutput = output
		lastOutput = output
	}
	return lastOutput, nil
}

func executeParallel(
	ctx context.Context,
	req Request,
	steps []Step,
	runner StepRunner,
	onStepUpdate func(*Step),
	shouldCancel func() bool,
) (any, error) {
	limit := req.MaxParallelism
	if limit <= 0 {
		limit = len(steps)
	}
	if limit <= 0 {
		limit = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	results := make([]string, len(steps))
	for i := range steps {
		i := i
		group.Go(func() error {
			if shouldCancel() {
				return context.Canceled
			}
			step := &steps[i]
			step.Input = req.Input
			step.Status = StepStatusRunning
			onStepUpdate(step)

			output, err := runner(groupCtx, step, step.Role, req.Input)
			if err != nil {
				step.Status = StepStatusFailed
				step.Error = err.Error()
				onStepUpdate(step)
				return err
			}
			step.Output = output
			step.Status = StepStatusCompleted
			onStepUpdate(step)
			results[i] = output
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(steps))
	for i, step := range steps {
		out[step.Role] = results[i]
	}
	return out, nil
}

func cancelRemaining(steps []Step, onStepUpdate func(*Step)) {
	for i := range steps {
		step := &steps[i]
		if step.Status == StepStatusQueued || step.Status == StepStatusRunning {
			step.Status = StepStatusCancelled
			onStepUpdate(step)
		}
	}
}
