package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// SandboxProfile bounds which skills an Executor will run regardless of
// policy approval: trusted runs everything, restricted adds an
// entrypoint-module allowlist and blocks network-access, strict disables
// entrypoint skills entirely and blocks write-files/shell-exec too.
type SandboxProfile string

const (
	SandboxTrusted    SandboxProfile = "trusted"
	SandboxRestricted SandboxProfile = "restricted"
	SandboxStrict     SandboxProfile = "strict"
)

// EntrypointFunc is a Go-native skill entrypoint: the executor has no
// Python-style dynamic import, so entrypoint manifests resolve through a
// static registry of these functions instead of a "module:function"
// dynamic lookup (the manifest still carries that string for logging and
// cross-checking against the sandbox's module allowlist).
type EntrypointFunc func(ctx context.Context, arguments map[string]any) (any, error)

// ExecutionResult is a skill call's structured outcome.
type ExecutionResult struct {
	SkillName        string `json:"skill_name"`
	Kind             string `json:"kind"`
	OK               bool   `json:"ok"`
	Output           any    `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`
	DurationMS       int64  `json:"duration_ms"`
	TimedOut         bool   `json:"timed_out"`
	Denied           bool   `json:"denied"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Executor runs skill manifests under a policy gate, a sandbox profile,
// and a bounded concurrency limit, with a hard per-call timeout.
type Executor struct {
	policy                    Policy
	defaultTimeout            time.Duration
	sem                       *semaphore.Weighted
	sandboxProfile            SandboxProfile
	sandboxAllowedEntrypoints []string
	entrypoints               map[string]EntrypointFunc
}

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithDefaultTimeout overrides the fallback timeout used when a manifest
// or caller supplies none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithSandboxProfile sets the sandbox profile gating manifest kinds and
// permission tags.
func WithSandboxProfile(profile SandboxProfile) ExecutorOption {
	return func(e *Executor) { e.sandboxProfile = profile }
}

// WithAllowedEntrypointModules sets the restricted-profile module
// allowlist (module names or dotted prefixes).
func WithAllowedEntrypointModules(modules ...string) ExecutorOption {
	return func(e *Executor) { e.sandboxAllowedEntrypoints = modules }
}

// NewExecutor builds an Executor bounded to maxConcurrentCalls
// simultaneous skill invocations.
func NewExecutor(maxConcurrentCalls int, opts ...ExecutorOption) *Executor {
	if maxConcurrentCalls < 1 {
		maxConcurrentCalls = 1
	}
	e := &Executor{
		defaultTimeout: 10 * time.Second,
		sem:            semaphore.NewWeighted(int64(maxConcurrentCalls)),
		sandboxProfile: SandboxTrusted,
		entrypoints:    make(map[string]EntrypointFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterEntrypoint binds name (the manifest's "module:function" string)
// to a Go function invoked when a matching entrypoint skill executes.
func (e *Executor) RegisterEntrypoint(name string, fn EntrypointFunc) {
	e.entrypoints[name] = fn
}

// Execute runs one skill call to completion (or until its timeout),
// returning a structured result rather than an error for every
// expected failure mode (denied/invalid-arguments/timed-out); Go errors
// are reserved for caller-programming mistakes like a nil manifest.
func (e *Executor) Execute(ctx context.Context, manifest *Manifest, arguments map[string]any, approved bool, timeout time.Duration) (*ExecutionResult, error) {
	if manifest == nil {
		return nil, fmt.Errorf("execute: manifest is required")
	}
	started := time.Now()

	decision := e.policy.Evaluate(manifest, approved)
	if !decision.Allowed {
		return e.result(manifest, started, false, nil, decision.Reason, false, true, decision.RequiresApproval), nil
	}

	if reason := e.sandboxBlockReason(manifest); reason != "" {
		return e.result(manifest, started, false, nil, reason, false, true, decision.RequiresApproval), nil
	}

	if msg := ValidateArguments(arguments, manifest.InputSchema); msg != "" {
		return e.result(manifest, started, false, nil, msg, false, false, decision.RequiresApproval), nil
	}

	effectiveTimeout := timeout
	if effectiveTimeout <= 0 {
		effectiveTimeout = time.Duration(manifest.TimeoutSec * float64(time.Second))
	}
	if effectiveTimeout <= 0 {
		effectiveTimeout = e.defaultTimeout
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.result(manifest, started, false, nil, err.Error(), false, false, decision.RequiresApproval), nil
	}
	defer e.sem.Release(1)

	output, timedOut, err := e.runWithTimeout(ctx, manifest, arguments, effectiveTimeout)
	if err != nil {
		return e.result(manifest, started, false, nil, err.Error(), timedOut, false, decision.RequiresApproval), nil
	}
	return e.result(manifest, started, true, output, "", false, false, decision.RequiresApproval), nil
}

func (e *Executor) runWithTimeout(ctx context.Context, manifest *Manifest, arguments map[string]any, timeout time.Duration) (any, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		if manifest.Kind == KindPrompt {
			rendered, err := renderPrompt(*manifest.PromptTemplate, arguments)
			done <- outcome{output: rendered, err: err}
			return
		}
		output, err := e.runEntrypoint(callCtx, manifest, arguments)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		return o.output, false, o.err
	case <-callCtx.Done():
		return nil, true, fmt.Errorf("skill execution exceeded timeout (%.3fs)", timeout.Seconds())
	}
}

func (e *Executor) runEntrypoint(ctx context.Context, manifest *Manifest, arguments map[string]any) (any, error) {
	if manifest.Entrypoint == nil {
		return nil, fmt.Errorf("entrypoint is required for entrypoint kind")
	}
	fn, ok := e.entrypoints[*manifest.Entrypoint]
	if !ok {
		return nil, fmt.Errorf("entrypoint function not registered: %s", *manifest.Entrypoint)
	}
	return fn(ctx, arguments)
}

func (e *Executor) sandboxBlockReason(manifest *Manifest) string {
	if e.sandboxProfile == SandboxTrusted {
		return ""
	}

	permissions := manifest.AllTags()
	if permissions[string(PermissionShellExec)] {
		return "skill blocked by sandbox profile: shell-exec is disallowed"
	}

	if e.sandboxProfile == SandboxRestricted {
		if permissions[string(PermissionNetworkAccess)] {
			return "skill blocked by sandbox profile: network-access is disallowed"
		}
		if manifest.Kind == KindEntrypoint && len(e.sandboxAllowedEntrypoints) > 0 {
			moduleName := ""
			if manifest.Entrypoint != nil {
				moduleName = strings.SplitN(*manifest.Entrypoint, ":", 2)[0]
			}
			allowed := false
			for _, candidate := range e.sandboxAllowedEntrypoints {
				if moduleName == candidate || strings.HasPrefix(moduleName, candidate+".") {
					allowed = true
					break
				}
			}
			if moduleName != "" && !allowed {
				return "skill blocked by sandbox profile: entrypoint module is not allowlisted"
			}
		}
		return ""
	}

	// strict
	if manifest.Kind == KindEntrypoint {
		return "skill blocked by sandbox profile: entrypoint skills are disabled"
	}
	forbidden := []PermissionTag{PermissionNetworkAccess, PermissionWriteFiles, PermissionShellExec}
	for _, tag := range forbidden {
		if permissions[string(tag)] {
			return "skill blocked by sandbox profile: permission tags exceed strict profile"
		}
	}
	return ""
}

func (e *Executor) result(manifest *Manifest, started time.Time, ok bool, output any, errMsg string, timedOut, denied, requiresApproval bool) *ExecutionResult {
	return &ExecutionResult{
		SkillName:        manifest.Name,
		Kind:             string(manifest.Kind),
		OK:               ok,
		Output:           output,
		Error:            errMsg,
		DurationMS:       time.Since(started).Milliseconds(),
		TimedOut:         timedOut,
		Denied:           denied,
		RequiresApproval: requiresApproval,
	}
}

// renderPrompt substitutes "{name}"-style placeholders in template from
// arguments, the Go equivalent of str.format_map — unlike text/template,
// this accepts a flat string-keyed map with no control-flow syntax and
// reports the first missing placeholder by name.
func renderPrompt(template string, arguments map[string]any) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		if c == '{' {
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder in prompt_template")
			}
			key := template[i+1 : i+1+end]
			value, ok := arguments[key]
			if !ok {
				return "", fmt.Errorf("missing prompt variable: %s", key)
			}
			fmt.Fprintf(&out, "%v", value)
			i += end + 2
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String(), nil
}
