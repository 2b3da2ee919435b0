package skills

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entrypointManifest(name string, tags ...PermissionTag) Manifest {
	entrypoint := "opta.skills.builtin:" + name
	return Manifest{
		Name:           name,
		Description:    "an entrypoint skill",
		Kind:           KindEntrypoint,
		Entrypoint:     &entrypoint,
		SkillID:        "skill-" + name,
		PermissionTags: tags,
	}
}

func mustValidate(t *testing.T, m *Manifest) {
	t.Helper()
	require.NoError(t, m.Validate())
}

func TestExecutePromptRendersTemplate(t *testing.T) {
	m := promptManifest("greet")
	mustValidate(t, &m)

	e := NewExecutor(4)
	result, err := e.Execute(context.Background(), &m, map[string]any{"name": "Ada"}, false, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "Hello, Ada!", result.Output)
}

func TestExecutePromptMissingVariableFails(t *testing.T) {
	m := promptManifest("greet")
	mustValidate(t, &m)

	e := NewExecutor(4)
	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "missing prompt variable")
}

func TestExecuteRequiresApprovalWhenRiskTagSet(t *testing.T) {
	m := promptManifest("danger")
	m.RiskTags = []RiskTag{RiskApprovalRequired}
	mustValidate(t, &m)

	e := NewExecutor(4)
	result, err := e.Execute(context.Background(), &m, map[string]any{"name": "x"}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.RequiresApproval)

	approvedResult, err := e.Execute(context.Background(), &m, map[string]any{"name": "x"}, true, 0)
	require.NoError(t, err)
	assert.True(t, approvedResult.OK)
}

func TestExecuteEntrypointInvokesRegisteredFunction(t *testing.T) {
	entrypoint := "opta.skills.builtin:double"
	m := Manifest{Name: "double", Description: "doubles a number", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-double"}
	mustValidate(t, &m)

	e := NewExecutor(4)
	e.RegisterEntrypoint(entrypoint, func(_ context.Context, args map[string]any) (any, error) {
		n, _ := args["n"].(float64)
		return n * 2, nil
	})

	result, err := e.Execute(context.Background(), &m, map[string]any{"n": 21.0}, false, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 42.0, result.Output)
}

func TestExecuteEntrypointUnregisteredFunctionFails(t *testing.T) {
	entrypoint := "opta.skills.builtin:missing"
	m := Manifest{Name: "missing", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-missing"}
	mustValidate(t, &m)

	e := NewExecutor(4)
	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "not registered")
}

func TestExecuteTimesOutSlowEntrypoint(t *testing.T) {
	entrypoint := "opta.skills.builtin:slow"
	m := Manifest{Name: "slow", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-slow"}
	mustValidate(t, &m)

	e := NewExecutor(4)
	e.RegisterEntrypoint(entrypoint, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.TimedOut)
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	strict := false
	m := promptManifest("greet")
	m.InputSchema = Schema{
		Type:                 "object",
		Properties:           map[string]Schema{"name": {Type: "string"}},
		Required:             []string{"name"},
		AdditionalProperties: &strict,
	}
	mustValidate(t, &m)

	e := NewExecutor(4)
	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "is required")
}

func TestSandboxStrictProfileBlocksEntrypointSkills(t *testing.T) {
	entrypoint := "opta.skills.builtin:noop"
	m := Manifest{Name: "noop", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-noop"}
	mustValidate(t, &m)

	e := NewExecutor(4, WithSandboxProfile(SandboxStrict))
	e.RegisterEntrypoint(entrypoint, func(context.Context, map[string]any) (any, error) { return "ok", nil })

	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.Denied)
}

func TestSandboxRestrictedProfileRequiresAllowlistedEntrypointModule(t *testing.T) {
	entrypoint := "untrusted.module:fn"
	m := Manifest{Name: "fn", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-fn"}
	mustValidate(t, &m)

	e := NewExecutor(4, WithSandboxProfile(SandboxRestricted), WithAllowedEntrypointModules("opta.skills.builtin"))
	e.RegisterEntrypoint(entrypoint, func(context.Context, map[string]any) (any, error) { return "ok", nil })

	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.Denied)
}

func TestSandboxBlocksShellExecUnderNonTrustedProfile(t *testing.T) {
	m := entrypointManifest("shell", PermissionShellExec)
	entrypoint := "opta.skills.builtin:shell"
	m.Entrypoint = &entrypoint
	mustValidate(t, &m)

	e := NewExecutor(4, WithSandboxProfile(SandboxRestricted))
	result, err := e.Execute(context.Background(), &m, map[string]any{}, false, 0)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.True(t, result.Denied)
}

func TestExecuteNilManifestReturnsError(t *testing.T) {
	e := NewExecutor(4)
	_, err := e.Execute(context.Background(), nil, nil, false, 0)
	assert.Error(t, err)
}

func TestExecuteBoundsConcurrencyBySemaphore(t *testing.T) {
	entrypoint := "opta.skills.builtin:blocking"
	m := Manifest{Name: "blocking", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-blocking"}
	mustValidate(t, &m)

	e := NewExecutor(1)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	e.RegisterEntrypoint(entrypoint, func(ctx context.Context, _ map[string]any) (any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "done", nil
	})

	done := make(chan struct{})
	go func() {
		_, _ = e.Execute(context.Background(), &m, map[string]any{}, false, time.Second)
		close(done)
	}()

	<-started
	select {
	case <-started:
		t.Fatal("expected only one concurrent execution with a capacity-1 semaphore")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
}
