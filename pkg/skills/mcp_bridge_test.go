package skills

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerGreet(t *testing.T) (*Registry, *Executor) {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(promptManifest("greet")))
	e := NewExecutor(4)
	return r, e
}

func TestDispatchRoutesToolsList(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.Dispatch(context.Background(), "tools/list", nil)
	assert.Equal(t, true, resp["ok"])
	tools, ok := resp["tools"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0]["name"])
}

func TestDispatchUnknownMethodReturnsError(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.Dispatch(context.Background(), "not/a/method", nil)
	assert.Equal(t, false, resp["ok"])
}

func TestToolsCallExecutesRegisteredSkill(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.ToolsCall(context.Background(), "greet", map[string]any{"name": "Ada"}, false)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "Hello, Ada!", resp["output"])
}

func TestToolsCallUnknownToolReturnsError(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.ToolsCall(context.Background(), "nope", nil, false)
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "unknown tool")
}

func TestToolsCallRequiresName(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.ToolsCall(context.Background(), "", nil, false)
	assert.Equal(t, false, resp["ok"])
}

func TestPromptsListIncludesRequiredArguments(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.PromptsList()
	assert.Equal(t, true, resp["ok"])
	prompts, ok := resp["prompts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, prompts, 1)
	assert.Equal(t, "greet", prompts[0]["name"])
}

func TestPromptsGetRendersTemplate(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.PromptsGet("greet", map[string]any{"name": "Grace"})
	assert.Equal(t, true, resp["ok"])
	messages, ok := resp["messages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
}

func TestPromptsGetRejectsNonPromptSkill(t *testing.T) {
	r := NewRegistry()
	entrypoint := "opta.skills.builtin:fn"
	m := Manifest{Name: "fn", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-fn"}
	require.NoError(t, r.Register(m))
	e := NewExecutor(4)
	b := NewMCPBridge(r, e)

	resp := b.PromptsGet("fn", nil)
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "not a prompt skill")
}

func TestResourcesReadModelsAndMetrics(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	models := b.ResourcesRead("lmx://models")
	assert.Equal(t, true, models["ok"])

	metrics := b.ResourcesRead("lmx://metrics")
	assert.Equal(t, true, metrics["ok"])
}

func TestResourcesReadFileURIUnderRegisteredRoot(t *testing.T) {
	r := NewRegistry()
	m := promptManifest("filetool")
	m.Roots = []string{"/data/skills/filetool"}
	require.NoError(t, r.Register(m))
	e := NewExecutor(4)
	b := NewMCPBridge(r, e)

	resp := b.ResourcesRead("file:///data/skills/filetool/notes.txt")
	assert.Equal(t, true, resp["ok"])

	miss := b.ResourcesRead("file:///etc/passwd")
	assert.Equal(t, false, miss["ok"])
}

func TestResourcesReadUnsupportedScheme(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.ResourcesRead("ftp://nope")
	assert.Equal(t, false, resp["ok"])
}

func TestCapabilitiesReportsListChanged(t *testing.T) {
	r, e := registerGreet(t)
	b := NewMCPBridge(r, e)

	resp := b.Capabilities()
	assert.Equal(t, true, resp["ok"])
	caps, ok := resp["capabilities"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, caps, "tools")
}

func TestRemoteMCPBridgeToolsListSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/skills/mcp/tools", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"tools":[]}`))
	}))
	defer srv.Close()

	bridge := NewRemoteMCPBridge(RemoteMCPBridgeConfig{BaseURL: srv.URL, FailureThreshold: 3, ResetTimeout: time.Second})
	defer bridge.Close()

	resp := bridge.ToolsList(context.Background())
	assert.Equal(t, true, resp["ok"])
}

func TestRemoteMCPBridgeRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	bridge := NewRemoteMCPBridge(RemoteMCPBridgeConfig{
		BaseURL:          srv.URL,
		MaxRetries:       5,
		RetryBackoffMin:  time.Millisecond,
		FailureThreshold: 10,
		ResetTimeout:     time.Second,
	})
	defer bridge.Close()

	resp := bridge.ToolsList(context.Background())
	assert.Equal(t, true, resp["ok"])
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestRemoteMCPBridgeNonRetryable4xxFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	bridge := NewRemoteMCPBridge(RemoteMCPBridgeConfig{
		BaseURL:          srv.URL,
		MaxRetries:       5,
		RetryBackoffMin:  time.Millisecond,
		FailureThreshold: 10,
		ResetTimeout:     time.Second,
	})
	defer bridge.Close()

	resp := bridge.ToolsList(context.Background())
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoteMCPBridgeOpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bridge := NewRemoteMCPBridge(RemoteMCPBridgeConfig{
		BaseURL:          srv.URL,
		MaxRetries:       0,
		RetryBackoffMin:  time.Millisecond,
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	defer bridge.Close()

	first := bridge.ToolsList(context.Background())
	assert.Equal(t, false, first["ok"])

	second := bridge.ToolsList(context.Background())
	assert.Equal(t, false, second["ok"])
	assert.Contains(t, second["error"], "circuit open")
}

func TestRemoteMCPBridgeContextCancellationIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-req.Context().Done()
	}))
	defer srv.Close()

	bridge := NewRemoteMCPBridge(RemoteMCPBridgeConfig{
		BaseURL:          srv.URL,
		MaxRetries:       5,
		RetryBackoffMin:  time.Millisecond,
		FailureThreshold: 10,
		ResetTimeout:     time.Second,
	})
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp := bridge.ToolsList(ctx)
	assert.Equal(t, false, resp["ok"])
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
