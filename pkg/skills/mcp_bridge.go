package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opta-lmx/lmx/pkg/breaker"
)

// MCPBridge exposes the skills registry and executor in an MCP-shaped
// request/response surface, grounded on original_source's
// SkillsMCPBridge.dispatch method-table.
type MCPBridge struct {
	registry *Registry
	executor *Executor
}

// NewMCPBridge builds a bridge over registry and executor.
func NewMCPBridge(registry *Registry, executor *Executor) *MCPBridge {
	return &MCPBridge{registry: registry, executor: executor}
}

// Dispatch routes one MCP method call to its handler.
func (b *MCPBridge) Dispatch(ctx context.Context, method string, params map[string]any) map[string]any {
	switch method {
	case "tools/list":
		return b.ToolsList()
	case "tools/call":
		name, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]any)
		approved, _ := params["approved"].(bool)
		return b.ToolsCall(ctx, name, arguments, approved)
	case "prompts/list":
		return b.PromptsList()
	case "prompts/get":
		name, _ := params["name"].(string)
		arguments, _ := params["arguments"].(map[string]any)
		return b.PromptsGet(name, arguments)
	case "resources/list":
		return b.ResourcesList()
	case "resources/read":
		uri, _ := params["uri"].(string)
		return b.ResourcesRead(uri)
	case "capabilities":
		return b.Capabilities()
	default:
		return map[string]any{"ok": false, "error": fmt.Sprintf("unsupported method: %s", method)}
	}
}

// ToolsList returns every latest-version manifest as MCP tool metadata.
func (b *MCPBridge) ToolsList() map[string]any {
	tools := make([]map[string]any, 0)
	for _, m := range b.registry.ListLatest() {
		toolName := m.Name
		if m.Namespace != "default" {
			toolName = m.Reference()
		}
		tools = append(tools, map[string]any{
			"name":            toolName,
			"short_name":      m.Name,
			"namespace":       m.Namespace,
			"version":         m.Version,
			"description":     m.Description,
			"input_schema":    m.InputSchema,
			"kind":            string(m.Kind),
			"permission_tags": m.PermissionTags,
			"risk_tags":       m.RiskTags,
		})
	}
	return map[string]any{
		"ok":              true,
		"tools":           tools,
		"list_changed_at": b.registry.ListChangedAt().Format(time.RFC3339Nano),
	}
}

// ToolsCall executes a named skill.
func (b *MCPBridge) ToolsCall(ctx context.Context, name string, arguments map[string]any, approved bool) map[string]any {
	if name == "" {
		return map[string]any{"ok": false, "error": "tools/call requires non-empty string field 'name'"}
	}
	manifest := b.registry.Get(name)
	if manifest == nil {
		return map[string]any{"ok": false, "error": fmt.Sprintf("unknown tool: %s", name)}
	}
	result, err := b.executor.Execute(ctx, manifest, arguments, approved, 0)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	return resultToResponse(result)
}

// PromptsList returns prompt-kind skills as MCP prompt metadata.
func (b *MCPBridge) PromptsList() map[string]any {
	prompts := make([]map[string]any, 0)
	for _, m := range b.registry.ListLatest() {
		if m.Kind != KindPrompt {
			continue
		}
		args := make([]map[string]any, 0, len(m.InputSchema.Properties))
		required := make(map[string]bool, len(m.InputSchema.Required))
		for _, r := range m.InputSchema.Required {
			required[r] = true
		}
		for key := range m.InputSchema.Properties {
			args = append(args, map[string]any{"name": key, "required": required[key]})
		}
		prompts = append(prompts, map[string]any{
			"name":        m.Name,
			"description": m.Description,
			"arguments":   args,
		})
	}
	return map[string]any{"ok": true, "prompts": prompts}
}

// PromptsGet renders a prompt skill's template against arguments.
func (b *MCPBridge) PromptsGet(name string, arguments map[string]any) map[string]any {
	if name == "" {
		return map[string]any{"ok": false, "error": "prompts/get requires non-empty 'name'"}
	}
	manifest := b.registry.Get(name)
	if manifest == nil {
		return map[string]any{"ok": false, "error": fmt.Sprintf("unknown prompt: %s", name)}
	}
	if manifest.Kind != KindPrompt {
		return map[string]any{"ok": false, "error": fmt.Sprintf("%s is not a prompt skill", name)}
	}
	rendered, err := renderPrompt(*manifest.PromptTemplate, arguments)
	if err != nil {
		return map[string]any{"ok": false, "error": fmt.Sprintf("prompt rendering failed: %v", err)}
	}
	return map[string]any{
		"ok": true,
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": rendered}},
		},
	}
}

// ResourcesList exposes skills with filesystem roots as MCP resources.
func (b *MCPBridge) ResourcesList() map[string]any {
	resources := make([]map[string]any, 0)
	for _, m := range b.registry.ListLatest() {
		for _, root := range m.Roots {
			resources = append(resources, map[string]any{
				"uri":         "file://" + root,
				"name":        fmt.Sprintf("%s (%s)", m.Name, root),
				"description": fmt.Sprintf("Filesystem access for %s", m.Name),
				"mimeType":    "application/octet-stream",
			})
		}
	}
	return map[string]any{"ok": true, "resources": resources}
}

// ResourcesRead reads a resource by URI: "lmx://models", "lmx://metrics",
// or a "file://" URI under a registered skill root.
func (b *MCPBridge) ResourcesRead(uri string) map[string]any {
	if uri == "" {
		return map[string]any{"ok": false, "error": "resources/read requires non-empty 'uri'"}
	}

	if uri == "lmx://models" {
		models := make([]map[string]any, 0)
		for _, m := range b.registry.ListLatest() {
			models = append(models, map[string]any{
				"name": m.Name, "namespace": m.Namespace, "version": m.Version,
				"kind": string(m.Kind), "description": m.Description,
			})
		}
		return textResourceResponse(uri, map[string]any{"skills": models})
	}

	if uri == "lmx://metrics" {
		return textResourceResponse(uri, map[string]any{
			"registered_skills": len(b.registry.ListLatest()),
			"list_changed_at":   b.registry.ListChangedAt().Format(time.RFC3339Nano),
		})
	}

	if strings.HasPrefix(uri, "file://") {
		path := strings.TrimPrefix(uri, "file://")
		for _, m := range b.registry.ListLatest() {
			for _, root := range m.Roots {
				if path == root || strings.HasPrefix(path, root+"/") {
					return map[string]any{
						"ok": true,
						"contents": []map[string]any{
							{"uri": uri, "mimeType": "application/octet-stream",
								"text": fmt.Sprintf("Resource root: %s (skill: %s)", root, m.Name)},
						},
					}
				}
			}
		}
		return map[string]any{"ok": false, "error": fmt.Sprintf("resource URI not found: %s", uri)}
	}

	return map[string]any{"ok": false, "error": fmt.Sprintf("unsupported resource URI scheme: %s", uri)}
}

func textResourceResponse(uri string, payload map[string]any) map[string]any {
	encoded, _ := json.MarshalIndent(payload, "", "  ")
	return map[string]any{
		"ok": true,
		"contents": []map[string]any{
			{"uri": uri, "mimeType": "application/json", "text": string(encoded)},
		},
	}
}

// Capabilities reports MCP server capabilities.
func (b *MCPBridge) Capabilities() map[string]any {
	return map[string]any{
		"ok": true,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
		},
	}
}

func resultToResponse(result *ExecutionResult) map[string]any {
	encoded, _ := json.Marshal(result)
	var out map[string]any
	_ = json.Unmarshal(encoded, &out)
	return out
}

// RemoteMCPBridge is an HTTP client bridge to a remote MCP-compatible
// skills endpoint, guarded by a circuit breaker and a retry policy — the
// same shape as pkg/helpers.Client.requestJSON, retargeted to the skills
// MCP method pair instead of embed/rerank.
type RemoteMCPBridge struct {
	baseURL    string
	apiKey     string
	maxRetries int
	backoffMin time.Duration

	httpClient *http.Client
	cb         *breaker.Breaker
}

// RemoteMCPBridgeConfig configures a RemoteMCPBridge.
type RemoteMCPBridgeConfig struct {
	BaseURL          string
	Timeout          time.Duration
	APIKey           string
	MaxRetries       int
	RetryBackoffMin  time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// NewRemoteMCPBridge builds a RemoteMCPBridge for one remote endpoint.
func NewRemoteMCPBridge(cfg RemoteMCPBridgeConfig) *RemoteMCPBridge {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	backoffMin := cfg.RetryBackoffMin
	if backoffMin <= 0 {
		backoffMin = 250 * time.Millisecond
	}
	return &RemoteMCPBridge{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		backoffMin: backoffMin,
		httpClient: &http.Client{Timeout: timeout},
		cb:         breaker.New(cfg.FailureThreshold, cfg.ResetTimeout),
	}
}

// ToolsList fetches tool metadata from the remote host.
func (r *RemoteMCPBridge) ToolsList(ctx context.Context) map[string]any {
	return r.requestJSON(ctx, http.MethodGet, "/v1/skills/mcp/tools", nil)
}

// ToolsCall dispatches a remote tools/call request.
func (r *RemoteMCPBridge) ToolsCall(ctx context.Context, name string, arguments map[string]any, approved bool) map[string]any {
	payload := map[string]any{"name": name, "arguments": arguments, "approved": approved}
	return r.requestJSON(ctx, http.MethodPost, "/v1/skills/mcp/call", payload)
}

// Close releases idle HTTP connections.
func (r *RemoteMCPBridge) Close() {
	r.httpClient.CloseIdleConnections()
}

func (r *RemoteMCPBridge) requestJSON(ctx context.Context, method, path string, payload map[string]any) map[string]any {
	if !r.cb.Allow() {
		return map[string]any{"ok": false, "error": "remote MCP circuit open"}
	}

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			r.cb.RecordFailure()
			return map[string]any{"ok": false, "error": err.Error()}
		}
		body = encoded
	}

	policy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(r.backoffMin)),
		uint64(maxInt(0, r.maxRetries)),
	)

	var result map[string]any
	attempt := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if !isTransientNetworkError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("remote MCP returned %s", resp.Status)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("remote MCP returned %s", resp.Status))
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("remote MCP returned invalid payload: %w", err))
		}
		return nil
	}

	err := backoff.Retry(attempt, policy)
	if err != nil {
		r.cb.RecordFailure()
		return map[string]any{"ok": false, "error": err.Error()}
	}
	r.cb.RecordSuccess()
	return result
}

func isTransientNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection refused, DNS failure, TLS handshake error, etc. — treat
	// as a network error and let the retry policy have a go at it.
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
