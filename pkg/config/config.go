// Package config is the umbrella configuration object for Opta-LMX: one
// registry struct per option group, loaded once from YAML at startup and
// not reloaded while the process runs.
package config

import "time"

// Config is the umbrella configuration object encapsulating every option
// group. It is the primary object returned by Load and passed by reference
// throughout the application — there is no process-wide mutable config
// state (the Design Notes call this out explicitly as a thing to avoid).
type Config struct {
	configPath string

	Server      ServerConfig
	Models      ModelsConfig
	Memory      MemoryConfig
	Routing     RoutingConfig
	Security    SecurityConfig
	Logging     LoggingConfig
	RAG         RAGConfig
	HelperNodes HelperNodesConfig
	Presets     []PresetConfig
	Agents      AgentsConfig
	Skills      SkillsConfig
	Sandbox     SandboxConfig
	Journaling  JournalingConfig
}

// ServerConfig is the `server` option group.
type ServerConfig struct {
	ListenAddr              string `yaml:"listen_addr"`
	ShutdownGraceSec        int    `yaml:"shutdown_grace_sec"`
	SSEHeartbeatIntervalSec int    `yaml:"sse_heartbeat_interval_sec"`
}

// ModelsConfig is the `models` option group.
type ModelsConfig struct {
	CacheDir                string                   `yaml:"cache_dir"`
	DefaultModel            string                   `yaml:"default_model"`
	KeepAliveSeconds        int                      `yaml:"keep_alive_seconds"`
	LoaderTimeoutSec        int                      `yaml:"loader_timeout_sec"`
	WarmupOnLoad            bool                     `yaml:"warmup_on_load"`
	AllowUnsupportedRuntime bool                     `yaml:"allow_unsupported_runtime"`
	BackendSidecarAddr      string                   `yaml:"backend_sidecar_addr"`
	PerModelCaps            map[string]int           `yaml:"per_model_caps"`
	PerModelKeepAlive       map[string]time.Duration `yaml:"per_model_keep_alive"`
}

// MemoryConfig is the `memory` option group.
type MemoryConfig struct {
	HighWatermarkPct float64 `yaml:"high_watermark_pct"`
	PollIntervalSec  int     `yaml:"poll_interval_sec"`
}

// RoutingConfig is the `routing` option group: alias → preferred model list.
type RoutingConfig struct {
	Aliases      map[string][]string `yaml:"aliases"`
	DefaultModel string              `yaml:"default_model"`
}

// SecurityConfig is the `security` option group.
type SecurityConfig struct {
	AdminKey       string   `yaml:"admin_key"`
	InferenceKey   string   `yaml:"inference_key"`
	MTLSMode       string   `yaml:"mtls_mode"` // "off" | "optional" | "required"
	MTLSAllowedCNs []string `yaml:"mtls_allowed_cns"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// LoggingConfig is the `logging` option group.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// RAGConfig is the `rag` option group — a passive facade over an external
// vector store, out of core scope per spec.md §1.
type RAGConfig struct {
	Enabled     bool   `yaml:"enabled"`
	UpstreamURL string `yaml:"upstream_url"`
}

// HelperNodeConfig describes one remote embedding/reranking endpoint.
type HelperNodeConfig struct {
	Name             string  `yaml:"name"`
	BaseURL          string  `yaml:"base_url"`
	TimeoutSec       float64 `yaml:"timeout_sec"`
	APIKey           string  `yaml:"api_key"`
	MaxRetries       int     `yaml:"max_retries"`
	RetryBackoffSec  float64 `yaml:"retry_backoff_sec"`
	FailureThreshold int     `yaml:"failure_threshold"`
	ResetTimeoutSec  float64 `yaml:"reset_timeout_sec"`
	Fallback         string  `yaml:"fallback"` // "local" | "skip"
}

// HelperNodesConfig is the `helper_nodes` option group.
type HelperNodesConfig struct {
	Nodes []HelperNodeConfig `yaml:"nodes"`
}

// PresetConfig is one named bundle of model + sampling defaults + system
// prompt + optional performance profile.
type PresetConfig struct {
	Name             string         `yaml:"name"`
	ModelID          string         `yaml:"model_id"`
	SystemPrompt     string         `yaml:"system_prompt"`
	SamplingDefaults map[string]any `yaml:"sampling_defaults"`
	Performance      map[string]any `yaml:"performance"`
	RoutingAlias     string         `yaml:"routing_alias"`
	AutoLoad         bool           `yaml:"auto_load"`
}

// AgentsConfig is the `agents` option group.
type AgentsConfig struct {
	MaxQueueSize         int     `yaml:"max_queue_size"`
	QueueBackend         string  `yaml:"queue_backend"` // "memory" | "badger"
	QueueDBPath          string  `yaml:"queue_db_path"`
	WorkerCount          int     `yaml:"worker_count"`
	StepRetryAttempts    int     `yaml:"step_retry_attempts"`
	RetainCompletedRuns  int     `yaml:"retain_completed_runs"`
	DefaultTokenBudget   int64   `yaml:"default_token_budget"`
	DefaultCostBudgetUSD float64 `yaml:"default_cost_budget_usd"`
	PostgresDSN          string  `yaml:"postgres_dsn"`
}

// SkillsConfig is the `skills` option group.
type SkillsConfig struct {
	ManifestDir          string   `yaml:"manifest_dir"`
	MaxConcurrentCalls   int      `yaml:"max_concurrent_calls"`
	DefaultTimeoutSec    int      `yaml:"default_timeout_sec"`
	QueueBackend         string   `yaml:"queue_backend"` // "local" | "memory" | "badger"
	QueueDBPath          string   `yaml:"queue_db_path"`
	MaxQueueSize         int      `yaml:"max_queue_size"`
	WorkerCount          int      `yaml:"worker_count"`
	EntrypointSearchPath []string `yaml:"entrypoint_search_path"`
}

// SandboxConfig is the `sandbox` option group.
type SandboxConfig struct {
	Profile        string   `yaml:"profile"` // "trusted" | "restricted" | "strict"
	AllowedModules []string `yaml:"allowed_modules"`
}

// JournalingConfig is the `journaling` option group (out of core scope; log
// rotation/journaling file readers are external collaborators per spec.md §1).
type JournalingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ConfigDir returns the directory the active config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configPath
}

// Stats summarizes the active config for the startup log line.
type Stats struct {
	Presets     int
	HelperNodes int
	Aliases     int
}

// Stat returns configuration statistics for logging/monitoring.
func (c *Config) Stat() Stats {
	return Stats{
		Presets:     len(c.Presets),
		HelperNodes: len(c.HelperNodes.Nodes),
		Aliases:     len(c.Routing.Aliases),
	}
}

// GetPreset retrieves a preset by name.
func (c *Config) GetPreset(name string) (PresetConfig, bool) {
	for _, p := range c.Presets {
		if p.Name == name {
			return p, true
		}
	}
	return PresetConfig{}, false
}
