package schema

import "time"

// PerformanceProfile is the sparse key/value set forwarded to backend
// constructors; keys the core must preserve are documented in spec §3.
type PerformanceProfile map[string]any

// LoadRequest is the `/admin/models/load` body.
type LoadRequest struct {
	ModelID             string             `json:"model_id"`
	AutoDownload        bool               `json:"auto_download,omitempty"`
	Confirm             string             `json:"confirm,omitempty"` // confirmation_token
	PerformanceProfile  PerformanceProfile `json:"performance_profile,omitempty"`
	KeepAliveSeconds    *int               `json:"keep_alive_seconds,omitempty"`
	ConcurrencyCap      *int               `json:"concurrency_cap,omitempty"`
	AllowUnsupported    bool               `json:"allow_unsupported_runtime,omitempty"`
}

// LoadAcceptedResponse is returned (202) when a download confirmation or an
// in-progress download is required before load can proceed.
type LoadAcceptedResponse struct {
	Status              string `json:"status"` // "download_required" | "downloading"
	ModelID             string `json:"model_id,omitempty"`
	EstimatedSizeBytes  int64  `json:"estimated_size_bytes,omitempty"`
	ConfirmationToken   string `json:"confirmation_token,omitempty"`
	ConfirmURL          string `json:"confirm_url,omitempty"`
	DownloadID          string `json:"download_id,omitempty"`
	ProgressURL         string `json:"progress_url,omitempty"`
}

// ConfirmDownloadRequest is the `/admin/models/load/confirm` body.
type ConfirmDownloadRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

// UnloadRequest is the `/admin/models/unload` body.
type UnloadRequest struct {
	ModelID string `json:"model_id"`
}

// DeleteRequest is the `/admin/models/delete` body.
type DeleteRequest struct {
	ModelID string `json:"model_id"`
}

// DownloadProgressResponse is the `/admin/models/download/{id}/progress` body.
type DownloadProgressResponse struct {
	DownloadID       string     `json:"download_id"`
	Status           string     `json:"status"` // downloading | completed | failed
	BytesDownloaded  int64      `json:"bytes_downloaded"`
	BytesTotal       int64      `json:"bytes_total"`
	FilesDownloaded  int        `json:"files_downloaded"`
	FilesTotal       int        `json:"files_total"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ModelInfo is one entry of `GET /v1/models`.
type ModelInfo struct {
	ID                string    `json:"id"`
	Object             string    `json:"object"` // "model"
	Created            int64     `json:"created"`
	OwnedBy            string    `json:"owned_by"` // "local"
	BackendKind        string    `json:"backend_kind"`
	BackendVersion     string    `json:"backend_version"`
	ReadinessState     string    `json:"readiness_state"`
	ContextLength      int       `json:"context_length"`
	RequestCount       int64     `json:"request_count"`
}

// ModelListResponse is `GET /v1/models`.
type ModelListResponse struct {
	Object string      `json:"object"` // "list"
	Data   []ModelInfo `json:"data"`
}

// MemoryResponse is `GET /admin/memory`.
type MemoryResponse struct {
	TotalBytes      uint64  `json:"total_bytes"`
	UsedBytes       uint64  `json:"used_bytes"`
	AvailableBytes  uint64  `json:"available_bytes"`
	UsedPercent     float64 `json:"used_percent"`
	HighWatermarkPct float64 `json:"high_watermark_pct"`
}

// StatusResponse is `GET /admin/status`.
type StatusResponse struct {
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	LoadedModels    int    `json:"loaded_models"`
	RunQueueDepth   int    `json:"run_queue_depth"`
	SkillQueueDepth int    `json:"skill_queue_depth"`
}

// SpeculativeBenchmarkStats captures speculative-decoding acceptance stats
// observed during a benchmark run.
type SpeculativeBenchmarkStats struct {
	Active          bool   `json:"active"`
	DraftModel      string `json:"draft_model,omitempty"`
	AcceptedTokens  int64  `json:"accepted_tokens"`
	RejectedTokens  int64  `json:"rejected_tokens"`
	IgnoredTokens   int64  `json:"ignored_tokens"`
	Telemetry       string `json:"telemetry"` // "measured" | "unavailable"
}

// BenchmarkRequest is `POST /admin/benchmark`.
type BenchmarkRequest struct {
	ModelID    string `json:"model_id"`
	PromptText string `json:"prompt_text,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// BenchmarkResult is the outcome of one benchmark run.
type BenchmarkResult struct {
	ModelID          string                     `json:"model_id"`
	TTFTMillis       float64                    `json:"ttft_ms"`
	TokensPerSecond  float64                    `json:"tokens_per_sec"`
	TotalTokens      int                        `json:"total_tokens"`
	DurationMillis   float64                    `json:"duration_ms"`
	Speculative      *SpeculativeBenchmarkStats `json:"speculative,omitempty"`
}

// BenchmarkResponse wraps BenchmarkResult for the HTTP body.
type BenchmarkResponse struct {
	Result BenchmarkResult `json:"result"`
}

// PresetResponse describes one configured preset.
type PresetResponse struct {
	Name          string             `json:"name"`
	ModelID       string             `json:"model_id"`
	SystemPrompt  string             `json:"system_prompt,omitempty"`
	SamplingDefaults map[string]any  `json:"sampling_defaults,omitempty"`
	Performance   PerformanceProfile `json:"performance,omitempty"`
}

// PresetListResponse is `GET /admin/presets`.
type PresetListResponse struct {
	Presets []PresetResponse `json:"presets"`
}

// QuantizeRequest starts a quantization job (job lifecycle only).
type QuantizeRequest struct {
	SourceModelID string `json:"source_model_id"`
	Method        string `json:"method"`
	OutputName    string `json:"output_name,omitempty"`
}

// QuantizeJob is the durable status record for a quantization job.
type QuantizeJob struct {
	ID          string     `json:"id"`
	SourceModelID string   `json:"source_model_id"`
	Method      string     `json:"method"`
	Status      string     `json:"status"` // queued | running | completed | failed
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorDetail mirrors the OpenAI-shaped inner error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

// ErrorResponse is the OpenAI-shaped top-level error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
