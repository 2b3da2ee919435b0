// Package engine implements the Model Lifecycle manager and the
// generate/stream_generate inference path: an opaque Backend capability is
// loaded per model, admitted through the concurrency controller, and
// streamed back through the tool-call parser.
package engine

import (
	"context"
	"time"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// GenerateInput is everything a Backend needs to produce one completion.
// Generalized from the teacher's GenerateInput/ConversationMessage shape:
// same session/request identity, message list, tool definitions, and a
// merged performance profile, renamed from "LLM provider config" to
// "tensor runtime performance profile" per this domain's Backend framing.
type GenerateInput struct {
	RequestID string
	ModelID   string
	ClientID  string

	Messages []schema.ChatMessage
	Tools    []schema.Tool

	Temperature      float64
	TopP             float64
	MaxTokens        int
	Stop             []string
	FrequencyPenalty float64
	PresencePenalty  float64
	ResponseFormat   map[string]any

	// NumCtx is the per-request context budget in tokens, already clamped
	// to the model's context length by the caller.
	NumCtx int

	// Performance carries the merged engine-globals←preset←request-override
	// profile (speculative decoding, quantization hints, batching) that
	// Load resolved onto the LoadedModel.
	Performance schema.PerformanceProfile
}

// Chunk is one unit of a streamed generation. Exactly one of the typed
// chunk structs below implements it for any given chunk.
type Chunk interface {
	isChunk()
}

// TextChunk carries raw model output text, which may itself contain XML
// tool-call framing for pkg/toolparser to strip and interpret.
type TextChunk struct {
	Content string
}

// ThinkingChunk carries reasoning/thinking output the backend segregated
// from final content itself (as opposed to inline <think> tags inside a
// TextChunk, which pkg/toolparser also knows how to strip).
type ThinkingChunk struct {
	Content string
}

// ToolCallChunk is a tool call the backend's own runtime parsed natively,
// bypassing pkg/toolparser entirely for backends with native tool-calling
// support.
type ToolCallChunk struct {
	CallID    string
	Name      string
	Arguments string
}

// UsageChunk reports token accounting. DraftAccepted/DraftRejected are
// populated only when the backend reports speculative-decoding telemetry
// (from_draft flag); otherwise both are zero and Unavailable is true.
type UsageChunk struct {
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ThinkingTokens int

	DraftAccepted int
	DraftRejected int
	DraftIgnored  int
	Unavailable   bool
}

// ErrorChunk terminates a stream with a backend-reported failure.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (*TextChunk) isChunk()     {}
func (*ThinkingChunk) isChunk() {}
func (*ToolCallChunk) isChunk() {}
func (*UsageChunk) isChunk()    {}
func (*ErrorChunk) isChunk()    {}

// Backend is the opaque inference capability a loaded model resolves to.
// Implementations may be an in-process runtime, a sandboxed child-process
// loader, or — the primary implementation, backend_grpc.go — a client to a
// local sidecar process hosting the actual tensor runtime.
type Backend interface {
	// Generate starts one generation and returns a channel of chunks. The
	// channel is closed when the stream ends (normally, by error, or by ctx
	// cancellation); a failure mid-stream is reported as an ErrorChunk
	// rather than a returned error, since headers/initial chunks may
	// already have been emitted.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Canary runs a minimal single-turn chat to detect load-time faults,
	// per the Load state machine's post-construction health check.
	Canary(ctx context.Context, timeout time.Duration) error

	// Close releases backend resources (the sidecar connection, an
	// in-process runtime's memory-mapped weights, etc).
	Close() error
}

// BackendFactory constructs a Backend for one candidate (backend kind,
// merged performance profile) during Load's candidate-list attempt loop.
type BackendFactory func(ctx context.Context, modelID string, kind schema.BackendKind, profile schema.PerformanceProfile) (Backend, error)
