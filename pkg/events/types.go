// Package events implements the Event Bus: in-process fan-out of typed
// lifecycle and agent-trace events to subscribed queues, heartbeat
// included. Used by the `/admin/events` SSE stream and (eventually) by
// journaling consumers that want a live feed without polling.
//
// Retargeted from the teacher's ConnectionManager / NotifyListener pair
// (Postgres NOTIFY/LISTEN fan-out of alert-session timeline events to
// WebSocket clients across pods). This process is single-host and has
// no database to persist events into and no second pod to coordinate
// NOTIFY across, so the retained shape is the per-subscriber bounded
// channel with drop-oldest-on-overrun discipline — not the Postgres
// transport or the multi-pod catchup-since-ID machinery built around it.
package events

import "time"

// Type identifies the kind of event carried by an Event envelope.
type Type string

const (
	// TypeModelLoaded fires once a model finishes loading and is
	// inserted into the registry as ready.
	TypeModelLoaded Type = "model_loaded"
	// TypeModelUnloaded fires once a model is removed from the
	// registry and its backend handle released.
	TypeModelUnloaded Type = "model_unloaded"
	// TypeModelQuarantined fires when a (model, backend) pair is
	// marked unusable — canary failure or runtime fault.
	TypeModelQuarantined Type = "model_quarantined"
	// TypeDownloadProgress fires on download byte/file-count updates
	// and on terminal completed/failed transitions.
	TypeDownloadProgress Type = "download_progress"

	// Agent-runtime trace events, named to match the tracer
	// abstraction's emitted event names exactly.
	TypeRunSubmitted        Type = "run_submitted"
	TypeRunStarted          Type = "run_started"
	TypeStepRetry           Type = "step_retry"
	TypeRunFinished         Type = "run_finished"
	TypeRunCancelled        Type = "run_cancelled"
	TypeRunSubmissionFailed Type = "run_submission_failed"
)

// Event is the envelope delivered to subscribers. Payload is one of the
// Xxx Payload structs below, chosen by Type.
type Event struct {
	ID        uint64    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ModelLoadedPayload is TypeModelLoaded's payload.
type ModelLoadedPayload struct {
	ModelID        string `json:"model_id"`
	BackendKind    string `json:"backend_kind"`
	BackendVersion string `json:"backend_version"`
}

// ModelUnloadedPayload is TypeModelUnloaded's payload.
type ModelUnloadedPayload struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// ModelQuarantinedPayload is TypeModelQuarantined's payload.
type ModelQuarantinedPayload struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
}

// DownloadProgressPayload is TypeDownloadProgress's payload.
type DownloadProgressPayload struct {
	DownloadID string `json:"download_id"`
	ModelID    string `json:"model_id"`
	Status     string `json:"status"` // downloading | completed | failed
	Reason     string `json:"reason,omitempty"`
}

// TracePayload is the payload for every agent-trace event type
// (TypeRunSubmitted through TypeRunSubmissionFailed). Fields not
// applicable to a given event type are left zero-valued.
type TracePayload struct {
	RunID       string `json:"run_id"`
	Strategy    string `json:"strategy,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
