package schema

import "time"

// ReadinessState is a LoadedModel's lifecycle state.
type ReadinessState string

const (
	ReadinessLoading     ReadinessState = "loading"
	ReadinessWarming     ReadinessState = "warming"
	ReadinessReady       ReadinessState = "ready"
	ReadinessQuarantined ReadinessState = "quarantined"
)

// BackendKind enumerates the tensor-runtime backends a model can load on.
type BackendKind string

const (
	BackendPrimaryTensor BackendKind = "primary-tensor-backend"
	BackendGGUFFallback  BackendKind = "gguf-fallback"
)

// SpeculativeDescriptor records the requested and effective speculative
// decoding configuration for a loaded model.
type SpeculativeDescriptor struct {
	Requested   bool   `json:"requested"`
	Active      bool   `json:"active"`
	Reason      string `json:"reason,omitempty"`
	DraftModel  string `json:"draft_model,omitempty"`
	NumTokens   int    `json:"num_tokens,omitempty"`
}

// LoadedModel is the registry entry for one in-process loaded model.
// Exactly one LoadedModel exists per ID; the backend handle is owned
// exclusively by this entry until Unload releases it.
type LoadedModel struct {
	ID                string
	BackendKind       BackendKind
	BackendVersion    string
	EstimatedMemoryGB float64
	ContextLength     int
	LoadedAt          time.Time
	LastUsedAt        time.Time
	RequestCount      int64
	Performance       PerformanceProfile
	Readiness         ReadinessState
	Speculative       SpeculativeDescriptor
	IdleTimeout       *time.Duration
	ConcurrencyCap    *int
}

// DownloadStatus enumerates DownloadTask states.
type DownloadStatus string

const (
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

// DownloadTask tracks one background model download.
type DownloadTask struct {
	ID              string
	RepoID          string
	Revision        string
	Include         []string
	Exclude         []string
	Status          DownloadStatus
	BytesDownloaded int64
	BytesTotal      int64
	FilesDownloaded int
	FilesTotal      int
	StartedAt       time.Time
	CompletedAt     *time.Time
	Error           string
	AutoLoadOnDone  bool
}

// CompatibilityOutcome enumerates CompatibilityRecord outcomes.
type CompatibilityOutcome string

const (
	OutcomePass       CompatibilityOutcome = "pass"
	OutcomeFail       CompatibilityOutcome = "fail"
	OutcomeQuarantine CompatibilityOutcome = "quarantine"
)

// CompatibilityRecord is one append-only row of the compatibility registry.
type CompatibilityRecord struct {
	Timestamp      time.Time
	ModelID        string
	BackendKind    BackendKind
	BackendVersion string
	Outcome        CompatibilityOutcome
	Reason         string
	Metadata       map[string]any
}

// PendingDownloadConfirmation is a one-shot, TTL-bounded download approval.
type PendingDownloadConfirmation struct {
	Token              string
	ModelID            string
	EstimatedSizeBytes int64
	CreatedAt          time.Time
}

// Expired reports whether the confirmation has outlived its TTL.
func (p PendingDownloadConfirmation) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(p.CreatedAt) > ttl
}
