package events

// Publisher adapts a Bus into the concrete EventSink implementations
// pkg/engine and pkg/modelmanager depend on (as interfaces, so neither
// imports this package), plus the agent-runtime trace emitters pkg/agents
// will use. One Publisher, backed by one Bus, serves every producer in
// the process.
type Publisher struct {
	bus *Bus
}

// NewPublisher builds a Publisher over bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// --- pkg/engine.EventSink ---

// ModelLoaded publishes a model_loaded event.
func (p *Publisher) ModelLoaded(modelID, backendKind, backendVersion string) {
	p.bus.Publish(TypeModelLoaded, ModelLoadedPayload{
		ModelID: modelID, BackendKind: backendKind, BackendVersion: backendVersion,
	})
}

// ModelUnloaded publishes a model_unloaded event.
func (p *Publisher) ModelUnloaded(modelID, reason string) {
	p.bus.Publish(TypeModelUnloaded, ModelUnloadedPayload{ModelID: modelID, Reason: reason})
}

// ModelQuarantined publishes a model_quarantined event.
func (p *Publisher) ModelQuarantined(modelID, reason string) {
	p.bus.Publish(TypeModelQuarantined, ModelQuarantinedPayload{ModelID: modelID, Reason: reason})
}

// --- pkg/modelmanager.EventSink (download lifecycle; shared method set
// with pkg/engine.EventSink so this one Publisher satisfies both) ---

// DownloadCompleted publishes a terminal download_progress event.
func (p *Publisher) DownloadCompleted(downloadID, modelID string) {
	p.bus.Publish(TypeDownloadProgress, DownloadProgressPayload{
		DownloadID: downloadID, ModelID: modelID, Status: "completed",
	})
}

// DownloadFailed publishes a terminal download_progress event carrying
// the failure reason.
func (p *Publisher) DownloadFailed(downloadID, modelID, reason string) {
	p.bus.Publish(TypeDownloadProgress, DownloadProgressPayload{
		DownloadID: downloadID, ModelID: modelID, Status: "failed", Reason: reason,
	})
}

// --- Agent-runtime trace events (§4.6's tracer abstraction) ---

// RunSubmitted publishes a run_submitted trace event.
func (p *Publisher) RunSubmitted(runID, strategy, traceparent, tracestate string) {
	p.bus.Publish(TypeRunSubmitted, TracePayload{
		RunID: runID, Strategy: strategy, Traceparent: traceparent, Tracestate: tracestate,
	})
}

// RunStarted publishes a run_started trace event.
func (p *Publisher) RunStarted(runID, traceparent, tracestate string) {
	p.bus.Publish(TypeRunStarted, TracePayload{
		RunID: runID, Traceparent: traceparent, Tracestate: tracestate,
	})
}

// StepRetry publishes a step_retry trace event.
func (p *Publisher) StepRetry(runID, stepID, reason, traceparent, tracestate string) {
	p.bus.Publish(TypeStepRetry, TracePayload{
		RunID: runID, StepID: stepID, Reason: reason, Traceparent: traceparent, Tracestate: tracestate,
	})
}

// RunFinished publishes a run_finished trace event.
func (p *Publisher) RunFinished(runID, traceparent, tracestate string) {
	p.bus.Publish(TypeRunFinished, TracePayload{
		RunID: runID, Traceparent: traceparent, Tracestate: tracestate,
	})
}

// RunCancelled publishes a run_cancelled trace event.
func (p *Publisher) RunCancelled(runID, traceparent, tracestate string) {
	p.bus.Publish(TypeRunCancelled, TracePayload{
		RunID: runID, Traceparent: traceparent, Tracestate: tracestate,
	})
}

// RunSubmissionFailed publishes a run_submission_failed trace event.
func (p *Publisher) RunSubmissionFailed(runID, reason, traceparent, tracestate string) {
	p.bus.Publish(TypeRunSubmissionFailed, TracePayload{
		RunID: runID, Reason: reason, Traceparent: traceparent, Tracestate: tracestate,
	})
}
