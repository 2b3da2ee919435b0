package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvPayload(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublisherModelLifecycleEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)
	defer sub.Close()
	p := NewPublisher(bus)

	p.ModelLoaded("m1", "primary-tensor-backend", "v1.2.3")
	ev := recvPayload(t, sub)
	assert.Equal(t, TypeModelLoaded, ev.Type)
	loaded, ok := ev.Payload.(ModelLoadedPayload)
	require.True(t, ok)
	assert.Equal(t, "v1.2.3", loaded.BackendVersion)

	p.ModelUnloaded("m1", "requested")
	ev = recvPayload(t, sub)
	assert.Equal(t, TypeModelUnloaded, ev.Type)

	p.ModelQuarantined("m1", "canary_failed")
	ev = recvPayload(t, sub)
	assert.Equal(t, TypeModelQuarantined, ev.Type)
	quarantined, ok := ev.Payload.(ModelQuarantinedPayload)
	require.True(t, ok)
	assert.Equal(t, "canary_failed", quarantined.Reason)
}

func TestPublisherDownloadLifecycleEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)
	defer sub.Close()
	p := NewPublisher(bus)

	p.DownloadCompleted("dl-1", "m1")
	ev := recvPayload(t, sub)
	payload, ok := ev.Payload.(DownloadProgressPayload)
	require.True(t, ok)
	assert.Equal(t, "completed", payload.Status)

	p.DownloadFailed("dl-2", "m2", "disk_full")
	ev = recvPayload(t, sub)
	payload, ok = ev.Payload.(DownloadProgressPayload)
	require.True(t, ok)
	assert.Equal(t, "failed", payload.Status)
	assert.Equal(t, "disk_full", payload.Reason)
}

func TestPublisherAgentTraceEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(8)
	defer sub.Close()
	p := NewPublisher(bus)

	p.RunSubmitted("r1", "HANDOFF", "00-trace-01", "")
	assert.Equal(t, TypeRunSubmitted, recvPayload(t, sub).Type)

	p.RunStarted("r1", "00-trace-01", "")
	assert.Equal(t, TypeRunStarted, recvPayload(t, sub).Type)

	p.StepRetry("r1", "step-1", "timeout", "00-trace-01", "")
	ev := recvPayload(t, sub)
	assert.Equal(t, TypeStepRetry, ev.Type)
	trace, ok := ev.Payload.(TracePayload)
	require.True(t, ok)
	assert.Equal(t, "step-1", trace.StepID)

	p.RunFinished("r1", "00-trace-01", "")
	assert.Equal(t, TypeRunFinished, recvPayload(t, sub).Type)

	p.RunCancelled("r1", "00-trace-01", "")
	assert.Equal(t, TypeRunCancelled, recvPayload(t, sub).Type)

	p.RunSubmissionFailed("r2", "duplicate_idempotency_key", "", "")
	ev = recvPayload(t, sub)
	assert.Equal(t, TypeRunSubmissionFailed, ev.Type)
}
