package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// fakeBackend is an in-memory Backend double: it never touches a network or
// a real tensor runtime, letting the lifecycle/generate tests exercise the
// Engine's own orchestration logic in isolation.
type fakeBackend struct {
	canaryErr error
	reply     string
	closed    bool
}

func (f *fakeBackend) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)
		out <- &TextChunk{Content: f.reply}
		out <- &UsageChunk{InputTokens: 3, OutputTokens: 5, Unavailable: true}
	}()
	return out, nil
}

func (f *fakeBackend) Canary(ctx context.Context, timeout time.Duration) error {
	return f.canaryErr
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func factoryReturning(b Backend, err error) BackendFactory {
	return func(ctx context.Context, modelID string, kind schema.BackendKind, profile schema.PerformanceProfile) (Backend, error) {
		return b, err
	}
}

func TestLoadPromotesToReadyAndIsIdempotent(t *testing.T) {
	eng := New(Config{LoaderTimeout: time.Second, CanaryTimeout: time.Second}, nil, nil, factoryReturning(&fakeBackend{reply: "ok"}, nil), nil)

	loaded, err := eng.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ReadinessReady, loaded.Readiness)
	assert.Equal(t, schema.BackendPrimaryTensor, loaded.BackendKind)

	// Second Load call must short-circuit without re-running the candidate
	// loop (same backend kind, no error from a factory that would now fail).
	eng2 := *eng
	eng2.factory = func(ctx context.Context, modelID string, kind schema.BackendKind, profile schema.PerformanceProfile) (Backend, error) {
		t.Fatal("factory should not be called for an already-ready model")
		return nil, nil
	}
	again, err := eng2.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ReadinessReady, again.Readiness)
}

func TestLoadFallsBackToSecondCandidateOnCanaryFailure(t *testing.T) {
	attempts := 0
	factory := func(ctx context.Context, modelID string, kind schema.BackendKind, profile schema.PerformanceProfile) (Backend, error) {
		attempts++
		if kind == schema.BackendPrimaryTensor {
			return &fakeBackend{canaryErr: assertErr}, nil
		}
		return &fakeBackend{reply: "fallback"}, nil
	}
	eng := New(Config{LoaderTimeout: time.Second, CanaryTimeout: time.Second}, nil, nil, factory, nil)

	loaded, err := eng.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.BackendGGUFFallback, loaded.BackendKind)
	assert.Equal(t, 2, attempts)
}

func TestUnloadWaitsForInFlightReference(t *testing.T) {
	eng := New(Config{LoaderTimeout: time.Second, CanaryTimeout: time.Second}, nil, nil, factoryReturning(&fakeBackend{reply: "ok"}, nil), nil)
	_, err := eng.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)

	_, _, release, err := eng.Get("demo-model")
	require.NoError(t, err)

	unloadDone := make(chan struct{})
	go func() {
		_ = eng.Unload("demo-model")
		close(unloadDone)
	}()

	select {
	case <-unloadDone:
		t.Fatal("Unload returned while a reference was still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-unloadDone:
	case <-time.After(time.Second):
		t.Fatal("Unload did not complete after the reference was released")
	}
}

func TestGenerateAssemblesNonStreamingResponse(t *testing.T) {
	eng := New(Config{LoaderTimeout: time.Second, CanaryTimeout: time.Second}, nil, nil, factoryReturning(&fakeBackend{reply: "hello there"}, nil), nil)
	_, err := eng.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)

	resp, err := eng.Generate(context.Background(), nil, GenerateRequest{
		ModelID:  "demo-model",
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content.AsText())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
}

func TestTrimToBudgetDropsOldestMessagesFirst(t *testing.T) {
	messages := []schema.ChatMessage{
		{Role: "system", Content: schema.MessageContent{Text: "0123456789"}},
		{Role: "user", Content: schema.MessageContent{Text: "abcde"}},
	}
	trimmed := trimToBudget(messages, 5)
	require.Len(t, trimmed, 1)
	assert.Equal(t, "abcde", trimmed[0].Content.AsText())
}

func TestStreamGenerateCarriesUsageOnTerminalDoneEvent(t *testing.T) {
	eng := New(Config{LoaderTimeout: time.Second, CanaryTimeout: time.Second}, nil, nil, factoryReturning(&fakeBackend{reply: "hi"}, nil), nil)
	_, err := eng.Load(context.Background(), "demo-model", LoadOptions{})
	require.NoError(t, err)

	events, err := eng.StreamGenerate(context.Background(), nil, GenerateRequest{
		ModelID:      "demo-model",
		Messages:     []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
		IncludeUsage: true,
	})
	require.NoError(t, err)

	var saw []StreamEvent
	for ev := range events {
		saw = append(saw, ev)
	}

	require.NotEmpty(t, saw)
	last := saw[len(saw)-1]
	assert.True(t, last.Done)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 3, last.Usage.PromptTokens)

	// No earlier event should carry usage — it must only ever appear on
	// the terminal Done event, never as its own standalone frame.
	for _, ev := range saw[:len(saw)-1] {
		assert.Nil(t, ev.Usage)
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var assertErr = testErr("canary failed")
