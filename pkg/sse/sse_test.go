package sse

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/schema"
)

func TestWriteRoleEmitsAssistantRoleFrame(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteRole())
	assert.Contains(t, buf.String(), `"role":"assistant"`)
	assert.True(t, strings.HasSuffix(buf.String(), "\n\n"))
}

func TestWriteEventContentDeltaFramesAsChunk(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{ContentDelta: "hello"}))
	out := buf.String()
	assert.Contains(t, out, `"content":"hello"`)
	assert.Contains(t, out, `"object":"chat.completion.chunk"`)
}

func TestWriteEventDoneEmitsFinishReasonThenDoneSentinel(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Done: true}))
	out := buf.String()
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestWriteEventToolCallSetsFinishReasonToolCalls(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{
		ToolCallDeltas: []schema.ToolCallDelta{{Index: 0, ID: "call_1", Function: &schema.ToolCallFuncDelta{Name: "lookup"}}},
	}))
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Done: true}))
	out := buf.String()
	assert.Contains(t, out, `"call_1"`)
	assert.Contains(t, out, `"finish_reason":"tool_calls"`)
}

func TestWriteEventUsageOnlyWhenSet(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Done: true, Usage: &schema.Usage{TotalTokens: 42}}))
	assert.Contains(t, buf.String(), `"total_tokens":42`)
}

func TestWriteEventUsageFrameIsLastBeforeDoneSentinel(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{ContentDelta: "hi"}))
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Done: true, Usage: &schema.Usage{TotalTokens: 42}}))
	out := buf.String()

	finishIdx := strings.Index(out, `"finish_reason":"stop"`)
	usageIdx := strings.Index(out, `"total_tokens":42`)
	doneIdx := strings.Index(out, "data: [DONE]")
	require.NotEqual(t, -1, finishIdx)
	require.NotEqual(t, -1, usageIdx)
	require.NotEqual(t, -1, doneIdx)
	assert.Less(t, finishIdx, usageIdx, "finish_reason chunk must precede the usage chunk")
	assert.Less(t, usageIdx, doneIdx, "usage chunk must be the last frame before [DONE]")
}

func TestWriteEventNoUsageFrameWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Done: true}))
	assert.NotContains(t, buf.String(), "total_tokens")
}

func TestWriteEventErrorEmitsErrorBodyThenDone(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf, nil, "chatcmpl-1", "model-a", 0)
	require.NoError(t, w.WriteEvent(engine.StreamEvent{Err: assertError{"boom"}}))
	out := buf.String()
	assert.Contains(t, out, `"message":"boom"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
