package toolparser

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherTool() ToolDef {
	return ToolDef{
		Type: "function",
		Function: ToolFuncDef{
			Name: "get_weather",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"city": {"type": "string"},
					"days": {"type": "integer"},
					"detailed": {"type": "boolean"}
				}
			}`),
		},
	}
}

func TestStripThinkingWellFormed(t *testing.T) {
	out := StripThinking("<think>reasoning here</think>hello world")
	assert.Equal(t, "hello world", out)
}

func TestStripThinkingMissingOpenTagQuirk(t *testing.T) {
	// M2.5 quirk: the opening <think> was swallowed upstream but the
	// closing tag is still present.
	out := StripThinking("reasoning leaked out</think>hello world")
	assert.Equal(t, "hello world", out)
}

func TestParseToolCallsNoTools(t *testing.T) {
	out := ParseToolCalls("just plain text", nil)
	require.False(t, out.HasToolCalls)
	require.NotNil(t, out.Content)
	assert.Equal(t, "just plain text", *out.Content)
}

func TestParseToolCallsSingleInvoke(t *testing.T) {
	text := `Let me check.<minimax:tool_call><invoke name="get_weather">` +
		`<parameter name="city">Paris</parameter>` +
		`<parameter name="days">3</parameter>` +
		`<parameter name="detailed">true</parameter>` +
		`</invoke></minimax:tool_call>`

	out := ParseToolCalls(text, []ToolDef{weatherTool()})
	require.True(t, out.HasToolCalls)
	require.Len(t, out.ToolCalls, 1)
	require.NotNil(t, out.Content)
	assert.Equal(t, "Let me check.", *out.Content)

	call := out.ToolCalls[0]
	assert.Equal(t, "get_weather", call.Name)
	assert.True(t, strings.HasPrefix(call.ID, "call_"))

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(call.Arguments), &args))
	assert.Equal(t, "Paris", args["city"])
	assert.Equal(t, float64(3), args["days"])
	assert.Equal(t, true, args["detailed"])
}

func TestParseToolCallsMultipleInvokes(t *testing.T) {
	text := `<minimax:tool_call>` +
		`<invoke name="get_weather"><parameter name="city">Rome</parameter></invoke>` +
		`<invoke name="get_weather"><parameter name="city">Oslo</parameter></invoke>` +
		`</minimax:tool_call>`

	out := ParseToolCalls(text, []ToolDef{weatherTool()})
	require.True(t, out.HasToolCalls)
	require.Len(t, out.ToolCalls, 2)
	assert.Nil(t, out.Content)
}

func TestRenderToolCallsRoundTripsNameArgumentsAndValidity(t *testing.T) {
	text := `<minimax:tool_call><invoke name="get_weather">` +
		`<parameter name="city">Paris</parameter>` +
		`<parameter name="days">3</parameter>` +
		`<parameter name="detailed">true</parameter>` +
		`</invoke></minimax:tool_call>`

	tools := []ToolDef{weatherTool()}
	parsed := ParseToolCalls(text, tools)
	require.Len(t, parsed.ToolCalls, 1)

	rendered := RenderToolCalls(parsed.ToolCalls)
	reparsed := ParseToolCalls(rendered, tools)
	require.Len(t, reparsed.ToolCalls, 1)

	// ID is not carried by the wire format; everything else round-trips.
	original, again := parsed.ToolCalls[0], reparsed.ToolCalls[0]
	assert.Equal(t, original.Name, again.Name)
	assert.Equal(t, original.Valid, again.Valid)

	var origArgs, againArgs map[string]any
	require.NoError(t, json.Unmarshal([]byte(original.Arguments), &origArgs))
	require.NoError(t, json.Unmarshal([]byte(again.Arguments), &againArgs))
	assert.Equal(t, origArgs, againArgs)
}

func TestRenderToolCallsEmptyInputYieldsEmptyString(t *testing.T) {
	assert.Equal(t, "", RenderToolCalls(nil))
}

func TestConvertParamValueFallsBackToRawOnBadCoercion(t *testing.T) {
	schema := &ParamSchema{Type: "integer"}
	v := ConvertParamValue("not-a-number", schema)
	assert.Equal(t, "not-a-number", v)
}

func TestParseToolCallsValidatesAgainstSchema(t *testing.T) {
	restrictive := ToolDef{
		Type: "function",
		Function: ToolFuncDef{
			Name: "get_weather",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"city": {"type": "string"}},
				"required": ["city", "country"]
			}`),
		},
	}
	text := `<minimax:tool_call><invoke name="get_weather">` +
		`<parameter name="city">Quito</parameter></invoke></minimax:tool_call>`

	out := ParseToolCalls(text, []ToolDef{restrictive})
	require.Len(t, out.ToolCalls, 1)
	assert.False(t, out.ToolCalls[0].Valid, "missing required 'country' property must fail schema validation")
}

func TestParseToolCallsNoSchemaIsVacuouslyValid(t *testing.T) {
	text := `<minimax:tool_call><invoke name="anything">` +
		`<parameter name="x">1</parameter></invoke></minimax:tool_call>`
	out := ParseToolCalls(text, nil)
	require.Len(t, out.ToolCalls, 1)
	assert.True(t, out.ToolCalls[0].Valid)
}

func TestConvertParamValueAnyOf(t *testing.T) {
	schema := &ParamSchema{AnyOf: []ParamSchema{{Type: "integer"}, {Type: "string"}}}
	assert.Equal(t, int64(42), ConvertParamValue("42", schema))
	assert.Equal(t, "hello", ConvertParamValue("hello", schema))
}

// TestStreamingRoundTrip feeds a tool call byte-by-byte and checks the
// reassembled call matches what the non-streaming parser produces for the
// same text, covering the safe-suffix lookback across many split points.
func TestStreamingRoundTrip(t *testing.T) {
	text := `Checking now.<minimax:tool_call><invoke name="get_weather">` +
		`<parameter name="city">Lima</parameter></invoke></minimax:tool_call>`

	p := NewStreamingToolParser([]ToolDef{weatherTool()})
	var content strings.Builder
	var deltas []ToolCallDelta

	for _, r := range text {
		res := p.Feed(string(r))
		content.WriteString(res.ContentDelta)
		deltas = append(deltas, res.ToolCallDeltas...)
	}
	final := p.Flush()
	content.WriteString(final.ContentDelta)
	deltas = append(deltas, final.ToolCallDeltas...)

	assert.Equal(t, "Checking now.", content.String())
	require.Len(t, deltas, 1)
	assert.Equal(t, "get_weather", deltas[0].Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(deltas[0].Args), &args))
	assert.Equal(t, "Lima", args["city"])
}

func TestStreamingHoldsBackPartialSentinel(t *testing.T) {
	p := NewStreamingToolParser(nil)
	res := p.Feed("hello <minim")
	// "<minim" is a prefix of "<minimax:tool_call>" so it must be held back.
	assert.Equal(t, "hello ", res.ContentDelta)
	assert.False(t, res.Buffered, "a non-empty content delta is returned instead of a buffered marker")

	res2 := p.Feed("ax:tool_call>")
	assert.Empty(t, res2.ContentDelta)
}

func TestStreamingThinkBlockStripped(t *testing.T) {
	p := NewStreamingToolParser(nil)
	var content strings.Builder
	for _, chunk := range []string{"<thi", "nk>reasoning ", "here</thi", "nk>answer"} {
		res := p.Feed(chunk)
		content.WriteString(res.ContentDelta)
	}
	final := p.Flush()
	content.WriteString(final.ContentDelta)
	assert.Equal(t, "answer", content.String())
}

// TestStreamingOnlyChecksThinkAtStreamStart matches the asymmetry in the
// reference implementation: the "missing opening tag" M2.5 quirk is only
// special-cased by the non-streaming strip_thinking helper (see
// TestStripThinkingMissingOpenTagQuirk). The streaming parser's leading-tag
// check runs once, at the very start of the stream; a bare </think> that
// shows up later is ordinary content as far as the streaming state machine
// is concerned.
func TestStreamingOnlyChecksThinkAtStreamStart(t *testing.T) {
	p := NewStreamingToolParser(nil)
	var content strings.Builder
	res := p.Feed("leaked reasoning</think>visible")
	content.WriteString(res.ContentDelta)
	final := p.Flush()
	content.WriteString(final.ContentDelta)
	assert.Equal(t, "leaked reasoning</think>visible", content.String())
}

func TestStreamingFlushEmitsHeldBackPartialTagAsContent(t *testing.T) {
	p := NewStreamingToolParser(nil)
	res := p.Feed("hello <mini")
	assert.Equal(t, "hello ", res.ContentDelta)

	final := p.Flush()
	assert.Equal(t, "<mini", final.ContentDelta, "end of stream: no more input can complete the tag, so the held-back suffix is flushed as plain content")
}
