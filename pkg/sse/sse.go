// Package sse formats an engine token/tool-call delta stream as
// OpenAI-compatible Server-Sent Events: one `data: <chunk JSON>\n\n` frame
// per delta, a final usage-only frame when the request asked for it, and a
// terminating `data: [DONE]\n\n`.
//
// Grounded on original_source's api/inference.py (_counting_stream's
// _StreamEndMarker, injected at normal end-of-stream so the formatter can
// emit stream_options.include_usage data) and its format_sse_stream/
// format_sse_tool_stream framing — reproduced here over a
// pkg/engine.StreamEvent channel instead of a bare token iterator, since
// tool-call delta framing already happens upstream in pkg/toolparser.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// IDGenerator returns a fresh completion ID ("chatcmpl-...") for one
// streamed response; callers typically supply a uuid-backed generator.
type IDGenerator func() string

// Clock returns the current Unix time for a chunk's `created` field;
// callers typically supply time.Now().Unix.
type Clock func() int64

// Writer frames one StreamGenerate channel as SSE chunks onto an
// underlying io.Writer, flushing after every frame so a client sees tokens
// as they arrive rather than buffered until the handler returns.
type Writer struct {
	w       *bufio.Writer
	flush   func()
	id      string
	model   string
	created int64

	toolCallStarted bool
}

// flusher is the subset of http.Flusher the Writer needs, so callers don't
// have to import net/http in tests.
type flusher interface {
	Flush()
}

// New builds a Writer for one streamed chat completion. flush is called
// after every frame (http.ResponseWriter.(http.Flusher).Flush in
// production, a no-op in tests against a plain bytes.Buffer).
func New(w io.Writer, flush flusher, id, model string, created int64) *Writer {
	bw := bufio.NewWriter(w)
	f := func() {}
	if flush != nil {
		f = flush.Flush
	}
	return &Writer{w: bw, flush: f, id: id, model: model, created: created}
}

// WriteRole emits the conventional first chunk carrying only
// delta.role="assistant", matching OpenAI's streaming convention of an
// empty-content role-announcement frame before any content arrives.
func (sw *Writer) WriteRole() error {
	chunk := schema.ChatCompletionChunk{
		ID: sw.id, Object: "chat.completion.chunk", Created: sw.created, Model: sw.model,
		Choices: []schema.Choice{{Index: 0, Delta: &schema.ChatMessage{Role: "assistant"}}},
	}
	return sw.writeChunk(chunk)
}

// WriteEvent renders one engine.StreamEvent as zero or more SSE frames: a
// content-delta frame, a tool-call-delta frame, and — when ev.Done — the
// finish_reason frame, then (only when ev.Usage is set, i.e. the caller
// requested stream_options.include_usage) a trailing usage-only frame,
// then the terminating [DONE] sentinel. The usage frame rides on the Done
// event rather than arriving as its own earlier one, since it must be the
// last frame before [DONE] for OpenAI SDKs to read it off the final chunk.
// ev.Err short-circuits straight to an OpenAI-shaped error event instead
// of a normal chunk.
func (sw *Writer) WriteEvent(ev engine.StreamEvent) error {
	if ev.Err != nil {
		return sw.writeError(ev.Err)
	}

	if ev.ContentDelta != "" {
		chunk := sw.baseChunk(schema.ChatMessage{Content: schema.MessageContent{Text: ev.ContentDelta}})
		if err := sw.writeChunk(chunk); err != nil {
			return err
		}
	}

	if len(ev.ToolCallDeltas) > 0 {
		sw.toolCallStarted = true
		msg := schema.ChatMessage{ToolCalls: toolCallsFromDeltas(ev.ToolCallDeltas)}
		if err := sw.writeChunk(sw.baseChunk(msg)); err != nil {
			return err
		}
	}

	if ev.Done {
		finish := "stop"
		if sw.toolCallStarted {
			finish = "tool_calls"
		}
		if ev.FinishReason != nil {
			finish = *ev.FinishReason
		}
		done := schema.ChatCompletionChunk{
			ID: sw.id, Object: "chat.completion.chunk", Created: sw.created, Model: sw.model,
			Choices: []schema.Choice{{Index: 0, Delta: &schema.ChatMessage{}, FinishReason: &finish}},
		}
		if err := sw.writeChunk(done); err != nil {
			return err
		}

		// The usage chunk carries no choices and must be the last frame
		// before [DONE] — OpenAI SDKs read usage off the final chunk.
		if ev.Usage != nil {
			usage := schema.ChatCompletionChunk{
				ID: sw.id, Object: "chat.completion.chunk", Created: sw.created, Model: sw.model,
				Choices: []schema.Choice{}, Usage: ev.Usage,
			}
			if err := sw.writeChunk(usage); err != nil {
				return err
			}
		}

		return sw.writeDone()
	}

	return nil
}

func (sw *Writer) baseChunk(delta schema.ChatMessage) schema.ChatCompletionChunk {
	finish := (*string)(nil)
	return schema.ChatCompletionChunk{
		ID: sw.id, Object: "chat.completion.chunk", Created: sw.created, Model: sw.model,
		Choices: []schema.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
	}
}

// toolCallsFromDeltas reuses schema.ToolCall (the non-streaming shape) to
// carry per-chunk tool-call deltas; every field the delta omits simply
// renders as its zero value rather than being suppressed, which OpenAI
// clients tolerate across successive index-keyed accumulation frames.
func toolCallsFromDeltas(deltas []schema.ToolCallDelta) []schema.ToolCall {
	out := make([]schema.ToolCall, 0, len(deltas))
	for _, d := range deltas {
		tc := schema.ToolCall{Index: d.Index, ID: d.ID, Type: d.Type}
		if d.Function != nil {
			tc.Function = schema.ToolCallFunc{Name: d.Function.Name, Arguments: d.Function.Arguments}
		}
		out = append(out, tc)
	}
	return out
}

func (sw *Writer) writeChunk(chunk schema.ChatCompletionChunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return sw.writeFrame(body)
}

func (sw *Writer) writeError(cause error) error {
	body, err := json.Marshal(schema.ErrorResponse{Error: schema.ErrorDetail{Message: cause.Error(), Type: "internal_error"}})
	if err != nil {
		return err
	}
	if err := sw.writeFrame(body); err != nil {
		return err
	}
	return sw.writeDone()
}

func (sw *Writer) writeFrame(body []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", body); err != nil {
		return err
	}
	if err := sw.w.Flush(); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *Writer) writeDone() error {
	if _, err := sw.w.WriteString("data: [DONE]\n\n"); err != nil {
		return err
	}
	if err := sw.w.Flush(); err != nil {
		return err
	}
	sw.flush()
	return nil
}
