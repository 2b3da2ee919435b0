package engine

import (
	"context"

	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
	"github.com/opta-lmx/lmx/pkg/toolparser"
)

// charsPerToken is the context-trimming heuristic's token-size estimate —
// no tokenizer is available to the engine, so num_ctx is converted to a
// character budget at a fixed ratio, matching the source's stated
// trimming approach exactly (Open Question #4: trimming is character-count
// based and may partially trim the oldest retained message rather than
// preserving message boundaries).
const charsPerToken = 4

// GenerateRequest is StreamGenerate/Generate's input, assembled by the HTTP
// handler after the Task Router has already resolved an alias/preset to a
// concrete, loaded model ID.
type GenerateRequest struct {
	ModelID  string
	ClientID string
	Priority concurrency.Priority

	Messages []schema.ChatMessage
	Tools    []schema.Tool

	Temperature      float64
	TopP             float64
	MaxTokens        int
	Stop             []string
	FrequencyPenalty float64
	PresencePenalty  float64
	ResponseFormat   map[string]any

	// NumCtx is the request's requested context budget in tokens; the
	// caller is responsible for clamping it to the resolved model's
	// ContextLength before calling StreamGenerate.
	NumCtx int

	IncludeUsage bool
}

// StreamEvent is one unit handed back on StreamGenerate's channel. Exactly
// one of ContentDelta/ToolCallDeltas/Usage/Err is meaningful per event;
// Done marks the final event (after which the channel is closed).
type StreamEvent struct {
	ContentDelta   string
	ToolCallDeltas []schema.ToolCallDelta
	Usage          *schema.Usage
	Speculative    *schema.SpeculativeBenchmarkStats
	FinishReason   *string
	Err            error
	Done           bool
}

func toToolDefs(tools []schema.Tool) []toolparser.ToolDef {
	out := make([]toolparser.ToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolparser.ToolDef{
			Type: t.Type,
			Function: toolparser.ToolFuncDef{
				Name:       t.Function.Name,
				Parameters: t.Function.Parameters,
			},
		})
	}
	return out
}

// trimToBudget drops whole messages from the front of the list, always
// keeping the last one, while the remaining text exceeds charBudget, then (if still over budget) truncates
// the oldest surviving message's text from its start — the same
// front-truncation behavior the character-count heuristic this was
// distilled from applies, boundary-unaware.
func trimToBudget(messages []schema.ChatMessage, charBudget int) []schema.ChatMessage {
	if charBudget <= 0 {
		return messages
	}
	total := 0
	lengths := make([]int, len(messages))
	for i, m := range messages {
		lengths[i] = len(m.Content.AsText())
		total += lengths[i]
	}
	start := 0
	for start < len(messages)-1 && total > charBudget {
		total -= lengths[start]
		start++
	}
	trimmed := messages[start:]
	if total <= charBudget || len(trimmed) == 0 {
		return trimmed
	}
	// Still over budget with only one message left to cut from — trim its
	// text from the start rather than dropping it entirely.
	over := total - charBudget
	first := trimmed[0]
	text := first.Content.AsText()
	if over < len(text) {
		first.Content = schema.MessageContent{Text: text[over:]}
		out := append([]schema.ChatMessage{first}, trimmed[1:]...)
		return out
	}
	return trimmed
}

// StreamGenerate admits req under the concurrency controller, trims context
// to the model's window, invokes the backend, and — when req.Tools is
// non-empty — wraps the raw token stream with a tool-call parser so callers
// never see XML tool-call framing. The returned channel is always closed,
// whether the stream ends normally, by error, or by ctx cancellation;
// StreamGenerate itself releases the model reference and concurrency
// admission once the stream drains.
func (e *Engine) StreamGenerate(ctx context.Context, ctl *concurrency.Controller, req GenerateRequest) (<-chan StreamEvent, error) {
	loaded, backend, releaseModel, err := e.Get(req.ModelID)
	if err != nil {
		return nil, err
	}

	var admission *concurrency.Admission
	if ctl != nil {
		admission, err = ctl.Acquire(ctx, req.ModelID, req.ClientID, req.Priority)
		if err != nil {
			releaseModel()
			return nil, err
		}
	}

	messages := req.Messages
	if req.NumCtx > 0 {
		messages = trimToBudget(messages, req.NumCtx*charsPerToken)
	}

	chunks, err := backend.Generate(ctx, &GenerateInput{
		ModelID:          req.ModelID,
		ClientID:         req.ClientID,
		Messages:         messages,
		Tools:            req.Tools,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		ResponseFormat:   req.ResponseFormat,
		NumCtx:           req.NumCtx,
		Performance:      loaded.Performance,
	})
	if err != nil {
		if admission != nil {
			admission.Release()
		}
		releaseModel()
		return nil, lmxerr.Wrap(lmxerr.KindInternalError, "backend failed to start generation", err)
	}

	entry, _ := e.registry.get(req.ModelID)
	if entry != nil {
		entry.touch()
	}

	out := make(chan StreamEvent, 16)
	go e.pump(ctx, chunks, req, out, admission, releaseModel)
	return out, nil
}

// pump relays backend chunks onto out, tool-call-parsing them when tools
// were requested, and always releases the admission/model reference exactly
// once when the backend channel closes.
func (e *Engine) pump(ctx context.Context, chunks <-chan Chunk, req GenerateRequest, out chan<- StreamEvent, admission *concurrency.Admission, releaseModel func()) {
	defer close(out)
	defer releaseModel()
	if admission != nil {
		defer admission.Release()
	}

	var parser *toolparser.StreamingToolParser
	if len(req.Tools) > 0 {
		parser = toolparser.NewStreamingToolParser(toToolDefs(req.Tools))
	}

	var spec schema.SpeculativeBenchmarkStats
	sawSpeculative := false
	var pendingUsage *schema.Usage

	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			send(StreamEvent{Err: ctx.Err(), Done: true})
			return
		case c, ok := <-chunks:
			if !ok {
				if parser != nil {
					final := parser.Flush()
					if final.ContentDelta != "" || len(final.ToolCallDeltas) > 0 {
						if !send(streamEventFromParse(final)) {
							return
						}
					}
				}
				done := StreamEvent{Done: true, Usage: pendingUsage}
				if sawSpeculative {
					spec.Telemetry = "measured"
					done.Speculative = &spec
				}
				send(done)
				return
			}

			switch v := c.(type) {
			case *TextChunk:
				if parser != nil {
					res := parser.Feed(v.Content)
					if res.ContentDelta != "" || len(res.ToolCallDeltas) > 0 {
						if !send(streamEventFromParse(res)) {
							return
						}
					}
				} else if v.Content != "" {
					if !send(StreamEvent{ContentDelta: v.Content}) {
						return
					}
				}
			case *ThinkingChunk:
				// Thinking content the backend already segregated is not
				// forwarded to chat content; callers wanting it use a
				// reasoning-aware client surface, out of this stream's scope.
			case *ToolCallChunk:
				if !send(StreamEvent{ToolCallDeltas: []schema.ToolCallDelta{{
					ID:   v.CallID,
					Type: "function",
					Function: &schema.ToolCallFuncDelta{
						Name:      v.Name,
						Arguments: v.Arguments,
					},
				}}}) {
					return
				}
			case *UsageChunk:
				if req.IncludeUsage {
					// Held back rather than sent immediately: the usage
					// chunk must be the final SSE frame before [DONE], so
					// it rides on the terminating Done event instead of
					// its own earlier one.
					pendingUsage = &schema.Usage{
						PromptTokens:     v.InputTokens,
						CompletionTokens: v.OutputTokens,
						TotalTokens:      v.TotalTokens,
					}
				}
				if !v.Unavailable {
					sawSpeculative = true
					spec.AcceptedTokens += int64(v.DraftAccepted)
					spec.RejectedTokens += int64(v.DraftRejected)
					spec.IgnoredTokens += int64(v.DraftIgnored)
				}
			case *ErrorChunk:
				send(StreamEvent{Err: &backendError{v}, Done: true})
				return
			}
		}
	}
}

func streamEventFromParse(res toolparser.StreamingParseResult) StreamEvent {
	ev := StreamEvent{ContentDelta: res.ContentDelta}
	for _, d := range res.ToolCallDeltas {
		ev.ToolCallDeltas = append(ev.ToolCallDeltas, schema.ToolCallDelta{
			Index: d.Index,
			ID:    d.ID,
			Type:  "function",
			Function: &schema.ToolCallFuncDelta{
				Name:      d.Name,
				Arguments: d.Args,
			},
		})
	}
	return ev
}

// backendError adapts an ErrorChunk to the error interface so StreamEvent.Err
// can carry it without the caller needing to know the engine package's
// internal chunk types.
type backendError struct {
	chunk *ErrorChunk
}

func (b *backendError) Error() string { return b.chunk.Message }

// Generate runs StreamGenerate to completion and assembles a single
// non-streaming ChatCompletionResponse, the `stream: false` code path.
func (e *Engine) Generate(ctx context.Context, ctl *concurrency.Controller, req GenerateRequest) (*schema.ChatCompletionResponse, error) {
	req.IncludeUsage = true
	events, err := e.StreamGenerate(ctx, ctl, req)
	if err != nil {
		return nil, err
	}

	var content string
	toolCallsByIndex := map[int]*schema.ToolCall{}
	var order []int
	var usage *schema.Usage

	for ev := range events {
		if ev.Err != nil {
			return nil, lmxerr.Wrap(lmxerr.KindInternalError, "generation failed", ev.Err)
		}
		content += ev.ContentDelta
		for _, d := range ev.ToolCallDeltas {
			tc, ok := toolCallsByIndex[d.Index]
			if !ok {
				tc = &schema.ToolCall{Index: d.Index, ID: d.ID, Type: "function"}
				toolCallsByIndex[d.Index] = tc
				order = append(order, d.Index)
			}
			if d.Function != nil {
				if d.Function.Name != "" {
					tc.Function.Name = d.Function.Name
				}
				tc.Function.Arguments += d.Function.Arguments
			}
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
	}

	msg := &schema.ChatMessage{Role: "assistant", Content: schema.MessageContent{Text: content}}
	for _, idx := range order {
		msg.ToolCalls = append(msg.ToolCalls, *toolCallsByIndex[idx])
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	resp := &schema.ChatCompletionResponse{
		Object: "chat.completion",
		Model:  req.ModelID,
		Choices: []schema.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finish,
		}},
		Usage: usage,
	}
	return resp, nil
}
