package toolparser

import (
	"encoding/json"
	"strings"
)

// parserState mirrors the state machine in the reference parser this
// package is grounded on: CONTENT, THINKING, IN_TOOL_CALL, DONE.
type parserState int

const (
	stateContent parserState = iota
	stateThinking
	stateInToolCall
	stateDone
)

// ToolCallDelta is an incremental tool-call fragment, matching OpenAI's
// streaming tool_calls delta shape.
type ToolCallDelta struct {
	Index int
	ID    string // set once, the chunk that first reveals this call
	Name  string // set once, the chunk that first reveals this call
	Args  string // complete JSON-argument text for this call (emitted whole)
	Valid bool   // Args validated against the tool's declared input_schema
}

// StreamingParseResult is what Feed/Flush return for one input chunk.
type StreamingParseResult struct {
	ContentDelta   string
	ToolCallDeltas []ToolCallDelta
	// Buffered reports that this chunk produced no emittable output yet
	// (e.g. a partial sentinel tag or an unterminated invoke is pending).
	Buffered bool
}

// StreamingToolParser consumes model output incrementally and separates
// plain content from a single <think> block and a single
// <minimax:tool_call> block (which may itself contain multiple invokes),
// without ever emitting a partial sentinel tag as content.
//
// The parser keeps the full accumulated text and two cursors
// (contentEmittedTo, toolCallsEmitted) rather than consuming its input
// buffer, matching the reference implementation's approach of re-scanning
// the growing text on each feed — a regex match for a tag only succeeds
// once the whole tag has arrived, so partial tags simply fail to match
// until more input arrives.
type StreamingToolParser struct {
	tools []ToolDef

	fullText         strings.Builder
	contentEmittedTo int
	toolCallsEmitted int
	toolIndex        int
	thinkingChecked  bool

	state parserState
}

// NewStreamingToolParser constructs a parser for one stream. tools is used
// to look up JSON-schema parameter types for coercion and validation as
// invokes complete.
func NewStreamingToolParser(tools []ToolDef) *StreamingToolParser {
	return &StreamingToolParser{tools: tools, state: stateContent}
}

// Feed appends a chunk of raw model output and returns whatever can be
// safely emitted now.
func (p *StreamingToolParser) Feed(chunk string) StreamingParseResult {
	p.fullText.WriteString(chunk)

	if p.state == stateThinking {
		return p.handleThinking()
	}

	if !p.thinkingChecked && p.state == stateContent {
		if res, handled := p.checkThinkingStart(); handled {
			return res
		}
	}

	switch p.state {
	case stateContent:
		return p.handleContent()
	case stateInToolCall:
		return p.handleToolCall()
	default:
		return StreamingParseResult{}
	}
}

// Flush signals end-of-stream: any remaining buffered content is emitted
// as-is, and an unterminated tool-call block is parsed for whatever
// complete invokes it does contain.
func (p *StreamingToolParser) Flush() StreamingParseResult {
	switch p.state {
	case stateContent:
		text := p.fullText.String()
		remaining := text[p.contentEmittedTo:]
		p.contentEmittedTo = len(text)
		if remaining != "" {
			return StreamingParseResult{ContentDelta: remaining}
		}
	case stateInToolCall:
		return p.handleToolCall()
	}
	return StreamingParseResult{}
}

// Done reports whether the parser has reached its terminal state.
func (p *StreamingToolParser) Done() bool {
	return p.state == stateDone
}

// checkThinkingStart looks for a leading <think> tag once, at the very
// start of the stream. handled is true when the caller should return the
// returned result immediately without falling through to content handling.
func (p *StreamingToolParser) checkThinkingStart() (StreamingParseResult, bool) {
	stripped := strings.TrimLeft(p.fullText.String(), " \t\r\n")

	if strings.HasPrefix(stripped, thinkOpen) {
		p.state = stateThinking
		p.thinkingChecked = true
		return StreamingParseResult{Buffered: true}, true
	}
	if stripped != "" && strings.HasPrefix(thinkOpen, stripped) {
		// Not enough input yet to know whether this is "<think>" or
		// ordinary content starting with "<".
		return StreamingParseResult{Buffered: true}, true
	}

	p.thinkingChecked = true
	return StreamingParseResult{}, false
}

func (p *StreamingToolParser) handleThinking() StreamingParseResult {
	text := p.fullText.String()
	if idx := strings.Index(text, thinkClose); idx >= 0 {
		p.fullText.Reset()
		p.fullText.WriteString(text[idx+len(thinkClose):])
		p.contentEmittedTo = 0
		p.state = stateContent
		return p.handleContent()
	}
	return StreamingParseResult{Buffered: true}
}

func (p *StreamingToolParser) handleContent() StreamingParseResult {
	text := p.fullText.String()

	if tcPos := strings.Index(text, toolCallOpen); tcPos >= 0 {
		newContent := text[p.contentEmittedTo:tcPos]
		p.contentEmittedTo = tcPos
		p.state = stateInToolCall

		result := StreamingParseResult{}
		if strings.TrimSpace(newContent) != "" {
			result.ContentDelta = strings.TrimRight(newContent, " \t\r\n")
		}
		if deltas := p.parseNewInvokes(); len(deltas) > 0 {
			result.ToolCallDeltas = deltas
		}
		return result
	}

	safeEnd := p.findSafeContentEnd(text)
	newContent := text[p.contentEmittedTo:safeEnd]
	p.contentEmittedTo = safeEnd

	if newContent != "" {
		return StreamingParseResult{ContentDelta: newContent}
	}
	return StreamingParseResult{Buffered: safeEnd < len(text)}
}

// findSafeContentEnd finds the position up to which content can be safely
// emitted: it never emits characters that could be the start of a
// <minimax:tool_call> or <think> tag.
func (p *StreamingToolParser) findSafeContentEnd(text string) int {
	maxTagLen := len(toolCallOpen) // longest sentinel tag
	searchStart := len(text) - maxTagLen
	if p.contentEmittedTo > searchStart {
		searchStart = p.contentEmittedTo
	}
	if searchStart < 0 {
		searchStart = 0
	}

	for i := len(text) - 1; i >= searchStart; i-- {
		if text[i] != '<' {
			continue
		}
		suffix := text[i:]
		if strings.HasPrefix(toolCallOpen, suffix) || strings.HasPrefix(toolCallClose, suffix) ||
			strings.HasPrefix(thinkOpen, suffix) || strings.HasPrefix(thinkClose, suffix) {
			return i
		}
		break
	}
	return len(text)
}

func (p *StreamingToolParser) handleToolCall() StreamingParseResult {
	deltas := p.parseNewInvokes()

	if strings.Contains(p.fullText.String(), toolCallClose) {
		p.state = stateDone
	}

	if len(deltas) > 0 {
		return StreamingParseResult{ToolCallDeltas: deltas}
	}
	return StreamingParseResult{Buffered: true}
}

// parseNewInvokes parses any complete <invoke>...</invoke> blocks not yet
// emitted. A regex match only succeeds once an invoke's closing tag has
// arrived, so this is naturally safe to call on every chunk: partial
// invokes simply produce no new match yet.
func (p *StreamingToolParser) parseNewInvokes() []ToolCallDelta {
	fullText := p.fullText.String()
	tcStart := strings.Index(fullText, toolCallOpen)
	if tcStart < 0 {
		return nil
	}

	searchText := fullText[tcStart:]
	allInvokes := invokeRE.FindAllStringSubmatch(searchText, -1)
	if p.toolCallsEmitted >= len(allInvokes) {
		return nil
	}
	newInvokes := allInvokes[p.toolCallsEmitted:]

	var deltas []ToolCallDelta
	for _, invoke := range newInvokes {
		funcName := trimQuotes(invoke[1])
		invokeBody := invoke[2]

		params := map[string]any{}
		for _, param := range paramRE.FindAllStringSubmatch(invokeBody, -1) {
			paramName := trimQuotes(param[1])
			schema := getParamSchema(p.tools, funcName, paramName)
			params[paramName] = ConvertParamValue(param[2], schema)
		}
		argsJSON, _ := json.Marshal(params)

		deltas = append(deltas, ToolCallDelta{
			Index: p.toolIndex,
			ID:    generateCallID(),
			Name:  funcName,
			Args:  string(argsJSON),
			Valid: validateArgs(p.tools, funcName, argsJSON),
		})
		p.toolIndex++
		p.toolCallsEmitted++
	}

	return deltas
}
