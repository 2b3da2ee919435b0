// Package schema holds the OpenAI- and Anthropic-shaped wire types exchanged
// over the HTTP surface, grounded on the request/response models of the
// inference schema this control plane was distilled from.
package schema

import "encoding/json"

// ContentPart models one element of a multimodal message content list.
type ContentPart struct {
	Type     string          `json:"type"` // "text" | "image_url" | "input_audio"
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
	Audio    json.RawMessage `json:"input_audio,omitempty"`
}

// ImageURL is the OpenAI image content-part payload.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is either a plain string or a list of ContentPart, matching
// the OpenAI wire union. UnmarshalJSON accepts both shapes.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// UnmarshalJSON implements the string-or-array union.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	return nil
}

// MarshalJSON renders back whichever shape was populated.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// AsText collapses content to a plain string for prompt construction,
// concatenating text parts and ignoring non-text parts.
func (c MessageContent) AsText() string {
	if c.Parts == nil {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ChatMessage is one entry in a chat completion request's message list.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// ToolCall is a resolved (non-streaming) tool invocation.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc carries the function name and JSON-encoded arguments.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDelta is the streaming form of ToolCall: arguments arrive as a
// cumulative or incremental JSON fragment depending on the emitter.
type ToolCallDelta struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function *ToolCallFuncDelta `json:"function,omitempty"`
}

// ToolCallFuncDelta is the function half of a ToolCallDelta.
type ToolCallFuncDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Tool is a caller-declared function the model may invoke.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a Tool declaration.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON-schema
}

// StreamOptions controls the trailing usage chunk on streamed responses.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionRequest is the `/v1/chat/completions` request body.
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	N                *int            `json:"n,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	Logprobs         bool            `json:"logprobs,omitempty"`
	TopLogprobs      *int            `json:"top_logprobs,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	NumCtx           *int            `json:"num_ctx,omitempty"`
	User             string          `json:"user,omitempty"`

	// Priority and ClientID are LMX extensions read out of header/query by
	// the handler, not part of the OpenAI wire shape, but threaded through
	// the same struct for convenience.
	Priority string `json:"-"`
	ClientID string `json:"-"`
}

// Usage is the OpenAI token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative (LMX only ever produces n=1).
type Choice struct {
	Index        int         `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs,omitempty"`
}

// ChatCompletionResponse is the non-streaming `/v1/chat/completions` body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// ChatCompletionChunk is one SSE data payload for a streaming response.
type ChatCompletionChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion.chunk"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}
