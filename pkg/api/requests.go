package api

import "encoding/json"

// anthropicContentBlock is one element of an Anthropic content-parts
// array; Text is the union's only member this shim understands.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicMessage mirrors the Anthropic Messages API's content union:
// either a bare string or an array of typed content blocks.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content anthropicContent `json:"content"`
}

// anthropicContent custom-unmarshals the string | []block union the same
// way schema.MessageContent does for the OpenAI shape.
type anthropicContent struct {
	text   string
	blocks []anthropicContentBlock
}

func (c *anthropicContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text = s
		return nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	c.blocks = blocks
	return nil
}

// asText flattens the union to plain text, concatenating content-block
// text parts in order.
func (c anthropicContent) asText() string {
	if c.text != "" || len(c.blocks) == 0 {
		return c.text
	}
	out := ""
	for _, b := range c.blocks {
		out += b.Text
	}
	return out
}

// anthropicMessagesRequest is the `POST /v1/messages` body.
type anthropicMessagesRequest struct {
	Model         string              `json:"model"`
	Messages      []anthropicMessage  `json:"messages"`
	System        string              `json:"system,omitempty"`
	MaxTokens     int                 `json:"max_tokens"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
}

// ragIngestRequest is `POST /v1/rag/ingest`.
type ragIngestRequest struct {
	Collection string           `json:"collection"`
	Documents  []ragDocument    `json:"documents"`
}

type ragDocument struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ragQueryRequest is `POST /v1/rag/query`.
type ragQueryRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
}

// ragContextRequest is `POST /v1/rag/context`: query plus a token budget
// the upstream store should pack retrieved chunks into.
type ragContextRequest struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// skillInvokeRequest is `POST /v1/skills/{name}/invoke`.
type skillInvokeRequest struct {
	Arguments map[string]any `json:"arguments"`
	Approved  bool           `json:"approved,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// mcpToolsCallRequest is `POST /mcp/tools/call`.
type mcpToolsCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Approved  bool           `json:"approved,omitempty"`
}

// mcpDispatchRequest is `POST /mcp/dispatch`, the generic JSON-RPC-style
// envelope every other /mcp/* route is a convenience wrapper around.
type mcpDispatchRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}
