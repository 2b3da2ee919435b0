package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/schema"
)

func anthropicToChatRequest(req anthropicMessagesRequest) schema.ChatCompletionRequest {
	messages := make([]schema.ChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, schema.ChatMessage{Role: "system", Content: schema.MessageContent{Text: req.System}})
	}
	for _, m := range req.Messages {
		messages = append(messages, schema.ChatMessage{Role: m.Role, Content: schema.MessageContent{Text: m.Content.asText()}})
	}
	maxTokens := req.MaxTokens
	return schema.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   &maxTokens,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
}

// handleAnthropicMessages serves POST /v1/messages, translating the
// Anthropic Messages API shape to a chat completion call and, when
// streaming, re-emitting the response as the Messages API's named SSE
// event sequence (message_start, content_block_start,
// content_block_delta*, content_block_stop, message_delta, message_stop)
// instead of pkg/sse's OpenAI chunk framing.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	var req anthropicMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}

	chatReq := anthropicToChatRequest(req)
	chatReq, modelID, err := s.resolveModel(chatReq)
	if err != nil {
		writeError(c, err)
		return
	}
	chatReq.ClientID = clientID(chatReq, c)
	genReq := toGenerateRequest(chatReq, modelID, chatReq.ClientID)

	if !chatReq.Stream {
		resp, err := s.engine.Generate(c.Request.Context(), s.concurrency, genReq)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, anthropicResponseFromChat(resp, modelID))
		return
	}

	events, err := s.engine.StreamGenerate(c.Request.Context(), s.concurrency, genReq)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	w := c.Writer

	msgID := "msg-" + c.GetString("request_id")
	writeSSENamedEvent(w, "message_start", gin.H{
		"type": "message_start",
		"message": gin.H{
			"id": msgID, "type": "message", "role": "assistant", "model": modelID,
			"content": []any{}, "stop_reason": nil, "usage": gin.H{"input_tokens": 0, "output_tokens": 0},
		},
	})
	writeSSENamedEvent(w, "content_block_start", gin.H{
		"type": "content_block_start", "index": 0,
		"content_block": gin.H{"type": "text", "text": ""},
	})
	w.Flush()

	stopReason := "end_turn"
	outputTokens := 0
	for ev := range events {
		if ev.Err != nil {
			writeSSENamedEvent(w, "error", gin.H{"type": "error", "error": gin.H{"type": "api_error", "message": ev.Err.Error()}})
			w.Flush()
			return
		}
		if ev.ContentDelta != "" {
			outputTokens++
			writeSSENamedEvent(w, "content_block_delta", gin.H{
				"type": "content_block_delta", "index": 0,
				"delta": gin.H{"type": "text_delta", "text": ev.ContentDelta},
			})
			w.Flush()
		}
		if ev.Done {
			if ev.FinishReason != nil && *ev.FinishReason == "tool_calls" {
				stopReason = "tool_use"
			}
			if ev.Usage != nil {
				outputTokens = ev.Usage.CompletionTokens
			}
		}
	}

	writeSSENamedEvent(w, "content_block_stop", gin.H{"type": "content_block_stop", "index": 0})
	writeSSENamedEvent(w, "message_delta", gin.H{
		"type": "message_delta",
		"delta": gin.H{"stop_reason": stopReason},
		"usage": gin.H{"output_tokens": outputTokens},
	})
	writeSSENamedEvent(w, "message_stop", gin.H{"type": "message_stop"})
	w.Flush()
}

func anthropicResponseFromChat(resp *schema.ChatCompletionResponse, modelID string) gin.H {
	text := ""
	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		if msg := resp.Choices[0].Message; msg != nil {
			text = msg.Content.AsText()
		}
		if fr := resp.Choices[0].FinishReason; fr != nil && *fr == "tool_calls" {
			stopReason = "tool_use"
		}
	}
	usage := gin.H{"input_tokens": 0, "output_tokens": 0}
	if resp.Usage != nil {
		usage = gin.H{"input_tokens": resp.Usage.PromptTokens, "output_tokens": resp.Usage.CompletionTokens}
	}
	return gin.H{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       modelID,
		"content":     []gin.H{{"type": "text", "text": text}},
		"stop_reason": stopReason,
		"usage":       usage,
	}
}
