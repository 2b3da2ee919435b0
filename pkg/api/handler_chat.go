package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
	"github.com/opta-lmx/lmx/pkg/sse"
)

// clientID picks the per-client fairness key the concurrency controller
// uses: the request's `user` field when set, else the caller's remote
// address — mirroring pkg/router's own "verbatim if unrecognized" stance
// on caller-supplied identity.
func clientID(req schema.ChatCompletionRequest, c *gin.Context) string {
	if req.User != "" {
		return req.User
	}
	return c.ClientIP()
}

func requestPriority(req schema.ChatCompletionRequest) concurrency.Priority {
	if req.Priority == "high" {
		return concurrency.PriorityHigh
	}
	return concurrency.PriorityNormal
}

func toGenerateRequest(req schema.ChatCompletionRequest, modelID, client string) engine.GenerateRequest {
	var temperature, topP, freqPenalty, presPenalty float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if req.TopP != nil {
		topP = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		freqPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		presPenalty = *req.PresencePenalty
	}
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	numCtx := 0
	if req.NumCtx != nil {
		numCtx = *req.NumCtx
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	var responseFormat map[string]any
	if len(req.ResponseFormat) > 0 {
		_ = json.Unmarshal(req.ResponseFormat, &responseFormat)
	}

	return engine.GenerateRequest{
		ModelID:          modelID,
		ClientID:         client,
		Priority:         requestPriority(req),
		Messages:         req.Messages,
		Tools:            req.Tools,
		Temperature:      temperature,
		TopP:             topP,
		MaxTokens:        maxTokens,
		Stop:             req.Stop,
		FrequencyPenalty: freqPenalty,
		PresencePenalty:  presPenalty,
		ResponseFormat:   responseFormat,
		NumCtx:           numCtx,
		IncludeUsage:     includeUsage,
	}
}

// resolveModel applies any "preset:" prefix, then resolves the request's
// model reference (an alias, "auto", or a concrete ID) against the
// currently loaded set, scoring candidates by the concurrency
// controller's live load snapshot.
func (s *Server) resolveModel(req schema.ChatCompletionRequest) (schema.ChatCompletionRequest, string, error) {
	applied, err := s.taskRouter.ApplyPreset(req)
	if err != nil {
		return req, "", lmxerr.Wrap(lmxerr.KindValidationError, "invalid preset", err)
	}

	loaded := make([]string, 0)
	for _, m := range s.engine.List() {
		if m.Readiness == schema.ReadinessReady {
			loaded = append(loaded, m.ID)
		}
	}

	modelID, err := s.taskRouter.Resolve(applied.Model, loaded, func(id string) float64 {
		return s.concurrency.ModelLoad(id).Score()
	})
	if err != nil {
		return applied, "", err
	}
	return applied, modelID, nil
}

// handleChatCompletions serves POST /v1/chat/completions, OpenAI-shaped,
// streaming or not depending on req.Stream.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req schema.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindValidationError, "invalid request body", err))
		return
	}

	req, modelID, err := s.resolveModel(req)
	if err != nil {
		writeError(c, err)
		return
	}
	req.ClientID = clientID(req, c)

	genReq := toGenerateRequest(req, modelID, req.ClientID)

	if !req.Stream {
		resp, err := s.engine.Generate(c.Request.Context(), s.concurrency, genReq)
		if err != nil {
			writeError(c, err)
			return
		}
		resp.ID = "chatcmpl-" + c.GetString("request_id")
		c.JSON(http.StatusOK, resp)
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

	writer := sse.New(c.Writer, c.Writer, "chatcmpl-"+c.GetString("request_id"), modelID, s.startedAt.Unix())
	if err := writer.WriteRole(); err != nil {
		return
	}
	for ev := range events {
		if err := writer.WriteEvent(ev); err != nil {
			return
		}
	}
}

// handleCompletionsUnsupported serves POST /v1/completions, the legacy
// non-chat completion shape this control plane does not implement.
func (s *Server) handleCompletionsUnsupported(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, errorBody(
		"the legacy /v1/completions endpoint is not supported; use /v1/chat/completions",
		"not_implemented", ""))
}

// simplifiedResponseRequest is `POST /v1/responses`' body: a single-turn
// shape with no message history or tool support.
type simplifiedResponseRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	Stream    bool   `json:"stream,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// handleResponses serves POST /v1/responses: a simplified single-turn
// call that always streams named SSE events rather than OpenAI-shaped
// chunks, mirroring the Responses API's event vocabulary at a small
// scale — `response.created`, `response.output_text.delta`,
// `response.completed`.
func (s *Server) handleResponses(c *gin.Context) {
	var req simplifiedResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindValidationError, "invalid request body", err))
		return
	}

	chatReq := schema.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: req.Input}}},
		MaxTokens: req.MaxTokens,
	}
	chatReq, modelID, err := s.resolveModel(chatReq)
	if err != nil {
		writeError(c, err)
		return
	}
	chatReq.ClientID = clientID(chatReq, c)

	genReq := toGenerateRequest(chatReq, modelID, chatReq.ClientID)
	events, err := s.engine.StreamGenerate(c.Request.Context(), s.concurrency, genReq)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	w := c.Writer

	writeNamed := func(event string, payload any) bool {
		if err := writeSSENamedEvent(w, event, payload); err != nil {
			return false
		}
		w.Flush()
		return true
	}

	requestID := "resp-" + c.GetString("request_id")
	if !writeNamed("response.created", gin.H{"id": requestID, "model": modelID}) {
		return
	}
	for ev := range events {
		if ev.Err != nil {
			writeNamed("response.error", gin.H{"id": requestID, "error": ev.Err.Error()})
			return
		}
		if ev.ContentDelta != "" {
			if !writeNamed("response.output_text.delta", gin.H{"id": requestID, "delta": ev.ContentDelta}) {
				return
			}
		}
		if ev.Done {
			writeNamed("response.completed", gin.H{"id": requestID})
		}
	}
}
