package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/schema"
)

func TestClientIDPrefersRequestUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	c.Request.RemoteAddr = "10.0.0.5:1234"

	req := schema.ChatCompletionRequest{User: "alice"}
	assert.Equal(t, "alice", clientID(req, c))
}

func TestClientIDFallsBackToRemoteIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	c.Request.RemoteAddr = "10.0.0.5:1234"

	req := schema.ChatCompletionRequest{}
	assert.Equal(t, "10.0.0.5", clientID(req, c))
}

func TestRequestPriority(t *testing.T) {
	assert.Equal(t, concurrency.PriorityHigh, requestPriority(schema.ChatCompletionRequest{Priority: "high"}))
	assert.Equal(t, concurrency.PriorityNormal, requestPriority(schema.ChatCompletionRequest{Priority: "normal"}))
	assert.Equal(t, concurrency.PriorityNormal, requestPriority(schema.ChatCompletionRequest{}))
}

func TestToGenerateRequestAppliesDefaultsAndOptionals(t *testing.T) {
	temp := 0.5
	maxTokens := 128

	req := schema.ChatCompletionRequest{
		Messages:    []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"\n"},
	}

	genReq := toGenerateRequest(req, "llama-3-8b", "client-1")
	assert.Equal(t, "llama-3-8b", genReq.ModelID)
	assert.Equal(t, "client-1", genReq.ClientID)
	assert.Equal(t, 0.5, genReq.Temperature)
	assert.Equal(t, 128, genReq.MaxTokens)
	assert.Equal(t, []string{"\n"}, genReq.Stop)
	assert.Equal(t, concurrency.PriorityNormal, genReq.Priority)
}

func TestToGenerateRequestZeroValuesWhenUnset(t *testing.T) {
	req := schema.ChatCompletionRequest{
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
	}
	genReq := toGenerateRequest(req, "model-a", "")
	assert.Equal(t, 0.0, genReq.Temperature)
	assert.Equal(t, 0, genReq.MaxTokens)
	assert.False(t, genReq.IncludeUsage)
}

func TestToGenerateRequestIncludeUsageFromStreamOptions(t *testing.T) {
	req := schema.ChatCompletionRequest{
		Messages:      []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
		StreamOptions: &schema.StreamOptions{IncludeUsage: true},
	}
	genReq := toGenerateRequest(req, "model-a", "")
	assert.True(t, genReq.IncludeUsage)
}

func TestHandleChatCompletionsRejectsInvalidJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{router: gin.New()}
	s.router.Use(requestIDMiddleware())
	s.router.POST("/v1/chat/completions", s.handleChatCompletions)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResponsesRejectsInvalidJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{router: gin.New()}
	s.router.Use(requestIDMiddleware())
	s.router.POST("/v1/responses", s.handleResponses)

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCompletionsUnsupportedReturnsNotImplemented(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{router: gin.New()}
	s.router.POST("/v1/completions", s.handleCompletionsUnsupported)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), "/v1/chat/completions")
}
