package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
)

func TestErrorBody(t *testing.T) {
	body := errorBody("bad request", "validation_error", "model")
	errField, ok := body["error"].(gin.H)
	assert.True(t, ok)
	assert.Equal(t, "bad request", errField["message"])
	assert.Equal(t, "validation_error", errField["code"])
	assert.Equal(t, "model", errField["param"])
}

func TestWriteErrorClassifiedKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	writeError(c, lmxerr.New(lmxerr.KindModelNotFound, "model foo not loaded"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "model foo not loaded")
	assert.Contains(t, rec.Body.String(), string(lmxerr.KindModelNotFound))
}

func TestWriteErrorUnclassifiedFallsBackToInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	writeError(c, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(lmxerr.KindInternalError))
}

func TestWriteErrorPreservesRetryAfterKind(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)

	writeError(c, lmxerr.New(lmxerr.KindQueueFull, "queue full").WithRetryAfter(5))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
