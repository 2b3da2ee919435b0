package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/memory"
	"github.com/opta-lmx/lmx/pkg/metrics"
	"github.com/opta-lmx/lmx/pkg/modelmanager"
	"github.com/opta-lmx/lmx/pkg/router"
)

func TestServerValidateWiringAllSet(t *testing.T) {
	s := &Server{
		engine:      &engine.Engine{},
		concurrency: &concurrency.Controller{},
		taskRouter:  &router.Router{},
		models:      &modelmanager.Manager{},
		metrics:     metrics.New(),
	}
	assert.NoError(t, s.ValidateWiring())
}

func TestServerValidateWiringNoneSet(t *testing.T) {
	s := &Server{}
	err := s.ValidateWiring()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "engine not set")
	assert.Contains(t, msg, "concurrency controller not set")
	assert.Contains(t, msg, "task router not set")
	assert.Contains(t, msg, "model manager not set")
	assert.Contains(t, msg, "metrics collector not set")
}

func TestServerValidateWiringPartial(t *testing.T) {
	s := &Server{
		engine:      &engine.Engine{},
		concurrency: &concurrency.Controller{},
	}
	err := s.ValidateWiring()
	require.Error(t, err)

	msg := err.Error()
	assert.NotContains(t, msg, "engine not set")
	assert.NotContains(t, msg, "concurrency controller not set")
	assert.Contains(t, msg, "task router not set")
	assert.Contains(t, msg, "model manager not set")
	assert.Contains(t, msg, "metrics collector not set")
}

func TestServerValidateWiringOptionalSubsystemsNotChecked(t *testing.T) {
	// agentsRuntime, skillsRegistry, rag, and helpers are all legitimately
	// nil/empty for a deployment without those optional subsystems.
	s := &Server{
		engine:      &engine.Engine{},
		concurrency: &concurrency.Controller{},
		taskRouter:  &router.Router{},
		models:      &modelmanager.Manager{},
		metrics:     metrics.New(),
	}
	assert.NoError(t, s.ValidateWiring())
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{router: gin.New()}
	s.router.GET("/healthz", s.healthHandler)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestMetricsHandlerServiceUnavailableWhenUnset(t *testing.T) {
	s := &Server{}
	h := s.metricsHandler()

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandlerDelegatesWhenSet(t *testing.T) {
	s := &Server{metrics: metrics.New()}
	h := s.metricsHandler()

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerHandlerReturnsUnderlyingRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &Server{router: gin.New()}
	assert.Equal(t, s.router, s.Handler())
}
