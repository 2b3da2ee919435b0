package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/compat"
	"github.com/opta-lmx/lmx/pkg/concurrency"
	"github.com/opta-lmx/lmx/pkg/config"
	"github.com/opta-lmx/lmx/pkg/events"
	"github.com/opta-lmx/lmx/pkg/helpers"
	"github.com/opta-lmx/lmx/pkg/kvstore"
	"github.com/opta-lmx/lmx/pkg/memory"
	"github.com/opta-lmx/lmx/pkg/metrics"
	"github.com/opta-lmx/lmx/pkg/router"
	"github.com/opta-lmx/lmx/pkg/schema"
)

func newAdminTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := kvstore.Open(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem := memory.New(90, time.Hour)
	bus := events.NewBus()

	s := &Server{
		router:      gin.New(),
		cfg:         &config.Config{Server: config.ServerConfig{SSEHeartbeatIntervalSec: 30}},
		concurrency: concurrency.New(concurrency.Config{MaxConcurrentRequests: 4}, mem),
		taskRouter:  router.New(config.RoutingConfig{}, []config.PresetConfig{{Name: "fast", ModelID: "llama-3-8b"}}),
		memMonitor:  mem,
		metrics:     metrics.New(),
		compat:      compat.New(store),
		eventBus:    bus,
		helpers:     map[string]*helpers.Client{},
		startedAt:   time.Now(),
	}
	s.router.GET("/admin/stack", s.handleAdminStack)
	s.router.GET("/admin/memory", s.handleAdminMemory)
	s.router.GET("/admin/presets", s.handleAdminPresets)
	s.router.GET("/admin/presets/:name", s.handleAdminPresetGet)
	s.router.GET("/admin/helpers", s.handleAdminHelpers)
	s.router.GET("/admin/compatibility/:model", s.handleAdminCompatibility)
	s.router.POST("/admin/autotune", s.handleAdminAutotune)
	s.router.POST("/admin/quantize", s.handleAdminQuantize)
	s.router.GET("/admin/metrics.json", s.handleAdminMetricsJSON)
	return s
}

func TestHandleAdminStackReportsDisabledOptionalSubsystems(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/stack", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["agents_enabled"])
	assert.Equal(t, false, body["skills_enabled"])
	assert.Equal(t, false, body["rag_enabled"])
}

func TestHandleAdminMemoryReturnsSnapshot(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/memory", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schema.MemoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 90.0, resp.HighWatermarkPct)
}

func TestHandleAdminPresetsConvertsPerformanceProfile(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/presets", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schema.PresetListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Presets, 1)
	assert.Equal(t, "fast", resp.Presets[0].Name)
	assert.Equal(t, "llama-3-8b", resp.Presets[0].ModelID)
}

func TestHandleAdminPresetGetReturnsDescriptor(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/presets/fast", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp schema.PresetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fast", resp.Name)
	assert.Equal(t, "llama-3-8b", resp.ModelID)
}

func TestHandleAdminPresetGetReturnsNotFoundForUnknownName(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/presets/nonexistent", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAdminHelpersEmptyWhenNoneConfigured(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/helpers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"helpers":{}`)
}

func TestHandleAdminCompatibilityReturnsEmptyHistoryForUnknownModel(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/compatibility/unknown-model", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown-model", body["model_id"])
}

func TestHandleAdminAutotuneReturnsCurrentLimit(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/autotune", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body["current_limit"], 0.0)
}

func TestHandleAdminQuantizeReturnsAcceptedJob(t *testing.T) {
	s := newAdminTestServer(t)

	payload := `{"source_model_id":"llama-3-8b","method":"awq"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/quantize", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var job schema.QuantizeJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "llama-3-8b", job.SourceModelID)
	assert.Equal(t, "queued", job.Status)
	assert.NotEmpty(t, job.ID)
}

func TestHandleAdminQuantizeRejectsInvalidJSON(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/quantize", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAdminMetricsJSONReturnsSnapshot(t *testing.T) {
	s := newAdminTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics.json", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
