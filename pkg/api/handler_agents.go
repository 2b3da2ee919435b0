package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/agents"
	"github.com/opta-lmx/lmx/pkg/schema"
)

const idempotencyKeyHeader = "Idempotency-Key"

func (s *Server) agentsUnavailable(c *gin.Context) bool {
	if s.agentsRuntime == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("the agent runtime is not configured", "agents_unavailable", ""))
		return true
	}
	return false
}

// fingerprint hashes the raw request body so Submit can detect an
// idempotency key replayed against a different payload.
func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// handleAgentsSubmit serves POST /v1/agents.
func (s *Server) handleAgentsSubmit(c *gin.Context) {
	if s.agentsUnavailable(c) {
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read request body", "invalid_request_error", ""))
		return
	}
	var req agents.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	req.SubmittedBy = clientIDFromHeader(c)

	run, err := s.agentsRuntime.Submit(c.Request.Context(), req, c.GetHeader(idempotencyKeyHeader), fingerprint(raw))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "agent_submit_failed", ""))
		return
	}
	c.JSON(http.StatusAccepted, schema.SubmitResponse{RunID: run.ID, Status: schema.RunStatus(run.Status)})
}

// handleAgentsGet serves GET /v1/agents/{id}.
func (s *Server) handleAgentsGet(c *gin.Context) {
	if s.agentsUnavailable(c) {
		return
	}
	run, ok := s.agentsRuntime.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("run not found: "+c.Param("id"), "run_not_found", "id"))
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleAgentsCancel serves POST /v1/agents/{id}/cancel.
func (s *Server) handleAgentsCancel(c *gin.Context) {
	if s.agentsUnavailable(c) {
		return
	}
	cancelled, err := s.agentsRuntime.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(err.Error(), "run_not_found", "id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "cancelled": cancelled})
}

func clientIDFromHeader(c *gin.Context) string {
	if v := c.GetHeader(inferenceKeyHeader); v != "" {
		return v
	}
	return c.ClientIP()
}
