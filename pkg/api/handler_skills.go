package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/skills"
)

func (s *Server) skillsUnavailable(c *gin.Context) bool {
	if s.skillsRegistry == nil || s.skillsDispatcher == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("skills are not configured", "skills_unavailable", ""))
		return true
	}
	return false
}

func summarize(m *skills.Manifest) skillSummary {
	permissions := make([]string, 0, len(m.PermissionTags))
	for _, t := range m.PermissionTags {
		permissions = append(permissions, string(t))
	}
	risks := make([]string, 0, len(m.RiskTags))
	for _, t := range m.RiskTags {
		risks = append(risks, string(t))
	}
	return skillSummary{
		Name:           m.Name,
		Reference:      m.Reference(),
		Kind:           string(m.Kind),
		Description:    m.Description,
		PermissionTags: permissions,
		RiskTags:       risks,
	}
}

// handleSkillsList serves GET /v1/skills.
func (s *Server) handleSkillsList(c *gin.Context) {
	if s.skillsUnavailable(c) {
		return
	}
	manifests := s.skillsRegistry.ListLatest()
	out := make([]skillSummary, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, summarize(m))
	}
	c.JSON(http.StatusOK, skillListResponse{Skills: out})
}

// handleSkillsGet serves GET /v1/skills/{name}.
func (s *Server) handleSkillsGet(c *gin.Context) {
	if s.skillsUnavailable(c) {
		return
	}
	manifest := s.skillsRegistry.Get(c.Param("name"))
	if manifest == nil {
		c.JSON(http.StatusNotFound, errorBody("skill not found: "+c.Param("name"), "skill_not_found", "name"))
		return
	}
	c.JSON(http.StatusOK, summarize(manifest))
}

// handleSkillsInvoke serves POST /v1/skills/{name}/invoke.
func (s *Server) handleSkillsInvoke(c *gin.Context) {
	if s.skillsUnavailable(c) {
		return
	}
	manifest := s.skillsRegistry.Get(c.Param("name"))
	if manifest == nil {
		c.JSON(http.StatusNotFound, errorBody("skill not found: "+c.Param("name"), "skill_not_found", "name"))
		return
	}

	var req skillInvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := s.skillsDispatcher.Execute(c.Request.Context(), manifest, req.Arguments, req.Approved, timeout)
	if err != nil {
		if overloaded, ok := err.(*skills.OverloadedError); ok {
			c.Header("Retry-After", strconv.Itoa(overloaded.RetryAfterSec))
			c.JSON(http.StatusTooManyRequests, errorBody(overloaded.Error(), "skill_queue_full", ""))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "skill_invoke_failed", ""))
		return
	}
	c.JSON(http.StatusOK, result)
}
