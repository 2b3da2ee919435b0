package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
)

func (s *Server) ragUnavailable(c *gin.Context) bool {
	if s.rag == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("RAG is not configured", "rag_unavailable", ""))
		return true
	}
	return false
}

// handleRAGIngest serves POST /v1/rag/ingest.
func (s *Server) handleRAGIngest(c *gin.Context) {
	if s.ragUnavailable(c) {
		return
	}
	var req ragIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindValidationError, "invalid request body", err))
		return
	}
	if err := s.rag.Ingest(c.Request.Context(), req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "rag ingest failed", err))
		return
	}
	c.Status(http.StatusAccepted)
}

// handleRAGQuery serves POST /v1/rag/query.
func (s *Server) handleRAGQuery(c *gin.Context) {
	if s.ragUnavailable(c) {
		return
	}
	var req ragQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindValidationError, "invalid request body", err))
		return
	}
	resp, err := s.rag.Query(c.Request.Context(), req)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "rag query failed", err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleRAGContext serves POST /v1/rag/context.
func (s *Server) handleRAGContext(c *gin.Context) {
	if s.ragUnavailable(c) {
		return
	}
	var req ragContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindValidationError, "invalid request body", err))
		return
	}
	resp, err := s.rag.Context(c.Request.Context(), req)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "rag context assembly failed", err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleRAGListCollections serves GET /v1/rag/collections.
func (s *Server) handleRAGListCollections(c *gin.Context) {
	if s.ragUnavailable(c) {
		return
	}
	resp, err := s.rag.ListCollections(c.Request.Context())
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "rag collection listing failed", err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleRAGDeleteCollection serves DELETE /v1/rag/collections/{name}.
func (s *Server) handleRAGDeleteCollection(c *gin.Context) {
	if s.ragUnavailable(c) {
		return
	}
	if err := s.rag.DeleteCollection(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "rag collection delete failed", err))
		return
	}
	c.Status(http.StatusNoContent)
}
