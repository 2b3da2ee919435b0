package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/schema"
)

func modelInfoFromLoaded(m schema.LoadedModel) schema.ModelInfo {
	return schema.ModelInfo{
		ID:             m.ID,
		Object:         "model",
		Created:        m.LoadedAt.Unix(),
		OwnedBy:        "local",
		BackendKind:    string(m.BackendKind),
		BackendVersion: m.BackendVersion,
		ReadinessState: string(m.Readiness),
		ContextLength:  m.ContextLength,
		RequestCount:   m.RequestCount,
	}
}

// handleListModels serves GET /v1/models, the OpenAI-compatible model list.
func (s *Server) handleListModels(c *gin.Context) {
	loaded := s.engine.List()
	infos := make([]schema.ModelInfo, 0, len(loaded))
	for _, m := range loaded {
		infos = append(infos, modelInfoFromLoaded(m))
	}
	c.JSON(http.StatusOK, schema.ModelListResponse{Object: "list", Data: infos})
}

// handleGetModel serves GET /v1/models/{id}.
func (s *Server) handleGetModel(c *gin.Context) {
	id := c.Param("id")
	for _, m := range s.engine.List() {
		if m.ID == id {
			c.JSON(http.StatusOK, modelInfoFromLoaded(m))
			return
		}
	}
	c.JSON(http.StatusNotFound, errorBody("model not found: "+id, "model_not_found", "id"))
}
