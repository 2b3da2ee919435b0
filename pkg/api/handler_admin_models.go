package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/engine"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// handleAdminModelsList serves GET /admin/models: the loaded set plus the
// locally cached-but-unloaded set, mirroring the distinction the Model
// Lifecycle Manager and the Model Cache Manager each own.
func (s *Server) handleAdminModelsList(c *gin.Context) {
	loaded := s.engine.List()
	infos := make([]schema.ModelInfo, 0, len(loaded))
	for _, m := range loaded {
		infos = append(infos, modelInfoFromLoaded(m))
	}
	available, _ := s.models.ListAvailable()
	c.JSON(http.StatusOK, gin.H{"loaded": infos, "available": available})
}

// handleAdminModelsLoad serves POST /admin/models/load, the full
// download-confirmation flow: a model already on disk loads directly; a
// missing model with auto_download=false returns a confirmation token the
// caller must redeem via /admin/models/load/confirm; auto_download=true
// starts the download immediately and returns its progress URL.
func (s *Server) handleAdminModelsLoad(c *gin.Context) {
	var req schema.LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}

	if req.Confirm != "" {
		conf, err := s.models.RedeemConfirmation(req.Confirm)
		if err != nil {
			writeError(c, err)
			return
		}
		s.startModelDownload(c, conf.ModelID, true)
		return
	}

	if s.models.IsModelAvailable(req.ModelID) {
		s.loadModel(c, req)
		return
	}

	if req.AutoDownload {
		s.startModelDownload(c, req.ModelID, true)
		return
	}

	estimated, err := s.models.EstimateSize(c.Request.Context(), req.ModelID, "main", nil, nil)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindModelNotFound, "unable to estimate download size for "+req.ModelID, err))
		return
	}
	conf := s.models.CreateConfirmation(req.ModelID, estimated)
	c.JSON(http.StatusAccepted, schema.LoadAcceptedResponse{
		Status:             "download_required",
		ModelID:            req.ModelID,
		EstimatedSizeBytes: estimated,
		ConfirmationToken:  conf.Token,
		ConfirmURL:         "/admin/models/load/confirm",
	})
}

func (s *Server) startModelDownload(c *gin.Context, modelID string, autoLoad bool) {
	task, err := s.models.StartDownload(c.Request.Context(), modelID, "main", nil, nil, autoLoad)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "failed to start download for "+modelID, err))
		return
	}
	c.JSON(http.StatusAccepted, schema.LoadAcceptedResponse{
		Status:      "downloading",
		ModelID:     modelID,
		DownloadID:  task.ID,
		ProgressURL: "/admin/models/download/" + task.ID + "/progress",
	})
}

func (s *Server) loadModel(c *gin.Context, req schema.LoadRequest) {
	opts := engine.LoadOptions{
		Performance:             req.PerformanceProfile,
		ConcurrencyCap:          req.ConcurrencyCap,
		AllowUnsupportedRuntime: req.AllowUnsupported,
	}
	if req.KeepAliveSeconds != nil {
		d := time.Duration(*req.KeepAliveSeconds) * time.Second
		opts.KeepAlive = &d
	}
	loaded, err := s.engine.Load(c.Request.Context(), req.ModelID, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, modelInfoFromLoaded(*loaded))
}

// handleAdminModelsLoadConfirm serves POST /admin/models/load/confirm: the
// second step of the download-confirmation contract, redeeming the
// one-shot token minted by handleAdminModelsLoad.
func (s *Server) handleAdminModelsLoadConfirm(c *gin.Context) {
	var req schema.ConfirmDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	conf, err := s.models.RedeemConfirmation(req.ConfirmationToken)
	if err != nil {
		writeError(c, err)
		return
	}
	s.startModelDownload(c, conf.ModelID, true)
}

// handleAdminDownloadProgress serves GET /admin/models/download/{id}/progress,
// the third step of the download-confirmation contract, polled by the
// client until Status is terminal.
func (s *Server) handleAdminDownloadProgress(c *gin.Context) {
	task, ok := s.models.GetDownloadProgress(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("download not found: "+c.Param("id"), "download_not_found", "id"))
		return
	}
	c.JSON(http.StatusOK, schema.DownloadProgressResponse{
		DownloadID:      task.ID,
		Status:          string(task.Status),
		BytesDownloaded: task.BytesDownloaded,
		BytesTotal:      task.BytesTotal,
		FilesDownloaded: task.FilesDownloaded,
		FilesTotal:      task.FilesTotal,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		Error:           task.Error,
	})
}

// handleAdminModelsUnload serves POST /admin/models/unload.
func (s *Server) handleAdminModelsUnload(c *gin.Context) {
	var req schema.UnloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	if err := s.engine.Unload(req.ModelID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAdminModelsDelete serves POST /admin/models/delete, removing a
// model's cached snapshot from disk; the model must already be unloaded.
func (s *Server) handleAdminModelsDelete(c *gin.Context) {
	var req schema.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	for _, m := range s.engine.List() {
		if m.ID == req.ModelID {
			writeError(c, lmxerr.New(lmxerr.KindModelInUse, "model is loaded; unload before deleting"))
			return
		}
	}
	freed, err := s.models.DeleteModel(req.ModelID)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindModelNotFound, "failed to delete "+req.ModelID, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_id": req.ModelID, "freed_bytes": freed})
}

// handleAdminModelsProbe serves POST /admin/models/probe: a dry-run
// compatibility check against the last recorded outcome, without
// attempting to load.
func (s *Server) handleAdminModelsProbe(c *gin.Context) {
	var req schema.LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	record, found, err := s.compat.Latest(req.ModelID, schema.BackendPrimaryTensor)
	if err != nil {
		writeError(c, lmxerr.Wrap(lmxerr.KindInternalError, "failed to read compatibility history", err))
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"model_id": req.ModelID, "known": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_id": req.ModelID, "known": true, "record": record})
}
