package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
)

// errorBody builds the OpenAI-shaped {"error":{...}} envelope directly,
// for auth/rate-limit failures that never reach an lmxerr.Error.
func errorBody(message, code, param string) gin.H {
	return gin.H{"error": gin.H{
		"message": message,
		"type":    "invalid_request_error",
		"code":    code,
		"param":   param,
	}}
}

// writeError renders err as the OpenAI-shaped error envelope and aborts
// the gin context with the classified HTTP status. Any error is accepted:
// lmxerr.As synthesizes a KindInternalError wrapper for an error that was
// never classified, the same way the teacher's mapServiceError falls back
// to a generic 500 for an error it doesn't recognize.
func writeError(c *gin.Context, err error) {
	classified := lmxerr.As(err)
	if classified.Kind == lmxerr.KindInternalError {
		slog.Error("unclassified request error", "error", err, "request_id", c.GetString("request_id"))
	}
	c.AbortWithStatusJSON(classified.HTTPStatus(), classified.ToBody())
}
