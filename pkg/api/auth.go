package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/config"
)

const (
	adminKeyHeader     = "X-Admin-Key"
	inferenceKeyHeader = "X-Inference-Key"
)

// adminAuthMiddleware compares X-Admin-Key against cfg.AdminKey in
// constant time. An unset AdminKey disables the gate entirely — a
// single-operator local deployment is the common case.
func adminAuthMiddleware(cfg config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AdminKey == "" {
			c.Next()
			return
		}
		if !constantTimeEqual(c.GetHeader(adminKeyHeader), cfg.AdminKey) {
			c.AbortWithStatusJSON(401, errorBody("invalid or missing admin key", "unauthorized", ""))
			return
		}
		c.Next()
	}
}

// inferenceAuthMiddleware gates /v1/* and /mcp/* behind an optional
// inference key; an unset InferenceKey disables the gate.
func inferenceAuthMiddleware(cfg config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.InferenceKey == "" {
			c.Next()
			return
		}
		if !constantTimeEqual(c.GetHeader(inferenceKeyHeader), cfg.InferenceKey) {
			c.AbortWithStatusJSON(401, errorBody("invalid or missing inference key", "unauthorized", ""))
			return
		}
		c.Next()
	}
}
