package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) mcpUnavailable(c *gin.Context) bool {
	if s.mcpBridge == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody("MCP bridge is not configured", "mcp_unavailable", ""))
		return true
	}
	return false
}

// handleMCPDispatch serves POST /mcp/dispatch, the generic JSON-RPC-style
// envelope the other /mcp/* routes are convenience wrappers around.
func (s *Server) handleMCPDispatch(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	var req mcpDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.Dispatch(c.Request.Context(), req.Method, req.Params))
}

// handleMCPToolsList serves GET /mcp/tools.
func (s *Server) handleMCPToolsList(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.ToolsList())
}

// handleMCPToolsCall serves POST /mcp/tools/call.
func (s *Server) handleMCPToolsCall(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	var req mcpToolsCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "invalid_request_error", ""))
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.ToolsCall(c.Request.Context(), req.Name, req.Arguments, req.Approved))
}

// handleMCPPromptsList serves GET /mcp/prompts.
func (s *Server) handleMCPPromptsList(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.PromptsList())
}

// handleMCPPromptsGet serves GET /mcp/prompts/{name}.
func (s *Server) handleMCPPromptsGet(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	args := map[string]any{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	c.JSON(http.StatusOK, s.mcpBridge.PromptsGet(c.Param("name"), args))
}

// handleMCPResourcesList serves GET /mcp/resources.
func (s *Server) handleMCPResourcesList(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.ResourcesList())
}

// handleMCPResourcesRead serves GET /mcp/resources/read?uri=....
func (s *Server) handleMCPResourcesRead(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.ResourcesRead(c.Query("uri")))
}

// handleMCPCapabilities serves GET /mcp/capabilities.
func (s *Server) handleMCPCapabilities(c *gin.Context) {
	if s.mcpUnavailable(c) {
		return
	}
	c.JSON(http.StatusOK, s.mcpBridge.Capabilities())
}
