package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all gateway routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	auth := s.requireKey("")
	master := []gin.HandlerFunc{auth, requireMaster()}

	router.GET("/health", s.handleHealth)
	router.GET("/v1/models", auth, s.handleModels)

	// Chat. All three paths share one handler.
	chatAuth := s.requireKey(keyHint)
	for _, path := range []string{"/v1/chat/completions", "/api/generate", "/api/chat"} {
		router.POST(path, chatAuth, s.handleChat)
	}

	a := router.Group("/amallo")
	a.GET("/status", auth, s.handleStatus)
	a.GET("/keys", append(master, s.handleListKeys)...)
	a.POST("/keys/create", s.handleCreateKey)
	a.POST("/model", auth, s.handleSwitchModel)
	a.GET("/audit", append(master, s.handleAudit)...)

	a.GET("/omni", s.handleReadBroadcast)
	a.POST("/omni", s.handleWriteBroadcast)
	a.DELETE("/omni", append(master, s.handleClearBroadcast)...)

	ssh := a.Group("/ssh", auth)
	ssh.POST("/connect", s.handleSSHConnect)
	ssh.POST("/exec", s.handleSSHExec)
	ssh.POST("/infer", s.handleSSHInfer)
	ssh.POST("/disconnect", s.handleSSHDisconnect)

	router.NoRoute(func(c *gin.Context) {
		abortError(c, http.StatusNotFound, KindNotFound, "not found")
	})
}

// bindJSON decodes the request body into v. An empty body leaves v unchanged.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		abortError(c, http.StatusBadRequest, KindValidation, "invalid JSON body")
		return false
	}
	return true
}
