package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axismundi/amallo/internal/inference"
	"github.com/axismundi/amallo/internal/models"
	"github.com/axismundi/amallo/internal/remote"
)

const remoteInferHint = "Install ollama: curl -fsSL https://ollama.com/install.sh | sh && ollama pull dolphin-mistral"

type sshConnectRequest struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

type sshExecRequest struct {
	SessionID string `json:"session_id"`
	Cmd       string `json:"cmd"`
}

type sshInferRequest struct {
	SessionID   string              `json:"session_id"`
	Messages    []inference.Message `json:"messages"`
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float64            `json:"temperature"`
}

type sshSessionRequest struct {
	SessionID string `json:"session_id"`
}

// remoteError maps session manager errors onto the gateway taxonomy.
func remoteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, remote.ErrValidation):
		abortError(c, http.StatusBadRequest, KindValidation, err.Error())
	case errors.Is(err, remote.ErrNotFound):
		abortError(c, http.StatusNotFound, KindNotFound, "session not found or expired")
	case errors.Is(err, remote.ErrAuth):
		abortError(c, http.StatusUnauthorized, KindUnauthorized, "authentication failed: wrong password or user")
	case errors.Is(err, remote.ErrConnect), errors.Is(err, remote.ErrExec):
		abortError(c, http.StatusBadGateway, KindTransport, err.Error())
	case errors.Is(err, remote.ErrNoBackend):
		abortHint(c, http.StatusServiceUnavailable, KindBackendUnavailable, "no inference backend on remote", remoteInferHint)
	default:
		abortError(c, http.StatusInternalServerError, KindInternal, "internal error")
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return models.OutcomeError
	}
	return models.OutcomeOK
}

func (s *Server) handleSSHConnect(c *gin.Context) {
	start := time.Now()
	var req sshConnectRequest
	if !bindJSON(c, &req) {
		return
	}
	info, err := s.sessions.Connect(c.Request.Context(), remote.Target{
		Host:     req.Host,
		User:     req.User,
		Password: req.Password,
		Port:     req.Port,
	})
	s.record(models.AuditEntry{
		Identity:  operator(c).Identity,
		Action:    models.ActionConnect,
		SessionID: info.ID,
		Outcome:   outcomeOf(err),
		Detail:    req.Host,
	}, start)
	if err != nil {
		remoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": info.ID,
		"connected":  true,
		"host":       info.Host,
		"user":       info.User,
		"port":       info.Port,
	})
}

func (s *Server) handleSSHExec(c *gin.Context) {
	start := time.Now()
	var req sshExecRequest
	if !bindJSON(c, &req) {
		return
	}
	res, info, err := s.sessions.Exec(c.Request.Context(), req.SessionID, req.Cmd)
	s.record(models.AuditEntry{
		Identity:  operator(c).Identity,
		Action:    models.ActionExec,
		SessionID: req.SessionID,
		Outcome:   outcomeOf(err),
		Detail:    req.Cmd,
	}, start)
	if err != nil {
		remoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"host":      info.Host,
		"user":      info.User,
	})
}

func (s *Server) handleSSHInfer(c *gin.Context) {
	start := time.Now()
	var req sshInferRequest
	if !bindJSON(c, &req) {
		return
	}
	temp := -1.0
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	res, err := s.sessions.Infer(c.Request.Context(), req.SessionID, remote.InferRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
	})
	s.record(models.AuditEntry{
		Identity:  operator(c).Identity,
		Action:    models.ActionInfer,
		SessionID: req.SessionID,
		Model:     res.Model,
		Backend:   res.Backend,
		Outcome:   outcomeOf(err),
	}, start)
	if err != nil {
		remoteError(c, err)
		return
	}
	resp := newCompletion(inference.NewCompletionID("ssh-"), res.Model, res.Text, s.now())
	resp.Node = res.Session.Node()
	resp.Backend = res.Backend
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSSHDisconnect(c *gin.Context) {
	var req sshSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	ok := s.sessions.Disconnect(req.SessionID)
	e := models.AuditEntry{
		Identity:  operator(c).Identity,
		Action:    models.ActionDisconnect,
		SessionID: req.SessionID,
		Outcome:   models.OutcomeOK,
	}
	if !ok {
		e.Outcome = models.OutcomeError
	}
	s.record(e, time.Now())
	if !ok {
		c.JSON(http.StatusOK, gin.H{"disconnected": false, "error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}
