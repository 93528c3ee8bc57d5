package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axismundi/amallo/internal/inference"
	"github.com/axismundi/amallo/internal/models"
)

// chatRequest is the superset body accepted by the chat aliases.
type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []inference.Message `json:"messages"`
	Message     string              `json:"message"`
	Prompt      string              `json:"prompt"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature *float64            `json:"temperature"`
	Stream      bool                `json:"stream"`
}

// normalize folds the single-string forms into Messages.
func (r *chatRequest) normalize() {
	if len(r.Messages) > 0 {
		return
	}
	switch {
	case r.Message != "":
		r.Messages = []inference.Message{{Role: "user", Content: r.Message}}
	case r.Prompt != "":
		r.Messages = []inference.Message{{Role: "user", Content: r.Prompt}}
	}
}

func (r chatRequest) temperature() float64 {
	if r.Temperature == nil {
		return inference.DefaultTemperature
	}
	return *r.Temperature
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatCompletion is the OpenAI-style blocking response plus the gateway's
// own metadata.
type chatCompletion struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	Created   int64        `json:"created"`
	Model     string       `json:"model"`
	Choices   []chatChoice `json:"choices"`
	Sovereign bool         `json:"sovereign"`
	Node      string       `json:"node"`
	Operator  string       `json:"operator,omitempty"`
	Backend   string       `json:"backend"`
}

func newCompletion(id, model, content string, created time.Time) chatCompletion {
	return chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: inference.FinishStop,
		}},
		Sovereign: true,
	}
}

// handleChat serves /v1/chat/completions and its aliases. Backend
// exhaustion is not an error here: the advisory text comes back with 200.
func (s *Server) handleChat(c *gin.Context) {
	start := time.Now()
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}
	req.normalize()
	if len(req.Messages) == 0 {
		abortError(c, http.StatusBadRequest, KindValidation, "messages, message or prompt required")
		return
	}

	rec := operator(c)
	prepared := s.dispatcher.Prepare(req.Model, req.Messages, req.MaxTokens, req.temperature())

	if req.Stream {
		s.streamChat(c, prepared, start)
		return
	}

	res := s.dispatcher.Complete(c.Request.Context(), prepared)
	resp := newCompletion(inference.NewCompletionID("amallo-"), res.Model, res.Text, s.now())
	resp.Node = s.node
	resp.Operator = rec.Identity
	resp.Backend = res.Backend
	c.JSON(http.StatusOK, resp)

	outcome := models.OutcomeOK
	if res.Degraded() {
		outcome = models.OutcomeDegraded
	}
	s.record(models.AuditEntry{
		Identity: rec.Identity,
		Action:   models.ActionChat,
		Model:    res.Model,
		Backend:  res.Backend,
		Outcome:  outcome,
	}, start)
}

func (s *Server) streamChat(c *gin.Context, req inference.Request, start time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	res := s.dispatcher.Stream(c.Request.Context(), req, c.Writer)

	e := models.AuditEntry{
		Identity: operator(c).Identity,
		Action:   models.ActionChat,
		Model:    res.Model,
		Backend:  inference.BackendDaemon,
		Outcome:  models.OutcomeOK,
	}
	if res.Degraded {
		e.Backend = inference.BackendNone
		e.Outcome = models.OutcomeDegraded
	}
	if res.Err != nil {
		e.Detail = res.Err.Error()
	}
	s.record(e, start)
}
