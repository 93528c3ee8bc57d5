package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axismundi/amallo/internal/audit"
	"github.com/axismundi/amallo/internal/inference"
	"github.com/axismundi/amallo/internal/keystore"
	"github.com/axismundi/amallo/internal/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "alive",
		"node":                s.node,
		"model":               s.registry.Current(),
		"sovereign":           true,
		"backend":             inference.BackendDaemon,
		"ssh_sessions_active": s.sessions.Count(),
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(c *gin.Context) {
	names := s.registry.Available(c.Request.Context())
	data := make([]modelEntry, 0, len(names))
	for _, n := range names {
		data = append(data, modelEntry{ID: n, Object: "model", OwnedBy: "amallo"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleStatus(c *gin.Context) {
	free, err := diskFreeGB(s.diskPath)
	if err != nil {
		free = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"node":                s.node,
		"model":               s.registry.Current(),
		"models_available":    s.registry.Available(c.Request.Context()),
		"disk_free_gb":        math.Round(free*10) / 10,
		"backend":             inference.BackendDaemon,
		"sovereign":           true,
		"ssh_sessions_active": s.sessions.Count(),
		"operator":            operator(c).Identity,
	})
}

func (s *Server) handleListKeys(c *gin.Context) {
	c.JSON(http.StatusOK, s.keys.List())
}

type createKeyRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

// handleCreateKey mints a key. Anyone may mint a user key; a master key
// requires an existing master key on the request.
func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		identity = "user"
	}
	role := keystore.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if role == "" {
		role = keystore.RoleUser
	}
	if role == keystore.RoleMaster {
		rec, ok := s.keys.Validate(c.GetHeader("Authorization"))
		if !ok || !rec.IsMaster() {
			abortError(c, http.StatusUnauthorized, KindUnauthorized, "master key required to create a master key")
			return
		}
		c.Set(recordKey, rec)
	}

	key, err := s.keys.Create(identity, role)
	if errors.Is(err, keystore.ErrInvalidRole) {
		abortError(c, http.StatusBadRequest, KindValidation, "role must be user or master")
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "could not persist key")
		return
	}
	s.record(models.AuditEntry{
		Identity: operator(c).Identity,
		Action:   models.ActionKeyCreate,
		Detail:   identity + " (" + string(role) + ")",
	}, time.Now())
	c.JSON(http.StatusOK, gin.H{"key": key, "identity": identity, "role": role})
}

type switchModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSwitchModel(c *gin.Context) {
	var req switchModelRequest
	if !bindJSON(c, &req) {
		return
	}
	switched, model := s.registry.Switch(req.Model)
	s.record(models.AuditEntry{
		Identity: operator(c).Identity,
		Action:   models.ActionModel,
		Model:    model,
	}, time.Now())
	c.JSON(http.StatusOK, gin.H{"switched": switched, "model": model})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := s.audit.Recent(limit)
	if errors.Is(err, audit.ErrDisabled) {
		abortError(c, http.StatusNotFound, KindNotFound, "audit log disabled")
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "audit query failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleReadBroadcast(c *gin.Context) {
	c.JSON(http.StatusOK, s.slot.Read())
}

type writeBroadcastRequest struct {
	Text          string `json:"text"`
	From          string `json:"from"`
	AdminPassword string `json:"admin_password"`
}

// handleWriteBroadcast accepts either the shared admin secret in the body or
// a master key in the Authorization header.
func (s *Server) handleWriteBroadcast(c *gin.Context) {
	var req writeBroadcastRequest
	if !bindJSON(c, &req) {
		return
	}
	var from string
	if s.slot.SecretMatches(req.AdminPassword) {
		from = req.From
		if from == "" {
			from = s.defaultFrom
		}
	} else {
		rec, ok := s.keys.Validate(c.GetHeader("Authorization"))
		if !ok || !rec.IsMaster() {
			abortError(c, http.StatusUnauthorized, KindUnauthorized, "admin password required")
			return
		}
		from = rec.Identity
	}

	msg := s.slot.Write(req.Text, from)
	s.record(models.AuditEntry{
		Identity: from,
		Action:   models.ActionBroadcast,
		Detail:   req.Text,
	}, time.Now())
	c.JSON(http.StatusOK, gin.H{"broadcast": true, "text": msg.Text, "active": msg.Active})
}

func (s *Server) handleClearBroadcast(c *gin.Context) {
	s.slot.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
