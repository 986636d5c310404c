// Package api is the REST surface of the hub: session bookkeeping endpoints
// used by the editor frontend, and the trusted script-sync endpoint used by
// external agents to push authoritative content into a room.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/room"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// Handler carries the dependencies of the REST endpoints.
type Handler struct {
	manager   *room.Manager
	registry  *sessionRegistry
	minter    *auth.SessionValidator // nil when no session secret is configured
	validator types.TokenValidator   // guards script-sync writes; nil disables the check
}

// NewHandler builds the REST handler set. minter may be nil (join responses
// then carry no token) and validator may be nil (script-sync runs unguarded,
// for development).
func NewHandler(manager *room.Manager, minter *auth.SessionValidator, validator types.TokenValidator) *Handler {
	return &Handler{
		manager:   manager,
		registry:  newSessionRegistry(),
		minter:    minter,
		validator: validator,
	}
}

// Register binds the endpoints onto a router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/session/create", h.CreateSession)
	r.POST("/session/join", h.JoinSession)
	r.GET("/session/:id/status", h.SessionStatus)
	r.POST("/api/mcp/sync-script", h.SyncScript)
}

// wsURLFor derives the WebSocket endpoint for a project from the incoming
// request, so the response works behind any host/port the hub is reached on.
func wsURLFor(c *gin.Context, projectID types.RoomIdType) string {
	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, c.Request.Host, projectID)
}

type createSessionRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

// CreateSession mints a session id for a project and reports where to dial.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and userId are required"})
		return
	}

	rec := h.registry.create(types.RoomIdType(req.ProjectID), req.UserID)
	logging.Info(c.Request.Context(), "Session created",
		zap.String("sessionId", string(rec.ID)),
		zap.String("projectId", req.ProjectID),
		zap.String("userId", req.UserID))

	c.JSON(http.StatusOK, gin.H{
		"sessionId": rec.ID,
		"wsUrl":     wsURLFor(c, rec.ProjectID),
		"projectId": rec.ProjectID,
		"createdAt": rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type joinSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
	Role      string `json:"role"`
}

// JoinSession resolves a session and hands the caller its role plus, when a
// session secret is configured, a short-lived token for the WebSocket dial.
// Unknown roles and absent roles both degrade to view.
func (h *Handler) JoinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and userId are required"})
		return
	}

	rec, ok := h.registry.get(types.SessionIdType(req.SessionID))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	role := types.RoleTypeView
	if req.Role == string(types.RoleTypeEdit) {
		role = types.RoleTypeEdit
	}

	resp := gin.H{
		"sessionId": rec.ID,
		"wsUrl":     wsURLFor(c, rec.ProjectID),
		"role":      role,
		"joinedAt":  time.Now().UTC().Format(time.RFC3339),
	}
	if h.minter != nil {
		token, err := h.minter.Mint(req.UserID, string(rec.ID), string(role))
		if err != nil {
			logging.Error(c.Request.Context(), "Failed to mint session token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mint token"})
			return
		}
		resp["token"] = token
	}

	logging.Info(c.Request.Context(), "Session joined",
		zap.String("sessionId", string(rec.ID)),
		zap.String("userId", req.UserID),
		zap.String("role", string(role)))
	c.JSON(http.StatusOK, resp)
}

// SessionStatus reports liveness of a session's room: participant count from
// the live room when resident, zero otherwise.
func (h *Handler) SessionStatus(c *gin.Context) {
	rec, ok := h.registry.get(types.SessionIdType(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	participants := 0
	if r, live := h.manager.Get(rec.ProjectID); live {
		participants = r.ParticipantCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":    rec.ID,
		"status":       "active",
		"participants": participants,
		"createdAt":    rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type syncScriptRequest struct {
	ProjectID string  `json:"projectId" binding:"required"`
	Code      *string `json:"code" binding:"required"`
	Token     string  `json:"token"`
	Source    string  `json:"source"`
}

// SyncScript replaces a room's content with the posted code. The room is
// created (snapshot load included) when not resident, so the mutation lands
// even with no one connected. Identical content is a no-op.
func (h *Handler) SyncScript(c *gin.Context) {
	var req syncScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ScriptSyncRequests.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and code are required"})
		return
	}

	if h.validator != nil {
		claims, err := h.validator.ValidateToken(req.Token)
		if err != nil {
			metrics.ScriptSyncRequests.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.RoleOrDefault() == string(types.RoleTypeView) {
			metrics.ScriptSyncRequests.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": "token lacks edit capability"})
			return
		}
	}

	source := req.Source
	if source == "" {
		source = "external"
	}

	r := h.manager.GetOrCreate(c.Request.Context(), types.RoomIdType(req.ProjectID))
	changed, version := r.ScriptSync(c.Request.Context(), *req.Code, source)
	// A room instantiated just to host this mutation should not stay
	// resident; the usual idle grace applies.
	h.manager.ReleaseIfEmpty(r.ID)

	if !changed {
		c.JSON(http.StatusOK, gin.H{"changed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": true, "version": version})
}
