package transport

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
	"github.com/tensorstudio/collab-hub/internal/v1/ratelimit"
	"github.com/tensorstudio/collab-hub/internal/v1/room"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// Hub is the WebSocket front door: it authenticates upgrade requests, binds
// each connection to a room from the shared manager, and runs the session
// pumps. Room lifecycle itself lives in room.Manager.
type Hub struct {
	manager     *room.Manager
	validator   types.TokenValidator
	rateLimiter *ratelimit.RateLimiter
}

// NewHub creates a Hub on top of an existing room manager. The rate limiter
// may be nil, in which case upgrade requests are not limited.
func NewHub(manager *room.Manager, validator types.TokenValidator, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		manager:     manager,
		validator:   validator,
		rateLimiter: rateLimiter,
	}
}

// Manager exposes the underlying room registry to the HTTP API layer.
func (h *Hub) Manager() *room.Manager {
	return h.manager
}

// ServeWs authenticates the request and upgrades it to a WebSocket session.
// The room name comes from the :roomId path segment and defaults to
// types.DefaultRoomId when absent.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP rate limit first, before any crypto work.
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	token, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins)
	if err != nil {
		return // upgrader already wrote the error response
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection takes an established WebSocket connection, attaches a new
// session to its room, and starts the pumps. Split from ServeWs so tests can
// drive it with a fake connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.Claims) {
	roomID := types.RoomIdType(c.Param("roomId"))
	if roomID == "" {
		roomID = types.DefaultRoomId
	}

	r := h.manager.GetOrCreate(c.Request.Context(), roomID)
	session := newSession(conn, r, claims, c.Query("username"))

	metrics.IncConnection()
	r.HandleClientConnect(session)

	go session.writePump()
	go session.readPump()
}

// Shutdown closes every room, which disconnects all live sessions.
func (h *Hub) Shutdown(ctx context.Context) {
	h.manager.Shutdown(ctx)
}
