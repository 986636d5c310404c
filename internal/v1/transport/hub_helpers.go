package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// extractToken pulls the JWT out of the upgrade request. Browser clients
// cannot set Authorization headers on WebSocket upgrades, so three carriers
// are accepted in priority order: the Authorization header (non-browser
// clients), the Sec-WebSocket-Protocol header, and the token query param.
func (h *Hub) extractToken(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return token, nil
		}
	}

	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for p := range strings.SplitSeq(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "" || p == "access_token" {
				continue
			}
			if _, err := h.validator.ValidateToken(p); err == nil {
				logging.GetLogger().Debug("Token extracted from Sec-WebSocket-Protocol header")
				return p, nil
			}
		}
	}

	if token := c.Query("token"); token != "" {
		return token, nil
	}

	logging.Warn(context.Background(), "No token provided in request")
	return "", fmt.Errorf("token not provided")
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow non-browser clients (e.g. the script-sync agent, tests).
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// authenticateUser validates the token and extracts claims.
func (h *Hub) authenticateUser(token string) (*auth.Claims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	logging.GetLogger().Debug("User authenticated", zap.String("userId", claims.Subject), zap.String("name", claims.Name))
	return claims, nil
}

// roleFromClaims maps the token's role claim onto a session role. Anything
// that is not explicitly view-only gets edit rights.
func roleFromClaims(claims *auth.Claims) types.RoleType {
	if claims.RoleOrDefault() == string(types.RoleTypeView) {
		return types.RoleTypeView
	}
	return types.RoleTypeEdit
}

// newSession builds a Session for an accepted connection. Every connection
// gets a fresh session id so reconnects never collide with their former self.
func newSession(conn wsConnection, r types.Roomer, claims *auth.Claims, username string) *Session {
	displayName := username
	if displayName == "" {
		displayName = claims.Subject
		if claims.Name != "" {
			displayName = claims.Name
		} else if claims.Email != "" {
			if at := strings.IndexByte(claims.Email, '@'); at > 0 {
				displayName = claims.Email[:at]
			}
		}
	}

	s := &Session{
		conn:        conn,
		room:        r,
		ID:          types.SessionIdType(uuid.NewString()),
		UserID:      claims.Subject,
		DisplayName: displayName,
		role:        roleFromClaims(claims),
		alive:       true, // the first heartbeat window starts now
		send:        make(chan []byte, sendQueueSize),
	}

	logging.Info(context.Background(), "Setting up session",
		zap.String("sessionId", string(s.ID)),
		zap.String("userId", s.UserID),
		zap.String("displayName", displayName),
		zap.String("role", string(s.role)),
		zap.String("roomId", string(r.GetID())))

	return s
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the access_token subprotocol when the client used it to smuggle
	// the JWT, otherwise browsers abort the handshake.
	responseHeader := http.Header{}
	if strings.Contains(c.GetHeader("Sec-WebSocket-Protocol"), "access_token") {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
