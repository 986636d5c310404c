package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

// Version is reported by GET /health; overridden at build time via ldflags.
var Version = "dev"

// Pinger is the slice of a backend the readiness probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints. Both backends are optional: a nil
// store means persistence is disabled, a nil bus means single-instance mode,
// and neither counts against readiness.
type Handler struct {
	store types.SnapshotStore
	bus   types.BusService
}

// NewHandler creates a new health check handler.
func NewHandler(store types.SnapshotStore, bus types.BusService) *Handler {
	return &Handler{store: store, bus: bus}
}

// HealthResponse is the plain GET /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health, the simple signal the frontend polls.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	})
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only if all configured dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if status := h.check(ctx, "snapshot store", h.storePinger()); status != "" {
		checks["snapshot_store"] = status
		allHealthy = allHealthy && status == "healthy"
	}
	if status := h.check(ctx, "bus", h.busPinger()); status != "" {
		checks["bus"] = status
		allHealthy = allHealthy && status == "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// storePinger returns the store as a Pinger, or nil when unconfigured. The
// typed nils matter: a nil interface value must stay nil.
func (h *Handler) storePinger() Pinger {
	if h.store == nil {
		return nil
	}
	return h.store
}

func (h *Handler) busPinger() Pinger {
	if h.bus == nil {
		return nil
	}
	return h.bus
}

// check pings one backend; an unconfigured backend reports nothing.
func (h *Handler) check(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return ""
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "Health check failed", zap.String("backend", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
