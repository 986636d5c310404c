package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingStore stubs the snapshot store with a controllable ping result.
type pingStore struct {
	err error
}

func (p *pingStore) Load(ctx context.Context, name string) ([]byte, error) { return nil, nil }
func (p *pingStore) Save(ctx context.Context, name string, data []byte) error {
	return nil
}
func (p *pingStore) Delete(ctx context.Context, name string) error { return nil }
func (p *pingStore) List(ctx context.Context) ([]string, error)    { return nil, nil }
func (p *pingStore) Ping(ctx context.Context) error                { return p.err }
func (p *pingStore) Close() error                                  { return nil }

func perform(t *testing.T, h *Handler, route string, fn gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET(route, fn)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, route, nil)
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealth(t *testing.T) {
	h := NewHandler(nil, nil)
	w, body := perform(t, h, "/health", h.Health)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, Version, body["version"])
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil)
	w, body := perform(t, h, "/health/live", h.Liveness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", body["status"])
}

func TestReadinessNoBackends(t *testing.T) {
	h := NewHandler(nil, nil)
	w, body := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])
	checks, _ := body["checks"].(map[string]any)
	assert.Empty(t, checks, "unconfigured backends are not checked")
}

func TestReadinessHealthyStore(t *testing.T) {
	h := NewHandler(&pingStore{}, nil)
	w, body := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusOK, w.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["snapshot_store"])
}

func TestReadinessUnhealthyStore(t *testing.T) {
	h := NewHandler(&pingStore{err: errors.New("connection refused")}, nil)
	w, body := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "unhealthy", checks["snapshot_store"])
}
