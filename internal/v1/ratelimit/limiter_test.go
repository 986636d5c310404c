package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitApiGlobal:   "10-M",
		RateLimitApiPublic:   "5-M",
		RateLimitApiSessions: "5-M",
		RateLimitApiSync:     "5-M",
		RateLimitWsIp:        "3-M",
		RateLimitWsUser:      "2-M",
	}
}

func TestNewRateLimiter_Memory(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl, err := NewRateLimiter(testConfig(), client)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_BadRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitApiGlobal = "banana"
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func performRequest(rl *RateLimiter, middleware gin.HandlerFunc, claims *auth.Claims) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	if claims != nil {
		router.Use(func(c *gin.Context) { c.Set("claims", claims) })
	}
	router.Use(middleware)
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	router.ServeHTTP(w, req)
	return w
}

func TestGlobalMiddleware_PublicLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	mw := rl.GlobalMiddleware()

	// Public limit is 5/min per IP.
	for i := 0; i < 5; i++ {
		w := performRequest(rl, mw, nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
	w := performRequest(rl, mw, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestGlobalMiddleware_UserLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	mw := rl.GlobalMiddleware()

	claims := &auth.Claims{}
	claims.Subject = "user-77"

	// Authenticated requests run against the higher global limit (10/min).
	for i := 0; i < 10; i++ {
		w := performRequest(rl, mw, claims)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := performRequest(rl, mw, claims)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMiddlewareForEndpoint(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	mw := rl.MiddlewareForEndpoint("sessions")

	for i := 0; i < 5; i++ {
		w := performRequest(rl, mw, nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := performRequest(rl, mw, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckWebSocket_IPLimit(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)

	check := func() (bool, int) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/room", nil)
		c.Request.RemoteAddr = "10.9.9.9:1234"
		ok := rl.CheckWebSocket(c)
		return ok, w.Code
	}

	for i := 0; i < 3; i++ {
		ok, _ := check()
		assert.True(t, ok, "connect %d", i)
	}
	ok, code := check()
	assert.False(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, rl.CheckWebSocketUser(ctx, "u1"))
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "u1"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "u1"), "third connect within the window is over the 2-M limit")
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "u2"), "limits are per user")
}

func TestFailOpenOnStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl, err := NewRateLimiter(testConfig(), client)
	require.NoError(t, err)

	// Kill the backing store; limiting must fail open.
	mr.Close()

	w := performRequest(rl, rl.GlobalMiddleware(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rl.CheckWebSocket(func() *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/room", nil)
		return c
	}()))
}
