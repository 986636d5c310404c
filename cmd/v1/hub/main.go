package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tensorstudio/collab-hub/internal/v1/api"
	"github.com/tensorstudio/collab-hub/internal/v1/auth"
	"github.com/tensorstudio/collab-hub/internal/v1/bus"
	"github.com/tensorstudio/collab-hub/internal/v1/config"
	"github.com/tensorstudio/collab-hub/internal/v1/health"
	"github.com/tensorstudio/collab-hub/internal/v1/logging"
	"github.com/tensorstudio/collab-hub/internal/v1/middleware"
	"github.com/tensorstudio/collab-hub/internal/v1/ratelimit"
	"github.com/tensorstudio/collab-hub/internal/v1/room"
	"github.com/tensorstudio/collab-hub/internal/v1/store"
	"github.com/tensorstudio/collab-hub/internal/v1/tracing"
	"github.com/tensorstudio/collab-hub/internal/v1/transport"
	"github.com/tensorstudio/collab-hub/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "collab-hub", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- Token validation chain ---
	// Session tokens minted by /session/join, then identity-provider tokens.
	validator := buildValidator(cfg)

	// --- Snapshot store selection ---
	snapshots := buildSnapshotStore(cfg)

	// --- Redis Bus Initialization (Optional) ---
	// Relays update/awareness frames between hub instances.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis pub/sub initialized for cross-instance relay", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate limiting ---
	var limiterRedis *redis.Client
	if cfg.RedisEnabled {
		limiterRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, limiterRedis)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Rooms, hub, REST surface ---
	// busService may be a typed nil; keep the interface value nil in that case.
	var busIface types.BusService
	if busService != nil {
		busIface = busService
	}
	manager := room.NewManager(snapshots, busIface)
	hub := transport.NewHub(manager, validator, rateLimiter)

	var minter *auth.SessionValidator
	if cfg.JWTSecret != "" {
		minter, err = auth.NewSessionValidator(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create session token minter", "error", err)
			os.Exit(1)
		}
	}
	var scriptGuard types.TokenValidator
	if !cfg.SkipAuth {
		scriptGuard = validator
	}
	apiHandler := api.NewHandler(manager, minter, scriptGuard)

	// --- Set up Server ---
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		router.Use(otelgin.Middleware("collab-hub"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.CORSOrigin}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	// WebSocket endpoints: named room or the default room.
	router.GET("/ws", hub.ServeWs)
	router.GET("/ws/:roomId", hub.ServeWs)

	// REST surface with per-endpoint limits.
	sessionGroup := router.Group("/", rateLimiter.MiddlewareForEndpoint("sessions"))
	sessionGroup.POST("/session/create", apiHandler.CreateSession)
	sessionGroup.POST("/session/join", apiHandler.JoinSession)
	sessionGroup.GET("/session/:id/status", apiHandler.SessionStatus)
	router.POST("/api/mcp/sync-script", rateLimiter.MiddlewareForEndpoint("sync"), apiHandler.SyncScript)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	var storeForHealth types.SnapshotStore
	if _, disabled := snapshots.(store.Disabled); !disabled {
		storeForHealth = snapshots
	}
	healthHandler := health.NewHandler(storeForHealth, busIface)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Collaboration hub starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close rooms first: disconnect sessions and flush pending persistence.
	hub.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := snapshots.Close(); err != nil {
		slog.Error("Failed to close snapshot store:", "error", err)
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}
	if limiterRedis != nil {
		_ = limiterRedis.Close()
	}

	slog.Info("Server exiting")
}

// buildValidator assembles the token verification chain: hub session tokens
// first, then identity-provider tokens when Auth0 is configured. SKIP_AUTH
// replaces the whole chain with the permissive development validator.
func buildValidator(cfg *config.Config) types.TokenValidator {
	if cfg.SkipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		return &auth.MockValidator{}
	}

	var sessionValidator *auth.SessionValidator
	if cfg.JWTSecret != "" {
		sv, err := auth.NewSessionValidator(cfg.JWTSecret)
		if err != nil {
			slog.Error("Failed to create session validator", "error", err)
			os.Exit(1)
		}
		sessionValidator = sv
	}

	var idpValidator *auth.Validator
	if cfg.Auth0Domain != "" && cfg.Auth0Audience != "" {
		v, err := auth.NewValidator(context.Background(), cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Identity-provider validator initialized", "domain", cfg.Auth0Domain)
		idpValidator = v
	}

	// Pass only the validators that exist; a typed nil inside the chain's
	// interface slice would not read as nil.
	switch {
	case sessionValidator != nil && idpValidator != nil:
		return auth.NewChainValidator(sessionValidator, idpValidator)
	case sessionValidator != nil:
		return auth.NewChainValidator(sessionValidator)
	case idpValidator != nil:
		return auth.NewChainValidator(idpValidator)
	default:
		slog.Error("No token verification configured: set JWT_SECRET or AUTH0_DOMAIN/AUTH0_AUDIENCE, or SKIP_AUTH=true for development")
		os.Exit(1)
		return nil
	}
}

// buildSnapshotStore picks the persistence backend: Postgres when
// DATABASE_URL is set, Redis when enabled, otherwise persistence is disabled
// and the hub serves collaborative editing without durability.
func buildSnapshotStore(cfg *config.Config) types.SnapshotStore {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to Postgres, persistence disabled", "error", err)
			return store.Disabled{}
		}
		slog.Info("✅ Postgres snapshot store initialized")
		return pg
	}

	if cfg.RedisEnabled {
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis store, persistence disabled", "error", err)
			return store.Disabled{}
		}
		slog.Info("✅ Redis snapshot store initialized", "addr", cfg.RedisAddr)
		return rs
	}

	slog.Warn("No snapshot backend configured; persistence disabled")
	return store.Disabled{}
}
