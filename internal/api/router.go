// Package api wires together all HTTP routes for the License Registry backend.
//
// Route grouping:
//   - Client routes (/api/v1/licenses/...) are unauthenticated; the device id in the
//     body is the caller's identity. They are rate limited per client IP.
//   - Admin routes (/api/v1/admin/...) require the admin bearer token.
//   - The Telegram webhook is only registered when a bot token is configured.
//   - /health, /ready and /version are always public.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/license-registry/license-registry/internal/api/admin"
	"github.com/license-registry/license-registry/internal/api/licenses"
	"github.com/license-registry/license-registry/internal/api/webhooks"
	"github.com/license-registry/license-registry/internal/config"
	"github.com/license-registry/license-registry/internal/jobs"
	"github.com/license-registry/license-registry/internal/middleware"
	"github.com/license-registry/license-registry/internal/notify"
	"github.com/license-registry/license-registry/internal/safego"
	"github.com/license-registry/license-registry/internal/services"
	"github.com/redis/go-redis/v9"
)

const healthCheckTimeout = 2 * time.Second

// Store is the part of the license store the router needs beyond the registry:
// a liveness probe and the expiry query used by the reminder job.
type Store interface {
	Ping(ctx context.Context) error
	jobs.ExpiringLicenseLister
}

// Dependencies are the collaborators built by cmd/server and wired into handlers
// and background jobs.
type Dependencies struct {
	Registry *services.LicenseRegistry
	Store    Store
	Notifier notify.Sender
	Version  string
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	expiryNotifier *jobs.LicenseExpiryNotifier
	rateLimiters   []*middleware.RateLimiter
	redisClient    *redis.Client
	registry       *services.LicenseRegistry
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryNotifier != nil {
		bg.expiryNotifier.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.registry != nil {
		// let pending confirmation messages finish; each is bounded by the notify timeout
		bg.registry.Wait()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("closing redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background jobs.
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{registry: deps.Registry}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.Store))
	router.GET("/ready", readinessHandler(deps.Store, bg))
	router.GET("/version", versionHandler(deps.Version))

	limiter, err := newLimiter(cfg, bg)
	if err != nil {
		return nil, nil, err
	}

	licenseHandlers := licenses.NewHandlers(deps.Registry)
	adminHandlers := admin.NewLicenseHandlers(deps.Registry)

	apiV1 := router.Group("/api/v1")
	{
		clientGroup := apiV1.Group("/licenses")
		if limiter != nil {
			clientGroup.Use(middleware.RateLimitMiddleware(limiter))
		}
		{
			clientGroup.POST("/activate", licenseHandlers.ActivateHandler)
			clientGroup.POST("/check", licenseHandlers.CheckHandler)
			clientGroup.PUT("/notify-target", licenseHandlers.SetNotifyTargetHandler)
			clientGroup.GET("/notify-target", licenseHandlers.GetNotifyTargetHandler)
			clientGroup.POST("/notify", licenseHandlers.SendNotificationHandler)
		}

		adminGroup := apiV1.Group("/admin/licenses")
		if limiter != nil {
			adminGroup.Use(middleware.RateLimitMiddleware(limiter))
		}
		adminGroup.Use(middleware.AdminAuthMiddleware(cfg.Admin.TokenHash))
		{
			adminGroup.POST("", adminHandlers.CreateLicenseHandler)
			adminGroup.GET("", adminHandlers.ListLicensesHandler)
			adminGroup.GET("/:code", adminHandlers.GetLicenseHandler)
			adminGroup.POST("/:code/deactivate", adminHandlers.DeactivateLicenseHandler)
			adminGroup.POST("/:code/reactivate", adminHandlers.ReactivateLicenseHandler)
		}
	}

	if tg := cfg.Notifications.Telegram; tg.BotToken != "" {
		sender := notify.NewTelegramNotifier(tg, &http.Client{Timeout: cfg.Notifications.Timeout})
		webhookHandler := webhooks.NewTelegramWebhookHandler(sender, tg.WebhookSecret)
		router.POST("/webhooks/telegram", webhookHandler.HandleUpdate)
		if tg.WebhookSecret == "" {
			slog.Warn("telegram webhook registered without a secret token; any caller can trigger replies")
		}
	}

	if cfg.Notifications.Enabled && deps.Store != nil && deps.Notifier != nil {
		bg.expiryNotifier = jobs.NewLicenseExpiryNotifier(deps.Store, deps.Notifier, &cfg.Notifications)
		safego.Go("license-expiry-notifier", func() { bg.expiryNotifier.Start(context.Background()) })
	}

	return router, bg, nil
}

// newLimiter builds the limiter shared by the rate limited groups, or nil when
// rate limiting is disabled.
func newLimiter(cfg *config.Config, bg *BackgroundServices) (middleware.Limiter, error) {
	rlCfg := cfg.Security.RateLimiting
	if !rlCfg.Enabled {
		return nil, nil
	}
	limits := middleware.RateLimitConfigFrom(rlCfg)

	if rlCfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(rlCfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("rate limiting: %w", err)
		}
		bg.redisClient = client
		slog.Info("rate limiting backed by redis", "requests_per_minute", limits.RequestsPerMinute, "burst", limits.BurstSize)
		return middleware.NewRedisRateLimiter(client, limits), nil
	}

	rl := middleware.NewRateLimiter(limits)
	bg.rateLimiters = append(bg.rateLimiters, rl)
	return rl, nil
}

// healthCheckHandler returns the health status of the service
// GET /health
func healthCheckHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// GET /ready
// Unlike the liveness probe (/health), this also checks Redis when the rate limiter
// depends on it.
func readinessHandler(store Store, bg *BackgroundServices) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		checks := gin.H{}

		if err := store.Ping(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if bg != nil && bg.redisClient != nil {
			if err := bg.redisClient.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
// GET /version
func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured record per request. The output format
// (json or text) follows the global handler installed by telemetry.SetupLogger.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = path
		}
		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard || origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
