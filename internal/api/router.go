// Package api wires together the HTTP surface of the review service.
//
// Route grouping philosophy:
//   - /health and /version are unauthenticated so load balancers and probes
//     can reach them without a session.
//   - The SAML SP endpoints (/saml/*) must stay outside the session
//     middleware: they are what establishes the session in the first place.
//   - Everything a reviewer sees lives behind RequireSession plus the review
//     rate limiter. Possession of a review token authorizes access to that
//     one record; the session only attributes the action.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/disappointingsupernova/access-review/internal/auth/saml"
	"github.com/disappointingsupernova/access-review/internal/config"
	"github.com/disappointingsupernova/access-review/internal/db/repositories"
	"github.com/disappointingsupernova/access-review/internal/middleware"
	"github.com/disappointingsupernova/access-review/internal/notify"
	"github.com/disappointingsupernova/access-review/internal/review"
	"github.com/disappointingsupernova/access-review/internal/trail"
)

// BackgroundServices holds resources that must be stopped during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// when the process receives a termination signal.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, db *sqlx.DB, sp *saml.ServiceProvider) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	router.SetHTMLTemplate(pageTemplates)

	recordRepo := repositories.NewAuditRecordRepository(db)
	groupRepo := repositories.NewGroupRepository(db)
	trailRepo := repositories.NewTrailRepository(db)

	trailLogger := trail.NewLogger(trailRepo)
	mailer := notify.NewMailer(&cfg.Notifications)

	overdueAfter := time.Duration(cfg.Audit.OverdueAfterDays) * 24 * time.Hour
	engine := review.NewEngine(recordRepo, groupRepo, mailer, trailLogger, overdueAfter)

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.ReviewSecurityHeadersConfig()))

	generalLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	router.Use(middleware.RateLimitMiddleware(generalLimiter))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/version", versionHandler())

	// SP endpoints (/saml/metadata, /saml/acs, /saml/slo); no-op in dev mode.
	sp.Attach(router)

	reviewLimiter := middleware.NewRateLimiter(middleware.ReviewRateLimitConfig())
	handlers := NewReviewHandlers(engine)

	// Review routes carry the stricter limiter on top of the service-wide one;
	// its headers win on these routes.
	reviewGroup := router.Group("/")
	reviewGroup.Use(middleware.RateLimitMiddleware(reviewLimiter))
	reviewGroup.Use(sp.RequireSession())
	{
		reviewGroup.GET("/", handlers.Show)
		reviewGroup.GET("/review", handlers.Show)
		reviewGroup.POST("/review", handlers.Submit)
	}

	bg := &BackgroundServices{
		rateLimiters: []*middleware.RateLimiter{generalLimiter, reviewLimiter},
	}

	return router, bg
}

// healthCheckHandler returns the health status of the service, including
// database connectivity.
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
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

// versionHandler returns the service version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": "0.1.0",
			"service": "access-review",
		})
	}
}

// LoggerMiddleware provides structured request logging. Tokens travel in the
// query string, so the query is never logged — only the path.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
