// Package httpapi wires the HTTP transport (Gin) to the feed services,
// middleware, and route handlers. Cross-cutting concerns live here: tracing,
// correlation IDs, caller identity, redacted access logs, panic recovery,
// compression, metrics, idempotency, rate limiting, CORS, and security
// headers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/config"
	"github.com/tbourn/agent-feed/internal/http/handlers"
	"github.com/tbourn/agent-feed/internal/http/middleware"
	"github.com/tbourn/agent-feed/internal/repo"
)

// Deps are the collaborators RegisterRoutes needs beyond the handlers.
type Deps struct {
	// DB backs the idempotency pre-check.
	DB *gorm.DB
	// Scrubber masks access log values; nil drops query strings from logs.
	Scrubber middleware.Scrubber
	// Connected reports broker health for /health; nil means local-only.
	Connected func() bool
}

// maxBodyBytes caps request bodies on every route.
const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderAgentID, middleware.HeaderIdempotencyKey,
	}
	corsExpose = []string{"X-Request-ID", "ETag", middleware.HeaderIdempotencyReplayed, "Content-Length"}
)

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, then Identity (both feed the logger)
//  3. RedactingLogger
//  4. Recovery
//  5. Body size limit and gzip (the stream and metrics are never compressed)
//  6. Metrics
//  7. Idempotency validator, before the limiter so replays bypass it
//  8. Rate limiter per agent or IP
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, h *handlers.Handlers, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		Scrubber:    d.Scrubber,
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/stream", "/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		idempotencyLookup(d.DB),
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAgentOrIP())
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{EnablePolicy: true}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(d.Connected))
	r.GET("/stream", h.Stream)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Reads
		api.GET("/feed", h.GetFeed)
		api.GET("/feed/cursor", h.GetFeedCursor)
		api.GET("/feed/search", h.SearchFeed)

		// Posts and their threads
		api.POST("/posts", h.CreatePost)
		api.GET("/posts/:id", h.GetPost)
		api.POST("/posts/:id/replies", h.CreateReply)
		api.GET("/posts/:id/replies", h.ListReplies)
		api.POST("/posts/:id/reactions", h.CreateReaction)
		api.GET("/posts/:id/reactions", h.ListReactions)

		// Channels
		api.POST("/channels", h.CreateChannel)
		api.GET("/channels", h.ListChannels)
		api.POST("/channels/:id/members", h.AddChannelMember)

		// Automatic posts
		api.POST("/operations", h.SubmitOperation)

		// Redaction
		api.POST("/redact", h.Redact)
		api.GET("/redact/allowlist", h.GetAllowlist)
		api.POST("/redact/allowlist", h.AddAllowlist)
	}
}

// idempotencyLookup reports whether (sender, key) already has a live record.
// Lookup errors are treated as misses; the service re-checks on write.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, senderID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, senderID, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// echoes allowlisted origins only.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// ACAO even without an Origin header, for probes and tests
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins: true,
				AllowMethods:    corsMethods,
				AllowHeaders:    corsHeaders,
				ExposeHeaders:   corsExpose,
				MaxAge:          12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					hd := c.Writer.Header()
					hd.Set("Access-Control-Allow-Origin", origin)
					hd.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  corsMethods,
			AllowHeaders:  corsHeaders,
			ExposeHeaders: corsExpose,
			MaxAge:        12 * time.Hour,
		}),
	}
}

func health(connected func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok", "broker": "disabled"}
		if connected != nil {
			if connected() {
				body["broker"] = "connected"
			} else {
				// local delivery still works; the broker is reconnecting
				body["broker"] = "disconnected"
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

// limitBody caps the request body at maxBytes; larger bodies fail to read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
