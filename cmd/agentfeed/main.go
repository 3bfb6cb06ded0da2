// Command agentfeed serves the agent feed: the HTTP API, the WebSocket event
// stream, and (with BROKER_URL set) cross-instance delivery through Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/bus"
	"github.com/tbourn/agent-feed/internal/config"
	httpapi "github.com/tbourn/agent-feed/internal/http"
	"github.com/tbourn/agent-feed/internal/http/handlers"
	"github.com/tbourn/agent-feed/internal/observability"
	"github.com/tbourn/agent-feed/internal/redact"
	"github.com/tbourn/agent-feed/internal/repo"
	"github.com/tbourn/agent-feed/internal/search"
	"github.com/tbourn/agent-feed/internal/services"
	"github.com/tbourn/agent-feed/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownGrace = 15 * time.Second
	purgeInterval = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := sysutil.InitLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	red := redact.New(cfg.Feed.RedactAllowlist...)

	b, err := newBus(cfg.Bus, log)
	if err != nil {
		return err
	}

	shutdownOTEL, err := observability.Setup(ctx, cfg.OTEL, observability.Service{
		Version:    version,
		InstanceID: b.InstanceID(),
	})
	if err != nil {
		// tracing is optional; keep serving without it
		log.Warn().Err(err).Msg("opentelemetry disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	feed := services.NewFeedService(db, repo.Store{}, b, red)
	feed.Index = search.New()
	feed.Log = log.With().Str("component", "feed").Logger()
	feed.MaxContentRunes = cfg.Feed.MaxContentRunes
	feed.DefaultPageSize = cfg.Feed.DefaultPageSize
	feed.MaxPageSize = cfg.Feed.MaxPageSize
	feed.IdempotencyTTL = cfg.Feed.IdempotencyTTL
	feed.ImplicitChannelsPublic = cfg.Feed.ImplicitChannelsOpen

	ops := services.NewOperationService(feed,
		services.NewOperationSet(cfg.Feed.SignificantOps),
		services.TemplateGenerator{},
		cfg.Feed.AutoPostWindow)
	ops.Log = log.With().Str("component", "operations").Logger()

	if n, err := feed.WarmSearch(ctx, cfg.Feed.SearchWarmupPosts); err != nil {
		log.Warn().Err(err).Msg("search warmup failed")
	} else {
		log.Info().Int("posts", n).Msg("search index warmed")
	}

	// Hijacked WebSocket connections outlive http.Server.Shutdown; this
	// context ends them.
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()

	h := handlers.New(feed, ops, red, b).
		WithLogger(log.With().Str("component", "stream").Logger()).
		WithStream(handlers.StreamOptions{AllowedOrigins: cfg.CORS.AllowedOrigins, Context: streamCtx})
	h.PingInterval = cfg.Bus.WSPingInterval

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	deps := httpapi.Deps{DB: db, Scrubber: red}
	if cfg.Bus.BrokerURL != "" {
		deps.Connected = b.Connected
	}
	httpapi.RegisterRoutes(engine, h, deps, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("instance_id", b.InstanceID()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		purgeIdempotency(gctx, db, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		endStreams()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("bus close")
		}
		if err := shutdownOTEL(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown")
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		return nil
	})

	return g.Wait()
}

// newBus builds the event bus, attaching the Redis broker when configured.
// An unreachable broker is not fatal: the bus retries in the background.
func newBus(cfg config.BusConfig, log zerolog.Logger) (*bus.Bus, error) {
	opts := bus.Options{
		Logger:               log,
		SendTimeout:          cfg.SendTimeout,
		MaxConcurrentSends:   cfg.MaxConcurrentSends,
		Namespace:            cfg.Namespace,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
		ReconnectMaxElapsed:  cfg.ReconnectMaxElapsed,
	}
	if cfg.BrokerURL != "" {
		broker, err := bus.NewRedisBroker(cfg.BrokerURL)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		opts.Broker = broker
	}
	return bus.New(opts), nil
}

// purgeIdempotency deletes expired idempotency records until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("expired idempotency records purged")
			}
		}
	}
}
