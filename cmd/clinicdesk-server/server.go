package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/config"
	"github.com/ehr/clinicdesk/internal/domain/clinicvisit"
	"github.com/ehr/clinicdesk/internal/domain/derived"
	"github.com/ehr/clinicdesk/internal/domain/dropdown"
	"github.com/ehr/clinicdesk/internal/domain/forms"
	"github.com/ehr/clinicdesk/internal/domain/lookup"
	"github.com/ehr/clinicdesk/internal/domain/session"
	"github.com/ehr/clinicdesk/internal/domain/survey"
	"github.com/ehr/clinicdesk/internal/platform/auth"
	"github.com/ehr/clinicdesk/internal/platform/cache"
	"github.com/ehr/clinicdesk/internal/platform/db"
	"github.com/ehr/clinicdesk/internal/platform/metrics"
	"github.com/ehr/clinicdesk/internal/platform/middleware"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
	"github.com/ehr/clinicdesk/internal/platform/websocket"
)

const (
	version = "0.1.0"

	sweepInterval = time.Minute
	// Redis keeps option lists well past their freshness so a dropdown API
	// outage can still be served stale.
	dropdownRetain = 7 * 24 * time.Hour
)

// app is the wired server with the resources it owns.
type app struct {
	echo     *echo.Echo
	logger   zerolog.Logger
	sessions *session.Service
	dropdown *dropdown.Service
	forms    *forms.Service
	hub      *websocket.Hub
	pool     *pgxpool.Pool
	redis    *goredis.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	api, err := upstream.NewAPI(cfg.CrudAPIURL, cfg.DropdownAPIURL, cfg.UpstreamTimeout)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(cfg.SigningKey())
	if err != nil {
		return nil, err
	}

	// Sessions survive restarts only when a database is configured.
	var repo session.Repository
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		n, err := db.NewMigrator(pool, db.Migrations(), cfg.DBSchema).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Str("schema", cfg.DBSchema).Msg("connected to database")
		repo = session.NewRepoPG(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, sessions are kept in memory")
		repo = session.NewMemoryRepo()
	}

	var optionCache dropdown.Cache
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedis(ctx, cfg.RedisURL, cache.Options{})
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rdb
		optionCache = dropdown.NewRedisCache(rdb, dropdownRetain)
		logger.Info().Msg("connected to redis")
	} else {
		optionCache = dropdown.NewMemoryCache()
	}

	a.sessions = session.NewService(repo, api, issuer, cfg.SessionTTL, logger)
	if n, err := a.sessions.Hydrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore sessions")
	} else if n > 0 {
		logger.Info().Int("sessions", n).Msg("restored sessions")
	}

	a.dropdown = dropdown.NewService(api, optionCache, cfg.DropdownCacheTTL, logger)
	suggester := lookup.NewSuggester(api, lookup.NewDebouncer(cfg.LookupDebounce), cfg.LookupLimit, logger)

	store := forms.NewStore()
	a.hub = websocket.NewHub(logger, store.AuthorizeTopic)
	a.forms = forms.NewService(api, lookup.NewEmployees(api), store, a.hub, forms.Options{
		LookupTimeout: cfg.UpstreamTimeout,
		FlushTimeout:  cfg.UpstreamTimeout,
		IdleTTL:       cfg.WorkspaceIdleTTL,
	}, logger)

	// Dropdown requests carry the upstream token, so warming waits for the
	// first login.
	a.sessions.OnStart(func(ctx context.Context) {
		go func() {
			if n := a.dropdown.WarmPreloaded(ctx); n > 0 {
				logger.Info().Int("categories", n).Msg("dropdown cache warmed")
			}
		}()
	})
	a.sessions.OnEnd(a.forms.EndSession)
	a.sessions.OnEnd(func(sessionID string) {
		suggester.Forget(lookup.SessionPrefix(sessionID))
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(2 * cfg.UpstreamTimeout))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(auth.SessionMiddleware(issuer, a.sessions))
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	session.NewHandler(a.sessions).RegisterRoutes(apiV1)
	dropdown.NewHandler(a.dropdown).RegisterRoutes(apiV1)
	lookup.NewHandler(suggester).RegisterRoutes(apiV1)
	forms.NewHandler(a.forms).RegisterRoutes(apiV1)
	clinicvisit.NewHandler(clinicvisit.NewService(api)).RegisterRoutes(apiV1)
	survey.NewHandler(survey.NewService(api, logger)).RegisterRoutes(apiV1)
	derived.NewHandler().RegisterRoutes(apiV1)
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	e.GET("/health", a.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	if a.pool != nil {
		pool := a.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}

	a.echo = e
	return a, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		return middleware.DefaultRateLimitConfig()
	}
	if rl.BurstSize <= 0 {
		rl.BurstSize = middleware.DefaultRateLimitConfig().BurstSize
	}
	return rl
}

func (a *app) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   version,
		"sessions":  a.sessions.Count(),
		"wsClients": a.hub.ClientCount(),
	})
}

// start runs the background sweepers until ctx is cancelled.
func (a *app) start(ctx context.Context) {
	go a.forms.RunSweeper(ctx, sweepInterval)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.sessions.Expire(ctx); n > 0 {
					a.logger.Info().Int("sessions", n).Msg("expired sessions ended")
				}
			}
		}
	}()
}

// close flushes open workspaces and releases the stores.
func (a *app) close(ctx context.Context) {
	if err := a.forms.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("workspace flush incomplete")
	}
	a.sessions.Close()
	a.closeStores()
}

func (a *app) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
