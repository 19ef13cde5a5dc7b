package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medglosa/medglosa/internal/config"
	"github.com/medglosa/medglosa/internal/domain/billing"
	"github.com/medglosa/medglosa/internal/domain/glosa"
	"github.com/medglosa/medglosa/internal/platform/auth"
	"github.com/medglosa/medglosa/internal/platform/blobstore"
	"github.com/medglosa/medglosa/internal/platform/db"
	"github.com/medglosa/medglosa/internal/platform/gemini"
	"github.com/medglosa/medglosa/internal/platform/kvstore"
	"github.com/medglosa/medglosa/internal/platform/middleware"
	"github.com/medglosa/medglosa/internal/platform/telemetry"
)

const analyzePath = "/glosa/analyze"

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     kvstore.Store
	pool      *pgxpool.Pool
	archive   blobstore.BlobStore
	telemetry *telemetry.Provider
	procs     *billing.Service
	glosa     *glosa.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store, a.pool = store, pool
	logger.Info().Str("driver", cfg.StoreDriver).Str("key", cfg.StoreKey).Msg("procedure store ready")

	if cfg.StatementBucket != "" {
		s3Store, err := blobstore.NewS3BlobStore(ctx, cfg.StatementBucket, cfg.AWSRegion)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.archive = s3Store
		logger.Info().Str("bucket", cfg.StatementBucket).Msg("archiving statements to S3")
	} else {
		a.archive = blobstore.NewInMemoryBlobStore()
	}

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "medglosa-server",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	client := gemini.NewClient(gemini.Config{
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.GeminiTimeout,
		APIKey:  apiKeyFunc(cfg.GeminiAPIKey),
	})

	a.procs = billing.NewService(billing.NewProcedureRepoKV(store, cfg.StoreKey))
	a.glosa = glosa.NewService(a.procs, glosa.NewGeminiExtractor(client), a.archive, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (kvstore.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.DriverRedis:
		store, err := kvstore.NewRedisStore(ctx, cfg.RedisURL)
		return store, nil, err
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return kvstore.NewPostgresStore(pool), pool, nil
	case config.DriverMemory:
		return kvstore.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// apiKeyFunc reads GEMINI_API_KEY from the environment on every call and
// falls back to the value loaded at startup (for keys set in .env).
func apiKeyFunc(fallback string) func() string {
	return func() string {
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return fallback
	}
}

func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxUploadSize, analyzePath))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, analyzePath))

	e.GET("/health", db.HealthHandler(cfg.StoreDriver, a.store, a.pool))

	var authMW echo.MiddlewareFunc
	if cfg.AuthSigningKey == "" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rs, ok := a.store.(*kvstore.RedisStore); ok {
		rl.Limiter = middleware.NewRedisLimiter(rs.Client(), cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	api := e.Group("/api/v1", authMW, middleware.RateLimit(rl))

	billing.NewHandler(a.procs).RegisterRoutes(api)
	glosa.NewHandler(a.glosa).RegisterRoutes(api)

	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleViewer))
	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	blobstore.NewBlobHandler(a.archive).RegisterRoutes(read, write)

	return e
}
