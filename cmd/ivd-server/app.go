package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ivd/middleware/internal/config"
	"github.com/ivd/middleware/internal/domain/lis"
	"github.com/ivd/middleware/internal/domain/review"
	"github.com/ivd/middleware/internal/domain/verification"
	"github.com/ivd/middleware/internal/platform/auth"
	"github.com/ivd/middleware/internal/platform/db"
	"github.com/ivd/middleware/internal/platform/metrics"
	"github.com/ivd/middleware/internal/platform/middleware"
	"github.com/ivd/middleware/internal/platform/notify"
	"github.com/ivd/middleware/internal/platform/validate"
	"github.com/ivd/middleware/internal/platform/websocket"
)

// stores bundles the repositories of one backend. pool is nil for memory.
type stores struct {
	results lis.ResultStore
	samples lis.SampleStore
	rules   verification.RuleStore
	reviews review.Store
	pool    *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func memoryStores() *stores {
	m := lis.NewMemoryStore()
	return &stores{
		results: m.Results(),
		samples: m.Samples(),
		rules:   verification.NewMemoryRuleStore(),
		reviews: review.NewMemoryStore(),
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return memoryStores(), nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return &stores{
			results: lis.NewResultRepoPG(pool),
			samples: lis.NewSampleRepoPG(pool),
			rules:   verification.NewRuleStorePG(pool),
			reviews: review.NewStorePG(pool),
			pool:    pool,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

type app struct {
	echo     *echo.Echo
	service  *verification.Service
	settings *verification.SettingsService
	notifier notify.Notifier
	hub      *websocket.Hub
	metrics  *metrics.Metrics
}

func newSettingsService(cfg *config.Config, st *stores, logger zerolog.Logger) *verification.SettingsService {
	return verification.NewSettingsService(st.rules, logger.With().Str("component", "settings").Logger(),
		cfg.RuleCacheTTL, cfg.StoreTimeout)
}

// newNotifier combines the configured sinks with any always-on ones.
func newNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger, always ...notify.Notifier) notify.Notifier {
	sinks := notify.Fanout(always)
	if cfg.MQTTBrokerURL != "" {
		n, err := notify.NewMQTT(ctx, notify.MQTTConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
		}, logger.With().Str("component", "mqtt").Logger())
		if err != nil {
			// Events are best effort; the service runs without a broker.
			logger.Warn().Err(err).Str("broker", cfg.MQTTBrokerURL).Msg("mqtt unavailable, broker events disabled")
		} else {
			logger.Info().Str("broker", cfg.MQTTBrokerURL).Msg("publishing lifecycle events to mqtt")
			sinks = append(sinks, n)
		}
	}
	if cfg.WebhookURL != "" {
		w, err := notify.NewWebhook(notify.WebhookConfig{
			URL:         cfg.WebhookURL,
			Secret:      cfg.WebhookSecret,
			MaxAttempts: cfg.WebhookMaxAttempts,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("webhook misconfigured, webhook events disabled")
		} else {
			logger.Info().Str("url", cfg.WebhookURL).Msg("publishing lifecycle events to webhook")
			sinks = append(sinks, w)
		}
	}

	switch len(sinks) {
	case 0:
		return notify.Noop{}
	case 1:
		return sinks[0]
	}
	return sinks
}

func newApp(ctx context.Context, cfg *config.Config, st *stores, logger zerolog.Logger) (*app, error) {
	agg, err := review.ParseAggregation(cfg.ReviewAggregation)
	if err != nil {
		return nil, err
	}

	a := &app{hub: websocket.NewHub(logger)}
	a.notifier = newNotifier(ctx, cfg, logger, a.hub)
	if cfg.MetricsEnabled {
		if a.metrics, err = metrics.New(); err != nil {
			return nil, err
		}
	}

	reviews := review.NewService(st.reviews, logger.With().Str("component", "review").Logger(),
		review.WithPolicy(review.Policy{Aggregation: agg, AllowEscalation: cfg.EnableReviewEscalation}),
		review.WithStoreTimeout(cfg.StoreTimeout))

	a.settings = newSettingsService(cfg, st, logger)
	engine := verification.NewEngine(verification.EngineOptions{
		AutoVerificationEnabled: cfg.EnableAutoVerification,
		DeltaCheckEnabled:       cfg.EnableDeltaCheck,
	})

	opts := []verification.ServiceOption{
		verification.WithNotifier(a.notifier),
		verification.WithTimeout(cfg.StoreTimeout),
		verification.WithLimits(verification.Limits{
			QueueDefaultLimit: cfg.ReviewQueueDefaultLimit,
			QueueMaxLimit:     cfg.ReviewQueueMaxLimit,
			BatchSize:         cfg.VerificationBatchSize,
			BatchConcurrency:  cfg.VerificationBatchWorkers,
		}),
	}
	if a.metrics != nil {
		opts = append(opts, verification.WithRecorder(a.metrics))
	}
	a.service = verification.NewService(engine, a.settings, st.results, st.samples, reviews,
		logger.With().Str("component", "verification").Logger(), opts...)

	a.echo = newEcho(cfg, st, a, logger)
	return a, nil
}

func newEcho(cfg *config.Config, st *stores, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(db.TenantMiddleware(cfg.DefaultTenant))
	e.Use(middleware.Audit(logger, nil))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pool))
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	h := verification.NewHandler(a.service, a.settings, logger.With().Str("component", "http").Logger())
	h.RegisterRoutes(apiV1)

	stream := websocket.NewHandler(a.hub, cfg.CORSOrigins)
	apiV1.GET("/reviews/stream", stream.Stream,
		auth.RequireRole(auth.RoleLabTech, auth.RoleReviewer, auth.RolePathologist))

	return e
}
