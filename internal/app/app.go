package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/tax"
	"github.com/merchkit/tax-engine/internal/httpapi"
	"github.com/merchkit/tax-engine/internal/storage/postgres"
	"github.com/merchkit/tax-engine/internal/storage/rediscache"
	"github.com/merchkit/tax-engine/internal/tax/flatrate"
	"github.com/merchkit/tax-engine/internal/tax/provider"
	"github.com/merchkit/tax-engine/internal/tax/providercache"
	"github.com/merchkit/tax-engine/internal/tax/recalc"
	"github.com/merchkit/tax-engine/pkg/health"
	"github.com/merchkit/tax-engine/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Provider response cache backend: redis when configured, in-process
	// memory otherwise (fine for a single instance).
	var cacheBackend providercache.Backend = providercache.NewMemoryBackend()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis URL")
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		redisBackend := rediscache.New(redisClient)
		healthSvc.AddReadinessCheck("redis", 5*time.Second, redisBackend.Ping)
		cacheBackend = redisBackend
	}

	// Tax strategy chain: external provider first (when configured), flat
	// rates as the universal fallback.
	classes := postgres.NewTaxClassRepository(pool)
	countries := postgres.NewCountryRateTable(pool)
	resolver := flatrate.NewResolver(classes, countries)
	flatStrategy := flatrate.NewStrategy(resolver, flatrate.Config{
		WeightedShippingRate: cfg.Tax.WeightedShippingRate,
	})

	providerEnabled := cfg.Provider.Endpoint != ""
	client := provider.NewClient(cfg.Provider.Name, provider.StaticCredentials{
		Endpoint: cfg.Provider.Endpoint,
		APIKey:   cfg.Provider.APIKey,
	}, nil, cfg.Provider.Timeout)
	cache := providercache.New(cacheBackend, client, cfg.Cache.SuccessTTL, cfg.Cache.FailureTTL)
	providerStrategy := provider.NewStrategy(cfg.Provider.Name, cache, providerEnabled)

	if providerEnabled {
		healthSvc.AddReadinessCheck("provider", 5*time.Second,
			health.HTTPEndpointCheck(nil, cfg.Provider.Endpoint))
	}

	chain := tax.NewChain(providerStrategy, flatStrategy)
	engine := recalc.New(chain, recalc.Config{PriceFreshFor: cfg.Tax.PriceFreshFor})

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP routes: health endpoints + pricing API on one server.
	documents := postgres.NewDocumentRepository(pool)
	apiHandler := httpapi.NewHandler(documents, engine)

	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	apiHandler.Routes(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(
			otelhttp.NewHandler(router, "tax-engine",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
