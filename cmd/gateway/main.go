package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	"github.com/kestrelhq/llm-gateway/config"
	"github.com/kestrelhq/llm-gateway/internal/auth"
	"github.com/kestrelhq/llm-gateway/internal/billing"
	"github.com/kestrelhq/llm-gateway/internal/breaker"
	"github.com/kestrelhq/llm-gateway/internal/cache"
	"github.com/kestrelhq/llm-gateway/internal/driver"
	"github.com/kestrelhq/llm-gateway/internal/gateway"
	"github.com/kestrelhq/llm-gateway/internal/health"
	"github.com/kestrelhq/llm-gateway/internal/logging"
	"github.com/kestrelhq/llm-gateway/internal/metrics"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/router"
	"github.com/kestrelhq/llm-gateway/internal/seeder"
	"github.com/kestrelhq/llm-gateway/internal/telemetry"
	"github.com/kestrelhq/llm-gateway/pkg/ratelimit"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if flags.ValidateOnly {
		fmt.Println("config OK")
		os.Exit(0)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	shutdownTracer, err := telemetry.InitTracer("llm-gateway", cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("redis connected")

	authStore := auth.NewPostgresStore(pool)
	var authMiddleware auth.Middleware
	if cfg.Auth.Enabled {
		authMiddleware = auth.NewMiddleware(authStore, rdb, log)
	} else {
		authMiddleware = func(next http.Handler) http.Handler { return next }
	}

	billingStore := billing.NewPostgresStore(pool)
	limiter := ratelimit.NewLimiter(rdb, cfg.Auth.RateLimiting.DefaultTPM)

	metricsReg := metrics.New()

	defaultBreakerCfg := breaker.Config{
		FailureThreshold: uint32(cfg.Routing.FailoverThreshold),
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		RequestTimeout:   30 * time.Second,
	}
	breakers := breaker.New(defaultBreakerCfg, func(providerName string, from, to gobreaker.State) {
		log.Info().Str("provider", providerName).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		metricsReg.RecordBreakerState(providerName, int(to))
	})

	mon := health.New(health.WithCheckInterval(cfg.Routing.HealthCheckInterval))

	providers := make([]provider.Provider, 0, len(cfg.Providers))
	models := make([]gateway.ModelInfo, 0, len(cfg.Providers))
	for name, desc := range cfg.Providers {
		if !desc.Enabled {
			continue
		}
		p, err := buildProvider(name, desc)
		if err != nil {
			log.Fatal().Err(err).Str("provider", name).Msg("failed to build provider")
		}
		breakers.Configure(name, breakerConfigFor(desc, defaultBreakerCfg))
		providers = append(providers, p)
		for _, m := range modelsFor(desc) {
			models = append(models, gateway.ModelInfo{Provider: name, Model: m})
		}
	}
	routerCfg, err := buildRouterConfig(cfg.Routing)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid routing config")
	}

	rtr, err := router.New(routerCfg, providers, breakers, mon)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build router")
	}

	drv := driver.New(driver.DefaultConfig(), rtr, breakers, mon)

	mon.StartActiveChecks(ctx, providers)
	defer mon.Stop()

	var gatewayCache *cache.Cache
	if cfg.Cache.Enabled {
		var backend cache.Backend
		switch cfg.Cache.Backend {
		case "redis":
			backend = cache.NewRedisBackend(rdb, "llm-gateway:cache:")
		default:
			backend = cache.NewMemoryBackend(cfg.Cache.MaxSize, time.Minute)
		}
		gatewayCache = cache.New(backend, cfg.Cache.TTL)
	}

	gw := gateway.New(gateway.Deps{
		Driver:      drv,
		Cache:       gatewayCache,
		Metrics:     metricsReg,
		Breakers:    breakers,
		Health:      mon,
		Billing:     billingStore,
		Limiter:     limiter,
		Providers:   providers,
		Models:      models,
		Tracer:      otel.GetTracerProvider().Tracer("llm-gateway"),
		Logger:      log,
		MaxBodySize: cfg.Server.MaxBodySize,
	})

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, log)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Routes(authMiddleware),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("llm-gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
