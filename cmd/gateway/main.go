package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatgate/internal/cache"
	"chatgate/internal/config"
	"chatgate/internal/crypto"
	"chatgate/internal/gateway"
	"chatgate/internal/httpapi"
	"chatgate/internal/metrics"
	"chatgate/internal/pricing"
	"chatgate/internal/providers/registry"
	"chatgate/internal/ratelimit"
	"chatgate/internal/realtime"
	"chatgate/internal/session"
	"chatgate/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("default_tech", cfg.DefaultTech).
		Bool("provider_calls_disabled", cfg.DisableProviderCalls).
		Bool("encrypt_at_rest", cfg.EncryptAtRest).
		Msg("starting chatgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sealer")
	}

	if err := ensureDefaultTech(ctx, store, cfg); err != nil {
		log.Fatal().Err(err).Str("variant", cfg.DefaultTech).Msg("default tech is not usable")
	}

	m := metrics.Global()
	pool := registry.NewPool(registry.PoolConfig{
		Keys:        cfg.Keys,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		Disabled:    cfg.DisableProviderCalls,
	})
	defer pool.Close()

	responseCache := cache.New(cache.Config{
		Redis:  rdb,
		Store:  store,
		TTL:    cfg.Cache.FrontTTL,
		Logger: log.Logger,
	})
	gw := gateway.New(gateway.Config{
		Pool:    pool,
		Cache:   responseCache,
		Metrics: m,
		Logger:  log.Logger,
	})
	engine := session.New(session.Config{
		Store:              store,
		Gateway:            gw,
		Limiter:            ratelimit.New(store),
		Sealer:             sealer,
		Pricing:            pricing.Default(),
		Metrics:            m,
		Logger:             log.Logger,
		DefaultTech:        cfg.DefaultTech,
		Persona:            cfg.Persona,
		BotProfileID:       cfg.BotProfileID,
		EncryptNewSessions: cfg.EncryptAtRest,
	})
	hub := realtime.NewHub(engine, log.Logger)
	router := httpapi.Router(httpapi.Config{
		Engine:      engine,
		Hub:         hub,
		Logger:      log.Logger,
		HealthPath:  cfg.Serve.HealthPath,
		MetricsPath: cfg.Serve.MetricsPath,
	})

	httpServer := &http.Server{
		Addr:              cfg.Serve.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Serve.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// ensureDefaultTech verifies the configured variant exists, seeding the
// built-in mock variant on an empty database so a fresh deployment can
// serve turns without manual setup.
func ensureDefaultTech(ctx context.Context, store *storage.Store, cfg *config.Config) error {
	_, err := store.GetTechByVariant(ctx, cfg.DefaultTech)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if cfg.DefaultTech != registry.ProtocolMock {
		return fmt.Errorf("variant %q not found; configure it in the store", cfg.DefaultTech)
	}

	providerID, err := store.UpsertTechProvider(ctx, storage.TechProvider{
		Name:   "mock",
		Status: storage.StatusEnabled,
	})
	if err != nil {
		return fmt.Errorf("seed mock provider: %w", err)
	}
	techID, err := store.UpsertTech(ctx, storage.Tech{
		ProviderID:  providerID,
		VariantName: registry.ProtocolMock,
		Protocol:    registry.ProtocolMock,
		Model:       "mock",
		PricingTier: storage.TierFree,
		IsDefault:   true,
		Status:      storage.StatusEnabled,
	})
	if err != nil {
		return fmt.Errorf("seed mock tech: %w", err)
	}
	if cfg.Rate.DefaultPerMinute > 0 {
		if err := store.UpsertRateLimit(ctx, techID, cfg.Rate.DefaultPerMinute); err != nil {
			return fmt.Errorf("seed mock rate limit: %w", err)
		}
	}
	log.Info().Int64("tech_id", techID).Msg("seeded mock tech as default")
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
