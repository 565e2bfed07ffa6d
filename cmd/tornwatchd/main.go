package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tornwatch/tornwatch/pkg/cache"
	"github.com/tornwatch/tornwatch/pkg/client"
	"github.com/tornwatch/tornwatch/pkg/logging"
	"github.com/tornwatch/tornwatch/pkg/ratelimit"
	"github.com/tornwatch/tornwatch/pkg/refresh"
	"github.com/tornwatch/tornwatch/pkg/settings"
)

func main() {
	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	apiKey := getEnv("TORN_API_KEY", "")
	baseURL := getEnv("TORN_BASE_URL", "")
	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnv("LOG_PRETTY", "") != ""

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(logLevel),
		Pretty: logPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", redisURL).Msg("Connected to Redis")

	settingsStore, err := settings.NewRedisStore(redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create settings store")
	}

	stored, err := settingsStore.Get(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load settings")
	}
	if apiKey == "" {
		apiKey = stored.APIKey
	}
	if apiKey == "" {
		logger.Warn().Msg("No API key configured; refreshes will fail until one is set via PUT /settings")
	}

	// Env overrides win over persisted settings for this process lifetime.
	rateLimit := getEnvInt("RATE_LIMIT", stored.RateLimit)
	concurrency := getEnvInt("CONCURRENCY", stored.Concurrency)

	limiter := ratelimit.New(rateLimit, logger)

	clientCfg := client.DefaultConfig(limiter, apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	apiClient, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Torn API client")
	}
	apiClient.SubscribeHealth(client.HealthObserverFunc(func(online bool) {
		if online {
			logger.Info().Msg("Torn API connection restored")
		} else {
			logger.Warn().Msg("Torn API unreachable, refreshes will report network errors")
		}
	}))

	cacheStore, err := cache.NewRedisStore(redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create cache store")
	}
	writer := cache.NewWriter(cacheStore, cache.DefaultFlushInterval, logger)

	orch, err := refresh.New(refresh.Config{
		Fetcher:     apiClient,
		Limiter:     limiter,
		Writer:      writer,
		Concurrency: concurrency,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	// Restore the watchlist from the durable cache: targets tracked before
	// the last shutdown come back with their last known-good records.
	if err := orch.Prime(ctx, cacheStore); err != nil {
		logger.Warn().Err(err).Msg("Cache priming failed, starting with an empty watchlist")
	}
	for _, id := range orch.CachedIDs() {
		orch.Track(id)
	}

	srv := newServer(orch, apiClient, settingsStore, redisClient, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("tornwatchd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	orch.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown did not finish cleanly")
	}

	// Final cache flush before the process exits.
	if err := writer.Close(); err != nil {
		logger.Warn().Err(err).Msg("Final cache flush failed")
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn().Err(err).Msg("Redis close failed")
	}

	logger.Info().Msg("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
