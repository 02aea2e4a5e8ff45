package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "platefinder/searchservice/internal/api/http"
	"platefinder/searchservice/internal/app"
	"platefinder/searchservice/internal/enrich"
	"platefinder/searchservice/internal/kvstore"
	"platefinder/searchservice/internal/metrics"
	"platefinder/searchservice/internal/poll"
	"platefinder/searchservice/internal/providers/delivery"
	"platefinder/searchservice/internal/providers/places"
	"platefinder/searchservice/internal/push"
	"platefinder/searchservice/internal/search"
	"platefinder/searchservice/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "plate-search")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "plate-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasPlacesKey", cfg.PlacesAPIKey != ""),
		slog.Int("deliveryProviders", len(cfg.DeliveryProviders)),
		slog.Duration("searchCacheTTL", cfg.SearchCacheTTL),
	)

	kv := buildKVStore(cfg, logger)

	placesClient := places.NewClient(places.Config{
		APIKey:          cfg.PlacesAPIKey,
		BaseURL:         cfg.PlacesBaseURL,
		Client:          &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		KV:              kv,
		CacheTTL:        cfg.PlacesCacheTTL,
		PipelineVersion: cfg.PipelineVersion,
	})
	if !placesClient.Enabled() {
		logger.Warn("places api key not configured, searches will be rejected")
	}

	deliveryConfigs := make([]delivery.ProviderConfig, 0, len(cfg.DeliveryProviders))
	providerNames := make([]string, 0, len(cfg.DeliveryProviders))
	for _, pc := range cfg.DeliveryProviders {
		deliveryConfigs = append(deliveryConfigs, delivery.ProviderConfig{
			Name:      pc.Name,
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			RateLimit: pc.RateLimit,
		})
		providerNames = append(providerNames, pc.Name)
	}
	resolver := delivery.NewClient(deliveryConfigs, delivery.WithHTTPClient(&http.Client{
		Timeout:   cfg.LookupTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))

	hub := push.NewHub(push.WithLogger(logger))
	defer hub.Close()

	enrichStore := enrich.NewStore(kv,
		enrich.WithFoundTTL(cfg.FoundTTL),
		enrich.WithNotFoundTTL(cfg.NotFoundTTL),
		enrich.WithLockTTL(cfg.LockTTL),
	)
	runner := enrich.NewRunner(enrichStore, resolver,
		enrich.WithLogger(logger),
		enrich.WithPublisher(hub),
		enrich.WithJobTimeout(cfg.JobTimeout),
		enrich.WithLookupTimeout(cfg.LookupTimeout),
		enrich.WithMaxConcurrentJobs(int64(cfg.MaxConcurrentJobs)),
	)

	statusStore := poll.NewStatusStore(kv)
	waiter := poll.NewWaiter(statusStore,
		poll.WithInterval(cfg.PollInterval),
		poll.WithMaxWait(cfg.PollMaxWait),
		poll.WithWaiterLogger(logger),
	)

	searchService := search.NewService(placesClient,
		search.WithEnricher(runner, providerNames),
		search.WithStatusTracker(statusStore),
		search.WithTimeout(cfg.RequestTimeout),
		search.WithCacheTTL(cfg.SearchCacheTTL),
		search.WithCacheDisabled(cfg.CacheDisabled),
		search.WithDefaultLocale(cfg.DefaultRegion, cfg.DefaultLanguage),
		search.WithServiceLogger(logger),
	)

	maintCtx, stopMaint := context.WithCancel(context.Background())
	defer stopMaint()
	go searchService.RunMaintenance(maintCtx, time.Minute)

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithWaiter(waiter),
		apihttp.WithDelivery(runner),
		apihttp.WithPatchStream(hub),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The watch endpoint streams SSE and the wait endpoint blocks for up
		// to PollMaxWait; no server-level write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("plate search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if err := runner.Drain(shutdownCtx); err != nil {
		logger.Warn("enrichment jobs still running at shutdown", slog.String("error", err.Error()))
	}
	logger.Info("plate search service stopped")
}

// buildKVStore connects to Redis when configured and reachable, otherwise
// falls back to the in-process store. Single-instance deployments lose
// cross-worker dedup with the fallback but keep every other behavior.
func buildKVStore(cfg app.Config, logger *slog.Logger) kvstore.Store {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		logger.Info("redis not configured, using in-memory store")
		return kvstore.NewMemoryStore()
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory store", slog.String("error", err.Error()))
		return kvstore.NewMemoryStore()
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store := kvstore.NewRedisStore(client, "")
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis not reachable, using in-memory store", slog.String("error", err.Error()))
		return kvstore.NewMemoryStore()
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return store
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
