package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/cache"
	"github.com/felipepmaragno/llm-gateway/internal/config"
	"github.com/felipepmaragno/llm-gateway/internal/cost"
	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/manager"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting LLM Gateway", "addr", cfg.Addr, "version", version, "pod", cfg.PodName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llm-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	metrics.InitInstanceMetrics(cfg.PodName, version)

	var checkers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		slog.Info("connected to redis")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("connected to postgres")
	}

	integrations, usage, err := integrationSource(cfg, db)
	if err != nil {
		slog.Error("failed to load integrations", "error", err)
		os.Exit(1)
	}

	var limits manager.RateLimitStore
	switch {
	case redisClient != nil:
		limits = ratelimit.NewRedisWindowStoreFromClient(redisClient)
		slog.Info("using redis rate limit windows")
	case db != nil:
		limits = repository.NewPostgresRateLimitRepository(db)
		slog.Info("using postgres rate limit windows")
	default:
		limits = ratelimit.NewInMemoryWindowStore()
		slog.Info("using in-memory rate limit windows")
	}

	var modelCache cache.ModelCache
	if redisClient != nil {
		modelCache = cache.NewRedisCacheFromClient(redisClient)
	} else {
		modelCache = cache.NewInMemoryCache()
	}

	opts := []manager.Option{
		manager.WithLogger(slog.Default()),
		manager.WithModelCache(modelCache, cfg.ModelsCacheTTL),
	}

	if cfg.AWSRegion != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		opts = append(opts, manager.WithCredentialResolver(secrets.NewResolver(store)))
		slog.Info("resolving credential references from aws secrets manager", "region", cfg.AWSRegion)
	}

	mgr := manager.New(integrations, usage, limits, opts...)

	if id, ok, err := mgr.DefaultIntegration(ctx); err != nil {
		slog.Warn("failed to look up default integration", "error", err)
	} else if ok {
		slog.Info("default integration", "integration_id", id)
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(api.HandlerConfig{
		Gateway:          mgr,
		EnforceRateLimit: cfg.EnforceRateLimit,
		HealthCheckers:   checkers,
		Version:          version,
	}))
	if cfg.AdminEnabled {
		guard, err := adminGuard(ctx, cfg, db)
		if err != nil {
			slog.Error("failed to set up admin auth", "error", err)
			os.Exit(1)
		}
		mux.Handle("/admin/", api.NewAdminHandler(api.AdminConfig{
			Integrations: integrations,
			Usage:        usage,
			Evictor:      mgr,
			Guard:        guard,
		}))
		slog.Info("admin API enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

// integrationSource picks Postgres, a YAML file, or an empty in-memory store.
func integrationSource(cfg *config.Config, db *sql.DB) (repository.IntegrationRepository, cost.Tracker, error) {
	if db != nil {
		var enc *crypto.Encryptor
		if cfg.EncryptionKey != "" {
			var err error
			enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return nil, nil, err
			}
		} else {
			slog.Warn("ENCRYPTION_KEY not set, api keys are stored in plaintext")
		}
		slog.Info("using postgres integration store")
		return repository.NewPostgresIntegrationRepository(db, enc), repository.NewPostgresUsageRepository(db), nil
	}

	if cfg.IntegrationsFile != "" {
		list, err := repository.LoadIntegrationsFile(cfg.IntegrationsFile)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("loaded integrations from file", "path", cfg.IntegrationsFile, "count", len(list))
		return repository.NewInMemoryIntegrationRepository(list...), cost.NewInMemoryTracker(), nil
	}

	slog.Warn("no integration source configured, starting empty")
	return repository.NewInMemoryIntegrationRepository(), cost.NewInMemoryTracker(), nil
}

func adminGuard(ctx context.Context, cfg *config.Config, db *sql.DB) (*auth.Guard, error) {
	var operators auth.OperatorStore = auth.NewMemoryOperatorStore()
	if db != nil {
		operators = auth.NewPostgresOperatorStore(db)
	}
	if cfg.AdminPasswordHash != "" {
		if err := auth.Bootstrap(ctx, operators, cfg.AdminUsername, cfg.AdminPasswordHash); err != nil {
			return nil, err
		}
	}
	return auth.NewGuard(operators), nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func connectPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
