package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/yhtsearch/crawler/cache"
	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/crawler"
	"github.com/yhtsearch/crawler/dnscache"
	"github.com/yhtsearch/crawler/fetcher"
	"github.com/yhtsearch/crawler/logger"
	"github.com/yhtsearch/crawler/ops"
	"github.com/yhtsearch/crawler/ratelimit"
	"github.com/yhtsearch/crawler/robots"
	"github.com/yhtsearch/crawler/store"
)

const (
	defaultConfigFile = "./config.yaml"
	defaultLogLevel   = "info"
)

func main() {
	configFile := getEnv("CONFIG_FILE", defaultConfigFile)
	logLevel := getEnv("LOG_LEVEL", defaultLogLevel)

	level := logger.ParseLevel(logLevel)
	slogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	log := logger.New(slogger.Handler())

	var cfg *config.Config
	if _, statErr := os.Stat(configFile); statErr == nil {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Error("failed to load config", "file", configFile, "error", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info("loaded config", "file", configFile)
	} else {
		cfg = config.New()
		log.Info("using default configuration", "checked", configFile)
	}

	if url := os.Getenv("POSTGRES_URL"); url != "" {
		cfg.Storage.PostgresURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Storage.RedisURL = url
	}
	if cfg.Storage.PostgresURL == "" {
		log.Error("POSTGRES_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.Storage.PostgresURL, cfg.Batching.ConnectionPoolSize, log)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	var robotsCache cache.Cache
	if cfg.Storage.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			log.Error("failed to parse redis URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		robotsCache = cache.NewRedis(redisClient, "crawler:")
		log.Info("redis connected", "url", cfg.Storage.RedisURL)
	} else {
		robotsCache = cache.NewMemory()
		log.Info("using in-memory robots cache")
	}
	defer robotsCache.Close()

	userAgent := cfg.Politeness.GetUserAgent()
	batcher := store.NewBatcher(st, cfg.Batching, log)
	fetch := fetcher.New(cfg.Fetch, userAgent, cfg.Batching.ConnectionPoolSize)
	robotsChecker := robots.New(userAgent, robotsCache, log)
	limits := ratelimit.NewRegistry(cfg.Politeness.DefaultDelay)
	dns := dnscache.New()

	crawl := crawler.New(cfg, st, batcher, fetch, robotsChecker, limits, dns, nil, log)

	if err := crawl.Start(ctx); err != nil {
		log.Error("failed to start crawler", "error", err)
		os.Exit(1)
	}

	opsServer := ops.NewServer(cfg.Ops, crawl, st, slogger, log, redisClient)
	go func() {
		if err := opsServer.Start(ctx); err != nil {
			log.Error("ops server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	crawl.Stop(context.Background())
	log.Info("shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
